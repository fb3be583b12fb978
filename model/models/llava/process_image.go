package llava

import (
	"image"

	"github.com/llava-go/llava/model/imageproc"
)

// ImageProcessor turns an image into the normalized pixel tiles the vision
// tower encodes.
type ImageProcessor struct {
	imageSize, shortestEdge int
	imageMean, imageSTD     [3]float32

	aspectRatio AspectRatio
	pinpoints   []image.Point
}

func newImageProcessor(opts *Options) ImageProcessor {
	return ImageProcessor{
		imageSize:    opts.ImageSize,
		shortestEdge: opts.ShortestEdge,
		imageMean:    opts.ImageMean,
		imageSTD:     opts.ImageSTD,
		aspectRatio:  opts.AspectRatio,
		pinpoints:    opts.Pinpoints,
	}
}

// preprocess resizes the shortest edge, center crops and normalizes img to
// channel first values.
func (p *ImageProcessor) preprocess(img image.Image) []float32 {
	img = imageproc.ResizeShortestEdge(img, p.shortestEdge, imageproc.ResizeCatmullrom)
	img = imageproc.CenterCrop(img, image.Point{p.imageSize, p.imageSize})
	return imageproc.Normalize(img, p.imageMean, p.imageSTD, true, true)
}

// ProcessImage returns the pixel values of every tile, shaped
// (tiles, 3, size, size), the number of tiles and the size of img. With
// anyres the first tile is the whole image and the rest cover the image
// resized to the best pinpoint, row by row.
func (p *ImageProcessor) ProcessImage(img image.Image) ([]float32, int, image.Point, error) {
	img = imageproc.Composite(img)
	size := img.Bounds().Size()
	if size.X == 0 || size.Y == 0 {
		return nil, 0, size, dataErrorf("process image", "empty image")
	}

	var tiles []image.Image
	switch p.aspectRatio {
	case AspectAnyRes:
		best := imageproc.SelectBestResolution(size, p.pinpoints)
		padded := imageproc.ResizeAndPad(img, best, imageproc.ResizeCatmullrom)

		base := imageproc.Resize(img, image.Point{p.shortestEdge, p.shortestEdge}, imageproc.ResizeCatmullrom)
		tiles = append([]image.Image{base}, imageproc.DivideToPatches(padded, p.imageSize)...)
	case AspectPad:
		tiles = []image.Image{imageproc.ExpandToSquare(img, imageproc.MeanColor(p.imageMean))}
	default:
		tiles = []image.Image{img}
	}

	pixels := make([]float32, 0, len(tiles)*3*p.imageSize*p.imageSize)
	for _, tile := range tiles {
		pixels = append(pixels, p.preprocess(tile)...)
	}

	return pixels, len(tiles), size, nil
}
