package imageproc

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

var (
	ImageNetDefaultMean  = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD   = [3]float32{0.229, 0.224, 0.225}
	ImageNetStandardMean = [3]float32{0.5, 0.5, 0.5}
	ImageNetStandardSTD  = [3]float32{0.5, 0.5, 0.5}
	ClipDefaultMean      = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD       = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	white := color.RGBA{255, 255, 255, 255}
	return CompositeColor(img, white)
}

// CompositeColor returns an image with the alpha channel removed by drawing over a background color.
func CompositeColor(img image.Image, color color.Color) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))

	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeApproxBilinear:  draw.ApproxBiLinear,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	return dst
}

// ResizeShortestEdge scales img so that its shorter side is size pixels,
// keeping the aspect ratio. The longer side is truncated.
func ResizeShortestEdge(img image.Image, size int, method int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w <= h {
		return Resize(img, image.Point{size, max(1, h*size/w)}, method)
	}

	return Resize(img, image.Point{max(1, w*size/h), size}, method)
}

// CenterCrop returns the centered size.X by size.Y region of img. An image
// smaller than the crop is padded with black.
func CenterCrop(img image.Image, size image.Point) image.Image {
	b := img.Bounds()
	left := b.Min.X + (b.Dx()-size.X)/2
	top := b.Min.Y + (b.Dy()-size.Y)/2

	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(dst, dst.Bounds(), img, image.Point{left, top}, draw.Src)
	return dst
}

// ExpandToSquare pads the shorter side of img with background so that the
// image is centered on a square canvas.
func ExpandToSquare(img image.Image, background color.Color) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == h {
		return img
	}

	side := max(w, h)
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{background}, image.Point{}, draw.Src)

	offset := image.Point{(side - w) / 2, (side - h) / 2}
	draw.Draw(dst, image.Rectangle{Min: offset, Max: offset.Add(image.Point{w, h})}, img, img.Bounds().Min, draw.Src)
	return dst
}

// MeanColor converts a normalization mean to the background color used when
// padding, so that padding normalizes to zero.
func MeanColor(mean [3]float32) color.Color {
	return color.RGBA{uint8(mean[0] * 255), uint8(mean[1] * 255), uint8(mean[2] * 255), 255}
}

// Normalize returns a slice of float32 containing each of the r, g, b values for an image normalized around a value.
func Normalize(img image.Image, mean, std [3]float32, rescale bool, channelFirst bool) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()
	pixelVals := make([]float32, 3*n)

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			rVal, gVal, bVal := float32(r>>8), float32(g>>8), float32(b>>8)
			if rescale {
				rVal /= 255.0
				gVal /= 255.0
				bVal /= 255.0
			}

			rVal = (rVal - mean[0]) / std[0]
			gVal = (gVal - mean[1]) / std[1]
			bVal = (bVal - mean[2]) / std[2]

			if channelFirst {
				pixelVals[i], pixelVals[n+i], pixelVals[2*n+i] = rVal, gVal, bVal
			} else {
				pixelVals[3*i], pixelVals[3*i+1], pixelVals[3*i+2] = rVal, gVal, bVal
			}
			i++
		}
	}

	return pixelVals
}
