package imageproc

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// SelectBestResolution picks the resolution from possible that keeps the
// most of the original image's pixels once it is scaled to fit, and among
// those the one that wastes the fewest pixels. The first of equally good
// candidates wins.
func SelectBestResolution(original image.Point, possible []image.Point) image.Point {
	var best image.Point
	maxEffective, minWasted := 0, math.MaxInt

	for _, res := range possible {
		scale := min(float64(res.X)/float64(original.X), float64(res.Y)/float64(original.Y))
		w := int(float64(original.X) * scale)
		h := int(float64(original.Y) * scale)

		effective := min(w*h, original.X*original.Y)
		wasted := res.X*res.Y - effective

		if effective > maxEffective || (effective == maxEffective && wasted < minWasted) {
			maxEffective, minWasted = effective, wasted
			best = res
		}
	}

	return best
}

// GridShape returns how many tiles of tileSize pixels span the best
// resolution for an image of the given size, as (width, height).
func GridShape(original image.Point, possible []image.Point, tileSize int) image.Point {
	best := SelectBestResolution(original, possible)
	return image.Point{best.X / tileSize, best.Y / tileSize}
}

// ResizeAndPad scales img to fit within target without distortion and
// centers it on a black canvas of the target size.
func ResizeAndPad(img image.Image, target image.Point, method int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	scaleW := float64(target.X) / float64(w)
	scaleH := float64(target.Y) / float64(h)

	var size image.Point
	if scaleW < scaleH {
		size = image.Point{target.X, min(int(math.Ceil(float64(h)*scaleW)), target.Y)}
	} else {
		size = image.Point{min(int(math.Ceil(float64(w)*scaleH)), target.X), target.Y}
	}

	resized := Resize(img, size, method)

	dst := image.NewRGBA(image.Rect(0, 0, target.X, target.Y))
	offset := image.Point{(target.X - size.X) / 2, (target.Y - size.Y) / 2}
	draw.Draw(dst, image.Rectangle{Min: offset, Max: offset.Add(size)}, resized, image.Point{}, draw.Src)
	return dst
}

// DivideToPatches cuts img into size by size tiles in row-major order.
// Tiles at the right and bottom edges are clipped to the image.
func DivideToPatches(img image.Image, size int) []image.Image {
	b := img.Bounds()

	var patches []image.Image
	for y := b.Min.Y; y < b.Max.Y; y += size {
		for x := b.Min.X; x < b.Max.X; x += size {
			r := image.Rect(x, y, min(x+size, b.Max.X), min(y+size, b.Max.Y))

			dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
			draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
			patches = append(patches, dst)
		}
	}

	return patches
}
