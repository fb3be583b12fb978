package llava

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/llava-go/llava/model/imageproc"
)

func TestProcessImage(t *testing.T) {
	pinpoints := []image.Point{{16, 32}, {32, 16}, {32, 32}}

	cases := []struct {
		name   string
		aspect AspectRatio
		size   image.Point
		tiles  int
	}{
		{name: "anyres wide", aspect: AspectAnyRes, size: image.Point{40, 20}, tiles: 3},
		{name: "anyres square", aspect: AspectAnyRes, size: image.Point{30, 30}, tiles: 5},
		{name: "pad", aspect: AspectPad, size: image.Point{40, 20}, tiles: 1},
		{name: "crop", aspect: AspectCrop, size: image.Point{40, 20}, tiles: 1},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			p := newImageProcessor(&Options{
				ImageSize:    16,
				ShortestEdge: 16,
				ImageMean:    imageproc.ClipDefaultMean,
				ImageSTD:     imageproc.ClipDefaultSTD,
				AspectRatio:  tt.aspect,
				Pinpoints:    pinpoints,
			})

			pixels, tiles, size, err := p.ProcessImage(image.NewRGBA(image.Rectangle{Max: tt.size}))
			if err != nil {
				t.Fatal(err)
			}

			if tiles != tt.tiles {
				t.Errorf("got %d tiles, want %d", tiles, tt.tiles)
			}

			if size != tt.size {
				t.Errorf("got size %v, want %v", size, tt.size)
			}

			if len(pixels) != tiles*3*16*16 {
				t.Errorf("got %d values, want %d", len(pixels), tiles*3*16*16)
			}
		})
	}
}

func TestProcessImagePadUsesMean(t *testing.T) {
	p := newImageProcessor(&Options{
		ImageSize:    4,
		ShortestEdge: 4,
		ImageMean:    [3]float32{0.5, 0.5, 0.5},
		ImageSTD:     [3]float32{0.5, 0.5, 0.5},
		AspectRatio:  AspectPad,
	})

	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := range 2 {
		for x := range 4 {
			img.Set(x, y, color.White)
		}
	}

	pixels, _, _, err := p.ProcessImage(img)
	if err != nil {
		t.Fatal(err)
	}

	// the top row is padding and normalizes to about zero
	for _, v := range pixels[:4] {
		if math.Abs(float64(v)) > 0.01 {
			t.Errorf("padding normalized to %v, want 0", v)
		}
	}

	// the middle rows are white
	if v := pixels[4+1]; math.Abs(float64(v)-1) > 0.01 {
		t.Errorf("content normalized to %v, want 1", v)
	}
}

func TestProcessImageEmpty(t *testing.T) {
	p := newImageProcessor(&Options{ImageSize: 4, ShortestEdge: 4})
	if _, _, _, err := p.ProcessImage(image.NewRGBA(image.Rectangle{})); err == nil {
		t.Error("expected an error for an empty image")
	}
}
