package llava

import (
	"image"
	"math"

	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/model/imageproc"
)

// MergeOptions describes how the per tile features of one image become a
// single block of tokens.
type MergeOptions struct {
	// Pinpoints are the resolutions, in pixels, the image may have been
	// resized to before it was cut into tiles.
	Pinpoints []image.Point

	// TileSize is the side of a tile in pixels and TilePatches the number
	// of patches along that side.
	TileSize, TilePatches int

	// Separator is appended after every row of patches by
	// MergeSpatialUnpad. It has shape (hidden).
	Separator ml.Tensor

	Policy MergePolicy
}

// MergePatches lays out features, shaped (tiles, TilePatches², hidden), as
// a (tokens, hidden) block. Tile 0 is the base image and always comes first.
func MergePatches(ctx ml.Context, features ml.Tensor, originalSize image.Point, opts MergeOptions) (ml.Tensor, error) {
	if opts.Policy != MergeFlat && opts.Policy != MergeSpatial && opts.Policy != MergeSpatialUnpad {
		return nil, unsupported("mm_patch_merge_type", opts.Policy.String())
	}

	shape := features.Shape()
	if len(shape) != 3 {
		return nil, dataErrorf("merge patches", "features of shape %v, want (tiles, patches, hidden)", shape)
	}

	tiles, patches, hidden := shape[0], shape[1], shape[2]
	if opts.Policy == MergeFlat {
		return features.Reshape(ctx, tiles*patches, hidden), nil
	}

	p := opts.TilePatches
	if p <= 0 || patches != p*p {
		return nil, dataErrorf("merge patches", "%d patches per tile, want %d²", patches, p)
	}

	if opts.Policy == MergeSpatialUnpad {
		if opts.Separator == nil {
			return nil, dataErrorf("merge patches", "%s requires a separator", opts.Policy)
		}

		if s := opts.Separator.Shape(); len(s) != 1 || s[0] != hidden {
			return nil, dataErrorf("merge patches", "separator of shape %v, want (%d)", s, hidden)
		}
	}

	base := features.Slice(ctx, 0, 0, 1).Reshape(ctx, patches, hidden)
	if tiles == 1 {
		if opts.Policy == MergeSpatialUnpad {
			return base.Concat(ctx, opts.Separator.Reshape(ctx, 1, hidden), 0), nil
		}

		return base, nil
	}

	if opts.TileSize <= 0 || len(opts.Pinpoints) == 0 {
		return nil, dataErrorf("merge patches", "%d tiles without a tile geometry", tiles)
	}

	grid := imageproc.GridShape(originalSize, opts.Pinpoints, opts.TileSize)
	w, h := grid.X, grid.Y
	if tiles != 1+w*h {
		return nil, dataErrorf("merge patches", "%d tiles for a %dx%d grid, want %d", tiles, w, h, 1+w*h)
	}

	grids := features.Slice(ctx, 0, 1, tiles).Reshape(ctx, h, w, p, p, hidden)

	var t ml.Tensor
	switch opts.Policy {
	case MergeSpatial:
		t = grids.Permute(ctx, 0, 2, 1, 3, 4).Reshape(ctx, h*p*w*p, hidden)
	case MergeSpatialUnpad:
		t = grids.Permute(ctx, 4, 0, 2, 1, 3).Reshape(ctx, hidden, h*p, w*p)
		var err error
		if t, err = unpad(ctx, t, originalSize); err != nil {
			return nil, err
		}

		rows, cols := t.Dim(1), t.Dim(2)
		newline := ctx.Zeros(ml.DTypeF32, hidden, rows, 1).Add(ctx, opts.Separator.Reshape(ctx, hidden, 1, 1))
		t = t.Concat(ctx, newline, 2).Reshape(ctx, hidden, rows*(cols+1)).Permute(ctx, 1, 0)
	}

	return base.Concat(ctx, t, 0), nil
}

// unpadBounds returns the axis (1 for rows, 2 for columns) and the range
// [lo, hi) along it that holds image content once the letterboxing applied
// to an image of the original size is removed from a rows by cols grid.
func unpadBounds(original image.Point, rows, cols int) (axis, lo, hi int) {
	originalAspect := float64(original.X) / float64(original.Y)
	currentAspect := float64(cols) / float64(rows)

	if originalAspect > currentAspect {
		scale := float64(cols) / float64(original.X)
		newRows := int(math.Floor(float64(original.Y) * scale))
		pad := (rows - newRows) / 2
		return 1, pad, rows - pad
	}

	scale := float64(rows) / float64(original.Y)
	newCols := int(math.Floor(float64(original.X) * scale))
	pad := (cols - newCols) / 2
	return 2, pad, cols - pad
}

// unpad crops t, shaped (hidden, rows, cols), to the image content.
func unpad(ctx ml.Context, t ml.Tensor, original image.Point) (ml.Tensor, error) {
	axis, lo, hi := unpadBounds(original, t.Dim(1), t.Dim(2))
	if lo >= hi {
		return nil, dataErrorf("unpad", "image of size %v leaves no content in a %dx%d grid", original, t.Dim(2), t.Dim(1))
	}

	return t.Slice(ctx, axis, lo, hi), nil
}
