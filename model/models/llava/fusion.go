package llava

import (
	"fmt"

	"github.com/llava-go/llava/ml"
)

// placement pairs a placeholder in a token sequence with the image block
// that replaces it.
type placement struct {
	Index int
	Block int
}

// placeholderMap finds every placeholder in tokens and assigns the blocks
// to them in order of appearance.
func placeholderMap(tokens []int32, placeholder int32, blocks int) ([]placement, error) {
	var placements []placement
	for i, id := range tokens {
		if id == placeholder {
			placements = append(placements, placement{Index: i, Block: len(placements)})
		}
	}

	if len(placements) != blocks {
		return nil, &DataError{
			Op:  "fuse embeddings",
			Err: fmt.Errorf("%w: %d placeholders, %d images", ErrPlaceholderMismatch, len(placements), blocks),
		}
	}

	return placements, nil
}

// FuseEmbeddings embeds tokens with embed and splices blocks, each shaped
// (tokens, hidden), in place of the placeholder ids. A positive maxLength
// keeps only that many leading positions. The result has shape
// (1, sequence, hidden).
func FuseEmbeddings(ctx ml.Context, tokens []int32, blocks []ml.Tensor, placeholder int32, embed func(ml.Context, []int32) ml.Tensor, maxLength int) (ml.Tensor, error) {
	if len(tokens) == 0 {
		return nil, dataErrorf("fuse embeddings", "empty token sequence")
	}

	placements, err := placeholderMap(tokens, placeholder, len(blocks))
	if err != nil {
		return nil, err
	}

	hidden := -1
	check := func(t ml.Tensor, what string) error {
		shape := t.Shape()
		if len(shape) != 2 {
			return dataErrorf("fuse embeddings", "%s of shape %v, want (tokens, hidden)", what, shape)
		}

		if hidden < 0 {
			hidden = shape[1]
		} else if shape[1] != hidden {
			return dataErrorf("fuse embeddings", "%s of hidden size %d, want %d", what, shape[1], hidden)
		}

		return nil
	}

	var fused ml.Tensor
	appendPart := func(t ml.Tensor) {
		if fused == nil {
			fused = t
		} else {
			fused = fused.Concat(ctx, t, 0)
		}
	}

	start := 0
	for _, p := range placements {
		if p.Index > start {
			text := embed(ctx, tokens[start:p.Index])
			if err := check(text, "text embedding"); err != nil {
				return nil, err
			}
			appendPart(text)
		}

		block := blocks[p.Block]
		if err := check(block, fmt.Sprintf("image %d", p.Block)); err != nil {
			return nil, err
		}
		appendPart(block)

		start = p.Index + 1
	}

	if start < len(tokens) {
		text := embed(ctx, tokens[start:])
		if err := check(text, "text embedding"); err != nil {
			return nil, err
		}
		appendPart(text)
	}

	if maxLength > 0 && fused.Dim(0) > maxLength {
		fused = fused.Slice(ctx, 0, 0, maxLength)
	}

	return fused.Reshape(ctx, 1, fused.Dim(0), fused.Dim(1)), nil
}
