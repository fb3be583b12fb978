package llava

import (
	"github.com/llava-go/llava/ml"
)

// SelectFeature picks the vision encoder output the projector consumes.
// hiddenStates holds every encoder layer output followed by the pooled
// output; selectLayer counts from the end and must be -1 or -2. Unless
// includeClassToken is set the class token at sequence index 0 is dropped.
func SelectFeature(ctx ml.Context, hiddenStates []ml.Tensor, selectLayer int, includeClassToken bool) (ml.Tensor, error) {
	if selectLayer != -1 && selectLayer != -2 {
		return nil, unsupported("mm_vision_select_layer", selectLayer)
	}

	if len(hiddenStates) < -selectLayer {
		return nil, dataErrorf("select feature", "%d hidden states, want at least %d", len(hiddenStates), -selectLayer)
	}

	t := hiddenStates[len(hiddenStates)+selectLayer]
	if len(t.Shape()) != 3 {
		return nil, dataErrorf("select feature", "hidden state of shape %v, want (batch, sequence, embed)", t.Shape())
	}

	if includeClassToken {
		return t, nil
	}

	if t.Dim(1) < 2 {
		return nil, dataErrorf("select feature", "hidden state of shape %v has no patch tokens", t.Shape())
	}

	return t.Slice(ctx, 1, 1, t.Dim(1)), nil
}
