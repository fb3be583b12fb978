package llava

import (
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/ml/nn"
)

// Projector maps vision features into the text embedding space. Layers
// mirrors a sequential module: even indices are linear layers and odd
// indices are GELU activations, which have no weights and stay nil.
type Projector struct {
	Layers []*nn.Linear
}

func newProjector(depth int) *Projector {
	if depth == 0 {
		return &Projector{}
	}

	return &Projector{Layers: make([]*nn.Linear, 2*depth-1)}
}

func (p *Projector) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	for i, layer := range p.Layers {
		if i%2 == 1 {
			t = t.GELU(ctx)
			continue
		}

		t = layer.Forward(ctx, t)
	}

	return t
}

// loaded reports whether every linear layer found its weights.
func (p *Projector) loaded() bool {
	for i, layer := range p.Layers {
		if i%2 == 0 && (layer == nil || layer.Weight == nil) {
			return false
		}
	}

	return true
}
