package pooling

import (
	"github.com/llava-go/llava/ml"
)

type Type uint32

const (
	TypeNone Type = iota
	TypeMean
	TypeCLS
	TypeLast
)

func (t Type) String() string {
	switch t {
	case TypeMean:
		return "Mean"
	case TypeCLS:
		return "CLS"
	case TypeLast:
		return "Last"
	default:
		return "Unknown"
	}
}

// Forward pools hidden states of shape (batch, sequence, hidden) into
// (batch, 1, hidden).
func (t Type) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	batch, seq, hidden := hiddenStates.Dim(0), hiddenStates.Dim(1), hiddenStates.Dim(2)
	switch t {
	case TypeMean:
		weights := make([]float32, seq)
		for i := range weights {
			weights[i] = 1 / float32(seq)
		}

		hiddenStates = ctx.Input().FromFloats(weights, 1, seq).Mulmat(ctx, hiddenStates.Permute(ctx, 0, 2, 1))
		return hiddenStates.Reshape(ctx, batch, 1, hidden)
	case TypeCLS:
		return hiddenStates.Slice(ctx, 1, 0, 1)
	case TypeLast:
		return hiddenStates.Slice(ctx, 1, seq-1, seq)
	default:
		panic("unknown pooling type")
	}
}
