package nn

import "github.com/llava-go/llava/ml"

type Embedding struct {
	Weight ml.Tensor `tensor:"weight"`
}

func (m *Embedding) Forward(ctx ml.Context, hiddenState ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, hiddenState)
}
