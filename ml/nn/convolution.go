package nn

import "github.com/llava-go/llava/ml"

type Conv2D struct {
	Weight ml.Tensor `tensor:"weight"`
	Bias   ml.Tensor `tensor:"bias"`
}

// Forward convolves t, shaped (channels, height, width), and returns
// (out channels, out height, out width).
func (m *Conv2D) Forward(ctx ml.Context, t ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	t = m.Weight.Conv2D(ctx, t, s0, s1, p0, p1, d0, d1)
	if m.Bias != nil {
		// Broadcast bias along spatial dimensions to match convolution output layout.
		bias := m.Bias.Reshape(ctx, m.Bias.Dim(0), 1, 1)
		t = t.Add(ctx, bias)
	}
	return t
}
