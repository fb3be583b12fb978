package nn

import "github.com/llava-go/llava/ml"

// RoPE applies rotary positional embedding to tensor `t`, shaped
// (sequence, heads, head dim), rotating the first dim values of each head.
func RoPE(ctx ml.Context, t, positions ml.Tensor, dim int, base, scale float32) ml.Tensor {
	return t.RoPE(ctx, positions, dim, base, scale)
}
