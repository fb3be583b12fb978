package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/llava-go/llava/kvcache"
	"github.com/llava-go/llava/ml/backend/cpu"
	"github.com/llava-go/llava/model/input"
)

func random(r *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = r.Float32()*2 - 1
	}
	return s
}

func TestAttentionUniform(t *testing.T) {
	ctx := cpu.NewContext()

	// identical keys give every position the same weight, so the output
	// is the mean of the values
	query := ctx.FromFloats([]float32{1, 2}, 1, 1, 2)
	key := ctx.FromFloats([]float32{1, 1, 1, 1, 1, 1}, 3, 1, 2)
	value := ctx.FromFloats([]float32{1, 2, 3}, 3, 1, 1)

	got := Attention(ctx, query, key, value, 1, nil)
	if diff := cmp.Diff([]int{1, 1, 1}, got.Shape()); diff != "" {
		t.Error(diff)
	}

	if diff := cmp.Diff([]float32{2}, got.Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Error(diff)
	}
}

func TestAttentionCache(t *testing.T) {
	const seq, heads, kvHeads, headDim = 5, 4, 2, 3

	r := rand.New(rand.NewPCG(1, 2))
	ctx := cpu.NewContext()

	q := random(r, seq*heads*headDim)
	k := random(r, seq*kvHeads*headDim)
	v := random(r, seq*kvHeads*headDim)
	scale := 1 / math.Sqrt(headDim)

	mask := make([]float32, seq*seq)
	for i := range seq {
		for j := i + 1; j < seq; j++ {
			mask[i*seq+j] = float32(math.Inf(-1))
		}
	}

	want := AttentionWithMask(ctx,
		ctx.FromFloats(q, seq, heads, headDim),
		ctx.FromFloats(k, seq, kvHeads, headDim),
		ctx.FromFloats(v, seq, kvHeads, headDim),
		ctx.FromFloats(mask, seq, seq),
		scale, nil,
	).Floats()

	// prefill three positions then decode the remaining two one at a time
	cache := kvcache.NewCausalCache(seq)
	var got []float32
	for _, span := range [][2]int{{0, 3}, {3, 4}, {4, 5}} {
		lo, hi := span[0], span[1]
		positions := make([]int32, hi-lo)
		for i := range positions {
			positions[i] = int32(lo + i)
		}

		if err := cache.StartForward(ctx, input.Batch{Positions: positions}); err != nil {
			t.Fatal(err)
		}

		cache.SetLayer(0)
		out := Attention(ctx,
			ctx.FromFloats(q[lo*heads*headDim:hi*heads*headDim], hi-lo, heads, headDim),
			ctx.FromFloats(k[lo*kvHeads*headDim:hi*kvHeads*headDim], hi-lo, kvHeads, headDim),
			ctx.FromFloats(v[lo*kvHeads*headDim:hi*kvHeads*headDim], hi-lo, kvHeads, headDim),
			scale, cache,
		)
		got = append(got, out.Floats()...)
	}

	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("cached attention mismatch (-want +got):\n%s", diff)
	}
}

func TestAttentionShapes(t *testing.T) {
	ctx := cpu.NewContext()

	defer func() {
		if recover() == nil {
			t.Error("expected a panic for mismatched head dims")
		}
	}()

	Attention(ctx,
		ctx.FromFloats(make([]float32, 4), 1, 1, 4),
		ctx.FromFloats(make([]float32, 2), 1, 1, 2),
		ctx.FromFloats(make([]float32, 2), 1, 1, 2),
		1, nil,
	)
}

func TestLinear(t *testing.T) {
	ctx := cpu.NewContext()

	m := Linear{
		Weight: ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2),
		Bias:   ctx.FromFloats([]float32{10, 20}, 2),
	}

	got := m.Forward(ctx, ctx.FromFloats([]float32{1, 1}, 1, 2))
	if diff := cmp.Diff([]float32{13, 27}, got.Floats()); diff != "" {
		t.Error(diff)
	}
}

func TestConv2DBias(t *testing.T) {
	ctx := cpu.NewContext()

	m := Conv2D{
		Weight: ctx.FromFloats([]float32{1, 2}, 2, 1, 1, 1),
		Bias:   ctx.FromFloats([]float32{0, 100}, 2),
	}

	got := m.Forward(ctx, ctx.FromFloats([]float32{1, 2, 3, 4}, 1, 2, 2), 1, 1, 0, 0, 1, 1)
	if diff := cmp.Diff([]int{2, 2, 2}, got.Shape()); diff != "" {
		t.Error(diff)
	}

	if diff := cmp.Diff([]float32{1, 2, 3, 4, 102, 104, 106, 108}, got.Floats()); diff != "" {
		t.Error(diff)
	}
}
