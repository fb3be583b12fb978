package llava

import (
	"math"

	"github.com/llava-go/llava/fs"
	"github.com/llava-go/llava/kvcache"
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/ml/nn"
	"github.com/llava-go/llava/model/input"
)

type TextOptions struct {
	hiddenSize, numHeads, numKVHeads, headDim int
	eps, ropeBase, ropeScale                  float32
}

type SelfAttention struct {
	Query  *nn.Linear `tensor:"q_proj"`
	Key    *nn.Linear `tensor:"k_proj"`
	Value  *nn.Linear `tensor:"v_proj"`
	Output *nn.Linear `tensor:"o_proj"`
}

func (sa *SelfAttention) Forward(ctx ml.Context, hiddenState, positionIDs, mask ml.Tensor, cache kvcache.Cache, opts *TextOptions) ml.Tensor {
	seqLen := hiddenState.Dim(0)

	q := sa.Query.Forward(ctx, hiddenState)
	q = q.Reshape(ctx, seqLen, opts.numHeads, opts.headDim)
	q = nn.RoPE(ctx, q, positionIDs, opts.headDim, opts.ropeBase, opts.ropeScale)

	k := sa.Key.Forward(ctx, hiddenState)
	k = k.Reshape(ctx, seqLen, opts.numKVHeads, opts.headDim)
	k = nn.RoPE(ctx, k, positionIDs, opts.headDim, opts.ropeBase, opts.ropeScale)

	v := sa.Value.Forward(ctx, hiddenState)
	v = v.Reshape(ctx, seqLen, opts.numKVHeads, opts.headDim)

	kqv := nn.AttentionWithMask(ctx, q, k, v, mask, 1.0/math.Sqrt(float64(opts.headDim)), cache)
	kqv = kqv.Reshape(ctx, seqLen, opts.numHeads*opts.headDim)
	return sa.Output.Forward(ctx, kqv)
}

type MLP struct {
	Up   *nn.Linear `tensor:"up_proj"`
	Down *nn.Linear `tensor:"down_proj"`
	Gate *nn.Linear `tensor:"gate_proj"`
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *TextOptions) ml.Tensor {
	hiddenState = mlp.Gate.Forward(ctx, hiddenState).SILU(ctx).Mul(ctx, mlp.Up.Forward(ctx, hiddenState))
	return mlp.Down.Forward(ctx, hiddenState)
}

type Layer struct {
	AttentionNorm *nn.RMSNorm    `tensor:"input_layernorm"`
	SelfAttention *SelfAttention `tensor:"self_attn"`
	MLPNorm       *nn.RMSNorm    `tensor:"post_attention_layernorm"`
	MLP           *MLP           `tensor:"mlp"`
}

func (l *Layer) Forward(ctx ml.Context, hiddenState, positionIDs, mask ml.Tensor, cache kvcache.Cache, opts *TextOptions) ml.Tensor {
	residual := hiddenState

	hiddenState = l.AttentionNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = l.SelfAttention.Forward(ctx, hiddenState, positionIDs, mask, cache, opts)
	hiddenState = hiddenState.Add(ctx, residual)
	residual = hiddenState

	hiddenState = l.MLPNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = l.MLP.Forward(ctx, hiddenState, opts)
	return hiddenState.Add(ctx, residual)
}

// TextModel is a Llama decoder.
type TextModel struct {
	TokenEmbedding *nn.Embedding `tensor:"model.embed_tokens"`
	Layers         []Layer       `tensor:"model.layers"`
	OutputNorm     *nn.RMSNorm   `tensor:"model.norm"`
	Output         *nn.Linear    `tensor:"lm_head,alt:model.embed_tokens"`

	*TextOptions
}

// Embed looks up the embeddings of ids, shaped (len(ids), hidden).
func (m *TextModel) Embed(ctx ml.Context, ids []int32) ml.Tensor {
	return m.TokenEmbedding.Forward(ctx, ctx.Input().FromInts(ids, len(ids)))
}

// Forward runs the decoder over batch and returns the logits of
// batch.Outputs, shaped (outputs, vocabulary). Without a cache the batch
// attends causally within itself only.
func (m *TextModel) Forward(ctx ml.Context, batch input.Batch, cache kvcache.Cache) ml.Tensor {
	positions := ctx.Input().FromInts(batch.Positions, len(batch.Positions))

	var mask ml.Tensor
	if cache == nil {
		mask = causalMask(ctx, len(batch.Positions))
	}

	hiddenState := batch.Embeddings
	for i, layer := range m.Layers {
		if cache != nil {
			cache.SetLayer(i)
		}

		hiddenState = layer.Forward(ctx.Layer(i), hiddenState, positions, mask, cache, m.TextOptions)
	}

	outputs := ctx.Input().FromInts(batch.Outputs, len(batch.Outputs))
	hiddenState = hiddenState.Rows(ctx, outputs)

	hiddenState = m.OutputNorm.Forward(ctx, hiddenState, m.eps)
	return m.Output.Forward(ctx, hiddenState)
}

func causalMask(ctx ml.Context, n int) ml.Tensor {
	mask := make([]float32, n*n)
	for i := range n {
		for j := i + 1; j < n; j++ {
			mask[i*n+j] = float32(math.Inf(-1))
		}
	}

	return ctx.Input().FromFloats(mask, n, n)
}

func newTextModel(c fs.Config) *TextModel {
	hiddenSize := int(c.Uint("hidden_size"))
	numHeads := int(c.Uint("num_attention_heads"))

	ropeScale := float32(1)
	if c.String("rope_scaling.type") == "linear" {
		if factor := c.Float("rope_scaling.factor", 1); factor > 0 {
			ropeScale = 1 / factor
		}
	}

	opts := TextOptions{
		hiddenSize: hiddenSize,
		numHeads:   numHeads,
		numKVHeads: int(c.Uint("num_key_value_heads", uint32(numHeads))),
		eps:        c.Float("rms_norm_eps", 1e-6),
		ropeBase:   c.Float("rope_theta", 10000),
		ropeScale:  ropeScale,
	}

	if numHeads > 0 {
		opts.headDim = int(c.Uint("head_dim", uint32(hiddenSize/numHeads)))
	}

	return &TextModel{
		Layers:      make([]Layer, c.Uint("num_hidden_layers")),
		TextOptions: &opts,
	}
}
