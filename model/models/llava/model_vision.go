package llava

import (
	"math"

	"github.com/llava-go/llava/fs"
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/ml/nn"
	"github.com/llava-go/llava/ml/nn/pooling"
)

type VisionSelfAttention struct {
	Query  *nn.Linear `tensor:"q_proj"`
	Key    *nn.Linear `tensor:"k_proj"`
	Value  *nn.Linear `tensor:"v_proj"`
	Output *nn.Linear `tensor:"out_proj"`
}

// Forward attends within each image of hiddenState, shaped
// (batch, sequence, hidden).
func (sa *VisionSelfAttention) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *VisionModelOptions) ml.Tensor {
	batchSize, seqLen := hiddenState.Dim(0), hiddenState.Dim(1)
	headDim := opts.hiddenSize / opts.numHeads

	query := sa.Query.Forward(ctx, hiddenState)
	key := sa.Key.Forward(ctx, hiddenState)
	value := sa.Value.Forward(ctx, hiddenState)

	query = query.Reshape(ctx, batchSize, seqLen, opts.numHeads, headDim).Permute(ctx, 0, 2, 1, 3)
	key = key.Reshape(ctx, batchSize, seqLen, opts.numHeads, headDim).Permute(ctx, 0, 2, 1, 3)
	value = value.Reshape(ctx, batchSize, seqLen, opts.numHeads, headDim).Permute(ctx, 0, 2, 3, 1).Contiguous(ctx)

	scores := key.Mulmat(ctx, query)
	scores = scores.Scale(ctx, 1.0/math.Sqrt(float64(headDim)))
	scores = scores.Softmax(ctx)

	attention := value.Mulmat(ctx, scores)
	attention = attention.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
	attention = attention.Reshape(ctx, batchSize, seqLen, opts.hiddenSize)

	return sa.Output.Forward(ctx, attention)
}

type VisionMLP struct {
	FC1 *nn.Linear `tensor:"fc1"`
	FC2 *nn.Linear `tensor:"fc2"`
}

func (mlp *VisionMLP) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *VisionModelOptions) ml.Tensor {
	hiddenState = mlp.FC1.Forward(ctx, hiddenState)
	if opts.quickGELU {
		hiddenState = hiddenState.QuickGELU(ctx)
	} else {
		hiddenState = hiddenState.GELU(ctx)
	}

	return mlp.FC2.Forward(ctx, hiddenState)
}

type VisionEncoderLayer struct {
	LayerNorm1    *nn.LayerNorm        `tensor:"layer_norm1"`
	SelfAttention *VisionSelfAttention `tensor:"self_attn"`

	LayerNorm2 *nn.LayerNorm `tensor:"layer_norm2"`
	MLP        *VisionMLP    `tensor:"mlp"`
}

func (e *VisionEncoderLayer) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *VisionModelOptions) ml.Tensor {
	residual := hiddenState

	// self attention
	hiddenState = e.LayerNorm1.Forward(ctx, hiddenState, opts.eps)
	hiddenState = e.SelfAttention.Forward(ctx, hiddenState, opts)
	hiddenState = hiddenState.Add(ctx, residual)
	residual = hiddenState

	// feed forward
	hiddenState = e.LayerNorm2.Forward(ctx, hiddenState, opts.eps)
	hiddenState = e.MLP.Forward(ctx, hiddenState, opts)
	return hiddenState.Add(ctx, residual)
}

type VisionModelOptions struct {
	hiddenSize, numHeads int
	imageSize, patchSize int
	numChannels          int
	eps                  float32
	quickGELU            bool
}

// VisionModel is a CLIP vision transformer.
type VisionModel struct {
	PatchEmbedding    *nn.Conv2D    `tensor:"embeddings.patch_embedding"`
	ClassEmbedding    ml.Tensor     `tensor:"embeddings.class_embedding"`
	PositionEmbedding *nn.Embedding `tensor:"embeddings.position_embedding"`

	PreLayerNorm  *nn.LayerNorm        `tensor:"pre_layrnorm"`
	Layers        []VisionEncoderLayer `tensor:"encoder.layers"`
	PostLayerNorm *nn.LayerNorm        `tensor:"post_layernorm"`

	*VisionModelOptions
}

// Forward encodes pixelValues, shaped (batch, channels, size, size), and
// returns the output of every encoder layer followed by the normalized
// class token, each shaped (batch, sequence, hidden).
func (m *VisionModel) Forward(ctx ml.Context, pixelValues ml.Tensor) []ml.Tensor {
	batchSize := pixelValues.Dim(0)
	numPatches := (m.imageSize / m.patchSize) * (m.imageSize / m.patchSize)

	hiddenState := m.PatchEmbedding.Forward(ctx, pixelValues, m.patchSize, m.patchSize, 0, 0, 1, 1)
	hiddenState = hiddenState.Reshape(ctx, batchSize, m.hiddenSize, numPatches).Permute(ctx, 0, 2, 1)

	classEmbedding := ctx.Zeros(ml.DTypeF32, batchSize, 1, m.hiddenSize).Add(ctx, m.ClassEmbedding)
	hiddenState = classEmbedding.Concat(ctx, hiddenState, 1)

	positionIDs := ctx.Input().Arange(0, float32(numPatches+1), 1, ml.DTypeI32)
	hiddenState = hiddenState.Add(ctx, m.PositionEmbedding.Forward(ctx, positionIDs))

	hiddenState = m.PreLayerNorm.Forward(ctx, hiddenState, m.eps)

	hiddenStates := make([]ml.Tensor, 0, len(m.Layers)+1)
	for _, layer := range m.Layers {
		hiddenState = layer.Forward(ctx, hiddenState, m.VisionModelOptions)
		hiddenStates = append(hiddenStates, hiddenState)
	}

	pooled := pooling.TypeCLS.Forward(ctx, hiddenState)
	return append(hiddenStates, m.PostLayerNorm.Forward(ctx, pooled, m.eps))
}

func newVisionModel(c fs.Config) *VisionModel {
	return &VisionModel{
		Layers: make([]VisionEncoderLayer, c.Uint("vision_config.num_hidden_layers", 24)),
		VisionModelOptions: &VisionModelOptions{
			hiddenSize:  int(c.Uint("vision_config.hidden_size", 1024)),
			numHeads:    int(c.Uint("vision_config.num_attention_heads", 16)),
			imageSize:   int(c.Uint("vision_config.image_size", 336)),
			patchSize:   int(c.Uint("vision_config.patch_size", 14)),
			numChannels: int(c.Uint("vision_config.num_channels", 3)),
			eps:         c.Float("vision_config.layer_norm_eps", 1e-5),
			quickGELU:   c.String("vision_config.hidden_act", "quick_gelu") == "quick_gelu",
		},
	}
}
