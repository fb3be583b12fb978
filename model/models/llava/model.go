package llava

import (
	"bytes"
	"fmt"
	"image"
	"log/slog"

	"github.com/llava-go/llava/fs"
	"github.com/llava-go/llava/kvcache"
	"github.com/llava-go/llava/logutil"
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/model"
	"github.com/llava-go/llava/model/input"
)

type Model struct {
	model.Base
	*TextModel
	*VisionModel `tensor:"model.vision_tower.vision_tower.vision_model"`
	*Projector   `tensor:"model.mm_projector"`

	ImageNewline ml.Tensor `tensor:"model.image_newline"`

	ImageProcessor

	*Options
}

var _ model.MultimodalProcessor = (*Model)(nil)

func New(c fs.Config) (model.Model, error) {
	opts, err := ParseOptions(c)
	if err != nil {
		return nil, err
	}

	textModel := newTextModel(c)
	if textModel.hiddenSize == 0 || textModel.numHeads == 0 || textModel.hiddenSize%textModel.numHeads != 0 {
		return nil, &ConfigError{Key: "num_attention_heads", Value: textModel.numHeads, Err: fmt.Errorf("%w: hidden size %d", ErrUnsupported, textModel.hiddenSize)}
	}

	m := &Model{
		TextModel:      textModel,
		VisionModel:    newVisionModel(c),
		Projector:      newProjector(opts.ProjectorDepth),
		ImageProcessor: newImageProcessor(opts),
		Options:        opts,
	}

	slog.Debug("llava", "select_layer", opts.SelectLayer, "merge", opts.MergePolicy, "projector_depth", opts.ProjectorDepth, "pinpoints", len(opts.Pinpoints), "dtype", opts.DType)
	return m, nil
}

func (m *Model) Embed(ctx ml.Context, ids []int32) ml.Tensor {
	return m.TextModel.Embed(ctx, ids)
}

func (m *Model) Forward(ctx ml.Context, batch input.Batch, cache kvcache.Cache) (ml.Tensor, error) {
	return m.TextModel.Forward(ctx, batch, cache), nil
}

// EncodeImage runs img through the vision tower and projector and merges
// its tiles into one (tokens, hidden) block.
func (m *Model) EncodeImage(ctx ml.Context, img image.Image) (ml.Tensor, error) {
	if m.VisionModel == nil || len(m.VisionModel.Layers) == 0 || m.VisionModel.PatchEmbedding == nil || m.Projector == nil || !m.Projector.loaded() {
		return nil, model.ErrNoVisionModel
	}

	pixels, tiles, size, err := m.ImageProcessor.ProcessImage(img)
	if err != nil {
		return nil, err
	}

	pixelValues := ctx.Input().FromFloats(pixels, tiles, m.VisionModel.numChannels, m.Options.ImageSize, m.Options.ImageSize)
	hiddenStates := m.VisionModel.Forward(ctx, pixelValues)

	features, err := SelectFeature(ctx, hiddenStates, m.SelectLayer, m.IncludeClassToken)
	if err != nil {
		return nil, err
	}

	features = m.Projector.Forward(ctx, features)

	block, err := MergePatches(ctx, features, size, MergeOptions{
		Pinpoints:   m.Pinpoints,
		TileSize:    m.Options.ImageSize,
		TilePatches: m.TilePatches(),
		Separator:   m.ImageNewline,
		Policy:      m.MergePolicy,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("encoded image", "size", size, "tiles", tiles, "tokens", block.Dim(0))
	logutil.TraceFunc("image features", func() []any {
		return []any{"block", ml.Dump(block)}
	})

	return block, nil
}

// FuseMultimodalInputs decodes and encodes every image and splices them
// into the embedded tokens in place of the image placeholders.
func (m *Model) FuseMultimodalInputs(ctx ml.Context, tokens []int32, images [][]byte) (ml.Tensor, error) {
	if _, err := placeholderMap(tokens, m.ImageTokenIndex, len(images)); err != nil {
		return nil, err
	}

	blocks := make([]ml.Tensor, 0, len(images))
	for _, data := range images {
		img, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, &DataError{Op: "decode image", Err: err}
		}

		slog.Debug("decoded image", "format", format, "bounds", img.Bounds())

		block, err := m.EncodeImage(ctx, img)
		if err != nil {
			return nil, err
		}

		blocks = append(blocks, block)
	}

	return FuseEmbeddings(ctx, tokens, blocks, m.ImageTokenIndex, m.TextModel.Embed, m.MaxLength)
}

// PromptTokens renders question as the first user turn of the conversation
// template mode, marks images image positions and tokenizes the result.
func (m *Model) PromptTokens(question, mode string, images int) ([]int32, error) {
	conv, err := NewConversation(mode)
	if err != nil {
		return nil, err
	}

	if images > 0 {
		question = ImagePrompt(question, images, m.UseImStartEnd)
	}

	conv.AppendMessage(conv.Roles[0], question)
	conv.AppendMessage(conv.Roles[1], "")

	prompt := conv.Prompt()
	slog.Debug("prompt", "mode", mode, "prompt", prompt)
	return TokenizeImagePrompt(m.TextProcessor(), prompt, m.ImageTokenIndex)
}

func init() {
	model.Register("llava", New)
	model.Register("llava_llama", New)
	model.Register("llava_mistral", New)
}
