package llavarunner

import (
	"fmt"

	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/model"
)

// Prompter is implemented by models that render a question into the
// tokens of their chat template.
type Prompter interface {
	PromptTokens(question, mode string, images int) ([]int32, error)
}

// Prepare renders question with the conversation template mode, embeds the
// tokens and splices in images. The result is ready for NewSession. A
// backend panic, such as a shape mismatch between weights and config, is
// returned as an error.
func Prepare(ctx ml.Context, m model.Model, question, mode string, images [][]byte) (fused ml.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			fused = nil
			if e, ok := r.(error); ok {
				err = fmt.Errorf("prepare: %w", e)
			} else {
				err = fmt.Errorf("prepare: %v", r)
			}
		}
	}()

	p, ok := m.(Prompter)
	if !ok {
		return nil, fmt.Errorf("model %T does not render prompts", m)
	}

	tokens, err := p.PromptTokens(question, mode, len(images))
	if err != nil {
		return nil, err
	}

	if mp, ok := m.(model.MultimodalProcessor); ok {
		return mp.FuseMultimodalInputs(ctx, tokens, images)
	}

	if len(images) > 0 {
		return nil, model.ErrNoVisionModel
	}

	embeddings := m.Embed(ctx, tokens)
	return embeddings.Reshape(ctx, 1, embeddings.Dim(0), embeddings.Dim(1)), nil
}
