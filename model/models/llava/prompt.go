package llava

import (
	"strings"

	"github.com/llava-go/llava/model"
)

const (
	ImageToken       = "<image>"
	ImageStartToken  = "<im_start>"
	ImageEndToken    = "<im_end>"
	ImagePlaceholder = "<image-placeholder>"
)

// ImagePrompt marks where the images go in question. Explicit
// ImagePlaceholders are replaced in place, otherwise each image is put on
// its own line before the question.
func ImagePrompt(question string, images int, useImStartEnd bool) string {
	token := ImageToken
	if useImStartEnd {
		token = ImageStartToken + ImageToken + ImageEndToken
	}

	if strings.Contains(question, ImagePlaceholder) {
		return strings.ReplaceAll(question, ImagePlaceholder, token)
	}

	return strings.Repeat(token+"\n", images) + question
}

// TokenizeImagePrompt encodes prompt, replacing every ImageToken with
// placeholder. Each text chunk is encoded on its own so that image tokens
// never merge with their neighbours; only the leading BOS is kept.
func TokenizeImagePrompt(tp model.TextProcessor, prompt string, placeholder int32) ([]int32, error) {
	chunks := strings.Split(prompt, ImageToken)

	var ids []int32
	offset := 0
	for i, chunk := range chunks {
		encoded, err := tp.Encode(chunk, true)
		if err != nil {
			return nil, err
		}

		if i == 0 {
			if len(encoded) > 0 && tp.Is(encoded[0], model.SpecialBOS) {
				offset = 1
			}

			ids = append(ids, encoded...)
			continue
		}

		ids = append(ids, placeholder)
		if len(encoded) > offset {
			ids = append(ids, encoded[offset:]...)
		}
	}

	return ids, nil
}
