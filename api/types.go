package api

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the llava server logs for details"
	}
}

// ImageData represents the raw binary data of an image file. It is base64
// encoded in JSON.
type ImageData []byte

// GenerateRequest describes a request sent by [Client.Generate].
type GenerateRequest struct {
	// Model is the model name; it names a directory under the models path.
	Model string `json:"model"`

	// Prompt is the question asked about the images.
	Prompt string `json:"prompt"`

	// Images is an optional list of images, each spliced in at an image
	// placeholder of the rendered prompt.
	Images []ImageData `json:"images,omitempty"`

	// ConvMode overrides the conversation template detected from the model
	// name.
	ConvMode string `json:"conv_mode,omitempty"`

	// Stream specifies whether the response is streaming; it is true by default.
	Stream *bool `json:"stream,omitempty"`

	// Options lists model-specific options. For example, temperature can be
	// set through this field, if the model supports it.
	Options map[string]any `json:"options,omitempty"`
}

// GenerateResponse is the response passed into [GenerateResponseFunc].
type GenerateResponse struct {
	// Model is the model name that generated the response.
	Model string `json:"model"`

	// CreatedAt is the timestamp of the response.
	CreatedAt time.Time `json:"created_at"`

	// Response is the textual response itself.
	Response string `json:"response"`

	// Done specifies if the response is complete.
	Done bool `json:"done"`

	// DoneReason is the reason the model stopped generating text.
	DoneReason string `json:"done_reason,omitempty"`

	Metrics
}

type Metrics struct {
	TotalDuration      time.Duration `json:"total_duration,omitempty"`
	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration time.Duration `json:"prompt_eval_duration,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	EvalDuration       time.Duration `json:"eval_duration,omitempty"`
}

func (m *Metrics) Summary() string {
	var s string
	if m.TotalDuration > 0 {
		s += fmt.Sprintf("total duration:       %v\n", m.TotalDuration)
	}

	if m.PromptEvalCount > 0 {
		s += fmt.Sprintf("prompt eval count:    %d token(s)\n", m.PromptEvalCount)
	}

	if m.PromptEvalDuration > 0 {
		s += fmt.Sprintf("prompt eval duration: %s\n", m.PromptEvalDuration)
		s += fmt.Sprintf("prompt eval rate:     %.2f tokens/s\n", float64(m.PromptEvalCount)/m.PromptEvalDuration.Seconds())
	}

	if m.EvalCount > 0 {
		s += fmt.Sprintf("eval count:           %d token(s)\n", m.EvalCount)
	}

	if m.EvalDuration > 0 {
		s += fmt.Sprintf("eval duration:        %s\n", m.EvalDuration)
		s += fmt.Sprintf("eval rate:            %.2f tokens/s\n", float64(m.EvalCount)/m.EvalDuration.Seconds())
	}

	return s
}

// Options specified in GenerateRequest.
type Options struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature float32  `json:"temperature,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	MinP        float32  `json:"min_p,omitempty"`
	Seed        int      `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// DefaultOptions is the default set of options for [GenerateRequest]; these
// values are used unless the user specifies other values explicitly.
func DefaultOptions() Options {
	return Options{
		NumPredict:  512,
		Temperature: 0.2,
		TopP:        1,
		Seed:        299792458,
	}
}

// FromMap overwrites the options with the values of m. Keys use the json
// names of the fields and numbers may be given as any numeric type or
// string. Unknown keys are an error.
func (opts *Options) FromMap(m map[string]any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           opts,
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	return nil
}

// ShowRequest is the request passed to [Client.Show].
type ShowRequest struct {
	Model string `json:"model"`
}

// ShowResponse is the response returned from [Client.Show].
type ShowResponse struct {
	Model            string         `json:"model"`
	ConversationMode string         `json:"conv_mode"`
	Details          ModelDetails   `json:"details"`
	ModelInfo        map[string]any `json:"model_info,omitempty"`
}

// ModelDetails provides details about a model.
type ModelDetails struct {
	Architecture  string `json:"architecture"`
	DType         string `json:"dtype,omitempty"`
	Size          int64  `json:"size"`
	ContextLength int    `json:"context_length,omitempty"`
	Projector     string `json:"projector"`
	MergeType     string `json:"merge_type"`
	AspectRatio   string `json:"aspect_ratio"`
	SelectLayer   int    `json:"select_layer"`
	ImageSize     int    `json:"image_size"`
	PatchSize     int    `json:"patch_size"`
	Pinpoints     int    `json:"pinpoints,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
