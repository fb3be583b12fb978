package model

import (
	"errors"
	"fmt"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/llava-go/llava/fs"
	"github.com/llava-go/llava/kvcache"
	"github.com/llava-go/llava/ml"
	_ "github.com/llava-go/llava/ml/backend/cpu"
	"github.com/llava-go/llava/model/input"
)

var ErrNoVisionModel = errors.New("this model is missing data required for image input")

// Model implements a specific model architecture, defining the forward pass and any model-specific configuration
type Model interface {
	// Embed looks up the input embeddings of ids. The result has shape
	// (len(ids), hidden).
	Embed(ctx ml.Context, ids []int32) ml.Tensor

	// Forward evaluates the batch against the cache and returns the logits
	// of the positions listed in batch.Outputs, shaped (outputs, vocab).
	Forward(ctx ml.Context, batch input.Batch, cache kvcache.Cache) (ml.Tensor, error)

	Backend() ml.Backend
	TextProcessor() TextProcessor
}

// MultimodalProcessor must be implemented by multimodal models.
type MultimodalProcessor interface {
	// FuseMultimodalInputs encodes each image and splices the resulting
	// features into the embedded token sequence in place of the image
	// placeholders. The result has shape (1, sequence, hidden).
	FuseMultimodalInputs(ctx ml.Context, tokens []int32, images [][]byte) (ml.Tensor, error)
}

// Base implements the common fields and methods for all models
type Base struct {
	b  ml.Backend
	tp TextProcessor
}

// Backend returns the underlying backend that will run the model
func (m *Base) Backend() ml.Backend {
	return m.b
}

// TextProcessor returns the tokenizer loaded alongside the weights
func (m *Base) TextProcessor() TextProcessor {
	return m.tp
}

var models = make(map[string]func(fs.Config) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New initializes a new model instance from the Hugging Face model
// directory at modelPath
func New(modelPath string, params ml.BackendParams) (Model, error) {
	b, err := ml.NewBackend(modelPath, params)
	if err != nil {
		return nil, err
	}

	tp, err := NewTextProcessor(modelPath, b.Config())
	if err != nil {
		b.Close()
		return nil, err
	}

	m, err := NewWithBackend(b, tp)
	if err != nil {
		b.Close()
		return nil, err
	}

	return m, nil
}

// NewWithBackend builds the architecture named by the backend's config on
// top of already loaded weights and tokenizer.
func NewWithBackend(b ml.Backend, tp TextProcessor) (Model, error) {
	arch := b.Config().Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	m, err := f(b.Config())
	if err != nil {
		return nil, err
	}

	base := Base{b: b, tp: tp}

	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))
	return m, nil
}

func populateFields(base Base, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("tensor"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf((*Base)(nil)).Elem() {
				vv.Set(reflect.ValueOf(base))
			} else if tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem() {
				var fn func([]Tag) [][]string
				fn = func(tags []Tag) (values [][]string) {
					if len(tags) < 1 {
						return nil
					}

					values = [][]string{{tags[0].Name}}
					for _, alt := range tags[0].Alternate {
						values = append(values, []string{alt})
					}

					for i, value := range values {
						for _, rest := range fn(tags[1:]) {
							value = append(value, rest...)
						}

						values[i] = value
					}

					return values
				}

				names := fn(tagsCopy)
				for _, name := range names {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "name", strings.Join(name, "."), "shape", tensor.Shape())
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(base, vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

func setPointer(base Base, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

// Tag is a parsed `tensor:"name,alt:other"` struct tag. Names of nested
// fields are joined with dots to form the weight name.
type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}

// Forward reserves the batch's positions in the cache, when there is one,
// and runs the model.
func Forward(ctx ml.Context, m Model, batch input.Batch, cache kvcache.Cache) (ml.Tensor, error) {
	if batch.Embeddings == nil {
		return nil, errors.New("batch has no input embeddings")
	}

	if len(batch.Positions) != batch.Embeddings.Dim(0) {
		return nil, fmt.Errorf("length of positions (%v) must match number of embeddings (%v)", len(batch.Positions), batch.Embeddings.Dim(0))
	}

	if len(batch.Positions) < 1 {
		return nil, errors.New("batch size cannot be less than 1")
	}

	if cache != nil {
		if err := cache.StartForward(ctx, batch); err != nil {
			return nil, err
		}
	}

	t, err := m.Forward(ctx, batch, cache)
	if err != nil {
		return nil, err
	}

	ctx.Forward(t).Compute(t)

	return t, nil
}
