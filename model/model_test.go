package model

import (
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/llava-go/llava/fs"
	"github.com/llava-go/llava/fs/hf"
	"github.com/llava-go/llava/kvcache"
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/ml/backend/cpu"
	"github.com/llava-go/llava/ml/nn"
	"github.com/llava-go/llava/model/input"
)

func TestParseTags(t *testing.T) {
	cases := []struct {
		value string
		want  Tag
	}{
		{
			value: "output",
			want: Tag{
				Name: "output",
			},
		},
		{
			value: "output,alt:token_embd",
			want: Tag{
				Name: "output",
				Alternate: []string{
					"token_embd",
				},
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			got := ParseTags(tt.value)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseTags() returned unexpected values (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeBackend struct {
	*cpu.Backend
	names []string
}

type fakeTensor struct {
	*cpu.Tensor
	Name string
}

func (m *fakeBackend) Get(name string) ml.Tensor {
	if slices.Contains(m.names, name) {
		return &fakeTensor{Name: name}
	}

	return nil
}

func TestPopulateFields(t *testing.T) {
	type fakeLayer struct {
		Query  *nn.Linear `tensor:"self_attn.q_proj"`
		Key    *nn.Linear `tensor:"self_attn.k_proj"`
		Value  *nn.Linear `tensor:"self_attn.v_proj"`
		Output *nn.Linear `tensor:"self_attn.o_proj"`
	}

	type fakeModel struct {
		Input      *nn.Embedding `tensor:"embed_tokens"`
		OutputNorm *nn.RMSNorm   `tensor:"norm"`
		Output     *nn.Linear    `tensor:"lm_head"`
		Layers     [2]fakeLayer  `tensor:"layers"`
	}

	var m fakeModel
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(Base{b: &fakeBackend{
		names: []string{
			"embed_tokens.weight",
			"layers.0.self_attn.q_proj.weight",
			"layers.0.self_attn.k_proj.weight",
			"layers.0.self_attn.v_proj.weight",
			"layers.1.self_attn.q_proj.weight",
			"layers.1.self_attn.k_proj.weight",
			"layers.1.self_attn.v_proj.weight",
			"norm.weight",
			"lm_head.weight",
		},
	}}, v.Elem()))

	if diff := cmp.Diff(fakeModel{
		Input:      &nn.Embedding{Weight: &fakeTensor{Name: "embed_tokens.weight"}},
		OutputNorm: &nn.RMSNorm{Weight: &fakeTensor{Name: "norm.weight"}},
		Output:     &nn.Linear{Weight: &fakeTensor{Name: "lm_head.weight"}},
		Layers: [2]fakeLayer{
			{
				Query: &nn.Linear{Weight: &fakeTensor{Name: "layers.0.self_attn.q_proj.weight"}},
				Key:   &nn.Linear{Weight: &fakeTensor{Name: "layers.0.self_attn.k_proj.weight"}},
				Value: &nn.Linear{Weight: &fakeTensor{Name: "layers.0.self_attn.v_proj.weight"}},
			},
			{
				Query: &nn.Linear{Weight: &fakeTensor{Name: "layers.1.self_attn.q_proj.weight"}},
				Key:   &nn.Linear{Weight: &fakeTensor{Name: "layers.1.self_attn.k_proj.weight"}},
				Value: &nn.Linear{Weight: &fakeTensor{Name: "layers.1.self_attn.v_proj.weight"}},
			},
		},
	}, m); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}

func TestPopulateFieldsAlternateName(t *testing.T) {
	type fakeModel struct {
		Input  *nn.Embedding `tensor:"embed_tokens"`
		Output *nn.Linear    `tensor:"lm_head,alt:embed_tokens"`
	}

	m := fakeModel{}
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(Base{b: &fakeBackend{
		names: []string{
			"embed_tokens.weight",
		},
	}}, v.Elem()))

	if diff := cmp.Diff(fakeModel{
		Input:  &nn.Embedding{Weight: &fakeTensor{Name: "embed_tokens.weight"}},
		Output: &nn.Linear{Weight: &fakeTensor{Name: "embed_tokens.weight"}},
	}, m); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}

type echoModel struct {
	Base
	TokenEmbedding *nn.Embedding `tensor:"embed_tokens"`
	Missing        *nn.Linear    `tensor:"missing"`
}

func (m *echoModel) Embed(ctx ml.Context, ids []int32) ml.Tensor {
	return m.TokenEmbedding.Forward(ctx, ctx.Input().FromInts(ids, len(ids)))
}

func (m *echoModel) Forward(ctx ml.Context, batch input.Batch, cache kvcache.Cache) (ml.Tensor, error) {
	return batch.Embeddings.Rows(ctx, ctx.Input().FromInts(batch.Outputs, len(batch.Outputs))), nil
}

func TestNewWithBackend(t *testing.T) {
	models["echo"] = func(fs.Config) (Model, error) {
		return &echoModel{}, nil
	}
	t.Cleanup(func() { delete(models, "echo") })

	b := cpu.FromWeights(hf.FromMap(map[string]any{"model_type": "echo"}), map[string]cpu.Weight{
		"embed_tokens.weight": {Shape: []int{3, 2}, Data: []float32{0, 1, 10, 11, 20, 21}},
	}, ml.BackendParams{})

	m, err := NewWithBackend(b, nil)
	if err != nil {
		t.Fatal(err)
	}

	echo := m.(*echoModel)
	if echo.Missing != nil {
		t.Errorf("expected missing weights to leave the field nil, got %v", echo.Missing)
	}

	if m.Backend() != b {
		t.Error("model is not bound to its backend")
	}

	ctx := b.NewContext()
	embeddings := m.Embed(ctx, []int32{2, 0})
	if diff := cmp.Diff([]float32{20, 21, 0, 1}, embeddings.Floats()); diff != "" {
		t.Errorf("Embed() mismatch (-want +got):\n%s", diff)
	}

	cache := kvcache.NewCausalCache(4)
	logits, err := Forward(ctx, m, input.Last(embeddings, 0), cache)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float32{0, 1}, logits.Floats()); diff != "" {
		t.Errorf("Forward() mismatch (-want +got):\n%s", diff)
	}

	if cache.Len() != 2 {
		t.Errorf("cache holds %d positions, want 2", cache.Len())
	}

	// the next batch must continue where the first stopped
	if _, err := Forward(ctx, m, input.Last(embeddings, 0), cache); err == nil {
		t.Error("expected an error for repeated positions")
	}
}

func TestNewWithBackendUnsupported(t *testing.T) {
	b := cpu.FromWeights(hf.FromMap(map[string]any{"model_type": "nope"}), nil, ml.BackendParams{})

	m, err := NewWithBackend(b, nil)
	if err == nil {
		t.Error("expected error")
	} else if !strings.Contains(err.Error(), "unsupported model architecture") {
		t.Errorf("unexpected error: %v", err)
	} else if m != nil {
		t.Error("expected nil model")
	}
}

func TestForwardBatch(t *testing.T) {
	ctx := cpu.NewContext()
	embeddings := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)

	if _, err := Forward(ctx, &echoModel{}, input.Batch{Embeddings: embeddings, Positions: []int32{0}}, nil); err == nil {
		t.Error("expected an error when positions and embeddings disagree")
	}

	if _, err := Forward(ctx, &echoModel{}, input.Batch{Positions: []int32{0}}, nil); err == nil {
		t.Error("expected an error for a batch without embeddings")
	}
}
