package cmd

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llava-go/llava/api"
	"github.com/llava-go/llava/fs/hf"
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/ml/backend/cpu"
	"github.com/llava-go/llava/model"
	"github.com/llava-go/llava/runner/llavarunner"
)

func newTestModel(t *testing.T) model.Model {
	t.Helper()

	const hidden, vocab = 8, 32

	r := rand.New(rand.NewPCG(9, 10))
	weights := make(map[string]cpu.Weight)
	add := func(name string, shape ...int) {
		data := make([]float32, ml.Elements(shape...))
		for i := range data {
			data[i] = float32(r.NormFloat64() * 0.5)
		}
		weights[name] = cpu.Weight{Shape: shape, Data: data}
	}

	ones := func(name string) {
		data := make([]float32, hidden)
		for i := range data {
			data[i] = 1
		}
		weights[name] = cpu.Weight{Shape: []int{hidden}, Data: data}
	}

	add("model.embed_tokens.weight", vocab, hidden)
	ones("model.layers.0.input_layernorm.weight")
	ones("model.layers.0.post_attention_layernorm.weight")
	add("model.layers.0.self_attn.q_proj.weight", hidden, hidden)
	add("model.layers.0.self_attn.k_proj.weight", hidden, hidden)
	add("model.layers.0.self_attn.v_proj.weight", hidden, hidden)
	add("model.layers.0.self_attn.o_proj.weight", hidden, hidden)
	add("model.layers.0.mlp.gate_proj.weight", 16, hidden)
	add("model.layers.0.mlp.up_proj.weight", 16, hidden)
	add("model.layers.0.mlp.down_proj.weight", hidden, 16)
	ones("model.norm.weight")

	values := []string{"<unk>", "<s>", "</s>", "▁", "<0x0A>"}
	types := []int32{model.TOKEN_TYPE_UNKNOWN, model.TOKEN_TYPE_CONTROL, model.TOKEN_TYPE_CONTROL, model.TOKEN_TYPE_NORMAL, model.TOKEN_TYPE_BYTE}
	for _, r := range "abcdefghijklmnopqrstuvwxyz:" {
		values = append(values, string(r))
		types = append(types, model.TOKEN_TYPE_NORMAL)
	}

	tp := model.NewSentencePiece(&model.Vocabulary{
		Values: values,
		Types:  types,
		BOS:    []int32{1},
		EOS:    []int32{2},
		AddBOS: true,
	}, model.PrefixAlways)

	config := hf.FromMap(map[string]any{
		"model_type":          "llava_llama",
		"hidden_size":         float64(hidden),
		"intermediate_size":   float64(16),
		"num_attention_heads": float64(2),
		"num_hidden_layers":   float64(1),
		"vocab_size":          float64(vocab),
	})

	m, err := model.NewWithBackend(cpu.FromWeights(config, weights, ml.BackendParams{NumThreads: 1}), tp)
	require.NoError(t, err)
	return m
}

func TestGenerate(t *testing.T) {
	m := newTestModel(t)

	run := func(noCache bool) (string, api.Metrics) {
		var buf bytes.Buffer
		metrics, err := generate(t.Context(), &buf, m, runOptions{
			Model:   "llava-v1.5-7b",
			Prompt:  "what is this",
			Options: llavarunner.Options{MaxNewTokens: 6, NoCache: noCache},
		})
		require.NoError(t, err)
		return buf.String(), metrics
	}

	out, metrics := run(false)
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.NotContains(t, out, "</s>")
	assert.Positive(t, metrics.PromptEvalCount)
	assert.LessOrEqual(t, metrics.EvalCount, 6)
	assert.Positive(t, metrics.TotalDuration)

	uncached, _ := run(true)
	assert.Equal(t, out, uncached)
}

func TestGenerateErrors(t *testing.T) {
	m := newTestModel(t)

	cases := []struct {
		name string
		opts runOptions
	}{
		{name: "unknown conversation mode", opts: runOptions{Model: "m", Prompt: "hi", ConvMode: "alpaca"}},
		{name: "images without a vision tower", opts: runOptions{Model: "m", Prompt: "hi", Images: [][]byte{[]byte("gif")}}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := generate(t.Context(), &buf, m, tt.opts)
			assert.Error(t, err)
			assert.Empty(t, buf.String())
		})
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := generate(ctx, &bytes.Buffer{}, m, runOptions{Model: "m", Prompt: "hi", Options: llavarunner.Options{MaxNewTokens: 4}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveModel(t *testing.T) {
	models := t.TempDir()
	t.Setenv("LLAVA_MODELS", models)

	named := filepath.Join(models, "llava-v1.6-mistral-7b")
	require.NoError(t, os.MkdirAll(named, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(named, "config.json"), []byte("{}"), 0o644))

	direct := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(direct, "config.json"), []byte("{}"), 0o644))

	p, err := resolveModel("llava-v1.6-mistral-7b")
	require.NoError(t, err)
	assert.Equal(t, named, p)

	p, err = resolveModel(direct)
	require.NoError(t, err)
	assert.Equal(t, direct, p)

	_, err = resolveModel("missing")
	assert.ErrorContains(t, err, "not found")
}

func TestRunFlags(t *testing.T) {
	cmd := NewCLI()
	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	require.NoError(t, run.Flags().Set("max-new-tokens", "-1"))
	_, err = runOptionsFromFlags(run, []string{"llava-v1.5-7b"})
	assert.ErrorContains(t, err, "max-new-tokens")

	run, _, err = NewCLI().Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, run.Flags().Set("image", filepath.Join(t.TempDir(), "missing.png")))
	_, err = runOptionsFromFlags(run, []string{"llava-v1.5-7b"})
	assert.ErrorIs(t, err, os.ErrNotExist)

	for flag, want := range map[string]string{
		"temperature":    "0.2",
		"top-p":          "1",
		"seed":           "299792458",
		"max-new-tokens": "512",
		"no-kv-cache":    "false",
	} {
		f := run.Flags().Lookup(flag)
		require.NotNil(t, f, flag)
		assert.Equal(t, want, f.DefValue, flag)
	}
}

func TestServeUsage(t *testing.T) {
	serve, _, err := NewCLI().Find([]string{"serve"})
	require.NoError(t, err)

	usage := serve.UsageString()
	for _, name := range []string{"LLAVA_HOST", "LLAVA_MODELS", "LLAVA_NO_KV_CACHE", "LLAVA_NUM_PARALLEL"} {
		assert.Contains(t, usage, name)
	}
}

func TestShowInfo(t *testing.T) {
	var buf bytes.Buffer
	resp := &api.ShowResponse{
		Model:            "llava-v1.6-34b",
		ConversationMode: "chatml_direct",
		Details: api.ModelDetails{
			Architecture:  "llava_llama",
			DType:         "bfloat16",
			Size:          13_500_000_000,
			ContextLength: 4096,
			Projector:     "mlp2x_gelu",
			MergeType:     "spatial_unpad",
			AspectRatio:   "anyres",
			SelectLayer:   -2,
			ImageSize:     336,
			PatchSize:     14,
			Pinpoints:     5,
		},
		ModelInfo: map[string]any{"hidden_size": 7168.0},
	}

	require.NoError(t, showInfo(resp, false, &buf))
	out := buf.String()
	for _, want := range []string{"chatml_direct", "13.5 GB", "bfloat16", "4096", "mlp2x_gelu", "spatial_unpad", "anyres", "-2"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "hidden_size")

	buf.Reset()
	require.NoError(t, showInfo(resp, true, &buf))
	assert.Contains(t, buf.String(), "hidden_size")
}
