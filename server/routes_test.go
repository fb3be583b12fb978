package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llava-go/llava/api"
	"github.com/llava-go/llava/fs/hf"
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/ml/backend/cpu"
	"github.com/llava-go/llava/model"
	"github.com/llava-go/llava/model/models/llava"
	"github.com/llava-go/llava/version"
)

const testModelName = "llava-v1.5-7b"

func init() {
	gin.SetMode(gin.TestMode)
}

func testTextProcessor() model.TextProcessor {
	values := []string{"<unk>", "<s>", "</s>", "▁", "<0x0A>"}
	types := []int32{model.TOKEN_TYPE_UNKNOWN, model.TOKEN_TYPE_CONTROL, model.TOKEN_TYPE_CONTROL, model.TOKEN_TYPE_NORMAL, model.TOKEN_TYPE_BYTE}
	for _, r := range "abcdefghijklmnopqrstuvwxyz:" {
		values = append(values, string(r))
		types = append(types, model.TOKEN_TYPE_NORMAL)
	}

	return model.NewSentencePiece(&model.Vocabulary{
		Values: values,
		Types:  types,
		BOS:    []int32{1},
		EOS:    []int32{2},
		AddBOS: true,
	}, model.PrefixAlways)
}

// newTestModel builds a llava model with a one layer language model and
// no vision tower.
func newTestModel(t *testing.T) model.Model {
	t.Helper()

	const hidden, vocab = 8, 32

	r := rand.New(rand.NewPCG(5, 6))
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

	config := hf.FromMap(map[string]any{
		"model_type":                 "llava_llama",
		"hidden_size":                float64(hidden),
		"intermediate_size":          float64(16),
		"num_attention_heads":        float64(2),
		"num_hidden_layers":          float64(1),
		"vocab_size":                 float64(vocab),
		"mm_projector_type":          "mlp2x_gelu",
		"mm_patch_merge_type":        "spatial_unpad",
		"image_aspect_ratio":         "anyres",
		"image_grid_pinpoints":       []any{[]any{672.0, 336.0}, []any{336.0, 672.0}},
		"tokenizer_model_max_length": float64(2048),
		"torch_dtype":                "float16",
	})

	m, err := model.NewWithBackend(cpu.FromWeights(config, weights, ml.BackendParams{NumThreads: 1}), testTextProcessor())
	require.NoError(t, err)
	return m
}

func newTestServer(t *testing.T) (*Server, *atomic.Int32) {
	t.Helper()

	m := newTestModel(t)
	var loads atomic.Int32
	s := newServer(func(_ context.Context, name string) (model.Model, error) {
		loads.Add(1)
		if name != testModelName {
			return nil, fmt.Errorf("%w: %s", errModelNotFound, name)
		}
		return m, nil
	}, 1)

	return s, &loads
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, &buf))
	return w
}

func TestGenerateStream(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.GenerateRoutes())
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	client := api.NewClient(u, http.DefaultClient)

	var responses []api.GenerateResponse
	err = client.Generate(t.Context(), &api.GenerateRequest{
		Model:   testModelName,
		Prompt:  "what is this",
		Options: map[string]any{"num_predict": 4, "temperature": 0},
	}, func(resp api.GenerateResponse) error {
		responses = append(responses, resp)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, responses)

	last := responses[len(responses)-1]
	assert.True(t, last.Done)
	assert.Contains(t, []string{"stop", "length"}, last.DoneReason)
	assert.LessOrEqual(t, last.EvalCount, 4)
	assert.Positive(t, last.PromptEvalCount)
	assert.Equal(t, testModelName, last.Model)

	for _, resp := range responses[:len(responses)-1] {
		assert.False(t, resp.Done)
		assert.NotEmpty(t, resp.Response)
	}
}

func TestGenerateNonStream(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.GenerateRoutes()

	generate := func() api.GenerateResponse {
		stream := false
		w := doRequest(t, h, http.MethodPost, "/api/generate", api.GenerateRequest{
			Model:   testModelName,
			Prompt:  "what is this",
			Stream:  &stream,
			Options: map[string]any{"num_predict": 6, "temperature": 0.8, "seed": 11},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp api.GenerateResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		return resp
	}

	first := generate()
	assert.True(t, first.Done)
	assert.LessOrEqual(t, first.EvalCount, 6)

	// a fixed seed repeats the answer
	second := generate()
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, first.EvalCount, second.EvalCount)
}

func TestGenerateNoKVCache(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.GenerateRoutes()

	generate := func() string {
		stream := false
		w := doRequest(t, h, http.MethodPost, "/api/generate", api.GenerateRequest{
			Model:   testModelName,
			Prompt:  "a cat",
			Stream:  &stream,
			Options: map[string]any{"num_predict": 5, "temperature": 0},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp api.GenerateResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		return resp.Response
	}

	cached := generate()
	t.Setenv("LLAVA_NO_KV_CACHE", "1")
	assert.Equal(t, cached, generate())
}

func TestGenerateErrors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.GenerateRoutes()
	stream := false

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{name: "missing body", body: nil, status: http.StatusBadRequest},
		{name: "missing model", body: api.GenerateRequest{Prompt: "hi"}, status: http.StatusBadRequest},
		{name: "unknown option", body: api.GenerateRequest{Model: testModelName, Options: map[string]any{"num_gpu": 1}}, status: http.StatusBadRequest},
		{name: "negative budget", body: api.GenerateRequest{Model: testModelName, Options: map[string]any{"num_predict": -1}}, status: http.StatusBadRequest},
		{name: "unknown model", body: api.GenerateRequest{Model: "missing", Prompt: "hi"}, status: http.StatusNotFound},
		{name: "unknown conversation mode", body: api.GenerateRequest{Model: testModelName, Prompt: "hi", ConvMode: "alpaca", Stream: &stream}, status: http.StatusBadRequest},
		{name: "undecodable image", body: api.GenerateRequest{Model: testModelName, Prompt: "hi", Images: []api.ImageData{[]byte("not an image")}, Stream: &stream}, status: http.StatusBadRequest},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, h, http.MethodPost, "/api/generate", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())

			var resp struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

// brokenModel panics where a backend would on weights that do not match
// the config.
type brokenModel struct {
	model.Model
	panicIn string
}

func (m brokenModel) PromptTokens(string, string, int) ([]int32, error) {
	return []int32{1, 4, 5}, nil
}

func (m brokenModel) FuseMultimodalInputs(ctx ml.Context, tokens []int32, _ [][]byte) (ml.Tensor, error) {
	if m.panicIn == "fuse" {
		panic(fmt.Errorf("%w: projector input 8 != 16", ml.ErrShape))
	}

	embeddings := m.Embed(ctx, tokens)
	return embeddings.Reshape(ctx, 1, embeddings.Dim(0), embeddings.Dim(1)), nil
}

func (m brokenModel) TextProcessor() model.TextProcessor {
	if m.panicIn == "decode" {
		panic("no text processor")
	}

	return m.Model.TextProcessor()
}

func TestGeneratePanic(t *testing.T) {
	base := newTestModel(t)
	stream := false

	for _, where := range []string{"fuse", "decode"} {
		t.Run(where, func(t *testing.T) {
			s := newServer(func(context.Context, string) (model.Model, error) {
				return brokenModel{Model: base, panicIn: where}, nil
			}, 1)
			h := s.GenerateRoutes()

			w := doRequest(t, h, http.MethodPost, "/api/generate", api.GenerateRequest{Model: testModelName, Prompt: "hi", Stream: &stream})
			assert.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())

			var resp struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)

			// the slot is released for the next request
			w = doRequest(t, h, http.MethodPost, "/api/generate", api.GenerateRequest{Model: testModelName, Prompt: "hi", Stream: &stream})
			assert.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
		})
	}
}

func TestGenerateHighTemperature(t *testing.T) {
	s, _ := newTestServer(t)
	stream := false

	w := doRequest(t, s.GenerateRoutes(), http.MethodPost, "/api/generate", api.GenerateRequest{
		Model:   testModelName,
		Prompt:  "hi",
		Stream:  &stream,
		Options: map[string]any{"temperature": 2.5, "seed": 3, "num_predict": 4},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.GenerateResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Done)
	assert.LessOrEqual(t, resp.EvalCount, 4)
}

func TestShow(t *testing.T) {
	s, loads := newTestServer(t)
	h := s.GenerateRoutes()

	w := doRequest(t, h, http.MethodPost, "/api/show", api.ShowRequest{Model: testModelName})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.ShowResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	assert.Equal(t, "llava_v1", resp.ConversationMode)
	assert.Positive(t, resp.Details.Size)
	resp.Details.Size = 0
	assert.Equal(t, api.ModelDetails{
		Architecture:  "llava_llama",
		DType:         "float16",
		ContextLength: 2048,
		Projector:     "mlp2x_gelu",
		MergeType:     "spatial_unpad",
		AspectRatio:   "anyres",
		SelectLayer:   -2,
		ImageSize:     336,
		PatchSize:     14,
		Pinpoints:     2,
	}, resp.Details)
	assert.Equal(t, "llava_llama", resp.ModelInfo["model_type"])

	w = doRequest(t, h, http.MethodPost, "/api/show", api.ShowRequest{Model: testModelName})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), loads.Load(), "model was loaded more than once")

	w = doRequest(t, h, http.MethodPost, "/api/show", api.ShowRequest{Model: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVersion(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s.GenerateRoutes(), http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.VersionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, version.Version, resp.Version)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&llava.ConfigError{Key: "mm_patch_merge_type", Err: llava.ErrUnsupported}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", &llava.DataError{Op: "fuse embeddings", Err: llava.ErrPlaceholderMismatch}), http.StatusBadRequest},
		{model.ErrNoVisionModel, http.StatusBadRequest},
		{fmt.Errorf("%w: x", errModelNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range cases {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

func TestModelPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LLAVA_MODELS", dir)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "llava-v1.5-7b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llava-v1.5-7b", "config.json"), []byte("{}"), 0o644))

	p, err := modelPath("llava-v1.5-7b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "llava-v1.5-7b"), p)

	_, err = modelPath("llava-v1.6-34b")
	assert.ErrorIs(t, err, errModelNotFound)

	for _, name := range []string{"", "..", "../etc", "a/b", ".hidden"} {
		_, err := modelPath(name)
		assert.Error(t, err, name)
		assert.NotErrorIs(t, err, errModelNotFound, name)
	}
}

func TestModelCache(t *testing.T) {
	var loads atomic.Int32
	fail := errors.New("load failed")
	c := newModelCache(func(_ context.Context, name string) (model.Model, error) {
		if loads.Add(1) == 1 && name == "flaky" {
			return nil, fail
		}
		return nil, nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.get(t.Context(), "steady")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())

	loads.Store(0)
	_, err := c.get(t.Context(), "flaky")
	assert.ErrorIs(t, err, fail)

	// failed loads are retried
	_, err = c.get(t.Context(), "flaky")
	assert.NoError(t, err)
}
