// Package cpu is an eager, pure Go implementation of ml.Backend. Matrix
// products go through gonum's BLAS and layout changes through
// pdevine/tensor.
package cpu

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/llava-go/llava/format"
	"github.com/llava-go/llava/fs"
	"github.com/llava-go/llava/fs/hf"
	"github.com/llava-go/llava/fs/safetensors"
	"github.com/llava-go/llava/ml"
)

// source is anything that can produce the values of a weight.
type source interface {
	Elements() int
	Size() int64
	Floats() ([]float32, error)
}

// Weight is an in-memory weight, used to build small models without files.
type Weight struct {
	Shape []int
	Data  []float32
}

func (w Weight) Elements() int              { return ml.Elements(w.Shape...) }
func (w Weight) Size() int64                { return int64(len(w.Data)) * 4 }
func (w Weight) Floats() ([]float32, error) { return w.Data, nil }

type Backend struct {
	config  fs.Config
	threads int

	sources map[string]source
	shapes  map[string][]int

	mu      sync.Mutex
	tensors map[string]*Tensor
}

// New opens a Hugging Face model directory containing config.json and
// safetensors weights.
func New(path string, params ml.BackendParams) (ml.Backend, error) {
	config, err := hf.Load(path)
	if err != nil {
		return nil, err
	}

	st, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		config:  config,
		threads: Threads(params.NumThreads),
		sources: make(map[string]source, len(st.Tensors)),
		shapes:  make(map[string][]int, len(st.Tensors)),
		tensors: make(map[string]*Tensor),
	}

	for name, t := range st.Tensors {
		b.sources[name] = t
		b.shapes[name] = t.Shape
	}

	slog.Info(
		"",
		"architecture", config.Architecture(),
		"num_tensors", len(b.sources),
		"num_key_values", config.Len(),
		"size", format.HumanBytes(b.Size()),
	)

	return b, nil
}

// FromWeights returns a backend over in-memory weights.
func FromWeights(config fs.Config, weights map[string]Weight, params ml.BackendParams) *Backend {
	b := &Backend{
		config:  config,
		threads: Threads(params.NumThreads),
		sources: make(map[string]source, len(weights)),
		shapes:  make(map[string][]int, len(weights)),
		tensors: make(map[string]*Tensor),
	}

	for name, w := range weights {
		if len(w.Data) != w.Elements() {
			panic(fmt.Errorf("%w: weight %s has %d values for shape %v", ml.ErrShape, name, len(w.Data), w.Shape))
		}

		b.sources[name] = w
		b.shapes[name] = w.Shape
	}

	return b
}

func init() {
	ml.RegisterBackend("cpu", New)
}

// Threads returns n or, when n is zero, the number of usable cores.
func Threads(n int) int {
	if n > 0 {
		return n
	}

	return runtime.GOMAXPROCS(0)
}

// Load decodes every weight. Weights are converted to float32 as they are read.
func (b *Backend) Load(ctx context.Context, progress func(float32)) error {
	var doneBytes atomic.Int64
	totalBytes := max(b.Size(), 1)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.threads)
	for name, src := range b.sources {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if _, err := b.load(name, src); err != nil {
				slog.Warn("tensor load error", "name", name, "error", err)
				return err
			}

			if progress != nil {
				done := doneBytes.Add(src.Size())
				progress(float32(done) / float32(totalBytes))
			}

			return nil
		})
	}

	return g.Wait()
}

func (b *Backend) load(name string, src source) (*Tensor, error) {
	b.mu.Lock()
	t, ok := b.tensors[name]
	b.mu.Unlock()
	if ok {
		return t, nil
	}

	f32s, err := src.Floats()
	if err != nil {
		return nil, err
	}

	t = &Tensor{dtype: ml.DTypeF32, shape: b.shapes[name], f32: f32s}

	b.mu.Lock()
	defer b.mu.Unlock()
	if loaded, ok := b.tensors[name]; ok {
		return loaded, nil
	}

	b.tensors[name] = t
	return t, nil
}

func (b *Backend) Config() fs.Config {
	return b.config
}

// Get returns the named weight, reading it on first use, or nil if the
// model has no such weight.
func (b *Backend) Get(name string) ml.Tensor {
	src, ok := b.sources[name]
	if !ok {
		return nil
	}

	t, err := b.load(name, src)
	if err != nil {
		slog.Error("tensor load error", "name", name, "error", err)
		return nil
	}

	return t
}

func (b *Backend) NewContext() ml.Context {
	return &Context{threads: b.threads}
}

func (b *Backend) Size() (size int64) {
	for _, src := range b.sources {
		size += src.Size()
	}

	return size
}

func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.tensors)
}

// Context allocates tensors. Computation is eager so the graph methods are
// no-ops.
type Context struct {
	threads int
}

// NewContext returns a standalone context, mostly useful in tests.
func NewContext() *Context {
	return &Context{threads: Threads(0)}
}

func threadsOf(ctx ml.Context) int {
	if c, ok := ctx.(*Context); ok && c.threads > 0 {
		return c.threads
	}

	return Threads(0)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	n := ml.Elements(shape...)
	switch dtype {
	case ml.DTypeI32:
		return &Tensor{dtype: dtype, shape: shape, i32: make([]int32, n)}
	case ml.DTypeF32:
		return &Tensor{dtype: dtype, shape: shape, f32: make([]float32, n)}
	default:
		panic(fmt.Errorf("cpu: unsupported dtype %v", dtype))
	}
}

// FromFloats wraps s without copying it.
func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	if len(s) != ml.Elements(shape...) {
		panic(fmt.Errorf("%w: %d values for shape %v", ml.ErrShape, len(s), shape))
	}

	return &Tensor{dtype: ml.DTypeF32, shape: shape, f32: s}
}

// FromInts wraps s without copying it.
func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	if len(s) != ml.Elements(shape...) {
		panic(fmt.Errorf("%w: %d values for shape %v", ml.ErrShape, len(s), shape))
	}

	return &Tensor{dtype: ml.DTypeI32, shape: shape, i32: s}
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	switch dtype {
	case ml.DTypeF32:
		var f32s []float32
		for v := start; v < stop; v += step {
			f32s = append(f32s, v)
		}
		return &Tensor{dtype: dtype, shape: []int{len(f32s)}, f32: f32s}
	case ml.DTypeI32:
		var i32s []int32
		for v := int32(start); v < int32(stop); v += int32(step) {
			i32s = append(i32s, v)
		}
		return &Tensor{dtype: dtype, shape: []int{len(i32s)}, i32: i32s}
	default:
		panic("unsupported dtype for arange")
	}
}

func (c *Context) Forward(...ml.Tensor) ml.Context { return c }
func (c *Context) Compute(...ml.Tensor)            {}
func (c *Context) Input() ml.Context               { return c }
func (c *Context) Layer(int) ml.Context            { return c }
func (c *Context) Close()                          {}
