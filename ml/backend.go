package ml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/llava-go/llava/fs"
)

// ErrShape is the sentinel wrapped by every panic raised for an
// inconsistent tensor shape.
var ErrShape = errors.New("ml: shape mismatch")

// Backend owns the weights of a model and creates contexts to compute with them.
type Backend interface {
	// Load reads every weight into memory. It is optional: Get loads
	// weights lazily when Load has not been called.
	Load(ctx context.Context, progress func(float32)) error

	Config() fs.Config
	Get(name string) Tensor
	NewContext() Context

	// Size is the number of bytes taken by the weights in their on-disk dtype.
	Size() int64
	Close()
}

// BackendParams controls how the backend loads and computes.
type BackendParams struct {
	// NumThreads caps the goroutines used inside a single op.
	NumThreads int
}

var backends = make(map[string]func(string, BackendParams) (Backend, error))

func RegisterBackend(name string, f func(string, BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend opens the model directory at path with the cpu backend.
func NewBackend(path string, params BackendParams) (Backend, error) {
	if backend, ok := backends["cpu"]; ok {
		return backend(path, params)
	}

	return nil, fmt.Errorf("unsupported backend")
}

type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor
	Arange(start, stop, step float32, dtype DType) Tensor

	// Forward and Compute mark tensors as outputs of the graph. Eager
	// backends evaluate immediately and treat both as no-ops.
	Forward(...Tensor) Context
	Compute(...Tensor)

	// Input returns a context suitable for allocating model inputs.
	Input() Context
	Layer(int) Context

	Close()
}

// Tensor is an immutable n-dimensional array. Shapes are listed outermost
// dimension first, so a sequence of embeddings has shape (sequence, hidden).
//
// Mulmat follows the weight-first convention: for t of shape (..., m, k) and
// t2 of shape (..., n, k) it returns t2·tᵀ with shape (..., n, m). A rank 2 t
// is shared across every leading dimension of t2. When t has fewer leading
// rows than t2 (grouped attention heads), row i of t2 uses row
// i/(rows(t2)/rows(t)) of t.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor

	Conv2D(ctx Context, t2 Tensor, s0, s1, p0, p1, d0, d1 int) Tensor
	RoPE(ctx Context, positions Tensor, dim int, base, scale float32) Tensor

	GELU(ctx Context) Tensor
	QuickGELU(ctx Context) Tensor
	SILU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	Contiguous(ctx Context) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Slice(ctx Context, dim, low, high int) Tensor
	Rows(ctx Context, t2 Tensor) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

// Elements returns the number of values held by a tensor of the given shape.
func Elements(shape ...int) int {
	return mul(shape...)
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float32.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32:
		return dump(t.Floats(), t.Shape(), opts[0], func(f float32) string {
			return fmt.Sprintf("%.*f", opts[0].Precision, f)
		})
	case DTypeI32:
		return dump(t.Ints(), t.Shape(), opts[0], func(i int32) string {
			return fmt.Sprint(i)
		})
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](s S, shape []int, opts DumpOptions, format func(E) string) string {
	if s == nil {
		return "<nil>"
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, format(s[stride+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

// LogValue lets tensors be passed directly to slog.
func LogValue(t Tensor) slog.Value {
	return slog.GroupValue(
		slog.Any("shape", t.Shape()),
		slog.String("dtype", t.DType().String()),
	)
}

type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "Other"
	}
}
