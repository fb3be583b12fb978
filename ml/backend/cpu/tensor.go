package cpu

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/llava-go/llava/ml"
)

// Tensor is a dense, row-major array. Ops never modify their receiver or
// arguments; each returns a newly allocated tensor except Reshape, which
// shares storage.
type Tensor struct {
	dtype ml.DType
	shape []int

	f32 []float32
	i32 []int32
}

var _ ml.Tensor = (*Tensor)(nil)

func (t *Tensor) LogValue() slog.Value {
	return ml.LogValue(t)
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

// Floats returns the values of t. The slice must not be modified.
func (t *Tensor) Floats() []float32 {
	if t.dtype == ml.DTypeI32 {
		f32s := make([]float32, len(t.i32))
		for i, v := range t.i32 {
			f32s[i] = float32(v)
		}
		return f32s
	}

	return t.f32
}

func (t *Tensor) Ints() []int32 {
	if t.dtype == ml.DTypeF32 {
		i32s := make([]int32, len(t.f32))
		for i, v := range t.f32 {
			i32s[i] = int32(v)
		}
		return i32s
	}

	return t.i32
}

func (t *Tensor) elements() int {
	return ml.Elements(t.shape...)
}

func asTensor(t ml.Tensor) *Tensor {
	if t == nil {
		return nil
	}

	tt, ok := t.(*Tensor)
	if !ok {
		panic(fmt.Errorf("cpu: foreign tensor %T", t))
	}

	return tt
}

func newF32(shape []int) *Tensor {
	return &Tensor{dtype: ml.DTypeF32, shape: shape, f32: make([]float32, ml.Elements(shape...))}
}

func shapeError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ml.ErrShape}, args...)...)
}

// Reshape returns a view of t with a new shape. A single -1 is inferred.
func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape = slices.Clone(shape)
	if i := slices.Index(shape, -1); i >= 0 {
		rest := 1
		for j, d := range shape {
			if j != i {
				rest *= d
			}
		}

		if rest == 0 || t.elements()%rest != 0 {
			panic(shapeError("cannot reshape %v to %v", t.shape, shape))
		}

		shape[i] = t.elements() / rest
	}

	if ml.Elements(shape...) != t.elements() {
		panic(shapeError("cannot reshape %v to %v", t.shape, shape))
	}

	return &Tensor{dtype: t.dtype, shape: shape, f32: t.f32, i32: t.i32}
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func (t *Tensor) dense() *tensor.Dense {
	if t.dtype == ml.DTypeI32 {
		return tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(t.i32))
	}

	return tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(t.f32))
}

// fromDense copies the values of a materialized tensor into a new Tensor
// with the given shape.
func (t *Tensor) fromDense(tt tensor.Tensor, shape []int) *Tensor {
	tt = tensor.Materialize(tt)
	if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
		panic(err)
	}

	out := &Tensor{dtype: t.dtype, shape: shape}
	if t.dtype == ml.DTypeI32 {
		i32s, err := native.VectorI32(tt.(*tensor.Dense))
		if err != nil {
			panic(err)
		}
		out.i32 = slices.Clone(i32s)
	} else {
		f32s, err := native.VectorF32(tt.(*tensor.Dense))
		if err != nil {
			panic(err)
		}
		out.f32 = slices.Clone(f32s)
	}

	return out
}

// Permute reorders dimensions so that dimension i of the result is
// dimension order[i] of t.
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(shapeError("permute %v of rank %d tensor", order, len(t.shape)))
	}

	shape := make([]int, len(order))
	for i, o := range order {
		shape[i] = t.shape[o]
	}

	noop := true
	for i, o := range order {
		noop = noop && i == o
	}

	if noop || t.elements() == 0 {
		return &Tensor{dtype: t.dtype, shape: shape, f32: slices.Clone(t.f32), i32: slices.Clone(t.i32)}
	}

	tt, err := tensor.Transpose(t.dense(), order...)
	if err != nil {
		panic(err)
	}

	return t.fromDense(tt, shape)
}

// Concat joins t and t2 along dim. Every other dimension must match.
func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	other := asTensor(t2)
	if len(t.shape) != len(other.shape) || t.dtype != other.dtype {
		panic(shapeError("concat %v and %v", t.shape, other.shape))
	}

	for i := range t.shape {
		if i != dim && t.shape[i] != other.shape[i] {
			panic(shapeError("concat %v and %v along %d", t.shape, other.shape, dim))
		}
	}

	shape := slices.Clone(t.shape)
	shape[dim] += other.shape[dim]

	switch {
	case t.elements() == 0:
		return other.Permute(ctx, identity(len(shape))...)
	case other.elements() == 0:
		return t.Permute(ctx, identity(len(shape))...)
	}

	tt, err := tensor.Concat(dim, t.dense(), other.dense())
	if err != nil {
		panic(err)
	}

	return t.fromDense(tt, shape)
}

func identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// Slice returns the half-open range [low, high) of dimension dim.
func (t *Tensor) Slice(ctx ml.Context, dim, low, high int) ml.Tensor {
	if dim < 0 || dim >= len(t.shape) || low < 0 || high > t.shape[dim] || low >= high {
		panic(shapeError("slice [%d:%d] of dimension %d of %v", low, high, dim, t.shape))
	}

	shape := slices.Clone(t.shape)
	shape[dim] = high - low
	if low == 0 && high == t.shape[dim] {
		return &Tensor{dtype: t.dtype, shape: shape, f32: slices.Clone(t.f32), i32: slices.Clone(t.i32)}
	}

	// contiguous when every outer dimension has size one
	if ml.Elements(t.shape[:dim]...) == 1 {
		inner := ml.Elements(t.shape[dim+1:]...)
		out := &Tensor{dtype: t.dtype, shape: shape}
		if t.dtype == ml.DTypeI32 {
			out.i32 = slices.Clone(t.i32[low*inner : high*inner])
		} else {
			out.f32 = slices.Clone(t.f32[low*inner : high*inner])
		}
		return out
	}

	ss := make([]tensor.Slice, len(t.shape))
	ss[dim] = tensor.S(low, high)

	tt, err := t.dense().Slice(ss...)
	if err != nil {
		panic(err)
	}

	return t.fromDense(tt, shape)
}

// Rows gathers rows of t, a (rows, columns) table, at the indices in t2.
// The result has shape t2.Shape() + (columns).
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	ids := asTensor(t2).Ints()
	if len(t.shape) != 2 {
		panic(shapeError("rows of rank %d tensor", len(t.shape)))
	}

	n, cols := t.shape[0], t.shape[1]
	out := newF32(append(asTensor(t2).Shape(), cols))
	for i, id := range ids {
		if id < 0 || int(id) >= n {
			panic(fmt.Errorf("%w: row %d out of range [0, %d)", ml.ErrShape, id, n))
		}

		copy(out.f32[i*cols:(i+1)*cols], t.f32[int(id)*cols:(int(id)+1)*cols])
	}

	return out
}

func dimAt(shape []int, i, rank int) int {
	j := i - (rank - len(shape))
	if j < 0 {
		return 1
	}
	return shape[j]
}

// broadcastStrides returns the strides of shape aligned to the right of a
// rank dimensional index. Broadcast dimensions have stride zero.
func broadcastStrides(shape []int, rank int) []int {
	strides := make([]int, rank)
	stride := 1
	for i := rank - 1; i >= 0; i-- {
		d := dimAt(shape, i, rank)
		if d != 1 {
			strides[i] = stride
		}
		stride *= d
	}
	return strides
}

// broadcast applies fn elementwise with numpy broadcasting rules.
func broadcast(a, b *Tensor, fn func(x, y float32) float32) *Tensor {
	if slices.Equal(a.shape, b.shape) {
		out := newF32(slices.Clone(a.shape))
		for i := range out.f32 {
			out.f32[i] = fn(a.f32[i], b.f32[i])
		}
		return out
	}

	// b repeats along the leading dimensions of a, such as a bias
	if len(b.shape) <= len(a.shape) && slices.Equal(a.shape[len(a.shape)-len(b.shape):], b.shape) {
		out := newF32(slices.Clone(a.shape))
		n := len(b.f32)
		for i := range out.f32 {
			out.f32[i] = fn(a.f32[i], b.f32[i%n])
		}
		return out
	}

	rank := max(len(a.shape), len(b.shape))
	shape := make([]int, rank)
	for i := range rank {
		da, db := dimAt(a.shape, i, rank), dimAt(b.shape, i, rank)
		switch {
		case da == db, db == 1:
			shape[i] = da
		case da == 1:
			shape[i] = db
		default:
			panic(shapeError("cannot broadcast %v and %v", a.shape, b.shape))
		}
	}

	as, bs := broadcastStrides(a.shape, rank), broadcastStrides(b.shape, rank)
	out := newF32(shape)
	idx := make([]int, rank)
	for n := range out.f32 {
		var ia, ib int
		for i, x := range idx {
			ia += x * as[i]
			ib += x * bs[i]
		}

		out.f32[n] = fn(a.f32[ia], b.f32[ib])

		for i := rank - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
	}

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return broadcast(t, asTensor(t2), func(x, y float32) float32 { return x + y })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return broadcast(t, asTensor(t2), func(x, y float32) float32 { return x * y })
}

func (t *Tensor) unary(fn func(float32) float32) *Tensor {
	out := newF32(slices.Clone(t.shape))
	for i, v := range t.f32 {
		out.f32[i] = fn(v)
	}
	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(func(v float32) float32 { return float32(float64(v) * s) })
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// GELU is the exact, erf based form.
func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		return float32(0.5 * float64(v) * (1 + math.Erf(float64(v)/math.Sqrt2)))
	})
}

func (t *Tensor) QuickGELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return v * sigmoid(1.702*v) })
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return v * sigmoid(v) })
}

// rows calls fn for each vector along the last dimension.
func (t *Tensor) rows(fn func(in, out []float32)) *Tensor {
	out := newF32(slices.Clone(t.shape))
	if len(t.shape) == 0 || t.elements() == 0 {
		return out
	}

	n := t.shape[len(t.shape)-1]
	for i := 0; i < len(t.f32); i += n {
		fn(t.f32[i:i+n], out.f32[i:i+n])
	}
	return out
}

// Softmax normalizes along the last dimension. -Inf entries become zero.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return t.rows(func(in, out []float32) {
		m := float32(math.Inf(-1))
		for _, v := range in {
			m = max(m, v)
		}

		var sum float64
		for i, v := range in {
			e := math.Exp(float64(v - m))
			out[i] = float32(e)
			sum += e
		}

		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
	})
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	out := t.rows(func(in, out []float32) {
		var mean float64
		for _, v := range in {
			mean += float64(v)
		}
		mean /= float64(len(in))

		var variance float64
		for _, v := range in {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(in))

		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range in {
			out[i] = float32((float64(v) - mean) * inv)
		}
	})

	return affine(ctx, out, weight, bias)
}

func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	out := t.rows(func(in, out []float32) {
		var sum float64
		for _, v := range in {
			sum += float64(v) * float64(v)
		}

		inv := 1 / math.Sqrt(sum/float64(len(in))+float64(eps))
		for i, v := range in {
			out[i] = float32(float64(v) * inv)
		}
	})

	return affine(ctx, out, weight, nil)
}

func affine(ctx ml.Context, t *Tensor, weight, bias ml.Tensor) ml.Tensor {
	var out ml.Tensor = t
	if weight != nil {
		out = out.Mul(ctx, weight)
	}

	if bias != nil {
		out = out.Add(ctx, bias)
	}

	return out
}

// RoPE rotates the first dim values of each head with the half split
// (NeoX) layout. t has shape (sequence, heads, headDim) and positions holds
// one position per sequence element.
func (t *Tensor) RoPE(ctx ml.Context, positions ml.Tensor, dim int, base, scale float32) ml.Tensor {
	if len(t.shape) != 3 {
		panic(shapeError("rope of rank %d tensor", len(t.shape)))
	}

	pos := asTensor(positions).Ints()
	seq, heads, headDim := t.shape[0], t.shape[1], t.shape[2]
	if len(pos) != seq || dim > headDim || dim%2 != 0 {
		panic(shapeError("rope of %v with %d positions and dim %d", t.shape, len(pos), dim))
	}

	half := dim / 2
	freqs := make([]float64, half)
	for i := range freqs {
		freqs[i] = math.Pow(float64(base), -2*float64(i)/float64(dim))
	}

	out := newF32(slices.Clone(t.shape))
	copy(out.f32, t.f32)
	for s := range seq {
		p := float64(pos[s]) * float64(scale)
		for h := range heads {
			x := t.f32[(s*heads+h)*headDim:][:headDim]
			y := out.f32[(s*heads+h)*headDim:][:headDim]
			for i := range half {
				sin, cos := math.Sincos(p * freqs[i])
				x0, x1 := float64(x[i]), float64(x[i+half])
				y[i] = float32(x0*cos - x1*sin)
				y[i+half] = float32(x0*sin + x1*cos)
			}
		}
	}

	return out
}
