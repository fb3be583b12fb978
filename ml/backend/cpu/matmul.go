package cpu

import (
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/llava-go/llava/ml"
)

// gemm computes c = a·bᵀ where a is (n, k), b is (m, k) and c is (n, m).
func gemm(a []float32, n, k int, b []float32, m int, c []float32) {
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: n, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: m, Cols: k, Stride: k, Data: b},
		0,
		blas32.General{Rows: n, Cols: m, Stride: m, Data: c},
	)
}

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	b := asTensor(t2)
	if len(t.shape) < 2 || len(b.shape) < 1 {
		panic(shapeError("mulmat %v and %v", t.shape, b.shape))
	}

	m, k := t.shape[len(t.shape)-2], t.shape[len(t.shape)-1]
	if b.shape[len(b.shape)-1] != k {
		panic(shapeError("mulmat %v and %v", t.shape, b.shape))
	}

	if len(t.shape) == 2 {
		shape := append(slices.Clone(b.shape[:len(b.shape)-1]), m)
		out := newF32(shape)
		if n := b.elements() / k; n > 0 {
			gemm(b.f32, n, k, t.f32, m, out.f32)
		}
		return out
	}

	if len(b.shape) != len(t.shape) {
		panic(shapeError("mulmat %v and %v", t.shape, b.shape))
	}

	batchA := ml.Elements(t.shape[:len(t.shape)-2]...)
	batchB := ml.Elements(b.shape[:len(b.shape)-2]...)
	if batchA == 0 || batchB%batchA != 0 {
		panic(shapeError("mulmat %v and %v", t.shape, b.shape))
	}

	n := b.shape[len(b.shape)-2]
	shape := append(slices.Clone(b.shape[:len(b.shape)-2]), n, m)
	out := newF32(shape)
	group := batchB / batchA

	var g errgroup.Group
	g.SetLimit(threadsOf(ctx))
	for i := range batchB {
		g.Go(func() error {
			ai := i / group
			gemm(
				b.f32[i*n*k:(i+1)*n*k], n, k,
				t.f32[ai*m*k:(ai+1)*m*k], m,
				out.f32[i*n*m:(i+1)*n*m],
			)
			return nil
		})
	}

	// gemm does not fail
	_ = g.Wait()
	return out
}

// Conv2D convolves the input t2, shaped (channels, height, width) or
// (batch, channels, height, width), with the kernel t, shaped (out
// channels, channels, kernel height, kernel width). s0, p0 and d0 apply
// along the width and s1, p1 and d1 along the height.
func (t *Tensor) Conv2D(ctx ml.Context, t2 ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	in := asTensor(t2)
	if len(t.shape) != 4 {
		panic(shapeError("conv2d kernel %v", t.shape))
	}

	batched := len(in.shape) == 4
	if !batched {
		in = asTensor(in.Reshape(ctx, append([]int{1}, in.shape...)...))
	}

	if len(in.shape) != 4 || in.shape[1] != t.shape[1] {
		panic(shapeError("conv2d of %v with kernel %v", in.shape, t.shape))
	}

	batch, channels, h, w := in.shape[0], in.shape[1], in.shape[2], in.shape[3]
	oc, kh, kw := t.shape[0], t.shape[2], t.shape[3]

	ow := (w+2*p0-d0*(kw-1)-1)/s0 + 1
	oh := (h+2*p1-d1*(kh-1)-1)/s1 + 1
	if ow <= 0 || oh <= 0 {
		panic(shapeError("conv2d of %v with kernel %v", in.shape, t.shape))
	}

	k := channels * kh * kw
	out := newF32([]int{batch, oc, oh, ow})
	cols := make([]float32, oh*ow*k)
	prod := make([]float32, oh*ow*oc)
	for n := range batch {
		src := in.f32[n*channels*h*w:]
		im2col(src, channels, h, w, kh, kw, oh, ow, s0, s1, p0, p1, d0, d1, cols)
		gemm(cols, oh*ow, k, t.f32, oc, prod)

		// (oh·ow, oc) to (oc, oh·ow)
		dst := out.f32[n*oc*oh*ow:]
		for p := range oh * ow {
			for c := range oc {
				dst[c*oh*ow+p] = prod[p*oc+c]
			}
		}
	}

	if !batched {
		return out.Reshape(ctx, oc, oh, ow)
	}

	return out
}

func im2col(src []float32, channels, h, w, kh, kw, oh, ow, s0, s1, p0, p1, d0, d1 int, cols []float32) {
	k := channels * kh * kw
	for y := range oh {
		for x := range ow {
			row := cols[(y*ow+x)*k:][:k]
			for c := range channels {
				for i := range kh {
					iy := y*s1 - p1 + i*d1
					for j := range kw {
						ix := x*s0 - p0 + j*d0

						var v float32
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							v = src[(c*h+iy)*w+ix]
						}

						row[(c*kh+i)*kw+j] = v
					}
				}
			}
		}
	}
}
