package cpu

import (
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/vecf32"

	"github.com/crossmodal/diffnet/ml"
)

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// broadcast applies op elementwise over two equal-rank tensors where every
// dimension pair is equal or one of them is 1.
func (t *Tensor) broadcast(t2 ml.Tensor, op func(a, b float32) float32) *Tensor {
	o := t2.(*Tensor)
	if len(t.shape) != len(o.shape) {
		panic(fmt.Sprintf("cpu: rank mismatch %v vs %v", t.shape, o.shape))
	}

	shape := make([]int, len(t.shape))
	for d := range shape {
		switch {
		case t.shape[d] == o.shape[d], o.shape[d] == 1:
			shape[d] = t.shape[d]
		case t.shape[d] == 1:
			shape[d] = o.shape[d]
		default:
			panic(fmt.Sprintf("cpu: cannot broadcast %v with %v", t.shape, o.shape))
		}
	}

	as := strides(t.shape)
	bs := strides(o.shape)
	data := make([]float32, ml.Elements(shape))
	idx := make([]int, len(shape))
	for i := range data {
		ai, bi := 0, 0
		for d, v := range idx {
			if t.shape[d] != 1 {
				ai += v * as[d]
			}
			if o.shape[d] != 1 {
				bi += v * bs[d]
			}
		}
		data[i] = op(t.data[ai], o.data[bi])

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return newTensor(t.dtype, shape, data)
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	if o := t2.(*Tensor); sameShape(t.shape, o.shape) {
		data := t.Floats()
		vecf32.Add(data, o.data)
		return newTensor(t.dtype, t.shape, data)
	}

	return t.broadcast(t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	if o := t2.(*Tensor); sameShape(t.shape, o.shape) {
		data := t.Floats()
		vecf32.Mul(data, o.data)
		return newTensor(t.dtype, t.shape, data)
	}

	return t.broadcast(t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.broadcast(t2, func(a, b float32) float32 { return a / b })
}

func (t *Tensor) mapUnary(f func(float32) float32) ml.Tensor {
	data := make([]float32, len(t.data))
	for i, v := range t.data {
		data[i] = f(v)
	}

	return newTensor(t.dtype, t.shape, data)
}

func (t *Tensor) AddScalar(ctx ml.Context, s float64) ml.Tensor {
	f := float32(s)
	return t.mapUnary(func(v float32) float32 { return v + f })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	data := t.Floats()
	vecf32.Scale(data, float32(s))
	return newTensor(t.dtype, t.shape, data)
}

func (t *Tensor) Sqrt(ctx ml.Context) ml.Tensor {
	return t.mapUnary(math32.Sqrt)
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.mapUnary(math32.Tanh)
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.mapUnary(func(v float32) float32 {
		return 0.5 * v * (1 + math32.Erf(v/math32.Sqrt2))
	})
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return t.mapUnary(func(v float32) float32 {
		return v / (1 + math32.Exp(-v))
	})
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	inner := t.shape[len(t.shape)-1]
	data := t.Floats()
	for row := 0; row < len(data); row += inner {
		r := data[row : row+inner]

		max := r[0]
		for _, v := range r[1:] {
			if v > max {
				max = v
			}
		}

		var sum float32
		for i, v := range r {
			r[i] = math32.Exp(v - max)
			sum += r[i]
		}
		vecf32.Scale(r, 1/sum)
	}

	return newTensor(t.dtype, t.shape, data)
}

func (t *Tensor) reduce(dim int, keep bool) (shape []int, outer, n, inner int) {
	outer = ml.Elements(t.shape[:dim])
	n = t.shape[dim]
	inner = ml.Elements(t.shape[dim+1:])
	if keep {
		shape = t.Shape()
		shape[dim] = 1
	} else {
		shape = append(append([]int{}, t.shape[:dim]...), t.shape[dim+1:]...)
	}

	return shape, outer, n, inner
}

func (t *Tensor) Mean(ctx ml.Context, dim int) ml.Tensor {
	shape, outer, n, inner := t.reduce(dim, false)
	data := make([]float32, ml.Elements(shape))
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			var sum float32
			for d := 0; d < n; d++ {
				sum += t.data[(o*n+d)*inner+i]
			}
			data[o*inner+i] = sum / float32(n)
		}
	}

	return newTensor(t.dtype, shape, data)
}

func (t *Tensor) Sum(ctx ml.Context, dim int) ml.Tensor {
	shape, outer, n, inner := t.reduce(dim, true)
	data := make([]float32, ml.Elements(shape))
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			var sum float32
			for d := 0; d < n; d++ {
				sum += t.data[(o*n+d)*inner+i]
			}
			data[o*inner+i] = sum
		}
	}

	return newTensor(t.dtype, shape, data)
}
