package cpu

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/crossmodal/diffnet/ml"
)

// Tensor is a contiguous row-major array. F16 tensors keep working values in
// float32 but round them through IEEE half precision whenever a result is
// materialized, so storage precision matches the declared dtype.
type Tensor struct {
	dtype ml.DType
	shape []int
	data  []float32
}

func newTensor(dtype ml.DType, shape []int, data []float32) *Tensor {
	t := &Tensor{dtype: dtype, shape: append([]int(nil), shape...), data: data}
	if dtype == ml.DTypeF16 {
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	}

	return t
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Floats() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}

	return s
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if ml.Elements(shape) != len(t.data) {
		panic(fmt.Sprintf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	return newTensor(t.dtype, shape, t.data)
}

// Permute reorders axes so that output axis i is input axis perm[i]. The
// result is materialized contiguous.
func (t *Tensor) Permute(ctx ml.Context, perm ...int) ml.Tensor {
	if len(perm) != len(t.shape) {
		panic(fmt.Sprintf("cpu: permute %v does not match rank of %v", perm, t.shape))
	}

	shape := make([]int, len(perm))
	for i, p := range perm {
		shape[i] = t.shape[p]
	}

	src := strides(t.shape)
	data := make([]float32, len(t.data))
	idx := make([]int, len(shape))
	for i := range data {
		off := 0
		for d, v := range idx {
			off += v * src[perm[d]]
		}
		data[i] = t.data[off]

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

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func (t *Tensor) Narrow(ctx ml.Context, dim, offset, length int) ml.Tensor {
	if dim < 0 || dim >= len(t.shape) || offset < 0 || offset+length > t.shape[dim] {
		panic(fmt.Sprintf("cpu: narrow [%d:%d) on dim %d of %v", offset, offset+length, dim, t.shape))
	}

	shape := t.Shape()
	shape[dim] = length

	outer := ml.Elements(t.shape[:dim])
	inner := ml.Elements(t.shape[dim+1:])
	data := make([]float32, ml.Elements(shape))
	for o := 0; o < outer; o++ {
		src := (o*t.shape[dim] + offset) * inner
		copy(data[o*length*inner:(o+1)*length*inner], t.data[src:src+length*inner])
	}

	return newTensor(t.dtype, shape, data)
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	o := t2.(*Tensor)
	if len(t.shape) != len(o.shape) {
		panic(fmt.Sprintf("cpu: concat rank mismatch %v vs %v", t.shape, o.shape))
	}
	for d := range t.shape {
		if d != dim && t.shape[d] != o.shape[d] {
			panic(fmt.Sprintf("cpu: concat shape mismatch %v vs %v on dim %d", t.shape, o.shape, dim))
		}
	}

	shape := t.Shape()
	shape[dim] += o.shape[dim]

	outer := ml.Elements(t.shape[:dim])
	inner := ml.Elements(t.shape[dim+1:])
	a := t.shape[dim] * inner
	b := o.shape[dim] * inner
	data := make([]float32, ml.Elements(shape))
	for i := 0; i < outer; i++ {
		copy(data[i*(a+b):i*(a+b)+a], t.data[i*a:(i+1)*a])
		copy(data[i*(a+b)+a:(i+1)*(a+b)], o.data[i*b:(i+1)*b])
	}

	return newTensor(t.dtype, shape, data)
}

func (t *Tensor) RepeatInterleave(ctx ml.Context, dim, n int) ml.Tensor {
	shape := t.Shape()
	shape[dim] *= n

	outer := ml.Elements(t.shape[:dim])
	inner := ml.Elements(t.shape[dim+1:])
	data := make([]float32, ml.Elements(shape))
	for o := 0; o < outer; o++ {
		for d := 0; d < t.shape[dim]; d++ {
			row := t.data[(o*t.shape[dim]+d)*inner : (o*t.shape[dim]+d+1)*inner]
			for r := 0; r < n; r++ {
				dst := ((o*t.shape[dim]+d)*n + r) * inner
				copy(data[dst:dst+inner], row)
			}
		}
	}

	return newTensor(t.dtype, shape, data)
}
