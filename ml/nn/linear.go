package nn

import (
	"github.com/chewxy/math32"

	"github.com/crossmodal/diffnet/ml"
)

type Linear struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

// NewLinear allocates a linear transform from in to out features with small
// uniform weights and a zero bias.
func NewLinear(ctx ml.Context, in, out int) *Linear {
	bound := 1 / math32.Sqrt(float32(in))
	return &Linear{
		Weight: ctx.Uniform(-bound, bound, ml.DTypeF32, out, in),
		Bias:   ctx.Zeros(ml.DTypeF32, out),
	}
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.Mulmat(ctx, t)
	if m.Bias != nil {
		bias := m.Bias
		for i := 1; i < len(t.Shape()); i++ {
			bias = bias.Reshape(ctx, append([]int{1}, bias.Shape()...)...)
		}
		t = t.Add(ctx, bias)
	}

	return t
}

func (m *Linear) Params() []*ml.Tensor {
	return []*ml.Tensor{&m.Weight, &m.Bias}
}
