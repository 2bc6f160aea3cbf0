package nn

import (
	"github.com/chewxy/math32"

	"github.com/crossmodal/diffnet/ml"
)

type Conv2D struct {
	Weight ml.Tensor
	Bias   ml.Tensor

	Stride  int
	Padding int
}

// NewConv2D allocates a square-kernel convolution from in to out channels.
func NewConv2D(ctx ml.Context, in, out, kernel, stride, padding int) *Conv2D {
	bound := 1 / math32.Sqrt(float32(in*kernel*kernel))
	return &Conv2D{
		Weight:  ctx.Uniform(-bound, bound, ml.DTypeF32, out, in, kernel, kernel),
		Bias:    ctx.Zeros(ml.DTypeF32, out),
		Stride:  stride,
		Padding: padding,
	}
}

func (m *Conv2D) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.Conv2D(ctx, t, m.Stride, m.Stride, m.Padding, m.Padding, 1, 1)
	if m.Bias != nil {
		// Broadcast bias along batch and spatial dimensions.
		bias := m.Bias.Reshape(ctx, 1, m.Bias.Dim(0), 1, 1)
		t = t.Add(ctx, bias)
	}

	return t
}

func (m *Conv2D) Params() []*ml.Tensor {
	return []*ml.Tensor{&m.Weight, &m.Bias}
}
