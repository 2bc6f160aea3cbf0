package nn

import "github.com/crossmodal/diffnet/ml"

type LayerNorm struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func NewLayerNorm(ctx ml.Context, dim int) *LayerNorm {
	return &LayerNorm{
		Weight: ctx.Zeros(ml.DTypeF32, dim).AddScalar(ctx, 1),
		Bias:   ctx.Zeros(ml.DTypeF32, dim),
	}
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}

func (m *LayerNorm) Params() []*ml.Tensor {
	return []*ml.Tensor{&m.Weight, &m.Bias}
}

type GroupNorm struct {
	Weight ml.Tensor
	Bias   ml.Tensor

	Groups int
}

func NewGroupNorm(ctx ml.Context, channels, groups int) *GroupNorm {
	return &GroupNorm{
		Weight: ctx.Zeros(ml.DTypeF32, channels).AddScalar(ctx, 1),
		Bias:   ctx.Zeros(ml.DTypeF32, channels),
		Groups: groups,
	}
}

func (m *GroupNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.GroupNorm(ctx, m.Weight, m.Bias, m.Groups, eps)
}

func (m *GroupNorm) Params() []*ml.Tensor {
	return []*ml.Tensor{&m.Weight, &m.Bias}
}
