package nn

import (
	"fmt"
	"math"

	"github.com/crossmodal/diffnet/ml"
)

const normEps = 1e-5

// attend computes multi-head scaled dot-product attention over
// query [N, Sq, C] and key/value source [N, Sk, C].
func attend(ctx ml.Context, query, key, value ml.Tensor, heads int) ml.Tensor {
	n, sq, c := query.Dim(0), query.Dim(1), query.Dim(2)
	sk := key.Dim(1)
	headDim := c / heads

	query = query.Reshape(ctx, n, sq, heads, headDim).Permute(ctx, 0, 2, 1, 3)
	key = key.Reshape(ctx, n, sk, heads, headDim).Permute(ctx, 0, 2, 1, 3)
	value = value.Reshape(ctx, n, sk, heads, headDim).Permute(ctx, 0, 2, 3, 1).Contiguous(ctx)

	scores := key.Mulmat(ctx, query)
	scores = scores.Scale(ctx, 1/math.Sqrt(float64(headDim)))
	scores = scores.Softmax(ctx)

	attention := value.Mulmat(ctx, scores)
	attention = attention.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
	return attention.Reshape(ctx, n, sq, c)
}

// CrossAttention attends feature-map positions to an external context
// sequence. With a nil context the positions attend to themselves, which
// requires the attention to have been built with contextDim equal to the
// channel width.
type CrossAttention struct {
	Norm   *GroupNorm
	ProjIn *Conv2D

	AttnNorm *LayerNorm
	Query    *Linear
	Key      *Linear
	Value    *Linear
	Out      *Linear

	ProjOut *Conv2D

	heads int
}

func NewCrossAttention(ctx ml.Context, channels, heads, contextDim int) (*CrossAttention, error) {
	if channels%heads != 0 {
		return nil, fmt.Errorf("nn: channels %d not divisible by heads %d", channels, heads)
	}

	return &CrossAttention{
		Norm:     NewGroupNorm(ctx, channels, groupsFor(channels)),
		ProjIn:   NewConv2D(ctx, channels, channels, 1, 1, 0),
		AttnNorm: NewLayerNorm(ctx, channels),
		Query:    NewLinear(ctx, channels, channels),
		Key:      NewLinear(ctx, contextDim, channels),
		Value:    NewLinear(ctx, contextDim, channels),
		Out:      NewLinear(ctx, channels, channels),
		ProjOut:  Zeroed(ctx, NewConv2D(ctx, channels, channels, 1, 1, 0)),
		heads:    heads,
	}, nil
}

// Forward runs cross attention over t [N, C, H, W] with context [M, S, D],
// where M is 1 or N; a singleton context batch is shared across samples.
func (m *CrossAttention) Forward(ctx ml.Context, t, context ml.Tensor) ml.Tensor {
	n, c, h, w := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)

	residual := t
	t = m.Norm.Forward(ctx, t, normEps)
	t = m.ProjIn.Forward(ctx, t)

	t = t.Reshape(ctx, n, c, h*w).Permute(ctx, 0, 2, 1).Contiguous(ctx)

	inner := m.AttnNorm.Forward(ctx, t, normEps)
	source := inner
	if context != nil {
		source = context
		if source.Dim(0) == 1 && n > 1 {
			source = source.RepeatInterleave(ctx, 0, n)
		}
	}

	attention := attend(ctx,
		m.Query.Forward(ctx, inner),
		m.Key.Forward(ctx, source),
		m.Value.Forward(ctx, source),
		m.heads)
	t = t.Add(ctx, m.Out.Forward(ctx, attention))

	t = t.Permute(ctx, 0, 2, 1).Contiguous(ctx).Reshape(ctx, n, c, h, w)
	t = m.ProjOut.Forward(ctx, t)
	return t.Add(ctx, residual)
}

func (m *CrossAttention) Params() []*ml.Tensor {
	params := []*ml.Tensor{}
	for _, sub := range []Module{m.Norm, m.ProjIn, m.AttnNorm, m.Query, m.Key, m.Value, m.Out, m.ProjOut} {
		params = append(params, sub.Params()...)
	}

	return params
}

// TemporalAttention attends each spatial position to itself across the time
// axis of a video feature map.
type TemporalAttention struct {
	Norm  *LayerNorm
	Query *Linear
	Key   *Linear
	Value *Linear
	Out   *Linear

	heads int
}

func NewTemporalAttention(ctx ml.Context, channels, heads int) (*TemporalAttention, error) {
	if channels%heads != 0 {
		return nil, fmt.Errorf("nn: channels %d not divisible by heads %d", channels, heads)
	}

	return &TemporalAttention{
		Norm:  NewLayerNorm(ctx, channels),
		Query: NewLinear(ctx, channels, channels),
		Key:   NewLinear(ctx, channels, channels),
		Value: NewLinear(ctx, channels, channels),
		Out:   Zeroed(ctx, NewLinear(ctx, channels, channels)),
		heads: heads,
	}, nil
}

// Forward runs temporal self-attention over t [N, C, T, H, W].
func (m *TemporalAttention) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	n, c, frames, h, w := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3), t.Dim(4)

	residual := t
	t = t.Permute(ctx, 0, 3, 4, 2, 1).Contiguous(ctx).Reshape(ctx, n*h*w, frames, c)

	inner := m.Norm.Forward(ctx, t, normEps)
	attention := attend(ctx,
		m.Query.Forward(ctx, inner),
		m.Key.Forward(ctx, inner),
		m.Value.Forward(ctx, inner),
		m.heads)
	out := m.Out.Forward(ctx, attention)

	out = out.Reshape(ctx, n, h, w, frames, c).Permute(ctx, 0, 4, 3, 1, 2).Contiguous(ctx)
	return residual.Add(ctx, out)
}

func (m *TemporalAttention) Params() []*ml.Tensor {
	params := []*ml.Tensor{}
	for _, sub := range []Module{m.Norm, m.Query, m.Key, m.Value, m.Out} {
		params = append(params, sub.Params()...)
	}

	return params
}

// groupsFor picks the largest group count no greater than 32 that divides
// the channel width.
func groupsFor(channels int) int {
	for g := 32; g > 1; g-- {
		if channels%g == 0 {
			return g
		}
	}

	return 1
}
