package unet

import (
	"fmt"

	"github.com/crossmodal/diffnet/ml"
	"github.com/crossmodal/diffnet/ml/nn"
	"github.com/crossmodal/diffnet/ml/nn/pooling"
)

// ConnectorOut terminates a connector pathway: a residual transform without
// embedding injection, followed by a mean reduction of every spatial and
// time axis and unit-L2 normalization. Its output is the auxiliary context
// sequence, one vector per sample.
type ConnectorOut struct {
	channels   int
	checkpoint bool

	InNorm *nn.GroupNorm
	InConv *nn.Conv2D

	OutNorm *nn.GroupNorm
	OutConv *nn.Conv2D

	Temporal *nn.TemporalAttention // optional, video towers only
}

func NewConnectorOut(ctx ml.Context, channels, kernel int, temporalHeads int, checkpoint bool) (*ConnectorOut, error) {
	pad := (kernel - 1) / 2
	c := &ConnectorOut{
		channels:   channels,
		checkpoint: checkpoint,
		InNorm:     nn.NewGroupNorm(ctx, channels, groupsFor(channels)),
		InConv:     nn.NewConv2D(ctx, channels, channels, kernel, 1, pad),
		OutNorm:    nn.NewGroupNorm(ctx, channels, groupsFor(channels)),
		OutConv:    nn.Zeroed(ctx, nn.NewConv2D(ctx, channels, channels, kernel, 1, pad)),
	}

	if temporalHeads > 0 {
		temporal, err := nn.NewTemporalAttention(ctx, channels, temporalHeads)
		if err != nil {
			return nil, err
		}
		c.Temporal = temporal
	}

	return c, nil
}

// Forward produces the pooled connector embedding [N, 1, C] for x.
func (c *ConnectorOut) Forward(ctx ml.Context, x Feature) ml.Tensor {
	t := x.Tensor
	frames := 0
	if x.Video {
		if c.Temporal != nil {
			t = c.Temporal.Forward(ctx, t)
		}
		t, frames = flattenFrames(ctx, t)
	}

	if got := t.Dim(1); got != c.channels {
		panic(fmt.Sprintf("unet: connector expects %d channels, got %d", c.channels, got))
	}

	out := ml.Checkpoint(ctx, c.checkpoint, func(ctx ml.Context) ml.Tensor {
		h := c.InConv.Forward(ctx, c.InNorm.Forward(ctx, t, normEps).SILU(ctx))
		h = c.OutConv.Forward(ctx, c.OutNorm.Forward(ctx, h, normEps).SILU(ctx))
		return t.Add(ctx, h)
	})

	if x.Video {
		out = restoreFrames(ctx, out, frames)
	}

	pooled := pooling.TypeMean.Forward(ctx, out)
	pooled = normalize(ctx, pooled)
	return pooled.Reshape(ctx, pooled.Dim(0), 1, pooled.Dim(1))
}

// normalize scales each row of a [N, C] tensor to unit L2 norm.
func normalize(ctx ml.Context, t ml.Tensor) ml.Tensor {
	norm := t.Mul(ctx, t).Sum(ctx, 1).Sqrt(ctx)
	return t.Div(ctx, norm)
}
