package unet

import (
	"github.com/crossmodal/diffnet/ml"
	"github.com/crossmodal/diffnet/ml/nn"
)

type layerKind int

const (
	kindConditioned layerKind = iota
	kindCrossAttention
	kindTemporalAttention
	kindPlain
	kindPaired
)

// Layer is one stage of a Pipeline: a closed variant carrying exactly the
// capability its kind requires.
type Layer struct {
	kind layerKind

	res      Conditioned
	attn     *nn.CrossAttention
	temporal *nn.TemporalAttention
	plain    Plain
}

func conditioned(b Conditioned) Layer {
	return Layer{kind: kindConditioned, res: b}
}

func crossAttention(a *nn.CrossAttention) Layer {
	return Layer{kind: kindCrossAttention, attn: a}
}

func temporalAttention(a *nn.TemporalAttention) Layer {
	return Layer{kind: kindTemporalAttention, temporal: a}
}

func plain(p Plain) Layer {
	return Layer{kind: kindPlain, plain: p}
}

// paired couples a conditioned block with a temporal attention stage; the
// block runs first, then the temporal stage mixes its output across frames.
func paired(b Conditioned, t *nn.TemporalAttention) Layer {
	return Layer{kind: kindPaired, res: b, temporal: t}
}

// Pipeline threads (features, timestep embedding, context) through an
// ordered list of heterogeneous stages, handing each stage exactly the
// conditioning its kind consumes.
type Pipeline struct {
	layers []Layer
}

func newPipeline(layers ...Layer) *Pipeline {
	return &Pipeline{layers: layers}
}

// Forward runs the pipeline. For video features the embedding and context
// are broadcast across the time axis once, up front; stages that operate
// per frame fold the time axis into the batch axis around their call.
func (p *Pipeline) Forward(ctx ml.Context, x Feature, emb, context ml.Tensor) Feature {
	frameEmb, frameContext := emb, context
	if x.Video {
		frames := x.Tensor.Dim(2)
		if emb != nil {
			frameEmb = broadcastRows(ctx, emb, frames)
		}
		// A single-row context broadcasts inside the attention stage
		// already; only per-sample contexts need frame rows.
		if context != nil && context.Dim(0) > 1 {
			frameContext = broadcastSequence(ctx, context, frames)
		}
	}

	for _, l := range p.layers {
		switch l.kind {
		case kindConditioned:
			x = l.res.Forward(ctx, x, frameEmb)
		case kindCrossAttention:
			if x.Video {
				t, frames := flattenFrames(ctx, x.Tensor)
				t = l.attn.Forward(ctx, t, frameContext)
				x.Tensor = restoreFrames(ctx, t, frames)
			} else {
				x.Tensor = l.attn.Forward(ctx, x.Tensor, context)
			}
		case kindTemporalAttention:
			if x.Video {
				x.Tensor = l.temporal.Forward(ctx, x.Tensor)
			}
		case kindPlain:
			if x.Video {
				t, frames := flattenFrames(ctx, x.Tensor)
				t = l.plain.Forward(ctx, t)
				x.Tensor = restoreFrames(ctx, t, frames)
			} else {
				x.Tensor = l.plain.Forward(ctx, x.Tensor)
			}
		case kindPaired:
			x = l.res.Forward(ctx, x, frameEmb)
			if x.Video {
				x.Tensor = l.temporal.Forward(ctx, x.Tensor)
			}
		default:
			panic("unet: unhandled pipeline stage kind")
		}
	}

	return x
}

// broadcastRows repeats each row of a [N, D] tensor for every frame,
// yielding [N*frames, D].
func broadcastRows(ctx ml.Context, t ml.Tensor, frames int) ml.Tensor {
	n, d := t.Dim(0), t.Dim(1)
	t = t.Reshape(ctx, n, 1, d).RepeatInterleave(ctx, 1, frames)
	return t.Reshape(ctx, n*frames, d)
}

// broadcastSequence repeats each [S, D] sequence of a [N, S, D] tensor for
// every frame, yielding [N*frames, S, D].
func broadcastSequence(ctx ml.Context, t ml.Tensor, frames int) ml.Tensor {
	n, s, d := t.Dim(0), t.Dim(1), t.Dim(2)
	t = t.Reshape(ctx, n, 1, s, d).RepeatInterleave(ctx, 1, frames)
	return t.Reshape(ctx, n*frames, s, d)
}
