package unet

import (
	"github.com/crossmodal/diffnet/ml"
	"github.com/crossmodal/diffnet/ml/nn"
)

// convVariant builds the spatial tower: 3x3 convolutions, learned
// strided resampling, optional paired temporal attention for video.
type convVariant struct {
	opts Options
}

func (v convVariant) inDims() dims {
	return dims{v.opts.InputChannels}
}

func (v convVariant) halfBase() dims {
	return dims{v.opts.ModelChannels / 2}
}

func (v convVariant) levelDims(mult, level int) dims {
	return dims{mult * v.opts.ModelChannels}
}

func (v convVariant) connectorDims(mult, level int) dims {
	return dims{mult * v.opts.ModelChannels}
}

func (v convVariant) head(ctx ml.Context, in, out dims) (Plain, error) {
	return nn.NewConv2D(ctx, in[0], out[0], 3, 1, 1), nil
}

func (v convVariant) blockLayer(ctx ml.Context, in, out dims, embDim int) (Layer, error) {
	block, err := NewResBlock(ctx, ResBlockConfig{
		Channels:    in[0],
		EmbChannels: embDim,
		OutChannels: out[0],
		Kernel:      3,
		Checkpoint:  v.opts.Checkpoint,
		Dropout:     v.opts.Dropout,
	})
	if err != nil {
		return Layer{}, err
	}

	if v.opts.VideoArchitecture {
		attn, err := nn.NewTemporalAttention(ctx, out[0], v.opts.Heads)
		if err != nil {
			return Layer{}, err
		}
		return paired(block, attn), nil
	}

	return conditioned(block), nil
}

func (v convVariant) resample(ctx ml.Context, cur dims, up bool) (Plain, error) {
	if up {
		return NewUpsample(ctx, cur[0], cur[0]), nil
	}
	return NewDownsample(ctx, cur[0], cur[0]), nil
}

func (v convVariant) output(ctx ml.Context, cur dims, outChannels int) (Plain, error) {
	return nn.Zeroed(ctx, nn.NewConv2D(ctx, cur[0], outChannels, 3, 1, 1)), nil
}

func (v convVariant) kernel() int {
	return 3
}

// fcVariant builds the flattened multi-dimensional tower: every stage is a
// fully connected block over [channels, second, 1] shapes and resampling is
// a learned linear reshape rather than a spatial stride.
type fcVariant struct {
	opts Options
}

func (v fcVariant) inDims() dims {
	return dims{v.opts.InputChannels, 1, 1}
}

func (v fcVariant) halfBase() dims {
	return dims{v.opts.ModelChannels / 2, v.opts.SecondDim[0], 1}
}

func (v fcVariant) levelDims(mult, level int) dims {
	return dims{mult * v.opts.ModelChannels, v.opts.SecondDim[level], 1}
}

func (v fcVariant) connectorDims(mult, level int) dims {
	return dims{mult * v.opts.ModelChannels, v.opts.SecondDimConnector[level], 1}
}

func (v fcVariant) head(ctx ml.Context, in, out dims) (Plain, error) {
	return NewLinearMultiDim(ctx, in, out), nil
}

func (v fcVariant) blockLayer(ctx ml.Context, in, out dims, embDim int) (Layer, error) {
	block, err := NewFCBlock(ctx, in, out, embDim, v.opts.Checkpoint, v.opts.Dropout)
	if err != nil {
		return Layer{}, err
	}

	return conditioned(block), nil
}

func (v fcVariant) resample(ctx ml.Context, cur dims, up bool) (Plain, error) {
	return NewLinearMultiDim(ctx, cur, cur), nil
}

func (v fcVariant) output(ctx ml.Context, cur dims, outChannels int) (Plain, error) {
	return nn.Zeroed(ctx, NewLinearMultiDim(ctx, cur, dims{outChannels, 1, 1})), nil
}

func (v fcVariant) kernel() int {
	return 1
}
