package unet

import (
	"fmt"

	"github.com/crossmodal/diffnet/ml"
	"github.com/crossmodal/diffnet/ml/nn"
)

// Plain is a transform with no conditioning inputs.
type Plain interface {
	Forward(ctx ml.Context, t ml.Tensor) ml.Tensor
}

// Conditioned is a transform conditioned on a timestep embedding.
type Conditioned interface {
	Forward(ctx ml.Context, x Feature, emb ml.Tensor) Feature
}

type ResBlockConfig struct {
	Channels    int
	EmbChannels int
	OutChannels int // 0 keeps Channels

	Kernel     int // spatial kernel size, 3 or 1
	ScaleShift bool
	ConvSkip   bool // full-kernel skip projection instead of 1x1
	Up, Down   bool
	Checkpoint bool
	Dropout    float32
}

// ResBlock is the conditioned residual transform: norm, activation,
// convolution, embedding injection, norm, activation, zero-initialized
// convolution, plus a channel-projected skip path. With Up or Down set it
// resizes both the main and skip paths with one shared policy before the
// first convolution.
type ResBlock struct {
	channels    int
	outChannels int
	scaleShift  bool
	checkpoint  bool
	dropout     float32

	InNorm *nn.GroupNorm
	InConv *nn.Conv2D

	resizeH Plain
	resizeX Plain

	Emb *nn.Linear

	OutNorm *nn.GroupNorm
	OutConv *nn.Conv2D

	Skip *nn.Conv2D // nil when channels are unchanged
}

func NewResBlock(ctx ml.Context, cfg ResBlockConfig) (*ResBlock, error) {
	if cfg.Up && cfg.Down {
		return nil, fmt.Errorf("unet: block cannot both upsample and downsample")
	}

	out := cfg.OutChannels
	if out == 0 {
		out = cfg.Channels
	}

	kernel := cfg.Kernel
	if kernel == 0 {
		kernel = 3
	}
	pad := (kernel - 1) / 2

	embOut := out
	if cfg.ScaleShift {
		embOut = 2 * out
	}

	b := &ResBlock{
		channels:    cfg.Channels,
		outChannels: out,
		scaleShift:  cfg.ScaleShift,
		checkpoint:  cfg.Checkpoint,
		dropout:     cfg.Dropout,
		InNorm:      nn.NewGroupNorm(ctx, cfg.Channels, groupsFor(cfg.Channels)),
		InConv:      nn.NewConv2D(ctx, cfg.Channels, out, kernel, 1, pad),
		Emb:         nn.NewLinear(ctx, cfg.EmbChannels, embOut),
		OutNorm:     nn.NewGroupNorm(ctx, out, groupsFor(out)),
		OutConv:     nn.Zeroed(ctx, nn.NewConv2D(ctx, out, out, kernel, 1, pad)),
	}

	switch {
	case cfg.Up:
		b.resizeH = &Upsample{}
		b.resizeX = &Upsample{}
	case cfg.Down:
		b.resizeH = &Downsample{}
		b.resizeX = &Downsample{}
	}

	if out != cfg.Channels {
		if cfg.ConvSkip {
			b.Skip = nn.NewConv2D(ctx, cfg.Channels, out, kernel, 1, pad)
		} else {
			b.Skip = nn.NewConv2D(ctx, cfg.Channels, out, 1, 1, 0)
		}
	}

	return b, nil
}

func (b *ResBlock) OutChannels() int {
	return b.outChannels
}

// Forward applies the block to x conditioned on emb. For video features the
// time axis is folded into the batch axis around the spatial layers; emb
// must already be broadcast per frame.
func (b *ResBlock) Forward(ctx ml.Context, x Feature, emb ml.Tensor) Feature {
	t := x.Tensor
	frames := 0
	if x.Video {
		t, frames = flattenFrames(ctx, t)
	}

	if got := t.Dim(1); got != b.channels {
		panic(fmt.Sprintf("unet: block expects %d channels, got %d", b.channels, got))
	}

	out := ml.Checkpoint(ctx, b.checkpoint, func(ctx ml.Context) ml.Tensor {
		return b.forward(ctx, t, emb)
	})

	if x.Video {
		out = restoreFrames(ctx, out, frames)
	}

	return Feature{Tensor: out, Video: x.Video}
}

func (b *ResBlock) forward(ctx ml.Context, x, emb ml.Tensor) ml.Tensor {
	h := b.InNorm.Forward(ctx, x, normEps).SILU(ctx)
	if b.resizeH != nil {
		h = b.resizeH.Forward(ctx, h)
		x = b.resizeX.Forward(ctx, x)
	}
	h = b.InConv.Forward(ctx, h)

	embOut := b.Emb.Forward(ctx, emb.SILU(ctx))
	embOut = embOut.Reshape(ctx, embOut.Dim(0), embOut.Dim(1), 1, 1)

	if b.scaleShift {
		scale := embOut.Narrow(ctx, 1, 0, b.outChannels)
		shift := embOut.Narrow(ctx, 1, b.outChannels, b.outChannels)
		h = b.OutNorm.Forward(ctx, h, normEps)
		h = h.Mul(ctx, scale.AddScalar(ctx, 1)).Add(ctx, shift)
		h = h.SILU(ctx)
	} else {
		h = h.Add(ctx, embOut)
		h = b.OutNorm.Forward(ctx, h, normEps).SILU(ctx)
	}
	h = b.OutConv.Forward(ctx, h)

	skip := x
	if b.Skip != nil {
		skip = b.Skip.Forward(ctx, x)
	}

	return skip.Add(ctx, h)
}

// Upsample doubles the spatial extent by nearest-neighbor interpolation,
// optionally followed by a convolution.
type Upsample struct {
	Conv *nn.Conv2D
}

func NewUpsample(ctx ml.Context, channels, outChannels int) *Upsample {
	return &Upsample{Conv: nn.NewConv2D(ctx, channels, outChannels, 3, 1, 1)}
}

func (u *Upsample) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.RepeatInterleave(ctx, 2, 2)
	t = t.RepeatInterleave(ctx, 3, 2)
	if u.Conv != nil {
		t = u.Conv.Forward(ctx, t)
	}

	return t
}

// Downsample halves the spatial extent with a strided convolution, or
// average pooling when unparameterized.
type Downsample struct {
	Conv *nn.Conv2D
}

func NewDownsample(ctx ml.Context, channels, outChannels int) *Downsample {
	return &Downsample{Conv: nn.NewConv2D(ctx, channels, outChannels, 3, 2, 1)}
}

func (d *Downsample) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	if d.Conv != nil {
		return d.Conv.Forward(ctx, t)
	}

	return t.AvgPool2D(ctx, 2, 2, 0)
}

// LinearMultiDim is a linear transform over a multi-axis feature shape,
// flattening the trailing axes to their product for the matrix product and
// restoring the declared output axes after.
type LinearMultiDim struct {
	Linear *nn.Linear

	in, out []int
}

func NewLinearMultiDim(ctx ml.Context, in, out []int) *LinearMultiDim {
	return &LinearMultiDim{
		Linear: nn.NewLinear(ctx, prod(in), prod(out)),
		in:     append([]int(nil), in...),
		out:    append([]int(nil), out...),
	}
}

func (l *LinearMultiDim) Params() []*ml.Tensor {
	return l.Linear.Params()
}

func (l *LinearMultiDim) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	shape := t.Shape()
	lead := shape[:len(shape)-len(l.in)]

	t = t.Reshape(ctx, append(append([]int{}, lead...), prod(l.in))...)
	t = l.Linear.Forward(ctx, t)
	return t.Reshape(ctx, append(append([]int{}, lead...), l.out...)...)
}

// FCBlock is the Stage Block variant for flattened multi-dimensional
// features: a 1x1-kernel residual block applied to the product-flattened
// feature axes.
type FCBlock struct {
	inner *ResBlock

	in, out []int
}

func NewFCBlock(ctx ml.Context, in, out []int, embChannels int, checkpoint bool, dropout float32) (*FCBlock, error) {
	inner, err := NewResBlock(ctx, ResBlockConfig{
		Channels:    prod(in),
		EmbChannels: embChannels,
		OutChannels: prod(out),
		Kernel:      1,
		Checkpoint:  checkpoint,
		Dropout:     dropout,
	})
	if err != nil {
		return nil, err
	}

	return &FCBlock{
		inner: inner,
		in:    append([]int(nil), in...),
		out:   append([]int(nil), out...),
	}, nil
}

func (b *FCBlock) OutChannels() int {
	return b.out[0]
}

func (b *FCBlock) Forward(ctx ml.Context, x Feature, emb ml.Tensor) Feature {
	t := x.Tensor
	shape := t.Shape()
	lead := shape[:len(shape)-len(b.in)]

	t = t.Reshape(ctx, append(append([]int{}, lead...), prod(b.in), 1, 1)...)
	t = b.inner.Forward(ctx, Feature{Tensor: t}, emb).Tensor
	t = t.Reshape(ctx, append(append([]int{}, lead...), b.out...)...)

	return Feature{Tensor: t, Video: x.Video}
}

func prod(s []int) int {
	p := 1
	for _, v := range s {
		p *= v
	}

	return p
}

const normEps = 1e-5

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
