package unet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/crossmodal/diffnet/ml"
	_ "github.com/crossmodal/diffnet/ml/backend/cpu"
	"github.com/crossmodal/diffnet/ml/nn"
)

var approx = cmpopts.EquateApprox(0, 1e-5)

func newTestContext(t *testing.T) ml.Context {
	t.Helper()

	backend, err := ml.NewBackend("cpu")
	require.NoError(t, err)

	ctx := backend.NewContext()
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func TestResBlockIdentityAtInit(t *testing.T) {
	ctx := newTestContext(t)

	block, err := NewResBlock(ctx, ResBlockConfig{Channels: 8, EmbChannels: 16})
	require.NoError(t, err)

	x := ctx.Uniform(-1, 1, ml.DTypeF32, 2, 8, 4, 4)
	emb := ctx.Uniform(-1, 1, ml.DTypeF32, 2, 16)

	// The closing convolution starts at zero and the skip path is untouched
	// when channels are unchanged, so a fresh block passes its input through.
	got := block.Forward(ctx, Feature{Tensor: x}, emb)
	if diff := cmp.Diff(x.Floats(), got.Tensor.Floats()); diff != "" {
		t.Errorf("fresh block is not the identity (-want +got):\n%s", diff)
	}
}

func TestResBlockShapes(t *testing.T) {
	ctx := newTestContext(t)

	cases := []struct {
		name string
		cfg  ResBlockConfig
		in   []int
		want []int
	}{
		{
			name: "channel projection",
			cfg:  ResBlockConfig{Channels: 8, EmbChannels: 16, OutChannels: 16},
			in:   []int{2, 8, 4, 4},
			want: []int{2, 16, 4, 4},
		},
		{
			name: "scale shift",
			cfg:  ResBlockConfig{Channels: 8, EmbChannels: 16, OutChannels: 16, ScaleShift: true},
			in:   []int{2, 8, 4, 4},
			want: []int{2, 16, 4, 4},
		},
		{
			name: "upsampling block",
			cfg:  ResBlockConfig{Channels: 8, EmbChannels: 16, Up: true},
			in:   []int{2, 8, 4, 4},
			want: []int{2, 8, 8, 8},
		},
		{
			name: "downsampling block",
			cfg:  ResBlockConfig{Channels: 8, EmbChannels: 16, Down: true},
			in:   []int{2, 8, 4, 4},
			want: []int{2, 8, 2, 2},
		},
		{
			name: "full kernel skip projection",
			cfg:  ResBlockConfig{Channels: 8, EmbChannels: 16, OutChannels: 16, ConvSkip: true},
			in:   []int{2, 8, 4, 4},
			want: []int{2, 16, 4, 4},
		},
		{
			name: "pointwise kernel",
			cfg:  ResBlockConfig{Channels: 8, EmbChannels: 16, OutChannels: 16, Kernel: 1},
			in:   []int{2, 8, 1, 1},
			want: []int{2, 16, 1, 1},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			block, err := NewResBlock(ctx, tt.cfg)
			require.NoError(t, err)

			x := ctx.Uniform(-1, 1, ml.DTypeF32, tt.in...)
			emb := ctx.Uniform(-1, 1, ml.DTypeF32, tt.in[0], 16)

			got := block.Forward(ctx, Feature{Tensor: x}, emb)
			require.Equal(t, tt.want, got.Tensor.Shape())
		})
	}
}

func TestResBlockUpAndDownConflict(t *testing.T) {
	ctx := newTestContext(t)

	_, err := NewResBlock(ctx, ResBlockConfig{Channels: 8, EmbChannels: 16, Up: true, Down: true})
	require.Error(t, err)
}

func TestResBlockChannelMismatch(t *testing.T) {
	ctx := newTestContext(t)

	block, err := NewResBlock(ctx, ResBlockConfig{Channels: 8, EmbChannels: 16})
	require.NoError(t, err)

	x := ctx.Uniform(-1, 1, ml.DTypeF32, 2, 4, 4, 4)
	emb := ctx.Uniform(-1, 1, ml.DTypeF32, 2, 16)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on channel mismatch")
		}
	}()
	block.Forward(ctx, Feature{Tensor: x}, emb)
}

func TestResBlockCheckpointEquivalence(t *testing.T) {
	ctx := newTestContext(t)

	plain, err := NewResBlock(ctx, ResBlockConfig{Channels: 8, EmbChannels: 16, OutChannels: 16})
	require.NoError(t, err)

	ctx2 := newTestContext(t)
	checkpointed, err := NewResBlock(ctx2, ResBlockConfig{Channels: 8, EmbChannels: 16, OutChannels: 16, Checkpoint: true})
	require.NoError(t, err)

	// Both contexts draw from the same seeded stream, so the two blocks
	// carry identical weights.
	x := ctx.Uniform(-1, 1, ml.DTypeF32, 2, 8, 4, 4)
	emb := ctx.Uniform(-1, 1, ml.DTypeF32, 2, 16)

	want := plain.Forward(ctx, Feature{Tensor: x}, emb)
	got := checkpointed.Forward(ctx, Feature{Tensor: x}, emb)
	if diff := cmp.Diff(want.Tensor.Floats(), got.Tensor.Floats(), approx); diff != "" {
		t.Errorf("checkpointing changed the result (-want +got):\n%s", diff)
	}
}

func TestResample(t *testing.T) {
	ctx := newTestContext(t)

	t.Run("upsample doubles extent", func(t *testing.T) {
		up := NewUpsample(ctx, 4, 4)
		got := up.Forward(ctx, ctx.Uniform(-1, 1, ml.DTypeF32, 1, 4, 2, 3))
		require.Equal(t, []int{1, 4, 4, 6}, got.Shape())
	})

	t.Run("bare upsample repeats values", func(t *testing.T) {
		x, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
		require.NoError(t, err)

		got := (&Upsample{}).Forward(ctx, x)
		want := []float32{
			1, 1, 2, 2,
			1, 1, 2, 2,
			3, 3, 4, 4,
			3, 3, 4, 4,
		}
		if diff := cmp.Diff(want, got.Floats()); diff != "" {
			t.Errorf("nearest neighbor mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("downsample halves extent", func(t *testing.T) {
		down := NewDownsample(ctx, 4, 4)
		got := down.Forward(ctx, ctx.Uniform(-1, 1, ml.DTypeF32, 1, 4, 4, 4))
		require.Equal(t, []int{1, 4, 2, 2}, got.Shape())
	})

	t.Run("bare downsample averages", func(t *testing.T) {
		x, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
		require.NoError(t, err)

		got := (&Downsample{}).Forward(ctx, x)
		require.Equal(t, []int{1, 1, 1, 1}, got.Shape())
		if diff := cmp.Diff([]float32{2.5}, got.Floats()); diff != "" {
			t.Errorf("pooled downsample mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestLinearMultiDim(t *testing.T) {
	ctx := newTestContext(t)

	m := NewLinearMultiDim(ctx, []int{8, 4, 1}, []int{16, 2, 1})
	got := m.Forward(ctx, ctx.Uniform(-1, 1, ml.DTypeF32, 2, 8, 4, 1))
	require.Equal(t, []int{2, 16, 2, 1}, got.Shape())
}

func TestFCBlock(t *testing.T) {
	ctx := newTestContext(t)

	block, err := NewFCBlock(ctx, []int{8, 4, 1}, []int{16, 2, 1}, 16, false, 0)
	require.NoError(t, err)

	x := ctx.Uniform(-1, 1, ml.DTypeF32, 2, 8, 4, 1)
	emb := ctx.Uniform(-1, 1, ml.DTypeF32, 2, 16)

	got := block.Forward(ctx, Feature{Tensor: x}, emb)
	require.Equal(t, []int{2, 16, 2, 1}, got.Tensor.Shape())
}

func TestPipelineVideoMatchesPerFrame(t *testing.T) {
	ctx := newTestContext(t)

	block, err := NewResBlock(ctx, ResBlockConfig{Channels: 8, EmbChannels: 16, OutChannels: 16})
	require.NoError(t, err)
	p := newPipeline(conditioned(block))

	data := ctx.Uniform(-1, 1, ml.DTypeF32, 1, 8, 2, 2)
	emb := ctx.Uniform(-1, 1, ml.DTypeF32, 1, 16)

	image := p.Forward(ctx, Feature{Tensor: data}, emb, nil)

	// The same frame with a singleton time axis takes the video path and
	// must produce the same values.
	video := data.Reshape(ctx, 1, 8, 1, 2, 2)
	got := p.Forward(ctx, Feature{Tensor: video, Video: true}, emb, nil)

	require.Equal(t, []int{1, 16, 1, 2, 2}, got.Tensor.Shape())
	if diff := cmp.Diff(image.Tensor.Floats(), got.Tensor.Floats(), approx); diff != "" {
		t.Errorf("video path diverged from the per-frame path (-want +got):\n%s", diff)
	}
}

func TestPipelinePairedChannelChange(t *testing.T) {
	ctx := newTestContext(t)

	// The temporal stage follows the block, so it is sized for the block's
	// output width even when the block changes channels.
	block, err := NewResBlock(ctx, ResBlockConfig{Channels: 8, EmbChannels: 16, OutChannels: 16})
	require.NoError(t, err)
	attn, err := nn.NewTemporalAttention(ctx, 16, 2)
	require.NoError(t, err)
	p := newPipeline(paired(block, attn))

	video := ctx.Uniform(-1, 1, ml.DTypeF32, 1, 8, 2, 4, 4)
	emb := ctx.Uniform(-1, 1, ml.DTypeF32, 1, 16)

	got := p.Forward(ctx, Feature{Tensor: video, Video: true}, emb, nil)
	require.Equal(t, []int{1, 16, 2, 4, 4}, got.Tensor.Shape())
}

func TestPipelineMultiFrameMatchesPerFrame(t *testing.T) {
	ctx := newTestContext(t)

	block, err := NewResBlock(ctx, ResBlockConfig{Channels: 8, EmbChannels: 16})
	require.NoError(t, err)
	attn, err := nn.NewCrossAttention(ctx, 8, 2, 16)
	require.NoError(t, err)
	p := newPipeline(plain(NewDownsample(ctx, 8, 8)), conditioned(block), crossAttention(attn))

	const frames = 3
	video := ctx.Uniform(-1, 1, ml.DTypeF32, 1, 8, frames, 4, 4)
	emb := ctx.Uniform(-1, 1, ml.DTypeF32, 1, 16)
	context := ctx.Uniform(-1, 1, ml.DTypeF32, 1, 2, 16)

	got := p.Forward(ctx, Feature{Tensor: video, Video: true}, emb, context)
	require.Equal(t, []int{1, 8, frames, 2, 2}, got.Tensor.Shape())

	// Each frame must come out exactly where it went in, matching a separate
	// image pass over that frame alone.
	for f := 0; f < frames; f++ {
		frame := video.Narrow(ctx, 2, f, 1).Reshape(ctx, 1, 8, 4, 4)
		want := p.Forward(ctx, Feature{Tensor: frame}, emb, context)

		gotFrame := got.Tensor.Narrow(ctx, 2, f, 1).Reshape(ctx, 1, 8, 2, 2)
		if diff := cmp.Diff(want.Tensor.Floats(), gotFrame.Floats(), approx); diff != "" {
			t.Errorf("frame %d diverged from the per-frame path (-want +got):\n%s", f, diff)
		}
	}
}
