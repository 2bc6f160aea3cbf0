package unet

import (
	"fmt"
	"log/slog"

	"github.com/crossmodal/diffnet/ml"
	"github.com/crossmodal/diffnet/ml/nn"
)

// Options configures one U-Net tower. Per-level slices are indexed in
// parallel with ChannelMult and must have matching lengths.
type Options struct {
	InputChannels  int `mapstructure:"input_channels"`
	ModelChannels  int `mapstructure:"model_channels"`
	OutputChannels int `mapstructure:"output_channels"`
	ContextDim     int `mapstructure:"context_dim"`

	NumBlocks   []int  `mapstructure:"num_blocks"`
	ChannelMult []int  `mapstructure:"channel_mult"`
	AttnLevels  []bool `mapstructure:"with_attn"`

	ConnectorMult   []int  `mapstructure:"channel_mult_connector"`
	ConnectorBlocks []int  `mapstructure:"num_blocks_connector"`
	ConnectorLevels []bool `mapstructure:"with_connector"`

	// SecondDim widths apply to the flattened multi-dimensional variant
	// only: the secondary feature axis per level.
	SecondDim          []int `mapstructure:"second_dim"`
	SecondDimConnector []int `mapstructure:"second_dim_connector"`

	Heads      int     `mapstructure:"num_heads"`
	Checkpoint bool    `mapstructure:"use_checkpoint"`
	Dropout    float32 `mapstructure:"dropout"`

	// VideoArchitecture pairs every stage block with a temporal attention
	// stage so the tower can host features with a time axis.
	VideoArchitecture bool `mapstructure:"use_video_architecture"`
}

// DefaultOptions mirrors the stock four-level configuration.
func DefaultOptions() Options {
	return Options{
		ContextDim:         768,
		NumBlocks:          []int{2, 2, 2, 2},
		ChannelMult:        []int{1, 2, 4, 8},
		AttnLevels:         []bool{true, true, true, false},
		ConnectorMult:      []int{1, 2, 4},
		ConnectorBlocks:    []int{1, 1, 1},
		ConnectorLevels:    []bool{true, true, true, false},
		SecondDim:          []int{4, 4, 4, 4},
		SecondDimConnector: []int{4, 4, 4},
		Heads:              8,
		Checkpoint:         true,
	}
}

func (o Options) validate() error {
	levels := len(o.ChannelMult)
	if levels == 0 {
		return fmt.Errorf("unet: channel_mult must not be empty")
	}
	if len(o.NumBlocks) != levels {
		return fmt.Errorf("unet: num_blocks has %d levels, channel_mult has %d", len(o.NumBlocks), levels)
	}
	if len(o.AttnLevels) != levels {
		return fmt.Errorf("unet: with_attn has %d levels, channel_mult has %d", len(o.AttnLevels), levels)
	}
	if len(o.ConnectorLevels) != levels {
		return fmt.Errorf("unet: with_connector has %d levels, channel_mult has %d", len(o.ConnectorLevels), levels)
	}
	if len(o.ConnectorBlocks) != len(o.ConnectorMult) {
		return fmt.Errorf("unet: num_blocks_connector has %d levels, channel_mult_connector has %d",
			len(o.ConnectorBlocks), len(o.ConnectorMult))
	}
	if o.InputChannels <= 0 || o.ModelChannels <= 0 || o.OutputChannels <= 0 {
		return fmt.Errorf("unet: input, model and output channels must be positive")
	}
	if o.Heads <= 0 {
		return fmt.Errorf("unet: num_heads must be positive")
	}

	return nil
}

// dims is a feature channel shape: one element for convolutional towers,
// [channels, second, 1] for the flattened multi-dimensional variant.
type dims []int

// variant abstracts the per-block construction differences between the
// convolutional tower and the flattened multi-dimensional tower.
type variant interface {
	inDims() dims
	halfBase() dims
	levelDims(mult, level int) dims
	connectorDims(mult, level int) dims

	head(ctx ml.Context, in, out dims) (Plain, error)
	blockLayer(ctx ml.Context, in, out dims, embDim int) (Layer, error)
	resample(ctx ml.Context, cur dims, up bool) (Plain, error)
	output(ctx ml.Context, cur dims, outChannels int) (Plain, error)
	kernel() int
}

// Tower is one encoder/connector/decoder U-Net. Encoder, bottleneck and
// decoder pipelines share a skip-channel stack recorded at build time; the
// decoder consumes it in LIFO order, which is what keeps every
// concatenation shape-consistent.
type Tower struct {
	arch string
	opts Options

	TimeEmbed1 *nn.Linear
	TimeEmbed2 *nn.Linear

	Connector         []*Pipeline
	ConnectorOut      *ConnectorOut
	ConnectorChannels int

	Encoder           []*Pipeline
	EncoderConnectors []*Pipeline // index-aligned with Encoder, nil where absent

	Bottleneck *Pipeline

	Decoder           []*Pipeline
	DecoderConnectors []*Pipeline

	OutNorm *nn.GroupNorm
	OutProj Plain

	pushed []dims // every skip-channel record, in insertion order
	stack  []dims // remaining records during the decoder build
}

func (t *Tower) Architecture() string {
	return t.arch
}

func (t *Tower) tower() *Tower {
	return t
}

// SkipChannels reports the channel count of every skip record pushed during
// the encoder build, in insertion order.
func (t *Tower) SkipChannels() []int {
	out := make([]int, len(t.pushed))
	for i, d := range t.pushed {
		out[i] = d[0]
	}

	return out
}

func (t *Tower) push(d dims) {
	t.pushed = append(t.pushed, d)
	t.stack = append(t.stack, d)
}

func (t *Tower) pop() dims {
	d := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return d
}

func buildTower(ctx ml.Context, arch string, opts Options, v variant) (*Tower, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	levels := len(opts.ChannelMult)
	embDim := 4 * opts.ModelChannels

	t := &Tower{
		arch:       arch,
		opts:       opts,
		TimeEmbed1: nn.NewLinear(ctx, opts.ModelChannels, embDim),
		TimeEmbed2: nn.NewLinear(ctx, embDim, embDim),
	}

	if err := t.buildConnector(ctx, opts, v, embDim); err != nil {
		return nil, err
	}
	if err := t.buildEncoder(ctx, opts, v, embDim, levels); err != nil {
		return nil, err
	}
	if err := t.buildDecoder(ctx, opts, v, embDim, levels); err != nil {
		return nil, err
	}

	slog.Debug("built tower", "architecture", arch,
		"levels", levels,
		"encoder", len(t.Encoder), "decoder", len(t.Decoder),
		"connector", len(t.Connector))
	return t, nil
}

func (t *Tower) buildConnector(ctx ml.Context, opts Options, v variant, embDim int) error {
	cur := v.halfBase()
	headLayer, err := v.head(ctx, v.inDims(), cur)
	if err != nil {
		return err
	}
	t.Connector = []*Pipeline{newPipeline(plain(headLayer))}

	for level, mult := range opts.ConnectorMult {
		for i := 0; i < opts.ConnectorBlocks[level]; i++ {
			out := v.connectorDims(mult, level)
			layer, err := v.blockLayer(ctx, cur, out, embDim)
			if err != nil {
				return err
			}
			cur = out
			t.Connector = append(t.Connector, newPipeline(layer))
		}

		if level != len(opts.ConnectorMult)-1 {
			down, err := v.resample(ctx, cur, false)
			if err != nil {
				return err
			}
			t.Connector = append(t.Connector, newPipeline(plain(down)))
		}
	}

	t.ConnectorChannels = cur[0]

	temporalHeads := 0
	if opts.VideoArchitecture {
		temporalHeads = opts.Heads
	}
	t.ConnectorOut, err = NewConnectorOut(ctx, cur[0], v.kernel(), temporalHeads, opts.Checkpoint)
	return err
}

func (t *Tower) buildEncoder(ctx ml.Context, opts Options, v variant, embDim, levels int) error {
	cur := v.levelDims(1, 0)
	headLayer, err := v.head(ctx, v.inDims(), cur)
	if err != nil {
		return err
	}
	t.Encoder = []*Pipeline{newPipeline(plain(headLayer))}
	t.EncoderConnectors = []*Pipeline{nil}
	t.push(cur)

	for level, mult := range opts.ChannelMult {
		for i := 0; i < opts.NumBlocks[level]; i++ {
			out := v.levelDims(mult, level)
			layers := []Layer{}
			block, err := v.blockLayer(ctx, cur, out, embDim)
			if err != nil {
				return err
			}
			layers = append(layers, block)
			cur = out

			if opts.AttnLevels[level] {
				attn, err := nn.NewCrossAttention(ctx, cur[0], opts.Heads, opts.ContextDim)
				if err != nil {
					return err
				}
				layers = append(layers, crossAttention(attn))
			}

			t.Encoder = append(t.Encoder, newPipeline(layers...))
			t.push(cur)

			connector, err := t.connectorStage(ctx, opts, cur, level)
			if err != nil {
				return err
			}
			t.EncoderConnectors = append(t.EncoderConnectors, connector)
		}

		if level != levels-1 {
			down, err := v.resample(ctx, cur, false)
			if err != nil {
				return err
			}
			t.Encoder = append(t.Encoder, newPipeline(plain(down)))
			t.EncoderConnectors = append(t.EncoderConnectors, nil)
			t.push(cur)
		}
	}

	// Bottleneck: two conditioned blocks around one cross-attention stage,
	// all at the deepest width.
	first, err := v.blockLayer(ctx, cur, cur, embDim)
	if err != nil {
		return err
	}
	attn, err := nn.NewCrossAttention(ctx, cur[0], opts.Heads, opts.ContextDim)
	if err != nil {
		return err
	}
	second, err := v.blockLayer(ctx, cur, cur, embDim)
	if err != nil {
		return err
	}
	t.Bottleneck = newPipeline(first, crossAttention(attn), second)

	return nil
}

func (t *Tower) buildDecoder(ctx ml.Context, opts Options, v variant, embDim, levels int) error {
	cur := v.levelDims(opts.ChannelMult[levels-1], levels-1)

	for level := levels - 1; level >= 0; level-- {
		mult := opts.ChannelMult[level]
		for i := 0; i <= opts.NumBlocks[level]; i++ {
			extra := t.pop()

			in := append(dims{cur[0] + extra[0]}, cur[1:]...)
			out := v.levelDims(mult, level)
			layers := []Layer{}
			block, err := v.blockLayer(ctx, in, out, embDim)
			if err != nil {
				return err
			}
			layers = append(layers, block)
			cur = out

			if opts.AttnLevels[level] {
				attn, err := nn.NewCrossAttention(ctx, cur[0], opts.Heads, opts.ContextDim)
				if err != nil {
					return err
				}
				layers = append(layers, crossAttention(attn))
			}

			connector, err := t.connectorStage(ctx, opts, cur, level)
			if err != nil {
				return err
			}
			t.DecoderConnectors = append(t.DecoderConnectors, connector)

			if level != 0 && i == opts.NumBlocks[level] {
				up, err := v.resample(ctx, cur, true)
				if err != nil {
					return err
				}
				layers = append(layers, plain(up))
			}

			t.Decoder = append(t.Decoder, newPipeline(layers...))
		}
	}

	t.OutNorm = nn.NewGroupNorm(ctx, cur[0], groupsFor(cur[0]))
	proj, err := v.output(ctx, cur, opts.OutputChannels)
	if err != nil {
		return err
	}
	t.OutProj = proj

	return nil
}

func (t *Tower) connectorStage(ctx ml.Context, opts Options, cur dims, level int) (*Pipeline, error) {
	if !opts.ConnectorLevels[level] {
		return nil, nil
	}

	attn, err := nn.NewCrossAttention(ctx, cur[0], opts.Heads, t.ConnectorChannels)
	if err != nil {
		return nil, err
	}

	return newPipeline(crossAttention(attn)), nil
}

// timeEmbed projects the shared sinusoidal embedding into this tower's
// embedding width.
func (t *Tower) timeEmbed(ctx ml.Context, temb ml.Tensor) ml.Tensor {
	return t.TimeEmbed2.Forward(ctx, t.TimeEmbed1.Forward(ctx, temb).SILU(ctx))
}

// outputHead applies the final projection; video features are folded per
// frame through the shared spatial head.
func (t *Tower) outputHead(ctx ml.Context, x Feature) ml.Tensor {
	out := x.Tensor
	frames := 0
	if x.Video {
		out, frames = flattenFrames(ctx, out)
	}

	out = t.OutNorm.Forward(ctx, out, normEps).SILU(ctx)
	out = t.OutProj.Forward(ctx, out)

	if x.Video {
		out = restoreFrames(ctx, out, frames)
	}

	return out
}

// ConnectorForward evaluates the connector pathway for one input, returning
// the pooled, unit-normalized auxiliary context [N, 1, C].
func (t *Tower) ConnectorForward(ctx ml.Context, x Feature, emb, context ml.Tensor) ml.Tensor {
	h := x
	for _, p := range t.Connector {
		h = p.Forward(ctx, h, emb, context)
	}

	return t.ConnectorOut.Forward(ctx, h)
}

// Forward runs the full tower on one input batch: encoder with skip
// snapshots, bottleneck, decoder with LIFO skip concatenation, output head.
// The connector pathway is not consulted; that is the joint orchestrator's
// concern.
func (t *Tower) Forward(ctx ml.Context, x Feature, timesteps []float32, context ml.Tensor) ml.Tensor {
	temb := nn.TimestepEmbedding(ctx, timesteps, t.opts.ModelChannels)
	emb := t.timeEmbed(ctx, temb)

	h := x
	hs := make([]Feature, 0, len(t.Encoder))
	for _, p := range t.Encoder {
		h = p.Forward(ctx, h, emb, context)
		hs = append(hs, h)
	}

	h = t.Bottleneck.Forward(ctx, h, emb, context)

	for _, p := range t.Decoder {
		skip := hs[len(hs)-1]
		hs = hs[:len(hs)-1]
		h.Tensor = h.Tensor.Concat(ctx, skip.Tensor, 1)
		h = p.Forward(ctx, h, emb, context)
	}

	return t.outputHead(ctx, h)
}
