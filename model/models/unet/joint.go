package unet

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/crossmodal/diffnet/ml"
	"github.com/crossmodal/diffnet/ml/nn"
	"github.com/crossmodal/diffnet/model"
)

// Modality identifies which tower a sample is routed through.
type Modality int

const (
	ModalityImage Modality = iota
	ModalityVideo
	ModalityText
	ModalityAudio
)

func (m Modality) String() string {
	switch m {
	case ModalityImage:
		return "image"
	case ModalityVideo:
		return "video"
	case ModalityText:
		return "text"
	case ModalityAudio:
		return "audio"
	}

	return fmt.Sprintf("modality(%d)", int(m))
}

// Sample is one batch of latents for one modality. Image and audio data is
// [N, C, H, W], video is [N, C, T, H, W], text is [N, C].
type Sample struct {
	Modality Modality
	Data     ml.Tensor
}

// Conditioning holds one to three context sources [M, S, D] and the mixing
// ratios that blend them into a single context.
type Conditioning struct {
	Sources []ml.Tensor
	Ratios  []float32
}

// MixContext blends the conditioning sources. One source passes through.
// Two sources blend as s0*w + s1*(1-w). Three blend as
// s0*(1-w1-w2) + s1*w1 + s2*w2.
func MixContext(ctx ml.Context, cond Conditioning) (ml.Tensor, error) {
	switch len(cond.Sources) {
	case 1:
		return cond.Sources[0], nil
	case 2:
		if len(cond.Ratios) != 1 {
			return nil, fmt.Errorf("unet: two context sources need one mixing ratio, got %d", len(cond.Ratios))
		}

		w := float64(cond.Ratios[0])
		return cond.Sources[0].Scale(ctx, w).
			Add(ctx, cond.Sources[1].Scale(ctx, 1-w)), nil
	case 3:
		if len(cond.Ratios) != 2 {
			return nil, fmt.Errorf("unet: three context sources need two mixing ratios, got %d", len(cond.Ratios))
		}

		w1, w2 := float64(cond.Ratios[0]), float64(cond.Ratios[1])
		return cond.Sources[0].Scale(ctx, 1-w1-w2).
			Add(ctx, cond.Sources[1].Scale(ctx, w1)).
			Add(ctx, cond.Sources[2].Scale(ctx, w2)), nil
	}

	return nil, fmt.Errorf("unet: need one to three context sources, got %d", len(cond.Sources))
}

// Joint runs the three towers in lock step over a mixed-modality batch of
// samples. The towers were assembled from configurations with equal pipeline
// counts, so stage k of each is structurally parallel; each sample advances
// through stage k of its own tower before any sample enters stage k+1.
type Joint struct {
	Vision *Tower
	Text   *Tower
	Audio  *Tower
}

type towerModel interface {
	tower() *Tower
}

// NewJoint validates that the three towers can run in lock step.
func NewJoint(vision, text, audio *Tower) (*Joint, error) {
	towers := []*Tower{vision, text, audio}
	for _, t := range towers {
		if t == nil {
			return nil, fmt.Errorf("unet: joint model needs all three towers")
		}
	}

	for _, t := range towers[1:] {
		if t.opts.ModelChannels != vision.opts.ModelChannels {
			return nil, fmt.Errorf("unet: towers disagree on model channels: %d vs %d",
				t.opts.ModelChannels, vision.opts.ModelChannels)
		}
		if len(t.Encoder) != len(vision.Encoder) ||
			len(t.Decoder) != len(vision.Decoder) ||
			len(t.Connector) != len(vision.Connector) {
			return nil, fmt.Errorf("unet: towers %q and %q have mismatched pipeline counts",
				vision.arch, t.arch)
		}
		for i := range t.EncoderConnectors {
			if (t.EncoderConnectors[i] == nil) != (vision.EncoderConnectors[i] == nil) {
				return nil, fmt.Errorf("unet: towers %q and %q disagree on encoder connector stage %d",
					vision.arch, t.arch, i)
			}
		}
		for i := range t.DecoderConnectors {
			if (t.DecoderConnectors[i] == nil) != (vision.DecoderConnectors[i] == nil) {
				return nil, fmt.Errorf("unet: towers %q and %q disagree on decoder connector stage %d",
					vision.arch, t.arch, i)
			}
		}
	}

	return &Joint{Vision: vision, Text: text, Audio: audio}, nil
}

func (j *Joint) Architecture() string {
	return "unet_joint"
}

func (j *Joint) towerFor(m Modality) *Tower {
	switch m {
	case ModalityImage, ModalityVideo:
		return j.Vision
	case ModalityText:
		return j.Text
	case ModalityAudio:
		return j.Audio
	}

	panic("unet: unknown modality " + m.String())
}

// Forward denoises every sample one step. Samples share the timestep batch
// and the mixed conditioning context; each is routed through its modality's
// tower, with all towers advancing in lock step so that skip snapshots and
// connector contexts line up across samples. Outputs are returned in sample
// order with each sample's input shape.
//
// Connector contexts are evaluated concurrently, so ctx must come from a
// backend whose contexts are documented as goroutine-safe, such as the cpu
// backend.
func (j *Joint) Forward(ctx ml.Context, samples []Sample, timesteps []float32, cond Conditioning) ([]ml.Tensor, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("unet: no samples")
	}

	context, err := MixContext(ctx, cond)
	if err != nil {
		return nil, err
	}

	temb := nn.TimestepEmbedding(ctx, timesteps, j.Vision.opts.ModelChannels)
	embs := map[*Tower]ml.Tensor{
		j.Vision: j.Vision.timeEmbed(ctx, temb),
		j.Text:   j.Text.timeEmbed(ctx, temb),
		j.Audio:  j.Audio.timeEmbed(ctx, temb),
	}

	h := make([]Feature, len(samples))
	for i, s := range samples {
		t := s.Data
		if s.Modality == ModalityText {
			t = t.Reshape(ctx, append(t.Shape(), 1, 1)...)
		}
		h[i] = Feature{Tensor: t, Video: s.Modality == ModalityVideo}
	}

	// Connector contexts are independent across samples, so evaluate them
	// concurrently.
	hcon := make([]ml.Tensor, len(samples))
	var g errgroup.Group
	for i := range samples {
		i := i
		g.Go(func() error {
			tw := j.towerFor(samples[i].Modality)
			hcon[i] = tw.ConnectorForward(ctx, h[i], embs[tw], context)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	attend := func(stages func(*Tower) []*Pipeline, step int) {
		for i := range h {
			tw := j.towerFor(samples[i].Modality)
			if p := stages(tw)[step]; p != nil {
				h[i] = p.Forward(ctx, h[i], embs[tw], hcon[i])
			}
		}
	}

	var hs [][]Feature
	for step := range j.Vision.Encoder {
		for i := range h {
			tw := j.towerFor(samples[i].Modality)
			h[i] = tw.Encoder[step].Forward(ctx, h[i], embs[tw], context)
		}
		attend(func(t *Tower) []*Pipeline { return t.EncoderConnectors }, step)

		hs = append(hs, append([]Feature(nil), h...))
	}

	for i := range h {
		tw := j.towerFor(samples[i].Modality)
		h[i] = tw.Bottleneck.Forward(ctx, h[i], embs[tw], context)
	}

	for step := range j.Vision.Decoder {
		skip := hs[len(hs)-1]
		hs = hs[:len(hs)-1]
		for i := range h {
			tw := j.towerFor(samples[i].Modality)
			h[i].Tensor = h[i].Tensor.Concat(ctx, skip[i].Tensor, 1)
			h[i] = tw.Decoder[step].Forward(ctx, h[i], embs[tw], context)
		}
		attend(func(t *Tower) []*Pipeline { return t.DecoderConnectors }, step)
	}

	out := make([]ml.Tensor, len(samples))
	for i := range h {
		tw := j.towerFor(samples[i].Modality)
		out[i] = tw.outputHead(ctx, h[i])
		if samples[i].Modality == ModalityText {
			out[i] = out[i].Reshape(ctx, out[i].Shape()[:2]...)
		}
	}

	return out, nil
}

type jointParams struct {
	Vision model.Params `mapstructure:"vision"`
	Text   model.Params `mapstructure:"text"`
	Audio  model.Params `mapstructure:"audio"`
}

func resolveTower(ctx ml.Context, name string, params model.Params) (*Tower, error) {
	m, err := model.New(ctx, name, params)
	if err != nil {
		return nil, err
	}

	tm, ok := m.(towerModel)
	if !ok {
		return nil, fmt.Errorf("unet: architecture %q is not a tower", name)
	}

	return tm.tower(), nil
}

func init() {
	model.Register("unet_joint", "1", func(ctx ml.Context, params model.Params) (model.Model, error) {
		var p jointParams
		if err := model.Decode(params, &p); err != nil {
			return nil, err
		}

		vision, err := resolveTower(ctx, "unet_video", p.Vision)
		if err != nil {
			return nil, err
		}
		text, err := resolveTower(ctx, "unet_multidim", p.Text)
		if err != nil {
			return nil, err
		}
		audio, err := resolveTower(ctx, "unet_2d", p.Audio)
		if err != nil {
			return nil, err
		}

		return NewJoint(vision, text, audio)
	})
}
