package unet

import (
	"fmt"

	"github.com/crossmodal/diffnet/ml"
	"github.com/crossmodal/diffnet/model"
)

// New2D builds the spatial tower: 3x3 convolutions over [N, C, H, W]
// features, strided resampling, spatial cross-attention on the flagged
// levels. With VideoArchitecture set it also hosts [N, C, T, H, W] features
// by pairing each stage block with temporal attention.
func New2D(ctx ml.Context, opts Options) (*Tower, error) {
	arch := "unet_2d"
	if opts.VideoArchitecture {
		arch = "unet_video"
	}

	return buildTower(ctx, arch, opts, convVariant{opts: opts})
}

// NewMultiDim builds the flattened multi-dimensional tower: fully connected
// stage blocks over [N, channels, second, 1] features with learned linear
// resampling between levels.
func NewMultiDim(ctx ml.Context, opts Options) (*Tower, error) {
	if len(opts.SecondDim) != len(opts.ChannelMult) {
		return nil, fmt.Errorf("unet: second_dim has %d levels, channel_mult has %d",
			len(opts.SecondDim), len(opts.ChannelMult))
	}
	if len(opts.SecondDimConnector) != len(opts.ConnectorMult) {
		return nil, fmt.Errorf("unet: second_dim_connector has %d levels, channel_mult_connector has %d",
			len(opts.SecondDimConnector), len(opts.ConnectorMult))
	}

	return buildTower(ctx, "unet_multidim", opts, fcVariant{opts: opts})
}

func decodeOptions(params model.Params) (Options, error) {
	opts := DefaultOptions()
	if err := model.Decode(params, &opts); err != nil {
		return Options{}, err
	}

	return opts, nil
}

func init() {
	model.Register("unet_2d", "1", func(ctx ml.Context, params model.Params) (model.Model, error) {
		opts, err := decodeOptions(params)
		if err != nil {
			return nil, err
		}
		opts.VideoArchitecture = false

		return New2D(ctx, opts)
	})

	model.Register("unet_video", "1", func(ctx ml.Context, params model.Params) (model.Model, error) {
		opts, err := decodeOptions(params)
		if err != nil {
			return nil, err
		}
		opts.VideoArchitecture = true

		return New2D(ctx, opts)
	})

	model.Register("unet_multidim", "1", func(ctx ml.Context, params model.Params) (model.Model, error) {
		opts, err := decodeOptions(params)
		if err != nil {
			return nil, err
		}
		opts.VideoArchitecture = false

		return NewMultiDim(ctx, opts)
	})
}
