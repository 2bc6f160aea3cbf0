package pooling

import "github.com/crossmodal/diffnet/ml"

type Type uint32

const (
	TypeNone Type = iota
	// TypeMean averages every axis after the channel axis, reducing
	// [N, C, ...] to [N, C].
	TypeMean
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeMean:
		return "Mean"
	default:
		return "Unknown"
	}
}

func (t Type) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	switch t {
	case TypeNone:
		return hiddenStates
	case TypeMean:
		for len(hiddenStates.Shape()) > 2 {
			hiddenStates = hiddenStates.Mean(ctx, len(hiddenStates.Shape())-1)
		}
		return hiddenStates
	default:
		panic("unknown pooling type")
	}
}
