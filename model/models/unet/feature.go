package unet

import "github.com/crossmodal/diffnet/ml"

// Feature wraps a feature tensor with an explicit marker for the time axis.
// Image-like features are [N, C, H, W]; video features are [N, C, T, H, W].
// The marker is set once at the model boundary, never re-derived from rank.
type Feature struct {
	Tensor ml.Tensor
	Video  bool
}

// NewFeature wraps t; video declares the presence of a time axis at dim 2.
func NewFeature(t ml.Tensor, video bool) Feature {
	return Feature{Tensor: t, Video: video}
}

// flattenFrames folds the time axis of a [N, C, T, H, W] tensor into the
// batch axis, returning the [N*T, C, H, W] view and the frame count.
func flattenFrames(ctx ml.Context, t ml.Tensor) (ml.Tensor, int) {
	n, c, frames, h, w := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3), t.Dim(4)
	t = t.Permute(ctx, 0, 2, 1, 3, 4).Contiguous(ctx)
	return t.Reshape(ctx, n*frames, c, h, w), frames
}

// restoreFrames is the inverse of flattenFrames.
func restoreFrames(ctx ml.Context, t ml.Tensor, frames int) ml.Tensor {
	nt, c, h, w := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	t = t.Reshape(ctx, nt/frames, frames, c, h, w)
	return t.Permute(ctx, 0, 2, 1, 3, 4).Contiguous(ctx)
}
