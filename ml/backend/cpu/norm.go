package cpu

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/crossmodal/diffnet/ml"
)

// LayerNorm normalizes the innermost dimension.
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	inner := t.shape[len(t.shape)-1]
	w := weight.(*Tensor)
	var b *Tensor
	if bias != nil {
		b = bias.(*Tensor)
	}
	if len(w.data) != inner {
		panic(fmt.Sprintf("cpu: layernorm weight %v does not match dim %d", w.shape, inner))
	}

	data := t.Floats()
	for row := 0; row < len(data); row += inner {
		r := data[row : row+inner]
		mean, variance := moments(r)

		inv := 1 / math32.Sqrt(variance+eps)
		for i := range r {
			r[i] = (r[i] - mean) * inv * w.data[i]
			if b != nil {
				r[i] += b.data[i]
			}
		}
	}

	return newTensor(t.dtype, t.shape, data)
}

// GroupNorm normalizes groups of channels of a [N, C, ...] tensor jointly
// over their spatial extent, then applies per-channel affine parameters.
func (t *Tensor) GroupNorm(ctx ml.Context, weight, bias ml.Tensor, groups int, eps float32) ml.Tensor {
	if len(t.shape) < 2 {
		panic(fmt.Sprintf("cpu: groupnorm needs rank >= 2, got %v", t.shape))
	}

	n, c := t.shape[0], t.shape[1]
	if c%groups != 0 {
		panic(fmt.Sprintf("cpu: %d channels not divisible into %d groups", c, groups))
	}

	w := weight.(*Tensor)
	var b *Tensor
	if bias != nil {
		b = bias.(*Tensor)
	}

	spatial := ml.Elements(t.shape[2:])
	per := c / groups * spatial
	data := t.Floats()
	for i := 0; i < n; i++ {
		for g := 0; g < groups; g++ {
			start := i*c*spatial + g*per
			r := data[start : start+per]
			mean, variance := moments(r)

			inv := 1 / math32.Sqrt(variance+eps)
			for j := range r {
				ch := g*(c/groups) + j/spatial
				r[j] = (r[j] - mean) * inv * w.data[ch]
				if b != nil {
					r[j] += b.data[ch]
				}
			}
		}
	}

	return newTensor(t.dtype, t.shape, data)
}

func moments(r []float32) (mean, variance float32) {
	var sum float64
	for _, v := range r {
		sum += float64(v)
	}
	mean = float32(sum / float64(len(r)))

	var sq float64
	for _, v := range r {
		d := float64(v - mean)
		sq += d * d
	}
	variance = float32(sq / float64(len(r)))

	return mean, variance
}
