package nn

import (
	"github.com/chewxy/math32"

	"github.com/crossmodal/diffnet/ml"
)

// TimestepEmbedding builds sinusoidal embeddings for a batch of scalar
// diffusion timesteps, returning a [len(steps), dim] tensor. It is a pure
// function of its inputs.
func TimestepEmbedding(ctx ml.Context, steps []float32, dim int) ml.Tensor {
	const maxPeriod = 10000

	half := dim / 2
	data := make([]float32, len(steps)*dim)
	for i, step := range steps {
		row := data[i*dim : (i+1)*dim]
		for j := 0; j < half; j++ {
			freq := math32.Exp(-math32.Log(maxPeriod) * float32(j) / float32(half))
			row[j] = math32.Cos(step * freq)
			row[half+j] = math32.Sin(step * freq)
		}
		// Odd dims keep a trailing zero.
	}

	t, err := ctx.FromFloatSlice(data, len(steps), dim)
	if err != nil {
		panic(err)
	}

	return t
}
