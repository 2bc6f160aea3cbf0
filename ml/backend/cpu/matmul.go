package cpu

import (
	"fmt"

	"github.com/crossmodal/diffnet/ml"
)

// Mulmat treats the receiver as a stack of [o, k] weight matrices applied to
// t2 [..., s, k], producing [..., s, o]. A rank-2 receiver is shared across
// every batch of t2; otherwise the leading dimensions must match exactly.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	w, x := t, t2.(*Tensor)
	if len(w.shape) < 2 || len(x.shape) < 2 {
		panic(fmt.Sprintf("cpu: mulmat needs rank >= 2, got %v and %v", w.shape, x.shape))
	}

	o, k := w.shape[len(w.shape)-2], w.shape[len(w.shape)-1]
	s, xk := x.shape[len(x.shape)-2], x.shape[len(x.shape)-1]
	if k != xk {
		panic(fmt.Sprintf("cpu: mulmat inner dim mismatch %v vs %v", w.shape, x.shape))
	}

	batch := ml.Elements(x.shape[:len(x.shape)-2])
	shared := len(w.shape) == 2
	if !shared && !sameShape(w.shape[:len(w.shape)-2], x.shape[:len(x.shape)-2]) {
		panic(fmt.Sprintf("cpu: mulmat batch mismatch %v vs %v", w.shape, x.shape))
	}

	shape := append(append([]int{}, x.shape[:len(x.shape)-2]...), s, o)
	data := make([]float32, ml.Elements(shape))
	for b := 0; b < batch; b++ {
		wd := w.data
		if !shared {
			wd = w.data[b*o*k : (b+1)*o*k]
		}
		xd := x.data[b*s*k : (b+1)*s*k]
		out := data[b*s*o : (b+1)*s*o]

		for i := 0; i < s; i++ {
			row := xd[i*k : (i+1)*k]
			for j := 0; j < o; j++ {
				col := wd[j*k : (j+1)*k]

				var sum float32
				for p := range row {
					sum += row[p] * col[p]
				}
				out[i*o+j] = sum
			}
		}
	}

	return newTensor(t.dtype, shape, data)
}
