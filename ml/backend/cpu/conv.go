package cpu

import (
	"fmt"

	"github.com/crossmodal/diffnet/ml"
)

// Conv2D applies the receiver as a [O, I, kH, kW] kernel over t2 [N, I, H, W].
func (t *Tensor) Conv2D(ctx ml.Context, t2 ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	w, x := t, t2.(*Tensor)
	if len(w.shape) != 4 || len(x.shape) != 4 {
		panic(fmt.Sprintf("cpu: conv2d needs rank 4, got %v and %v", w.shape, x.shape))
	}

	oc, ic, kh, kw := w.shape[0], w.shape[1], w.shape[2], w.shape[3]
	n, c, h, ww := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	if c != ic {
		panic(fmt.Sprintf("cpu: conv2d expects %d input channels, got %d", ic, c))
	}

	oh := (h+2*p0-d0*(kh-1)-1)/s0 + 1
	ow := (ww+2*p1-d1*(kw-1)-1)/s1 + 1
	data := make([]float32, n*oc*oh*ow)

	for b := 0; b < n; b++ {
		for o := 0; o < oc; o++ {
			for y := 0; y < oh; y++ {
				for z := 0; z < ow; z++ {
					var sum float32
					for i := 0; i < ic; i++ {
						for ky := 0; ky < kh; ky++ {
							sy := y*s0 - p0 + ky*d0
							if sy < 0 || sy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								sx := z*s1 - p1 + kx*d1
								if sx < 0 || sx >= ww {
									continue
								}
								sum += x.data[((b*c+i)*h+sy)*ww+sx] *
									w.data[((o*ic+i)*kh+ky)*kw+kx]
							}
						}
					}
					data[((b*oc+o)*oh+y)*ow+z] = sum
				}
			}
		}
	}

	return newTensor(x.dtype, []int{n, oc, oh, ow}, data)
}

// AvgPool2D averages k×k windows with stride s and padding p. Padded
// positions do not contribute to the divisor.
func (t *Tensor) AvgPool2D(ctx ml.Context, k, s, p int) ml.Tensor {
	if len(t.shape) != 4 {
		panic(fmt.Sprintf("cpu: avgpool2d needs rank 4, got %v", t.shape))
	}

	n, c, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	oh := (h+2*p-k)/s + 1
	ow := (w+2*p-k)/s + 1
	data := make([]float32, n*c*oh*ow)

	for b := 0; b < n*c; b++ {
		for y := 0; y < oh; y++ {
			for z := 0; z < ow; z++ {
				var sum float32
				var count int
				for ky := 0; ky < k; ky++ {
					sy := y*s - p + ky
					if sy < 0 || sy >= h {
						continue
					}
					for kx := 0; kx < k; kx++ {
						sx := z*s - p + kx
						if sx < 0 || sx >= w {
							continue
						}
						sum += t.data[(b*h+sy)*w+sx]
						count++
					}
				}
				data[(b*oh+y)*ow+z] = sum / float32(count)
			}
		}
	}

	return newTensor(t.dtype, []int{n, c, oh, ow}, data)
}
