package nn

import "github.com/crossmodal/diffnet/ml"

// Module is any unit with affine parameters.
type Module interface {
	Params() []*ml.Tensor
}

// Zeroed forces every parameter of a module to zero and returns the module,
// making residual units identity at initialization.
func Zeroed[M Module](ctx ml.Context, m M) M {
	for _, p := range m.Params() {
		if p == nil || *p == nil {
			continue
		}

		*p = ctx.Zeros((*p).DType(), (*p).Shape()...)
	}

	return m
}
