package ml

import (
	"fmt"
)

// Backend provides tensor computation for model construction and forward
// passes. Implementations are registered by name at init time.
type Backend interface {
	Name() string
	NewContext() Context
}

// Context owns tensor allocation for one computation scope. A context is not
// safe for concurrent use; callers that parallelize across samples must give
// each goroutine its own context or an implementation documented as
// goroutine-safe.
type Context interface {
	// Empty allocates an uninitialized tensor.
	Empty(dtype DType, shape ...int) Tensor

	// Zeros allocates a zero-filled tensor.
	Zeros(dtype DType, shape ...int) Tensor

	// Uniform allocates a tensor filled with pseudo-random values drawn
	// uniformly from [low, high). The stream is seeded per context so
	// construction is reproducible.
	Uniform(low, high float32, dtype DType, shape ...int) Tensor

	// FromFloatSlice builds a tensor from a row-major float32 slice.
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)

	Close() error
}

// Tensor is a dense n-dimensional array. Shapes are logical row-major:
// feature maps are [N, C, H, W], sequences are [N, S, D], video feature maps
// are [N, C, T, H, W]. Binary ops require equal rank with each dimension
// equal or 1 (explicit Reshape before broadcasting).
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	// Floats returns the tensor contents as a row-major float32 slice.
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor
	AddScalar(ctx Context, s float64) Tensor
	Scale(ctx Context, s float64) Tensor
	Sqrt(ctx Context) Tensor

	// Mulmat multiplies the receiver, treated as a stack of [o, k] weight
	// matrices, with t2 [..., s, k], producing [..., s, o]. A rank-2
	// receiver broadcasts over all batch dimensions of t2; otherwise batch
	// dimensions must match.
	Mulmat(ctx Context, t2 Tensor) Tensor

	// Softmax normalizes along the innermost dimension.
	Softmax(ctx Context) Tensor

	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	GroupNorm(ctx Context, weight, bias Tensor, groups int, eps float32) Tensor

	// Conv2D applies the receiver as a [O, I, kH, kW] convolution kernel
	// over t2 [N, I, H, W] with the given strides, paddings and dilations.
	Conv2D(ctx Context, t2 Tensor, s0, s1, p0, p1, d0, d1 int) Tensor

	AvgPool2D(ctx Context, k, s, p int) Tensor

	Tanh(ctx Context) Tensor
	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Narrow(ctx Context, dim, offset, length int) Tensor

	// RepeatInterleave repeats each index along dim n times consecutively,
	// so [a, b] becomes [a, a, b, b] for n=2.
	RepeatInterleave(ctx Context, dim, n int) Tensor

	// Mean reduces dim by averaging, dropping the axis.
	Mean(ctx Context, dim int) Tensor

	// Sum reduces dim by summation, keeping it as a singleton axis.
	Sum(ctx Context, dim int) Tensor
}

var backends = make(map[string]func() (Backend, error))

// RegisterBackend registers a backend constructor for the given name.
func RegisterBackend(name string, f func() (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("ml: backend already registered: " + name)
	}

	backends[name] = f
}

// NewBackend resolves a registered backend by name.
func NewBackend(name string) (Backend, error) {
	if f, ok := backends[name]; ok {
		return f()
	}

	return nil, fmt.Errorf("ml: unsupported backend %q", name)
}

func mul[T int | int64](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

// Elements returns the number of scalar elements a shape describes.
func Elements(shape []int) int {
	return mul(shape...)
}
