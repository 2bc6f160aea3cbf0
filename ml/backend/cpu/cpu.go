// Package cpu is a pure-Go reference backend. It favors clarity over speed
// and executes eagerly; every op materializes a contiguous result.
package cpu

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"

	"github.com/crossmodal/diffnet/format"
	"github.com/crossmodal/diffnet/ml"
)

func init() {
	ml.RegisterBackend("cpu", func() (ml.Backend, error) {
		return &Backend{}, nil
	})
}

type Backend struct{}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) NewContext() ml.Context {
	return &Context{rng: rand.New(rand.NewSource(0))}
}

// Context executes ops eagerly with no shared graph state, so concurrent
// forward passes over one Context are safe. Uniform draws from a per-context
// stream and is the one method that must not race.
type Context struct {
	rng *rand.Rand

	allocated atomic.Uint64
}

func (c *Context) track(dtype ml.DType, shape []int) {
	size := 4
	if dtype == ml.DTypeF16 {
		size = 2
	}

	c.allocated.Add(uint64(ml.Elements(shape) * size))
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	c.track(dtype, shape)
	return newTensor(dtype, shape, make([]float32, ml.Elements(shape)))
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Empty(dtype, shape...)
}

func (c *Context) Uniform(low, high float32, dtype ml.DType, shape ...int) ml.Tensor {
	data := make([]float32, ml.Elements(shape))
	for i := range data {
		data[i] = low + c.rng.Float32()*(high-low)
	}

	c.track(dtype, shape)
	return newTensor(dtype, shape, data)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if len(s) != ml.Elements(shape) {
		return nil, fmt.Errorf("cpu: %d values do not fill shape %v", len(s), shape)
	}

	data := make([]float32, len(s))
	copy(data, s)
	c.track(ml.DTypeF32, shape)
	return newTensor(ml.DTypeF32, shape, data), nil
}

// Checkpoint satisfies ml.Checkpointer. The backend is eager and retains no
// activation graph, so recompute scopes run the function directly.
func (c *Context) Checkpoint(fn func(ml.Context) ml.Tensor) ml.Tensor {
	return fn(c)
}

func (c *Context) Close() error {
	slog.Debug("closing context", "allocated", format.HumanBytes(c.allocated.Load()))
	return nil
}
