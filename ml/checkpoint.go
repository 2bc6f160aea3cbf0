package ml

// Checkpointer is implemented by contexts that support recomputing
// activations instead of retaining them. Recompute must not change the
// result of fn.
type Checkpointer interface {
	Checkpoint(fn func(Context) Tensor) Tensor
}

// Checkpoint runs fn under the context's activation-recompute scope when
// enabled and the context supports it, and directly otherwise. The returned
// tensor is identical either way; only the memory/compute tradeoff differs.
func Checkpoint(ctx Context, enabled bool, fn func(Context) Tensor) Tensor {
	if enabled {
		if c, ok := ctx.(Checkpointer); ok {
			return c.Checkpoint(fn)
		}
	}

	return fn(ctx)
}
