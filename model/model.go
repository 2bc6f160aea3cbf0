// Package model resolves network architectures by name. Architectures
// register a constructor at init time; callers build instances from a plain
// params object. The registry is consulted at construction only, never
// during a forward pass.
package model

import (
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/crossmodal/diffnet/ml"
)

// Model is a constructed network architecture.
type Model interface {
	Architecture() string
}

// Params is the structured configuration an architecture is built from.
// Decode it into a typed options struct with Decode.
type Params map[string]any

type entry struct {
	version string
	fn      func(ml.Context, Params) (Model, error)
}

var models = make(map[string]entry)

// Register registers a model constructor for the given architecture name.
func Register(name, version string, f func(ml.Context, Params) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered: " + name)
	}

	models[name] = entry{version: version, fn: f}
}

// Version reports the registered version of an architecture.
func Version(name string) (string, bool) {
	e, ok := models[name]
	return e.version, ok
}

// New builds a model instance for the named architecture.
func New(ctx ml.Context, name string, params Params) (Model, error) {
	e, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("model: unsupported architecture %q", name)
	}

	slog.Debug("building model", "architecture", name, "version", e.version)
	return e.fn(ctx, params)
}

// Decode fills a typed options struct from params, rejecting unknown keys.
func Decode(params Params, v any) error {
	// ZeroFields makes a supplied key replace a prefilled default wholesale;
	// without it a shorter slice would merge element-wise into a longer
	// default, keeping the stale tail.
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      v,
		ErrorUnused: true,
		ZeroFields:  true,
	})
	if err != nil {
		return err
	}

	if err := dec.Decode(map[string]any(params)); err != nil {
		return fmt.Errorf("model: invalid params: %w", err)
	}

	return nil
}
