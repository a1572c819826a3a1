// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package precision implements the precision plugins: they control the numeric precision of the inputs and
// how the backward pass and the optimizer step are performed (gradient scaling, gradient reduction across
// accelerator cores, gradient clipping).
//
// The model and the optimizer are collaborators, seen through the Model and Optimizer interfaces.
package precision

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
)

// Model is the model being trained, as seen by the precision plugins.
type Model interface {
	// Backward computes the gradients of loss, accumulating them in the optimizer.
	Backward(loss *tensors.Tensor) error

	// AutomaticOptimization reports whether the training loop drives the optimizer (as opposed to the model's
	// own training step).
	AutomaticOptimization() bool
}

// Optimizer updates the parameters of the model from the gradients.
type Optimizer interface {
	// Gradients returns the current gradients, by parameter name.
	Gradients() map[string]*tensors.Tensor

	// SetGradients replaces the current gradients.
	SetGradients(grads map[string]*tensors.Tensor)

	// Step updates the parameters with the current gradients.
	Step() error
}

// Backwarder is implemented by optimizers that perform the backward pass themselves.
type Backwarder interface {
	Backward(loss *tensors.Tensor) error
}

// GradClipper is implemented by optimizers that clip gradients themselves.
type GradClipper interface {
	ClipGradNorm(maxNorm float64) error
}

// Closure runs the forward and backward passes of a training step and returns the loss. A nil loss means the
// step skipped the backward pass.
type Closure func() (*tensors.Tensor, error)

// Plugin controls the numeric precision and the gradient handling of a worker.
type Plugin interface {
	// Name of the plugin, as used by New.
	Name() string

	// Precision is the precision used: "64", "32", "16" or "bf16".
	Precision() string

	// Setup is called once on each worker, before training.
	Setup(w *distributed.Worker) error

	// ConvertInput converts an input tensor to the precision of the plugin.
	ConvertInput(t *tensors.Tensor) (*tensors.Tensor, error)

	// Backward runs the backward pass of loss.
	Backward(model Model, loss *tensors.Tensor, optimizer Optimizer) error

	// OptimizerStep runs closure (forward and backward) and steps the optimizer. It returns the closure's loss.
	OptimizerStep(ctx context.Context, w *distributed.Worker, model Model, optimizer Optimizer, closure Closure) (
		*tensors.Tensor, error)

	// ClipGradByNorm rescales the gradients so their global L2 norm is at most maxNorm.
	ClipGradByNorm(optimizer Optimizer, maxNorm float64) error

	// StateDict returns the state of the plugin to be checkpointed.
	StateDict() map[string]any

	// LoadStateDict restores a state returned by StateDict.
	LoadStateDict(state map[string]any) error

	// Teardown undoes whatever Setup changed on the worker.
	Teardown(w *distributed.Worker) error
}

// ErrSkippedBackward is returned when a training step skipped the backward pass under a configuration that
// doesn't support it.
var ErrSkippedBackward = errors.New("skipping the backward pass is not supported")

// Constructor of a plugin.
type Constructor func() Plugin

var registry = map[string]Constructor{
	"64":         func() Plugin { return NewDouble() },
	"32":         func() Plugin { return NewDefault() },
	"16":         func() Plugin { return NewMixed("16") },
	"bf16":       func() Plugin { return NewMixed("bf16") },
	"tpu":        func() Plugin { return NewTPU() },
	"tpu_bf16":   func() Plugin { return NewTPUBf16() },
	"colossalai": func() Plugin { return NewColossalAI() },
}

// New returns the plugin with the given name (see Names). The empty name is the default 32-bit plugin.
func New(name string) (Plugin, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "32"
	}
	constructor, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown precision plugin %q, valid values are %v", name, Names())
	}
	return constructor(), nil
}

// Names of the plugins known by New.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the 32-bit precision plugin: it calls the model's backward and steps the optimizer as is.
// It is embedded by the other plugins, which override what they need.
type Default struct {
	name, precision string
}

var _ Plugin = (*Default)(nil)

// NewDefault returns the 32-bit precision plugin.
func NewDefault() *Default { return &Default{name: "32", precision: "32"} }

// Name implements Plugin.
func (p *Default) Name() string { return p.name }

// Precision implements Plugin.
func (p *Default) Precision() string { return p.precision }

// Setup implements Plugin.
func (p *Default) Setup(*distributed.Worker) error { return nil }

// ConvertInput implements Plugin.
func (p *Default) ConvertInput(t *tensors.Tensor) (*tensors.Tensor, error) { return t, nil }

// Backward implements Plugin.
func (p *Default) Backward(model Model, loss *tensors.Tensor, _ Optimizer) error {
	return model.Backward(loss)
}

// OptimizerStep implements Plugin.
func (p *Default) OptimizerStep(_ context.Context, _ *distributed.Worker, _ Model, optimizer Optimizer,
	closure Closure) (*tensors.Tensor, error) {
	loss, err := closure()
	if err != nil {
		return nil, err
	}
	return loss, optimizer.Step()
}

// ClipGradByNorm implements Plugin.
func (p *Default) ClipGradByNorm(optimizer Optimizer, maxNorm float64) error {
	grads := optimizer.Gradients()
	var sumSquares float64
	for name, g := range grads {
		if g == nil {
			continue
		}
		sq, err := g.SquaredNorm()
		if err != nil {
			return errors.WithMessagef(err, "gradient %q", name)
		}
		sumSquares += sq
	}
	norm := math.Sqrt(sumSquares)
	if norm <= maxNorm {
		return nil
	}
	factor := maxNorm / (norm + 1e-6)
	clipped := make(map[string]*tensors.Tensor, len(grads))
	for name, g := range grads {
		if g == nil {
			continue
		}
		var err error
		if clipped[name], err = g.MulScalar(factor); err != nil {
			return errors.WithMessagef(err, "gradient %q", name)
		}
	}
	optimizer.SetGradients(clipped)
	return nil
}

// StateDict implements Plugin.
func (p *Default) StateDict() map[string]any { return map[string]any{} }

// LoadStateDict implements Plugin.
func (p *Default) LoadStateDict(map[string]any) error { return nil }

// Teardown implements Plugin.
func (p *Default) Teardown(*distributed.Worker) error { return nil }
