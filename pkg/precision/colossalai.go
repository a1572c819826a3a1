// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package precision

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
)

// ColossalAI is the 16-bit plugin for optimizers that own the backward pass and the gradient clipping: the
// optimizer must implement Backwarder and GradClipper.
//
// Skipping the backward pass (a closure returning a nil loss) is not supported under automatic optimization.
type ColossalAI struct {
	Default
}

// NewColossalAI returns the ColossalAI precision plugin.
func NewColossalAI() *ColossalAI { return &ColossalAI{Default{name: "colossalai", precision: "16"}} }

// Backward implements Plugin.
func (p *ColossalAI) Backward(_ Model, loss *tensors.Tensor, optimizer Optimizer) error {
	backwarder, ok := optimizer.(Backwarder)
	if !ok {
		return errors.Errorf("precision %q requires an optimizer implementing Backward, got %T", p.name, optimizer)
	}
	return backwarder.Backward(loss)
}

// OptimizerStep implements Plugin.
func (p *ColossalAI) OptimizerStep(_ context.Context, _ *distributed.Worker, model Model, optimizer Optimizer,
	closure Closure) (*tensors.Tensor, error) {
	loss, err := closure()
	if err != nil {
		return nil, err
	}
	if loss == nil && model != nil && model.AutomaticOptimization() {
		return nil, errors.Wrap(ErrSkippedBackward,
			"returning a nil loss from the training step is not supported with precision \"colossalai\"")
	}
	return loss, optimizer.Step()
}

// ClipGradByNorm implements Plugin.
func (p *ColossalAI) ClipGradByNorm(optimizer Optimizer, maxNorm float64) error {
	clipper, ok := optimizer.(GradClipper)
	if !ok {
		return errors.Errorf("precision %q requires an optimizer implementing ClipGradNorm, got %T",
			p.name, optimizer)
	}
	return clipper.ClipGradNorm(maxNorm)
}
