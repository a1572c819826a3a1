// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package precision

import (
	"context"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/collectives"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
)

// UseBF16Indicator is the worker environment indicator telling the accelerator runtime to store floating point
// values as BFloat16. TPUBf16 sets it during Setup and removes it on Teardown.
const UseBF16Indicator = "XLA_USE_BF16"

// TPU is the precision plugin used with accelerator cores: before stepping the optimizer, the gradients are
// averaged across all workers.
type TPU struct {
	Default
}

// NewTPU returns the precision plugin for accelerator cores.
func NewTPU() *TPU { return &TPU{Default{name: "tpu", precision: "32"}} }

// OptimizerStep implements Plugin.
func (p *TPU) OptimizerStep(ctx context.Context, w *distributed.Worker, model Model, optimizer Optimizer,
	closure Closure) (*tensors.Tensor, error) {
	loss, err := closure()
	if err != nil {
		return nil, err
	}
	if loss == nil && model != nil && model.AutomaticOptimization() {
		klog.V(1).Infof("%s: training step skipped the backward pass, optimizer not stepped", w)
		return nil, nil
	}
	if err = reduceGradients(ctx, w, optimizer); err != nil {
		return nil, err
	}
	if err = optimizer.Step(); err != nil {
		return nil, err
	}
	klog.V(2).Infof("%s: optimizer step done", w)
	return loss, nil
}

// reduceGradients replaces the optimizer gradients by their mean across all workers.
func reduceGradients(ctx context.Context, w *distributed.Worker, optimizer Optimizer) error {
	if w == nil || w.Comm == nil || w.Comm.Size() <= 1 {
		return nil
	}
	grads := optimizer.Gradients()
	names := make([]string, 0, len(grads))
	for name, g := range grads {
		if g != nil {
			names = append(names, name)
		}
	}
	// Collectives must be issued in the same order by every worker.
	slices.Sort(names)
	reduced := make(map[string]*tensors.Tensor, len(grads))
	for _, name := range names {
		sum, err := collectives.MeshReduce(ctx, w.Comm, "grad/"+name, grads[name], distributed.ReduceOpSum)
		if err != nil {
			return errors.WithMessagef(err, "reducing gradient %q", name)
		}
		if reduced[name], err = sum.DivScalar(float64(w.Comm.Size())); err != nil {
			return errors.WithMessagef(err, "reducing gradient %q", name)
		}
	}
	optimizer.SetGradients(reduced)
	return nil
}

// TPUBf16 is the TPU plugin training in BFloat16: floating point inputs are converted to BFloat16, and the
// worker is flagged with UseBF16Indicator.
type TPUBf16 struct {
	TPU
}

// NewTPUBf16 returns the BFloat16 precision plugin for accelerator cores.
func NewTPUBf16() *TPUBf16 { return &TPUBf16{TPU{Default{name: "tpu_bf16", precision: "bf16"}}} }

// Setup implements Plugin.
func (p *TPUBf16) Setup(w *distributed.Worker) error {
	w.Setenv(UseBF16Indicator, "1")
	return nil
}

// ConvertInput implements Plugin.
func (p *TPUBf16) ConvertInput(t *tensors.Tensor) (*tensors.Tensor, error) {
	return convertFloats(t, dtypes.BFloat16)
}

// Teardown implements Plugin.
func (p *TPUBf16) Teardown(w *distributed.Worker) error {
	w.Unsetenv(UseBF16Indicator)
	return nil
}
