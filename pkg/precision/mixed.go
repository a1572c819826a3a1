// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package precision

import (
	"context"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
)

// GradScaler implements dynamic loss scaling for Float16 training: the loss is multiplied by Scale before the
// backward pass, and the gradients divided by it before the optimizer step. Steps with non-finite gradients
// are skipped and the scale is reduced; after GrowthInterval consecutive good steps the scale is increased.
type GradScaler struct {
	Scale          float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int

	growthTracker int
}

// NewGradScaler returns a GradScaler with the usual defaults: initial scale 2^16, growth 2, backoff 0.5 and
// growth interval of 2000 steps.
func NewGradScaler() *GradScaler {
	return &GradScaler{Scale: 65536, GrowthFactor: 2, BackoffFactor: 0.5, GrowthInterval: 2000}
}

// ScaleLoss returns loss multiplied by the current scale.
func (s *GradScaler) ScaleLoss(loss *tensors.Tensor) (*tensors.Tensor, error) {
	return loss.MulScalar(s.Scale)
}

// Unscale divides the gradients by the current scale. It returns false if any of the gradients is not finite.
func (s *GradScaler) Unscale(grads map[string]*tensors.Tensor) (map[string]*tensors.Tensor, bool, error) {
	unscaled := make(map[string]*tensors.Tensor, len(grads))
	finite := true
	for name, g := range grads {
		if g == nil {
			continue
		}
		if !g.IsFinite() {
			finite = false
		}
		var err error
		if unscaled[name], err = g.DivScalar(s.Scale); err != nil {
			return nil, false, errors.WithMessagef(err, "unscaling gradient %q", name)
		}
	}
	return unscaled, finite, nil
}

// Update adjusts the scale after a step: back off if the step had non-finite gradients, grow after
// GrowthInterval good steps in a row.
func (s *GradScaler) Update(foundNonFinite bool) {
	if foundNonFinite {
		s.Scale *= s.BackoffFactor
		s.growthTracker = 0
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.GrowthInterval {
		s.Scale *= s.GrowthFactor
		s.growthTracker = 0
	}
}

// Mixed is the mixed precision plugin: inputs are converted to Float16 ("16") or BFloat16 ("bf16"), and with
// Float16 the loss is scaled dynamically with a GradScaler.
type Mixed struct {
	Default
	dtype  dtypes.DType
	scaler *GradScaler
}

// NewMixed returns the mixed precision plugin for precision "16" or "bf16". Anything other than "bf16" is
// taken as "16".
func NewMixed(precision string) *Mixed {
	if precision == "bf16" {
		return &Mixed{Default: Default{name: "bf16", precision: "bf16"}, dtype: dtypes.BFloat16}
	}
	return &Mixed{Default: Default{name: "16", precision: "16"}, dtype: dtypes.Float16, scaler: NewGradScaler()}
}

// Scaler returns the GradScaler, or nil if the loss is not scaled ("bf16").
func (p *Mixed) Scaler() *GradScaler { return p.scaler }

// ConvertInput implements Plugin.
func (p *Mixed) ConvertInput(t *tensors.Tensor) (*tensors.Tensor, error) {
	return convertFloats(t, p.dtype)
}

// Backward implements Plugin.
func (p *Mixed) Backward(model Model, loss *tensors.Tensor, _ Optimizer) error {
	if p.scaler != nil {
		var err error
		if loss, err = p.scaler.ScaleLoss(loss); err != nil {
			return errors.WithMessage(err, "scaling loss")
		}
	}
	return model.Backward(loss)
}

// OptimizerStep implements Plugin. With a GradScaler, steps with non-finite gradients are skipped.
func (p *Mixed) OptimizerStep(_ context.Context, w *distributed.Worker, _ Model, optimizer Optimizer,
	closure Closure) (*tensors.Tensor, error) {
	loss, err := closure()
	if err != nil {
		return nil, err
	}
	if p.scaler == nil {
		return loss, optimizer.Step()
	}
	unscaled, finite, err := p.scaler.Unscale(optimizer.Gradients())
	if err != nil {
		return nil, err
	}
	if !finite {
		p.scaler.Update(true)
		klog.V(1).Infof("%s: non-finite gradients, skipping optimizer step and reducing loss scale to %g",
			w, p.scaler.Scale)
		return loss, nil
	}
	optimizer.SetGradients(unscaled)
	if err = optimizer.Step(); err != nil {
		return nil, err
	}
	p.scaler.Update(false)
	return loss, nil
}

// ClipGradByNorm implements Plugin. Gradients are still scaled at this point, so is the norm threshold.
// Non-finite gradients are left untouched: the optimizer step is skipped anyway.
func (p *Mixed) ClipGradByNorm(optimizer Optimizer, maxNorm float64) error {
	if p.scaler == nil {
		return p.Default.ClipGradByNorm(optimizer, maxNorm)
	}
	for _, g := range optimizer.Gradients() {
		if g != nil && !g.IsFinite() {
			return nil
		}
	}
	return p.Default.ClipGradByNorm(optimizer, maxNorm*p.scaler.Scale)
}

// StateDict implements Plugin.
func (p *Mixed) StateDict() map[string]any {
	if p.scaler == nil {
		return map[string]any{}
	}
	return map[string]any{
		"scale":          p.scaler.Scale,
		"growth_tracker": p.scaler.growthTracker,
	}
}

// LoadStateDict implements Plugin.
func (p *Mixed) LoadStateDict(state map[string]any) error {
	if p.scaler == nil || len(state) == 0 {
		return nil
	}
	scale, ok := toFloat64(state["scale"])
	if !ok || scale <= 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
		return errors.Errorf("invalid gradient scale %v in precision state", state["scale"])
	}
	tracker, ok := toFloat64(state["growth_tracker"])
	if !ok {
		return errors.Errorf("invalid growth tracker %v in precision state", state["growth_tracker"])
	}
	p.scaler.Scale = scale
	p.scaler.growthTracker = int(tracker)
	return nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
