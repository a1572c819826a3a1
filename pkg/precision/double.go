// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package precision

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/strategies/pkg/core/tensors"
)

// Double trains in 64-bit precision: floating point inputs are converted to Float64.
type Double struct {
	Default
}

// NewDouble returns the 64-bit precision plugin.
func NewDouble() *Double { return &Double{Default{name: "64", precision: "64"}} }

// ConvertInput implements Plugin.
func (p *Double) ConvertInput(t *tensors.Tensor) (*tensors.Tensor, error) {
	return convertFloats(t, dtypes.Float64)
}

// convertFloats converts t to dtype if it is a floating point tensor. Other tensors are returned as is.
func convertFloats(t *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	if t == nil || !t.DType().IsFloat() || t.DType() == dtype {
		return t, nil
	}
	return t.ConvertDType(dtype)
}
