// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a host-side Tensor: a multidimensional array with a shape (dtype and dimensions),
// its flat data and the device it is placed on.
//
// The accelerator runtime owns the real device buffers. Here a Tensor keeps its values in host memory and
// only records its placement (devices.Device), which is all the coordination layer (strategies, collectives,
// checkpointing) needs to reason about.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape): zero-initialized tensor.
//   - FromScalar(value): scalar tensor, dtype inferred from the Go type.
//   - FromFlatDataAndDimensions(data, dimensions...): copies data, checks its size.
//   - FromAnyValue(value): scalars or regular multidimensional slices, e.g. [][]float32{{1, 2}, {3, 4}}.
//     If value is already a *Tensor it is returned as is.
//   - FromBytes(data): a rank-1 Uint8 tensor, used to move serialized objects through collectives.
//
// Tensors are treated as immutable values: operations return new tensors.
package tensors

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/core/devices"
	"github.com/gomlx/strategies/pkg/core/shapes"
)

// Tensor is a multidimensional array stored as a flat slice of the Go type of its dtype.
type Tensor struct {
	shape  shapes.Shape
	flat   any
	device devices.Device
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros, on the host.
//
// It panics if you provide an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	size := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return &Tensor{shape: shape.Clone(), flat: flatV.Interface(), device: devices.Host}
}

// FromScalar creates a scalar tensor with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in
// `data`. The data is copied.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(): data has %d elements, but shape %s requires %d",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data), device: devices.Host}
}

// FromBytes returns a rank-1 Uint8 tensor holding a copy of data.
func FromBytes(data []byte) *Tensor {
	return FromFlatDataAndDimensions(data, len(data))
}

// FromAnyValue converts a scalar or a regular multidimensional slice of a supported type to a Tensor.
// Go `int` and `uint` values are stored as Int64 and Uint64.
// If value is already a *Tensor, it is returned itself.
func FromAnyValue(value any) (*Tensor, error) {
	if t, ok := value.(*Tensor); ok {
		return t, nil
	}
	if value == nil {
		return nil, errors.New("cannot convert nil to a Tensor")
	}
	valueV := reflect.ValueOf(value)
	var dims []int
	baseT := valueV.Type()
	for baseT.Kind() == reflect.Slice || baseT.Kind() == reflect.Array {
		baseT = baseT.Elem()
	}
	dtype := dtypeForGoType(baseT)
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("cannot convert value of type %T to a Tensor: unsupported base type %s", value, baseT)
	}
	for v := valueV; v.Kind() == reflect.Slice || v.Kind() == reflect.Array; {
		dims = append(dims, v.Len())
		if v.Len() == 0 {
			break
		}
		v = v.Index(0)
	}
	shape := shapes.Make(dtype, dims...)
	t := FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	goType := dtype.GoType()
	pos := 0
	var fill func(v reflect.Value, axis int) error
	fill = func(v reflect.Value, axis int) error {
		if axis == len(dims) {
			flatV.Index(pos).Set(v.Convert(goType))
			pos++
			return nil
		}
		if v.Len() != dims[axis] {
			return errors.Errorf("irregular shape for %T: axis %d has dimensions %d and %d", value, axis,
				dims[axis], v.Len())
		}
		for ii := range v.Len() {
			if err := fill(v.Index(ii), axis+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := fill(valueV, 0); err != nil {
		return nil, err
	}
	return t, nil
}

// dtypeForGoType maps Go types to dtypes, with `int` and `uint` mapped to their 64-bit versions.
func dtypeForGoType(t reflect.Type) dtypes.DType {
	switch t.Kind() {
	case reflect.Int:
		return dtypes.Int64
	case reflect.Uint:
		return dtypes.Uint64
	default:
		return dtypes.FromGoType(t)
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank is the number of axes.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Dimensions returns a copy of the tensor's dimensions.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.shape.Dimensions) }

// Device where the tensor is placed.
func (t *Tensor) Device() devices.Device { return t.device }

// Flat returns the flat data slice ([]T for the tensor's dtype). It must not be modified.
func (t *Tensor) Flat() any { return t.flat }

// Bytes returns a copy of the data of a Uint8 tensor.
func (t *Tensor) Bytes() ([]byte, error) {
	flat, ok := t.flat.([]uint8)
	if !ok {
		return nil, errors.Errorf("Tensor.Bytes() requires a Uint8 tensor, got %s", t.shape)
	}
	return slices.Clone(flat), nil
}

// To returns a copy of the tensor placed on the given device.
func (t *Tensor) To(device devices.Device) *Tensor {
	clone := t.Clone()
	clone.device = device
	return clone
}

// Clone returns a deep copy of the tensor, on the same device.
func (t *Tensor) Clone() *Tensor {
	flatV := reflect.ValueOf(t.flat)
	cloneV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloneV, flatV)
	return &Tensor{shape: t.shape.Clone(), flat: cloneV.Interface(), device: t.device}
}

// Reshape returns a tensor sharing no data with t, with the same elements and new dimensions.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.shape.Size() {
		return nil, errors.Errorf("cannot reshape %s to dimensions %v: sizes differ", t.shape, dimensions)
	}
	clone := t.Clone()
	clone.shape = newShape
	return clone, nil
}

// Value returns a copy of the values: the scalar itself for rank 0, or a (multidimensional) slice.
func (t *Tensor) Value() any {
	flatV := reflect.ValueOf(t.Clone().flat)
	if t.shape.IsScalar() {
		return flatV.Index(0).Interface()
	}
	return toSlices(flatV, t.shape.Dimensions).Interface()
}

// toSlices splits a flat slice into nested slices of the given dimensions.
func toSlices(flatV reflect.Value, dims []int) reflect.Value {
	if len(dims) <= 1 {
		return flatV
	}
	subSize := 1
	for _, d := range dims[1:] {
		subSize *= d
	}
	sub := toSlices(flatV.Slice(0, min(subSize, flatV.Len())), dims[1:])
	result := reflect.MakeSlice(reflect.SliceOf(sub.Type()), dims[0], dims[0])
	for ii := range dims[0] {
		result.Index(ii).Set(toSlices(flatV.Slice(ii*subSize, (ii+1)*subSize), dims[1:]))
	}
	return result
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	return fmt.Sprintf("%s@%s%v", t.shape, t.device, t.Value())
}
