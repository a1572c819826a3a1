// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/strategies/pkg/core/shapes"
)

// ToFloat64s returns a copy of the tensor values converted to float64.
func (t *Tensor) ToFloat64s() ([]float64, error) {
	return flatToFloat64(t.flat)
}

// FromFloat64s creates a tensor of the given dtype and dimensions, converting the values from float64.
// Conversion to integer dtypes rounds to the nearest integer.
func FromFloat64s(dtype dtypes.DType, values []float64, dimensions ...int) (*Tensor, error) {
	shape := shapes.Make(dtype, dimensions...)
	if len(values) != shape.Size() {
		return nil, errors.Errorf("FromFloat64s(): %d values given for shape %s of size %d",
			len(values), shape, shape.Size())
	}
	flat, err := float64ToFlat(dtype, values)
	if err != nil {
		return nil, err
	}
	t := FromShape(shape)
	t.flat = flat
	return t, nil
}

func flatToFloat64(flat any) ([]float64, error) {
	switch f := flat.(type) {
	case []float64:
		return append([]float64(nil), f...), nil
	case []float32:
		return convertSlice(f, func(v float32) float64 { return float64(v) }), nil
	case []float16.Float16:
		return convertSlice(f, func(v float16.Float16) float64 { return float64(v.Float32()) }), nil
	case []bfloat16.BFloat16:
		return convertSlice(f, func(v bfloat16.BFloat16) float64 { return float64(v.Float32()) }), nil
	case []int:
		return convertSlice(f, func(v int) float64 { return float64(v) }), nil
	case []int64:
		return convertSlice(f, func(v int64) float64 { return float64(v) }), nil
	case []int32:
		return convertSlice(f, func(v int32) float64 { return float64(v) }), nil
	case []int16:
		return convertSlice(f, func(v int16) float64 { return float64(v) }), nil
	case []int8:
		return convertSlice(f, func(v int8) float64 { return float64(v) }), nil
	case []uint:
		return convertSlice(f, func(v uint) float64 { return float64(v) }), nil
	case []uint64:
		return convertSlice(f, func(v uint64) float64 { return float64(v) }), nil
	case []uint32:
		return convertSlice(f, func(v uint32) float64 { return float64(v) }), nil
	case []uint16:
		return convertSlice(f, func(v uint16) float64 { return float64(v) }), nil
	case []uint8:
		return convertSlice(f, func(v uint8) float64 { return float64(v) }), nil
	case []bool:
		return convertSlice(f, func(v bool) float64 {
			if v {
				return 1
			}
			return 0
		}), nil
	}
	return nil, errors.Errorf("arithmetic not supported for flat data of type %s", reflect.TypeOf(flat))
}

func float64ToFlat(dtype dtypes.DType, values []float64) (any, error) {
	switch dtype {
	case dtypes.Float64:
		return append([]float64(nil), values...), nil
	case dtypes.Float32:
		return convertSlice(values, func(v float64) float32 { return float32(v) }), nil
	case dtypes.Float16:
		return convertSlice(values, func(v float64) float16.Float16 { return float16.Fromfloat32(float32(v)) }), nil
	case dtypes.BFloat16:
		return convertSlice(values, func(v float64) bfloat16.BFloat16 { return bfloat16.FromFloat32(float32(v)) }), nil
	case dtypes.Int64:
		return convertSlice(values, func(v float64) int64 { return int64(math.Round(v)) }), nil
	case dtypes.Int32:
		return convertSlice(values, func(v float64) int32 { return int32(math.Round(v)) }), nil
	case dtypes.Int16:
		return convertSlice(values, func(v float64) int16 { return int16(math.Round(v)) }), nil
	case dtypes.Int8:
		return convertSlice(values, func(v float64) int8 { return int8(math.Round(v)) }), nil
	case dtypes.Uint64:
		return convertSlice(values, func(v float64) uint64 { return uint64(math.Round(v)) }), nil
	case dtypes.Uint32:
		return convertSlice(values, func(v float64) uint32 { return uint32(math.Round(v)) }), nil
	case dtypes.Uint16:
		return convertSlice(values, func(v float64) uint16 { return uint16(math.Round(v)) }), nil
	case dtypes.Uint8:
		return convertSlice(values, func(v float64) uint8 { return uint8(math.Round(v)) }), nil
	case dtypes.Bool:
		return convertSlice(values, func(v float64) bool { return v != 0 }), nil
	}
	return nil, errors.Errorf("arithmetic not supported for dtype %s", dtype)
}

func convertSlice[From, To any](from []From, fn func(From) To) []To {
	to := make([]To, len(from))
	for ii, v := range from {
		to[ii] = fn(v)
	}
	return to
}

// ConvertDType returns a copy of t converted to dtype, on the same device.
func (t *Tensor) ConvertDType(dtype dtypes.DType) (*Tensor, error) {
	if dtype == t.DType() {
		return t.Clone(), nil
	}
	values, err := t.ToFloat64s()
	if err != nil {
		return nil, err
	}
	converted, err := FromFloat64s(dtype, values, t.shape.Dimensions...)
	if err != nil {
		return nil, err
	}
	converted.device = t.device
	return converted, nil
}

// Combiner is an element-wise associative operation used to fold tensors together, see Combine.
type Combiner int

const (
	CombineSum Combiner = iota
	CombineMax
	CombineMin
	CombineProduct
)

// float64Fn returns the version of the Combiner used for the dtypes without native Go arithmetic.
func (c Combiner) float64Fn() func(acc, v float64) float64 {
	switch c {
	case CombineMax:
		return math.Max
	case CombineMin:
		return math.Min
	case CombineProduct:
		return func(acc, v float64) float64 { return acc * v }
	default:
		return func(acc, v float64) float64 { return acc + v }
	}
}

// Sum adds the tensors element-wise. All tensors must have the same shape.
// The result has the shape of the inputs and is placed on the device of the first tensor.
func Sum(ts ...*Tensor) (*Tensor, error) {
	return Combine(CombineSum, ts...)
}

// Combine folds the tensors element-wise with the operation c. All tensors must have the same shape.
// The result has the shape of the inputs and is placed on the device of the first tensor.
//
// Integer and float tensors are combined in their own Go type, so integer results are exact (modulo overflow).
// Float16, BFloat16 and Bool tensors go through float64, see Accumulate.
func Combine(c Combiner, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensors.Combine() requires at least one tensor")
	}
	if err := checkSameShape("Combine", ts); err != nil {
		return nil, err
	}
	result := ts[0].Clone()
	for _, t := range ts[1:] {
		if !combineFlat(c, result.flat, t.flat) {
			return Accumulate(c.float64Fn(), ts...)
		}
	}
	return result, nil
}

// combineFlat folds values into acc, both flat slices. It returns false if the type has no native arithmetic, or
// if values is stored with a different Go type (e.g. []int and []int64 for Int64).
func combineFlat(c Combiner, acc, values any) bool {
	switch a := acc.(type) {
	case []float64:
		return combineAs(c, a, values)
	case []float32:
		return combineAs(c, a, values)
	case []int:
		return combineAs(c, a, values)
	case []int64:
		return combineAs(c, a, values)
	case []int32:
		return combineAs(c, a, values)
	case []int16:
		return combineAs(c, a, values)
	case []int8:
		return combineAs(c, a, values)
	case []uint:
		return combineAs(c, a, values)
	case []uint64:
		return combineAs(c, a, values)
	case []uint32:
		return combineAs(c, a, values)
	case []uint16:
		return combineAs(c, a, values)
	case []uint8:
		return combineAs(c, a, values)
	}
	return false
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func combineAs[T number](c Combiner, acc []T, values any) bool {
	v, ok := values.([]T)
	if !ok {
		return false
	}
	combineNumbers(c, acc, v)
	return true
}

func combineNumbers[T number](c Combiner, acc, values []T) {
	for ii, v := range values {
		switch c {
		case CombineSum:
			acc[ii] += v
		case CombineMax:
			acc[ii] = max(acc[ii], v)
		case CombineMin:
			acc[ii] = min(acc[ii], v)
		case CombineProduct:
			acc[ii] *= v
		}
	}
}

func checkSameShape(fnName string, ts []*Tensor) error {
	shape := ts[0].Shape()
	for ii, t := range ts[1:] {
		if !t.Shape().Equal(shape) {
			return errors.Errorf("tensors.%s(): tensor #%d has shape %s, but tensor #0 has shape %s",
				fnName, ii+1, t.Shape(), shape)
		}
	}
	return nil
}

// Accumulate combines the tensors element-wise with fn, folding from the first tensor: for each element
// acc = fn(acc, v) for the values of the following tensors. All tensors must have the same shape.
// The result has the shape of the inputs and is placed on the device of the first tensor.
//
// Values are converted to float64 and back: integers beyond 2^53 lose precision. Prefer Combine.
func Accumulate(fn func(acc, v float64) float64, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensors.Accumulate() requires at least one tensor")
	}
	if err := checkSameShape("Accumulate", ts); err != nil {
		return nil, err
	}
	shape := ts[0].Shape()
	acc, err := ts[0].ToFloat64s()
	if err != nil {
		return nil, err
	}
	for _, t := range ts[1:] {
		values, err := t.ToFloat64s()
		if err != nil {
			return nil, err
		}
		for jj, v := range values {
			acc[jj] = fn(acc[jj], v)
		}
	}
	result, err := FromFloat64s(shape.DType, acc, shape.Dimensions...)
	if err != nil {
		return nil, err
	}
	result.device = ts[0].device
	return result, nil
}

// DivScalar divides every element by divisor.
//
// Like the true division of the usual tensor libraries, integer (and bool) tensors are promoted to Float32.
func (t *Tensor) DivScalar(divisor float64) (*Tensor, error) {
	return t.mapFloat64(func(v float64) float64 { return v / divisor }, true)
}

// MulScalar multiplies every element by factor, keeping the dtype.
func (t *Tensor) MulScalar(factor float64) (*Tensor, error) {
	return t.mapFloat64(func(v float64) float64 { return v * factor }, false)
}

func (t *Tensor) mapFloat64(fn func(float64) float64, promoteInts bool) (*Tensor, error) {
	values, err := t.ToFloat64s()
	if err != nil {
		return nil, err
	}
	for ii, v := range values {
		values[ii] = fn(v)
	}
	dtype := t.DType()
	if promoteInts && !dtype.IsFloat() {
		dtype = dtypes.Float32
	}
	result, err := FromFloat64s(dtype, values, t.shape.Dimensions...)
	if err != nil {
		return nil, err
	}
	result.device = t.device
	return result, nil
}

// IsFinite returns whether all values are finite (not NaN nor ±Inf). Integer tensors are always finite.
func (t *Tensor) IsFinite() bool {
	if !t.DType().IsFloat() {
		return true
	}
	values, err := t.ToFloat64s()
	if err != nil {
		return false
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// SquaredNorm returns the sum of the squares of the values.
func (t *Tensor) SquaredNorm() (float64, error) {
	values, err := t.ToFloat64s()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range values {
		sum += v * v
	}
	return sum, nil
}

// Stack tensors of the same shape into a new leading axis: the result has shape (len(ts), ...shape).
func Stack(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensors.Stack() requires at least one tensor")
	}
	shape := ts[0].Shape()
	flatType := reflect.TypeOf(ts[0].flat)
	resultV := reflect.MakeSlice(flatType, 0, shape.Size()*len(ts))
	for ii, t := range ts {
		if !t.Shape().Equal(shape) {
			return nil, errors.Errorf("tensors.Stack(): tensor #%d has shape %s, but tensor #0 has shape %s",
				ii, t.Shape(), shape)
		}
		resultV = reflect.AppendSlice(resultV, reflect.ValueOf(t.flat))
	}
	dims := append([]int{len(ts)}, shape.Dimensions...)
	return &Tensor{shape: shapes.Make(shape.DType, dims...), flat: resultV.Interface(), device: ts[0].device}, nil
}

// Concatenate rank-1 tensors of the same dtype into one rank-1 tensor.
func Concatenate(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensors.Concatenate() requires at least one tensor")
	}
	dtype := ts[0].DType()
	resultV := reflect.MakeSlice(reflect.TypeOf(ts[0].flat), 0, 0)
	for ii, t := range ts {
		if t.DType() != dtype || t.Rank() != 1 {
			return nil, errors.Errorf("tensors.Concatenate(): tensor #%d has shape %s, want rank-1 of dtype %s",
				ii, t.Shape(), dtype)
		}
		resultV = reflect.AppendSlice(resultV, reflect.ValueOf(t.flat))
	}
	return &Tensor{shape: shapes.Make(dtype, resultV.Len()), flat: resultV.Interface(), device: ts[0].device}, nil
}
