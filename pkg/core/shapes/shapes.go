// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the data type (dtypes.DType) plus the axes dimensions of a tensor.
//
// DType is the enumeration from github.com/gomlx/gopjrt/dtypes, so shapes here are interchangeable with the
// ones used by the XLA runtime. Float16 values use github.com/x448/float16 and BFloat16 values use
// github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// Glossary:
//
//   - Rank: number of axes of a tensor. A scalar has rank 0.
//   - Dimension: the size of an axis.
//   - Size: the number of elements, the product of all dimensions.
package shapes

import (
	"encoding/gob"
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a tensor: its DType and the dimensions of each axis.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
//
// Dimensions can be 0 (an empty tensor), but it panics for negative dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar (rank 0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the end.
// It panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Size returns the number of elements: the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store the flat data of the shape.
func (s Shape) Memory() int {
	return s.DType.Size() * s.Size()
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// GobSerialize shape in binary format.
func (s Shape) GobSerialize(encoder *gob.Encoder) error {
	if err := encoder.Encode(s.DType); err != nil {
		return errors.Wrapf(err, "failed to serialize Shape %s", s)
	}
	if err := encoder.Encode(len(s.Dimensions)); err != nil {
		return errors.Wrapf(err, "failed to serialize Shape %s", s)
	}
	for _, dim := range s.Dimensions {
		if err := encoder.Encode(dim); err != nil {
			return errors.Wrapf(err, "failed to serialize Shape %s", s)
		}
	}
	return nil
}

// GobDeserialize a Shape. Returns new Shape or an error.
func GobDeserialize(decoder *gob.Decoder) (s Shape, err error) {
	if err = decoder.Decode(&s.DType); err != nil {
		return s, errors.Wrap(err, "failed to deserialize Shape dtype")
	}
	var rank int
	if err = decoder.Decode(&rank); err != nil {
		return s, errors.Wrap(err, "failed to deserialize Shape rank")
	}
	if rank < 0 {
		return s, errors.Errorf("invalid rank %d while deserializing Shape", rank)
	}
	if rank > 0 {
		s.Dimensions = make([]int, rank)
		for axis := range s.Dimensions {
			if err = decoder.Decode(&s.Dimensions[axis]); err != nil {
				return s, errors.Wrapf(err, "failed to deserialize Shape dimension of axis %d", axis)
			}
		}
	}
	return s, nil
}
