// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/gob"
	"reflect"

	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/core/devices"
	"github.com/gomlx/strategies/pkg/core/shapes"
)

// GobSerialize Tensor in binary format: the shape followed by the flat data.
// The device placement is not serialized.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) error {
	if err := t.shape.GobSerialize(encoder); err != nil {
		return err
	}
	if t.Size() == 0 {
		return nil
	}
	if err := encoder.Encode(t.flat); err != nil {
		return errors.Wrapf(err, "failed to serialize data of tensor %s", t.shape)
	}
	return nil
}

// GobDeserialize a Tensor from the decoder. The tensor is placed on the host.
func GobDeserialize(decoder *gob.Decoder) (*Tensor, error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to deserialize Tensor shape")
	}
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s deserialized", shape)
	}
	t := FromShape(shape)
	if shape.Size() == 0 {
		return t, nil
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	if err = decoder.Decode(flatPtrV.Interface()); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize data of tensor %s", shape)
	}
	if flatPtrV.Elem().Len() != shape.Size() {
		return nil, errors.Errorf("deserialized %d values for tensor %s, wanted %d",
			flatPtrV.Elem().Len(), shape, shape.Size())
	}
	t.flat = flatPtrV.Elem().Interface()
	t.device = devices.Host
	return t, nil
}

// ErrJSONEncoding is returned when a Tensor is encoded as JSON: tensors only have a binary serialization, see
// GobSerialize.
var ErrJSONEncoding = errors.New("tensors can't be encoded as JSON, use GobSerialize")

// MarshalJSON implements json.Marshaler: it always fails with ErrJSONEncoding.
func (t *Tensor) MarshalJSON() ([]byte, error) {
	return nil, errors.Wrapf(ErrJSONEncoding, "tensor %s", t.shape)
}
