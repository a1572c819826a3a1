// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 4, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 12, s.Size())
	assert.Equal(t, 48, s.Memory())
	assert.Equal(t, 3, s.Dim(-1))
	assert.Equal(t, "(Float32)[4 3]", s.String())
	assert.True(t, s.Equal(s.Clone()))
	assert.False(t, s.Equal(Make(dtypes.Float64, 4, 3)))

	scalar := Scalar[int32]()
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.False(t, Shape{}.Ok())

	assert.Equal(t, 0, Make(dtypes.Uint8, 0).Size())
	assert.Panics(t, func() { Make(dtypes.Uint8, -1) })
	assert.Panics(t, func() { s.Dim(2) })
}

func TestGobSerialize(t *testing.T) {
	for _, s := range []Shape{Make(dtypes.Int64, 2, 5, 1), Scalar[float64]()} {
		buf := &bytes.Buffer{}
		require.NoError(t, s.GobSerialize(gob.NewEncoder(buf)))
		got, err := GobDeserialize(gob.NewDecoder(buf))
		require.NoError(t, err)
		assert.True(t, s.Equal(got), "want %s, got %s", s, got)
	}
}
