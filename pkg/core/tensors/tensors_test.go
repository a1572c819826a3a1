// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/strategies/pkg/core/devices"
)

func TestFromAnyValue(t *testing.T) {
	t.Run("scalar int", func(t *testing.T) {
		x := must.M1(FromAnyValue(7))
		assert.Equal(t, dtypes.Int64, x.DType())
		assert.Equal(t, 0, x.Rank())
		assert.Equal(t, int64(7), x.Value())
	})
	t.Run("matrix", func(t *testing.T) {
		x := must.M1(FromAnyValue([][]float32{{1, 2, 3}, {4, 5, 6}}))
		assert.Equal(t, []int{2, 3}, x.Dimensions())
		assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, x.Flat())
		assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, x.Value())
	})
	t.Run("tensor is returned as is", func(t *testing.T) {
		x := FromScalar(float32(1))
		assert.Same(t, x, must.M1(FromAnyValue(x)))
	})
	t.Run("errors", func(t *testing.T) {
		_, err := FromAnyValue([][]int32{{1, 2}, {3}})
		assert.Error(t, err)
		_, err = FromAnyValue("string")
		assert.Error(t, err)
		_, err = FromAnyValue(nil)
		assert.Error(t, err)
	})
}

func TestCombine(t *testing.T) {
	const big = int64(1<<53 + 1)
	sum := must.M1(Sum(FromScalar(big), FromScalar(int64(0)), FromScalar(int64(2))))
	assert.Equal(t, big+2, sum.Value(), "int64 sums must not round through float64")

	// Int64 tensors may hold []int or []int64.
	assert.Equal(t, int64(3), must.M1(Sum(FromScalar(1), FromScalar(int64(2)))).Value())

	const bigU = uint64(1<<63 + 1)
	sumU := must.M1(Sum(FromScalar(bigU), FromScalar(uint64(2))))
	assert.Equal(t, bigU+2, sumU.Value())

	a := FromFlatDataAndDimensions([]int32{1, -5, 3}, 3)
	b := FromFlatDataAndDimensions([]int32{4, -2, 3}, 3)
	assert.Equal(t, []int32{4, -2, 3}, must.M1(Combine(CombineMax, a, b)).Flat())
	assert.Equal(t, []int32{1, -5, 3}, must.M1(Combine(CombineMin, a, b)).Flat())
	assert.Equal(t, []int32{4, 10, 9}, must.M1(Combine(CombineProduct, a, b)).Flat())
	assert.Equal(t, []int32{1, -5, 3}, a.Flat(), "inputs are not modified")

	h := FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1.5)}, 1)
	hSum := must.M1(Sum(h, h))
	assert.Equal(t, float16.Fromfloat32(3), hSum.Flat().([]float16.Float16)[0])

	_, err := Combine(CombineSum)
	require.Error(t, err)
	_, err = Combine(CombineSum, a, FromScalar(int32(1)))
	require.ErrorContains(t, err, "tensor #1")
}

func TestOps(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2).To(devices.Device{Kind: "xla", Index: 1})
	b := FromFlatDataAndDimensions([]float32{10, 20, 30, 40}, 2, 2)

	sum := must.M1(Sum(a, b))
	assert.Equal(t, []float32{11, 22, 33, 44}, sum.Flat())
	assert.Equal(t, a.Device(), sum.Device())

	_, err := Sum(a, FromScalar(float32(1)))
	require.Error(t, err)

	maxT := must.M1(Accumulate(math.Max, b, a))
	assert.Equal(t, []float32{10, 20, 30, 40}, maxT.Flat())
	assert.Equal(t, b.Device(), maxT.Device())

	half := must.M1(sum.DivScalar(2))
	assert.Equal(t, []float32{5.5, 11, 16.5, 22}, half.Flat())

	// Integer division is promoted to float32.
	intDiv := must.M1(FromScalar(int64(3)).DivScalar(2))
	assert.Equal(t, dtypes.Float32, intDiv.DType())
	assert.Equal(t, float32(1.5), intDiv.Value())

	bf := must.M1(a.ConvertDType(dtypes.BFloat16))
	assert.Equal(t, bfloat16.FromFloat32(3), bf.Flat().([]bfloat16.BFloat16)[2])
	assert.Equal(t, a.Device(), bf.Device())

	stacked := must.M1(Stack(a, b))
	assert.Equal(t, []int{2, 2, 2}, stacked.Dimensions())

	concat := must.M1(Concatenate(FromBytes([]byte{1, 2}), FromBytes([]byte{3})))
	assert.Equal(t, []byte{1, 2, 3}, must.M1(concat.Bytes()))

	assert.True(t, a.IsFinite())
	assert.False(t, FromScalar(math.Inf(1)).IsFinite())
	assert.Equal(t, 30.0, must.M1(a.SquaredNorm()))

	reshaped := must.M1(FromScalar(int32(5)).Reshape(1))
	assert.Equal(t, []int32{5}, reshaped.Value())
}

func TestGobSerialize(t *testing.T) {
	for _, x := range []*Tensor{
		FromFlatDataAndDimensions([]float64{1, 2, 3, 4, 5, 6}, 3, 2),
		FromScalar(int32(-3)),
		FromBytes(nil),
	} {
		buf := &bytes.Buffer{}
		require.NoError(t, x.GobSerialize(gob.NewEncoder(buf)))
		got, err := GobDeserialize(gob.NewDecoder(buf))
		require.NoError(t, err)
		assert.True(t, x.Shape().Equal(got.Shape()))
		assert.Equal(t, x.Value(), got.Value())
	}
}

func TestMarshalJSON(t *testing.T) {
	_, err := json.Marshal(map[string]any{"opt": []any{FromScalar(float32(1))}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJSONEncoding), "got %v", err)
}
