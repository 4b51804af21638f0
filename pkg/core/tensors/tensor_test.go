// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	assert.Len(t, tensor.Bytes(), 24)
	require.Panics(t, func() { FromFlatDataAndDimensions([]int32{1, 2}, 3) })

	flat := must.M1(CopyFlatData[float32](tensor))
	flat[0] = 100
	assert.Equal(t, float32(1), tensor.Flat().([]float32)[0], "CopyFlatData returns a copy")
	_, err := CopyFlatData[int32](tensor)
	require.Error(t, err)
}

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]int32{{1, 2}, {3, 4}, {5, 6}})
	assert.Equal(t, []int{3, 2}, tensor.Shape().Dimensions)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tensor.Flat())
	assert.Equal(t, float64(7), FromValue(float64(7)).Value())
	assert.Equal(t, float16.Fromfloat32(1.5), FromScalar(float16.Fromfloat32(1.5)).Value())

	require.Panics(t, func() { FromValue([][]float32{{1, 2}, {3}}) })
	require.Panics(t, func() { FromValue([]int{1, 2}) })
	require.Panics(t, func() { FromValue([]float32{}) })
}

func TestFromBytes(t *testing.T) {
	source := FromFlatDataAndDimensions([]int32{7, -1}, 2)
	tensor := must.M1(FromBytes(source.Shape(), source.Bytes()))
	assert.True(t, tensor.Equal(source))
	assert.False(t, tensor.Equal(FromFlatDataAndDimensions([]int32{7, 1}, 2)))
	_, err := FromBytes(source.Shape(), []byte{1, 2, 3})
	require.Error(t, err)
	_, err = FromBytes(shapes.MakeDynamic(dtypes.Int32, shapes.UnknownDim), nil)
	require.Error(t, err)
	assert.Equal(t, "(Int32)[2][7 -1]", source.String())
}
