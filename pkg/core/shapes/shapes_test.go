// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.True(t, shape0.IsStatic())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, shape0.Memory())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, shape1.Memory())
	require.Equal(t, []int{6, 2, 1}, shape1.Strides())
	require.Panics(t, func() { _ = Make(dtypes.Float32, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
	require.Panics(t, func() { _ = UnknownRankOf(dtypes.Float32).Dim(0) })
}

func TestDynamic(t *testing.T) {
	dyn := MakeDynamic(dtypes.Float32, UnknownDim, 3)
	require.True(t, dyn.IsDynamic())
	require.Equal(t, "(Float32)[? 3]", dyn.String())
	require.Panics(t, func() { _ = dyn.Size() })
	require.True(t, dyn.Compatible(Make(dtypes.Float32, 2, 3)))
	require.True(t, dyn.Compatible(Make(dtypes.Float32, 4, 3)))
	require.False(t, dyn.Compatible(Make(dtypes.Float32, 4, 2)))
	require.False(t, dyn.Compatible(Make(dtypes.Int32, 4, 3)))
	require.False(t, dyn.Equal(Make(dtypes.Float32, 4, 3)))

	unknown := UnknownRankOf(dtypes.Int32)
	require.True(t, unknown.IsDynamic())
	require.Equal(t, -1, unknown.Rank())
	require.True(t, unknown.Compatible(Make(dtypes.Int32, 1, 2, 3)))
	require.True(t, unknown.Equal(UnknownRankOf(dtypes.Int32)))
}

func TestCheckDims(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3)
	require.NoError(t, shape.CheckDims(4, -1))
	require.Error(t, shape.CheckDims(4))
	require.Error(t, shape.CheckDims(4, 2))
}
