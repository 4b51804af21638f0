// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	Bool = dtypes.Bool
	I32  = dtypes.Int32
	F32  = dtypes.Float32
	U8   = dtypes.Uint8

	MS = shapes.Make
)

func TestBinaryOp(t *testing.T) {
	// Invalid data types check.
	var err error
	_, err = BinaryOp(ir.OpTypeMul, MS(Bool, 1), MS(Bool, 1))
	require.Error(t, err)
	_, err = BinaryOp(ir.OpTypeAdd, MS(F32, 1), MS(I32, 1))
	require.Error(t, err)

	// Invalid operation type (not binary op).
	_, err = BinaryOp(ir.OpTypeRelu, MS(F32), MS(F32))
	require.Error(t, err)

	// Scalar with matrix.
	scalarShape := MS(F32)
	matrixShape := MS(F32, 2, 3)
	require.True(t, scalarShape.Equal(must.M1(BinaryOp(ir.OpTypeAdd, scalarShape, scalarShape))))
	require.True(t, matrixShape.Equal(must.M1(BinaryOp(ir.OpTypeAdd, scalarShape, matrixShape))))
	require.True(t, matrixShape.Equal(must.M1(BinaryOp(ir.OpTypeAdd, matrixShape, scalarShape))))

	// Broadcasting on both sides, and of missing leading axes.
	require.True(t, MS(F32, 2, 4, 3).Equal(must.M1(BinaryOp(ir.OpTypeMul, MS(F32, 2, 1, 3), MS(F32, 1, 4, 3)))))
	require.True(t, MS(F32, 2, 4, 3).Equal(must.M1(BinaryOp(ir.OpTypeSub, MS(F32, 2, 4, 3), MS(F32, 3)))))

	// Invalid broadcasting shapes.
	_, err = BinaryOp(ir.OpTypeAdd, MS(F32, 2, 3), MS(F32, 3, 2))
	require.Error(t, err)
	_, err = BinaryOp(ir.OpTypeAdd, shapes.MakeDynamic(F32, shapes.UnknownDim), MS(F32, 3))
	require.Error(t, err)
}

func TestUnaryOp(t *testing.T) {
	require.Panics(t, func() { must.M1(UnaryOp(ir.OpTypeNeg, MS(Bool))) })
	require.Panics(t, func() { must.M1(UnaryOp(ir.OpTypeNeg, MS(U8))) })
	require.Panics(t, func() { must.M1(UnaryOp(ir.OpTypeAdd, MS(F32))) })
	floatShape := MS(F32, 2, 3)
	require.True(t, floatShape.Equal(must.M1(UnaryOp(ir.OpTypeRelu, floatShape))))
	require.True(t, floatShape.Equal(must.M1(UnaryOp(ir.OpTypeNeg, floatShape))))
	require.True(t, MS(Bool, 2).Equal(must.M1(UnaryOp(ir.OpTypeIdentity, MS(Bool, 2)))))
}

func TestReshapeOp(t *testing.T) {
	require.True(t, MS(F32, 4, 3).Equal(must.M1(ReshapeOp(MS(F32, 2, 6), []int{4, 3}))))
	require.True(t, MS(F32, 4, 3).Equal(must.M1(ReshapeOp(MS(F32, 2, 6), []int{-1, 3}))))
	_, err := ReshapeOp(MS(F32, 2, 6), []int{5, 3})
	require.Error(t, err)
	_, err = ReshapeOp(MS(F32, 2, 6), []int{-1, -1})
	require.Error(t, err)
	_, err = ReshapeOp(MS(F32, 2, 6), []int{-1, 5})
	require.Error(t, err)
}

func TestConcatGatherArgMax(t *testing.T) {
	require.True(t, MS(F32, 2, 5).Equal(must.M1(ConcatenateOp([]shapes.Shape{MS(F32, 2, 3), MS(F32, 2, 2)}, -1))))
	_, err := ConcatenateOp([]shapes.Shape{MS(F32, 2, 3), MS(F32, 3, 2)}, 1)
	require.Error(t, err)

	require.True(t, MS(F32, 5, 2, 7, 4).Equal(must.M1(GatherOp(MS(F32, 5, 3, 4), MS(I32, 2, 7), 1))))
	_, err = GatherOp(MS(F32, 5, 3), MS(F32, 2), 0)
	require.Error(t, err)

	require.True(t, MS(I32, 2).Equal(must.M1(ArgMaxOp(MS(F32, 2, 3), 1, I32))))
	_, err = ArgMaxOp(MS(F32), 0, I32)
	require.Error(t, err)
	_, err = ArgMaxOp(MS(F32, 2), 0, F32)
	require.Error(t, err)
}

func TestFullyConnectedOp(t *testing.T) {
	require.True(t, MS(F32, 6, 4).Equal(must.M1(FullyConnectedOp(MS(F32, 2, 3, 5), MS(F32, 4, 5), MS(F32, 4)))))
	require.True(t, MS(F32, 1, 4).Equal(must.M1(FullyConnectedOp(MS(F32, 5), MS(F32, 4, 5), shapes.Invalid()))))
	_, err := FullyConnectedOp(MS(F32, 7), MS(F32, 4, 5), shapes.Invalid())
	require.Error(t, err)
	_, err = FullyConnectedOp(MS(F32, 5), MS(F32, 4, 5), MS(F32, 3))
	require.Error(t, err)
}

func TestInfer(t *testing.T) {
	reshape := &ir.Operation{Type: ir.OpTypeReshape, Params: ir.ReshapeParams{Dimensions: []int{3, 2}}}
	outputs := must.M1(Infer(reshape, []shapes.Shape{MS(F32, 6)}, nil))
	require.True(t, MS(F32, 3, 2).Equal(outputs[0]))

	// Target dimensions read from the second input take precedence.
	readInput := func(inputIdx int) ([]int32, error) {
		require.Equal(t, 1, inputIdx)
		return []int32{2, -1}, nil
	}
	outputs = must.M1(Infer(reshape, []shapes.Shape{MS(F32, 6), MS(I32, 2)}, readInput))
	require.True(t, MS(F32, 2, 3).Equal(outputs[0]))

	cast := &ir.Operation{Type: ir.OpTypeCast, Params: ir.CastParams{DType: dtypes.Float16}}
	outputs = must.M1(Infer(cast, []shapes.Shape{MS(F32, 2)}, nil))
	require.True(t, MS(dtypes.Float16, 2).Equal(outputs[0]))

	shapeOp := &ir.Operation{Type: ir.OpTypeShape}
	outputs = must.M1(Infer(shapeOp, []shapes.Shape{MS(F32, 2, 3, 4)}, nil))
	require.True(t, MS(I32, 3).Equal(outputs[0]))

	_, err := Infer(&ir.Operation{Type: ir.OpTypeCast}, []shapes.Shape{MS(F32)}, nil)
	require.Error(t, err)
}
