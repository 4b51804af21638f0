// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/backends"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryBroadcast(t *testing.T) {
	g := ir.New("broadcast")
	x := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Float32, 2, 1)))
	y := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Float32, 3)))
	sum := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Float32, 2, 3)))
	relu := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Float32, 2, 3)))
	op0 := must.M1(g.AddOperation(ir.OpTypeSub, []ir.OperandIndex{x, y}, []ir.OperandIndex{sum}, nil))
	op1 := must.M1(g.AddOperation(ir.OpTypeRelu, []ir.OperandIndex{sum}, []ir.OperandIndex{relu}, nil))
	require.NoError(t, g.SetInputs(x, y))
	require.NoError(t, g.SetOutputs(relu))
	require.NoError(t, g.Freeze())

	backend := must.M1(backends.New(BackendName))
	ctx := must.M1(backend.NewContext(g, []ir.OperationIndex{op0, op1}))
	assert.Nil(t, ctx.TensorBuilder)
	assert.Nil(t, ctx.Optimizer)

	allocator := memory.NewPoolAllocator(0)
	registry := memory.NewRegistry()
	for operandIdx, operand := range g.Operands() {
		tensor := memory.NewTensor(operandIdx, operand.Type, memory.DefaultDescriptor)
		registry.SetNative(tensor)
		require.NoError(t, memory.AllocateTensor(tensor, allocator))
	}
	copy(must.M1(memory.Flat[float32](must.M1(registry.Tensor(x)))), []float32{1, 20})
	copy(must.M1(memory.Flat[float32](must.M1(registry.Tensor(y)))), []float32{10, 0, 30})

	for _, opIdx := range ctx.Operations {
		kernel := must.M1(ctx.KernelGenerator.Generate(opIdx, must.M1(g.Operation(opIdx)), registry, nil))
		outputShapes := must.M1(kernel.InferShapes())
		require.Len(t, outputShapes, 1)
		assert.Equal(t, []int{2, 3}, outputShapes[0].Dimensions)
		require.NoError(t, kernel.Run())
	}
	assert.Equal(t, []float32{-9, 1, -29, 10, 20, -10}, must.M1(memory.Flat[float32](must.M1(registry.Tensor(sum)))))
	assert.Equal(t, []float32{0, 1, 0, 10, 20, 0}, must.M1(memory.Flat[float32](must.M1(registry.Tensor(relu)))))
}

func TestUnsupported(t *testing.T) {
	g := ir.New("unsupported")
	x := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Int32, 3)))
	y := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Int32, 3)))
	z := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Int32, 3)))
	add := must.M1(g.AddOperation(ir.OpTypeAdd, []ir.OperandIndex{x, y}, []ir.OperandIndex{z}, nil))
	neg := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Int32, 3)))
	negOp := must.M1(g.AddOperation(ir.OpTypeNeg, []ir.OperandIndex{z}, []ir.OperandIndex{neg}, nil))

	backend := &Backend{}
	ctx := must.M1(backend.NewContext(g, []ir.OperationIndex{add, negOp}))
	registry := memory.NewRegistry()
	for operandIdx, operand := range g.Operands() {
		registry.SetNative(memory.NewTensor(operandIdx, operand.Type, memory.DefaultDescriptor))
	}
	_, err := ctx.KernelGenerator.Generate(add, must.M1(g.Operation(add)), registry, nil)
	require.ErrorIs(t, err, backends.ErrUnsupportedOperator, "Int32 arithmetic")
	_, err = ctx.KernelGenerator.Generate(negOp, must.M1(g.Operation(negOp)), registry, nil)
	require.ErrorIs(t, err, backends.ErrUnsupportedOperator)
	assert.False(t, backend.Capabilities().Operations[ir.OpTypeNeg])

	_, err = backends.New("interp:fast=1")
	require.Error(t, err)
}
