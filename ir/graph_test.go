// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildChain builds x -> Relu -> a -> Neg -> b -> Add(a, b) -> c.
func buildChain(t *testing.T) (g *Graph, x, a, b, c OperandIndex) {
	g = New("chain")
	info := MakeTypeInfo(dtypes.Float32, 2, 3)
	x = must.M1(g.AddNamedOperand("x", info))
	a = must.M1(g.AddOperand(info))
	b = must.M1(g.AddOperand(info))
	c = must.M1(g.AddOperand(info))
	must.M1(g.AddOperation(OpTypeRelu, []OperandIndex{x}, []OperandIndex{a}, nil))
	must.M1(g.AddOperation(OpTypeNeg, []OperandIndex{a}, []OperandIndex{b}, nil))
	must.M1(g.AddOperation(OpTypeAdd, []OperandIndex{a, b}, []OperandIndex{c}, nil))
	require.NoError(t, g.SetInputs(x))
	require.NoError(t, g.SetOutputs(c))
	require.NoError(t, g.Freeze())
	return
}

func TestGraphLookup(t *testing.T) {
	g, x, a, _, c := buildChain(t)
	assert.Equal(t, 4, g.NumOperands())
	assert.Equal(t, 3, g.NumOperations())

	operand, err := g.Operand(x)
	require.NoError(t, err)
	assert.Equal(t, UsageInput, operand.Usage)
	assert.True(t, must.M1(g.Operand(c)).Kept)

	_, err = g.Operand(UndefinedOperand())
	require.ErrorIs(t, err, ErrIndexNotFound)
	_, err = g.Operand(OperandIndexOf(100))
	require.ErrorIs(t, err, ErrIndexNotFound)
	_, err = g.Operation(UndefinedOperation())
	require.ErrorIs(t, err, ErrIndexNotFound)

	producer, found := g.Producer(a)
	require.True(t, found)
	assert.Equal(t, OperationIndexOf(0), producer)
	_, found = g.Producer(x)
	assert.False(t, found)
	assert.Equal(t, []OperationIndex{OperationIndexOf(1), OperationIndexOf(2)}, g.Consumers(a))
}

func TestGraphFrozen(t *testing.T) {
	g, x, _, _, _ := buildChain(t)
	_, err := g.AddOperand(MakeTypeInfo(dtypes.Float32, 1))
	require.ErrorIs(t, err, ErrFrozen)
	_, err = g.AddOperation(OpTypeRelu, []OperandIndex{x}, []OperandIndex{x}, nil)
	require.ErrorIs(t, err, ErrFrozen)
	require.ErrorIs(t, g.SetOutputs(x), ErrFrozen)
}

func TestGraphValidation(t *testing.T) {
	g := New("invalid")
	info := MakeTypeInfo(dtypes.Float32, 2)
	x := must.M1(g.AddOperand(info))
	y := must.M1(g.AddOperand(info))
	cst := must.M1(g.AddConstant(info, make([]byte, 8)))
	_, err := g.AddConstant(info, make([]byte, 7))
	require.Error(t, err)

	// Writing into a constant or producing twice is rejected.
	_, err = g.AddOperation(OpTypeRelu, []OperandIndex{x}, []OperandIndex{cst}, nil)
	require.Error(t, err)
	must.M1(g.AddOperation(OpTypeRelu, []OperandIndex{x}, []OperandIndex{y}, nil))
	_, err = g.AddOperation(OpTypeNeg, []OperandIndex{x}, []OperandIndex{y}, nil)
	require.Error(t, err)
	_, err = g.AddOperation(OpTypeNeg, []OperandIndex{OperandIndexOf(42)}, []OperandIndex{y}, nil)
	require.ErrorIs(t, err, ErrIndexNotFound)

	// x is never produced and was not declared as an input.
	require.NoError(t, g.SetOutputs(y))
	require.ErrorIs(t, g.Freeze(), ErrInvalidGraph)
	require.NoError(t, g.SetInputs(x))
	require.NoError(t, g.Freeze())
}

func TestTopologicalOrder(t *testing.T) {
	g := New("reversed")
	info := MakeTypeInfo(dtypes.Float32, 2)
	x := must.M1(g.AddOperand(info))
	a := must.M1(g.AddOperand(info))
	b := must.M1(g.AddOperand(info))
	// Inserted consumer first: op#0 reads a, produced by op#1.
	must.M1(g.AddOperation(OpTypeNeg, []OperandIndex{a}, []OperandIndex{b}, nil))
	must.M1(g.AddOperation(OpTypeRelu, []OperandIndex{x}, []OperandIndex{a}, nil))
	require.NoError(t, g.SetInputs(x))
	require.NoError(t, g.SetOutputs(b))
	require.NoError(t, g.Freeze())

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []OperationIndex{OperationIndexOf(1), OperationIndexOf(0)}, order)
	require.NoError(t, g.ValidateOrder(order))
	require.ErrorIs(t, g.ValidateOrder([]OperationIndex{OperationIndexOf(0), OperationIndexOf(1)}), ErrInvalidGraph)
	require.ErrorIs(t, g.ValidateOrder([]OperationIndex{OperationIndexOf(1)}), ErrInvalidGraph)
}

func TestComputeDeallocPlan(t *testing.T) {
	g, x, a, b, c := buildChain(t)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	plan := ComputeDeallocPlan(g, order)
	require.NoError(t, plan.Validate())

	deadPoint, found := plan.DeadPoint(x)
	require.True(t, found)
	assert.Equal(t, OperationIndexOf(0), deadPoint)
	deadPoint, found = plan.DeadPoint(a)
	require.True(t, found)
	assert.Equal(t, OperationIndexOf(2), deadPoint)
	deadPoint, found = plan.DeadPoint(b)
	require.True(t, found)
	assert.Equal(t, OperationIndexOf(2), deadPoint)
	_, found = plan.DeadPoint(c)
	assert.False(t, found, "graph outputs are kept")

	plan.Add(OperationIndexOf(0), a)
	require.ErrorIs(t, plan.Validate(), ErrInvalidGraph)
}

func TestQuantInfo(t *testing.T) {
	q := QuantInfo{Scale: 0.5, ZeroPoint: 10}
	negated := q.WithNegatedOffset()
	assert.Equal(t, int32(-10), negated.ZeroPoint)
	assert.Equal(t, int32(10), q.ZeroPoint)
	assert.InDelta(t, 1.0, q.Dequantize(12), 1e-6)
	assert.False(t, QuantInfo{}.IsQuantized())
}
