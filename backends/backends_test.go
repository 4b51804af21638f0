// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/ir"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	options Options
}

func (b *fakeBackend) Name() string        { return "fake" }
func (b *fakeBackend) Description() string { return "fake backend for tests" }
func (b *fakeBackend) Capabilities() Capabilities {
	return Capabilities{
		Operations: map[ir.OpType]bool{ir.OpTypeAdd: true, ir.OpTypeRelu: true},
		DTypes:     map[dtypes.DType]bool{dtypes.Float32: true},
	}
}
func (b *fakeBackend) NewContext(graph *ir.Graph, operations []ir.OperationIndex) (*Context, error) {
	return NewContext(b, graph, operations), nil
}

func TestParseConfig(t *testing.T) {
	name, options := must.M2(ParseConfig("cpu"))
	assert.Equal(t, "cpu", name)
	assert.Empty(t, options)

	name, options = must.M2(ParseConfig(" cpu:parallelism=4, alignment = 64 ,"))
	assert.Equal(t, "cpu", name)
	assert.Equal(t, Options{"parallelism": "4", "alignment": "64"}, options)

	for _, config := range []string{"", ":a=1", "cpu:parallelism", "cpu:=4"} {
		_, _, err := ParseConfig(config)
		require.Error(t, err, "config %q", config)
	}
}

func TestRegistry(t *testing.T) {
	Register("fake", func(options Options) (Backend, error) {
		if options["fail"] != "" {
			return nil, errors.New("asked to fail")
		}
		return &fakeBackend{options: options}, nil
	})
	assert.Contains(t, List(), "fake")

	backend := must.M1(New("fake:mode=x"))
	assert.Equal(t, "fake", backend.Name())
	assert.Equal(t, Options{"mode": "x"}, backend.(*fakeBackend).options)

	_, err := New("fake:fail=1")
	require.ErrorContains(t, err, "asked to fail")
	_, err = New("nonexistent")
	require.ErrorContains(t, err, "can't find backend")
}

// buildGraph builds y = Relu(x + c) and an Int32 z = Neg(i).
func buildGraph(t *testing.T) (g *ir.Graph, add, relu, neg ir.OperationIndex) {
	g = ir.New("test")
	x := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Float32, 3)))
	c := must.M1(g.AddConstant(ir.MakeTypeInfo(dtypes.Float32), make([]byte, 4)))
	sum := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Float32, 3)))
	y := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Float32, 3)))
	i := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Int32, 3)))
	z := must.M1(g.AddOperand(ir.MakeTypeInfo(dtypes.Int32, 3)))
	add = must.M1(g.AddOperation(ir.OpTypeAdd, []ir.OperandIndex{x, c}, []ir.OperandIndex{sum}, nil))
	relu = must.M1(g.AddOperation(ir.OpTypeRelu, []ir.OperandIndex{sum}, []ir.OperandIndex{y}, nil))
	neg = must.M1(g.AddOperation(ir.OpTypeNeg, []ir.OperandIndex{i}, []ir.OperandIndex{z}, nil))
	require.NoError(t, g.SetInputs(x, i))
	require.NoError(t, g.SetOutputs(y, z))
	require.NoError(t, g.Freeze())
	return
}

func TestCapabilities(t *testing.T) {
	g, add, relu, neg := buildGraph(t)
	capabilities := (&fakeBackend{}).Capabilities()
	for opIdx, want := range map[ir.OperationIndex]bool{add: true, relu: true, neg: false} {
		op := must.M1(g.Operation(opIdx))
		assert.Equal(t, want, capabilities.SupportsOperation(g, op), "operation %s", opIdx)
	}

	clone := capabilities.Clone()
	clone.Operations[ir.OpTypeNeg] = true
	clone.DTypes[dtypes.Int32] = true
	assert.False(t, capabilities.Operations[ir.OpTypeNeg])
	assert.True(t, clone.SupportsOperation(g, must.M1(g.Operation(neg))))

	// Int32 operands are only accepted by Neg.
	clone.Operations[ir.OpTypeAdd] = true
	clone.DTypeOperations = map[dtypes.DType]map[ir.OpType]bool{dtypes.Int32: {ir.OpTypeNeg: true}}
	restricted := clone.Clone()
	clone.DTypeOperations[dtypes.Int32][ir.OpTypeAdd] = true
	assert.False(t, restricted.DTypeOperations[dtypes.Int32][ir.OpTypeAdd])
	assert.True(t, restricted.SupportsOperation(g, must.M1(g.Operation(neg))))
	assert.True(t, restricted.SupportsOperation(g, must.M1(g.Operation(add))))

	intAdd := ir.New("int add")
	i := must.M1(intAdd.AddOperand(ir.MakeTypeInfo(dtypes.Int32, 3)))
	sum := must.M1(intAdd.AddOperand(ir.MakeTypeInfo(dtypes.Int32, 3)))
	addIdx := must.M1(intAdd.AddOperation(ir.OpTypeAdd, []ir.OperandIndex{i, i}, []ir.OperandIndex{sum}, nil))
	assert.False(t, restricted.SupportsOperation(intAdd, must.M1(intAdd.Operation(addIdx))))
	assert.True(t, clone.SupportsOperation(intAdd, must.M1(intAdd.Operation(addIdx))))
}

func TestDefaultTensorRegistrations(t *testing.T) {
	g, add, relu, _ := buildGraph(t)
	registrations := must.M1(DefaultTensorRegistrations(g, []ir.OperationIndex{relu}))
	assert.Equal(t, []Registration{
		{Operand: ir.OperandIndexOf(2), Ownership: Migrant},
		{Operand: ir.OperandIndexOf(3), Ownership: Native},
	}, registrations)

	registrations = must.M1(DefaultTensorRegistrations(g, []ir.OperationIndex{add, relu}))
	require.Len(t, registrations, 4)
	for _, registration := range registrations {
		assert.Equal(t, Native, registration.Ownership, "operand %s", registration.Operand)
	}

	_, err := DefaultTensorRegistrations(g, []ir.OperationIndex{ir.OperationIndexOf(10)})
	require.ErrorIs(t, err, ir.ErrIndexNotFound)
}

type closer struct {
	name   string
	closed *[]string
	err    error
}

func (c closer) Close() error {
	*c.closed = append(*c.closed, c.name)
	return c.err
}

func TestContext(t *testing.T) {
	g, add, relu, neg := buildGraph(t)
	ctx := must.M1((&fakeBackend{}).NewContext(g, []ir.OperationIndex{add, relu}))
	assert.True(t, ctx.Owns(add))
	assert.False(t, ctx.Owns(neg))
	assert.Nil(t, ctx.TensorBuilder)

	var closed []string
	ctx.AddResource(closer{name: "pool", closed: &closed, err: errors.New("pool failed")})
	ctx.AddResource(closer{name: "cache", closed: &closed, err: errors.New("cache failed")})
	err := ctx.Close()
	require.ErrorContains(t, err, "cache failed")
	assert.Equal(t, []string{"cache", "pool"}, closed)
	require.NoError(t, ctx.Close())

	err = UnsupportedError("fake", neg, must.M1(g.Operation(neg)))
	require.ErrorIs(t, err, ErrUnsupportedOperator)
	assert.Contains(t, err.Error(), "Neg")
}
