// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDynamicTensor(operand int) *Tensor {
	return NewTensor(ir.OperandIndexOf(operand), ir.MakeDynamicTypeInfo(dtypes.Float32, shapes.UnknownDim, 3), DefaultDescriptor)
}

func newStaticTensor(operand int, dims ...int) *Tensor {
	return NewTensor(ir.OperandIndexOf(operand), ir.MakeTypeInfo(dtypes.Float32, dims...), DefaultDescriptor)
}

func TestStaticTensorManager(t *testing.T) {
	allocator := NewPoolAllocator(0)
	registry := NewRegistry()
	a, b := newStaticTensor(0, 2, 3), newStaticTensor(1, 4)
	p := NewLivenessPlanner()
	p.Claim(a.Operand(), a.Shape().Memory(), 0, ir.InstrIndexOf(0), ir.InstrIndexOf(1))
	p.Claim(b.Operand(), b.Shape().Memory(), 0, ir.InstrIndexOf(1), ir.InstrIndexOf(1))
	m := NewStaticTensorManager(p.Plan(), allocator, registry)
	m.Register(a)
	m.Register(b)
	require.Panics(t, func() { m.Register(newStaticTensor(7, 1)) }, "operand not planned")
	require.Panics(t, func() { m.Register(newDynamicTensor(0)) })

	_, err := a.Bytes()
	require.ErrorIs(t, err, ErrNotAllocated)
	require.NoError(t, m.Allocate())
	require.NoError(t, m.Allocate())
	assert.Equal(t, 1, allocator.Stats().LiveAllocations, "one arena for all static tensors")

	flatA := must.M1(Flat[float32](a))
	require.Len(t, flatA, 6)
	flatA[5] = 7
	assert.Equal(t, float32(7), must.M1(Flat[float32](a))[5], "same bytes across reads")
	_, err = Flat[int32](a)
	require.Error(t, err)
	assert.Same(t, a, must.M1(registry.Tensor(a.Operand())))

	m.Release()
	_, err = a.Bytes()
	require.ErrorIs(t, err, ErrAlreadyFreed)
	assert.Equal(t, 0, allocator.Stats().LiveAllocations)
	m.Release()
}

func TestStaticTensorManagerAllocationFailure(t *testing.T) {
	allocator := NewPoolAllocator(128)
	a := newStaticTensor(0, 100)
	p := NewLivenessPlanner()
	p.Claim(a.Operand(), a.Shape().Memory(), 0, ir.InstrIndexOf(0), ir.InstrIndexOf(0))
	m := NewStaticTensorManager(p.Plan(), allocator, NewRegistry())
	m.Register(a)
	require.ErrorIs(t, m.Allocate(), ErrOutOfMemory)
	assert.False(t, a.IsAllocated())
	assert.False(t, m.IsAllocated())
}

func TestAllocateTensor(t *testing.T) {
	allocator := NewPoolAllocator(0)
	c := newStaticTensor(0, 3)
	require.NoError(t, AllocateTensor(c, allocator))
	require.NoError(t, AllocateTensor(c, allocator))
	assert.Equal(t, 1, allocator.Stats().LiveAllocations)
	ReleaseTensor(c, allocator)
	ReleaseTensor(c, allocator)
	assert.Equal(t, 0, allocator.Stats().LiveAllocations)
}

func TestApplyShapeReplacesAllocation(t *testing.T) {
	allocator := NewPoolAllocator(0)
	m := NewDynamicTensorManager(NewRegistry(), allocator)
	tensor := newDynamicTensor(0)
	m.Register(tensor)
	m.BeginInference()

	require.NoError(t, m.ApplyShape(tensor.Operand(), shapes.Make(dtypes.Float32, 2, 3)))
	assert.Equal(t, 24, len(must.M1(tensor.Bytes())))
	require.NoError(t, m.ApplyShape(tensor.Operand(), shapes.Make(dtypes.Float32, 4, 3)))
	assert.Equal(t, 48, len(must.M1(tensor.Bytes())))
	assert.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 4, 3)))

	stats := allocator.Stats()
	assert.Equal(t, 1, stats.LiveAllocations)
	assert.Equal(t, 2, stats.NumAllocations)
	assert.Equal(t, 1, stats.NumReleases, "first allocation released exactly once")

	// Same shape again keeps the allocation.
	require.NoError(t, m.ApplyShape(tensor.Operand(), shapes.Make(dtypes.Float32, 4, 3)))
	assert.Equal(t, 2, allocator.Stats().NumAllocations)

	// Not a concrete value of (Float32)[? 3].
	require.Error(t, m.ApplyShape(tensor.Operand(), shapes.Make(dtypes.Float32, 4, 2)))
	require.Error(t, m.ApplyShape(tensor.Operand(), shapes.Make(dtypes.Int32, 4, 3)))
	require.Error(t, m.ApplyShape(tensor.Operand(), shapes.MakeDynamic(dtypes.Float32, shapes.UnknownDim, 3)))

	m.ReleaseAll()
	m.ReleaseAll()
	assert.Equal(t, 0, allocator.Stats().LiveAllocations)
}

func TestApplyShapeOnStaticOperandPanics(t *testing.T) {
	registry := NewRegistry()
	m := NewDynamicTensorManager(registry, NewPoolAllocator(0))
	static := newStaticTensor(0, 2)
	registry.SetNative(static)
	err := recoverError(func() { _ = m.ApplyShape(static.Operand(), shapes.Make(dtypes.Float32, 2)) })
	require.ErrorIs(t, err, ErrNotDynamic)
	require.Panics(t, func() { m.Register(static) })
	require.Panics(t, func() { _ = m.ApplyShape(ir.OperandIndexOf(9), shapes.Make(dtypes.Float32, 2)) })
}

func recoverError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

func TestDeallocPlanExecution(t *testing.T) {
	allocator := NewPoolAllocator(0)
	registry := NewRegistry()
	m := NewDynamicTensorManager(registry, allocator)
	dyn := newDynamicTensor(0)
	m.Register(dyn)
	static := newStaticTensor(1, 2)
	registry.SetNative(static)
	require.NoError(t, AllocateTensor(static, allocator))

	op := ir.OperationIndexOf(3)
	m.PlanDealloc(op, dyn.Operand())
	m.PlanDealloc(op, dyn.Operand())
	m.PlanDealloc(op, static.Operand())
	m.BeginInference()
	require.NoError(t, m.ApplyShape(dyn.Operand(), shapes.Make(dtypes.Float32, 1, 3)))
	assert.True(t, m.IsShaped(dyn.Operand()))

	m.DeallocInput(ir.OperationIndexOf(2))
	assert.True(t, dyn.IsAllocated(), "not its dead point")
	m.DeallocInput(op)
	assert.False(t, dyn.IsAllocated())
	assert.True(t, static.IsAllocated(), "static operands are untouched")
	assert.Equal(t, 1, allocator.Stats().NumReleases, "released exactly once")

	_, err := dyn.Bytes()
	require.ErrorIs(t, err, ErrAlreadyFreed)
	_, err = Flat[float32](dyn)
	require.ErrorIs(t, err, ErrAlreadyFreed)

	// Disposing an already released output is a no-op.
	m.DeallocSubgraphOutput(dyn.Operand())
	m.DeallocInput(op)
	assert.Equal(t, 1, allocator.Stats().NumReleases)
	ReleaseTensor(static, allocator)
}

func TestIsShapedPerInference(t *testing.T) {
	m := NewDynamicTensorManager(NewRegistry(), NewPoolAllocator(0))
	dyn := newDynamicTensor(0)
	m.Register(dyn)
	m.BeginInference()
	assert.False(t, m.IsShaped(dyn.Operand()))
	require.NoError(t, m.ApplyShape(dyn.Operand(), shapes.Make(dtypes.Float32, 2, 3)))
	assert.True(t, m.IsShaped(dyn.Operand()))
	m.BeginInference()
	assert.False(t, m.IsShaped(dyn.Operand()), "shaped in the previous inference only")
	assert.True(t, m.IsAllocated(dyn.Operand()))
	m.DeallocSubgraphOutput(dyn.Operand())
	m.DeallocSubgraphOutput(dyn.Operand())
	assert.Equal(t, 0, m.LiveAllocations())
}

func TestApplyShapeRedirectsExternalTensor(t *testing.T) {
	allocator := NewPoolAllocator(0)
	m := NewDynamicTensorManager(NewRegistry(), allocator)
	external := newDynamicTensor(0)
	var redirects []shapes.Shape
	external.OnRedirect(func(t *Tensor) { redirects = append(redirects, t.Shape()) })
	m.RegisterExternal(external)
	assert.True(t, m.Registry().IsExternal(external.Operand()))

	m.BeginInference()
	require.NoError(t, m.ApplyShape(external.Operand(), shapes.Make(dtypes.Float32, 2, 3)))
	require.NoError(t, m.ApplyShape(external.Operand(), shapes.Make(dtypes.Float32, 5, 3)))
	require.Len(t, redirects, 2)
	assert.Equal(t, 5, redirects[1].Dim(0))
	assert.Same(t, external, must.M1(m.Registry().Tensor(external.Operand())), "same tensor identity")
	assert.Equal(t, 1, allocator.Stats().LiveAllocations)
	m.ReleaseAll()
	assert.Equal(t, 0, allocator.Stats().LiveAllocations)
}
