// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/gomlx/ondevice/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNotDynamic is the panic value (wrapped) of dynamic-only operations called on a static operand.
var ErrNotDynamic = errors.New("operand is not dynamic")

// DynamicTensorManager owns the memory of the dynamic tensors of one backend context.
//
// A dynamic tensor gets memory when its producer reports the run-time shape (ApplyShape) and
// loses it at its planned dead point (DeallocInput) or when explicitly disposed
// (DeallocSubgraphOutput). Every allocation is released exactly once.
//
// It is not safe for concurrent use: one inference at a time drives it.
type DynamicTensorManager struct {
	registry  *Registry
	allocator Allocator

	// managed tensors: native dynamic tensors and external ones whose buffer this manager redirects.
	managed map[ir.OperandIndex]*Tensor

	// owned allocations, the ones this manager must release.
	owned map[ir.OperandIndex]*Allocation

	plan  ir.DeallocPlan
	epoch uint64
}

// NewDynamicTensorManager creates a manager whose tensors are registered in registry.
func NewDynamicTensorManager(registry *Registry, allocator Allocator) *DynamicTensorManager {
	return &DynamicTensorManager{
		registry:  registry,
		allocator: allocator,
		managed:   make(map[ir.OperandIndex]*Tensor),
		owned:     make(map[ir.OperandIndex]*Allocation),
		plan:      make(ir.DeallocPlan),
	}
}

// Register adds a native dynamic tensor.
func (m *DynamicTensorManager) Register(t *Tensor) {
	if !t.IsDynamic() {
		panic(errors.Wrapf(ErrNotDynamic, "DynamicTensorManager.Register(%s) with static shape %s", t.operand, t.info.Shape))
	}
	m.registry.SetNative(t)
	m.managed[t.operand] = t
}

// RegisterExternal adds a tensor owned elsewhere. If it is dynamic, ApplyShape on its operand
// redirects its buffer, keeping the *Tensor identity, and notifies its observers.
func (m *DynamicTensorManager) RegisterExternal(t *Tensor) {
	m.registry.SetExternal(t)
	if t.IsDynamic() {
		m.managed[t.operand] = t
	}
}

// Registry used by the manager.
func (m *DynamicTensorManager) Registry() *Registry { return m.registry }

// IsDynamic returns whether operand is managed by this manager.
func (m *DynamicTensorManager) IsDynamic(operand ir.OperandIndex) bool {
	_, found := m.managed[operand]
	return found
}

// tensor returns the managed tensor, panicking with ErrNotDynamic for static or unknown operands.
func (m *DynamicTensorManager) tensor(method string, operand ir.OperandIndex) *Tensor {
	t, found := m.managed[operand]
	if !found {
		if _, err := m.registry.Tensor(operand); err == nil {
			panic(errors.Wrapf(ErrNotDynamic, "DynamicTensorManager.%s(%s)", method, operand))
		}
		exceptions.Panicf("DynamicTensorManager.%s(%s): operand not registered", method, operand)
	}
	return t
}

// BeginInference starts a new inference: tensors shaped before it are no longer considered
// shaped by IsShaped, until ApplyShape is called on them again.
func (m *DynamicTensorManager) BeginInference() {
	m.epoch++
}

// Epoch returns the number of BeginInference calls.
func (m *DynamicTensorManager) Epoch() uint64 { return m.epoch }

// IsShaped returns whether ApplyShape was called on operand during the current inference and its
// memory was not released since.
func (m *DynamicTensorManager) IsShaped(operand ir.OperandIndex) bool {
	t := m.tensor("IsShaped", operand)
	return t.IsAllocated() && t.epoch == m.epoch
}

// IsAllocated returns whether the managed operand currently holds memory.
func (m *DynamicTensorManager) IsAllocated(operand ir.OperandIndex) bool {
	return m.tensor("IsAllocated", operand).IsAllocated()
}

// ApplyShape sets the run-time shape of a dynamic operand and gives it memory for it.
//
// The previous allocation, if any, is released before the new one is made. If the shape is
// unchanged and the tensor still holds memory, it is kept as is.
//
// It panics (ErrNotDynamic) if operand is not a dynamic operand of this manager, and returns an
// error if shape is not a concrete value of the operand declared shape or the allocation fails.
func (m *DynamicTensorManager) ApplyShape(operand ir.OperandIndex, shape shapes.Shape) error {
	t := m.tensor("ApplyShape", operand)
	if !t.info.Shape.Compatible(shape) {
		return errors.Errorf("ApplyShape(%s): shape %s is not a concrete value of declared shape %s",
			operand, shape, t.info.Shape)
	}
	if t.IsAllocated() && t.shape.Equal(shape) {
		t.epoch = m.epoch
		return nil
	}
	m.release(t)
	allocation, err := m.allocator.Allocate(shape.Memory(), t.descriptor.Alignment)
	if err != nil {
		return errors.WithMessagef(err, "ApplyShape(%s, %s)", operand, shape)
	}
	m.owned[operand] = allocation
	if m.registry.IsExternal(operand) {
		t.redirect(shape.Clone(), allocation)
	} else {
		t.bind(shape.Clone(), allocation)
	}
	t.epoch = m.epoch
	klog.V(3).Infof("ApplyShape(%s, %s): %d bytes", operand, shape, allocation.Size())
	return nil
}

// release drops the memory of t, releasing it to the allocator if this manager allocated it.
func (m *DynamicTensorManager) release(t *Tensor) {
	allocation := t.unbind()
	if allocation == nil {
		return
	}
	if owned, found := m.owned[t.operand]; found && owned == allocation {
		delete(m.owned, t.operand)
		m.allocator.Release(allocation)
	}
}

// PlanDealloc records that operand dies right after op executes. It is idempotent.
func (m *DynamicTensorManager) PlanDealloc(op ir.OperationIndex, operand ir.OperandIndex) {
	m.plan.Add(op, operand)
}

// DeallocInput releases the dynamic operands planned to die after op. Planned static operands
// are left untouched: their memory belongs to the static arena.
func (m *DynamicTensorManager) DeallocInput(op ir.OperationIndex) {
	deadSet, found := m.plan[op]
	if !found {
		return
	}
	for _, operand := range sets.Sorted(deadSet) {
		if t, managed := m.managed[operand]; managed {
			m.release(t)
		}
	}
}

// DeallocSubgraphOutput releases the memory of a dynamic operand that is no longer needed,
// typically a graph output after it was read. It is a no-op if the memory is already released.
func (m *DynamicTensorManager) DeallocSubgraphOutput(operand ir.OperandIndex) {
	m.release(m.tensor("DeallocSubgraphOutput", operand))
}

// ReleaseAll releases the memory of every managed tensor. Used for failed inferences and teardown.
func (m *DynamicTensorManager) ReleaseAll() {
	for _, operand := range sets.Sorted(sets.MakeWith(keysOfTensors(m.managed)...)) {
		m.release(m.managed[operand])
	}
}

// LiveAllocations returns the number of allocations currently owned by the manager.
func (m *DynamicTensorManager) LiveAllocations() int { return len(m.owned) }

func keysOfTensors(tensors map[ir.OperandIndex]*Tensor) []ir.OperandIndex {
	keys := make([]ir.OperandIndex, 0, len(tensors))
	for operand := range tensors {
		keys = append(keys, operand)
	}
	return keys
}
