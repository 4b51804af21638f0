// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/ondevice/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StaticTensorManager owns the memory of the static native tensors of one backend context.
//
// All its tensors live in one arena laid out by a StaticPlan. The arena is allocated once, by
// Allocate, and reused by every inference until Release.
type StaticTensorManager struct {
	plan      *StaticPlan
	allocator Allocator
	registry  *Registry

	tensors []*Tensor
	arena   *Allocation
}

// NewStaticTensorManager creates a manager for the tensors laid out in plan.
// Registered tensors are also added to registry as native tensors.
func NewStaticTensorManager(plan *StaticPlan, allocator Allocator, registry *Registry) *StaticTensorManager {
	return &StaticTensorManager{plan: plan, allocator: allocator, registry: registry}
}

// Register adds a static tensor to the manager. Its operand must be part of the plan and its
// shape must fit the planned claim.
func (m *StaticTensorManager) Register(t *Tensor) {
	if t.IsDynamic() {
		exceptions.Panicf("StaticTensorManager.Register(%s): tensor has dynamic shape %s", t.operand, t.info.Shape)
	}
	claim, found := m.plan.Claims[t.operand]
	if !found {
		exceptions.Panicf("StaticTensorManager.Register(%s): operand not in the static plan", t.operand)
	}
	if size := t.shape.Memory(); size > claim.Size {
		exceptions.Panicf("StaticTensorManager.Register(%s): %d bytes needed, only %d planned", t.operand, size, claim.Size)
	}
	if m.arena != nil {
		exceptions.Panicf("StaticTensorManager.Register(%s): arena already allocated", t.operand)
	}
	m.registry.SetNative(t)
	m.tensors = append(m.tensors, t)
}

// ArenaSize returns the number of bytes of the arena.
func (m *StaticTensorManager) ArenaSize() int { return m.plan.TotalSize }

// IsAllocated returns whether the arena is currently allocated.
func (m *StaticTensorManager) IsAllocated() bool { return m.arena != nil }

// Allocate allocates the arena and binds every registered tensor to its planned bytes.
// It is a no-op if the arena is already allocated. On failure no tensor is bound.
func (m *StaticTensorManager) Allocate() error {
	if m.arena != nil {
		return nil
	}
	arena, err := m.allocator.Allocate(m.plan.TotalSize, m.plan.MaxAlignment)
	if err != nil {
		return errors.WithMessagef(err, "allocating static arena of %d bytes for %d tensors",
			m.plan.TotalSize, len(m.tensors))
	}
	m.arena = arena
	for _, t := range m.tensors {
		offset := m.plan.Offsets[t.operand]
		t.bind(t.shape, arena.slice(offset, t.shape.Memory()))
	}
	klog.V(2).Infof("static arena allocated: %d bytes, %d tensors", m.plan.TotalSize, len(m.tensors))
	if klog.V(3).Enabled() {
		klog.Infof("static arena tensors: %v", operandsOf(m.tensors))
	}
	return nil
}

// Release frees the arena. Tensors report ErrAlreadyFreed afterwards. It is a no-op if the arena
// is not allocated.
func (m *StaticTensorManager) Release() {
	if m.arena == nil {
		return
	}
	for _, t := range m.tensors {
		t.unbind()
	}
	m.allocator.Release(m.arena)
	m.arena = nil
}

// AllocateTensor gives a static tensor its own block of memory, outside any arena.
// It is used for tensors that outlive the arena, like constants shared by sessions.
func AllocateTensor(t *Tensor, allocator Allocator) error {
	if t.IsDynamic() {
		exceptions.Panicf("AllocateTensor(%s): tensor has dynamic shape %s", t.operand, t.info.Shape)
	}
	if t.allocation != nil {
		return nil
	}
	allocation, err := allocator.Allocate(t.shape.Memory(), t.descriptor.Alignment)
	if err != nil {
		return errors.WithMessagef(err, "allocating %s", t)
	}
	t.bind(t.shape, allocation)
	return nil
}

// ReleaseTensor frees the memory given by AllocateTensor. It is a no-op for unallocated tensors.
func ReleaseTensor(t *Tensor, allocator Allocator) {
	if allocation := t.unbind(); allocation != nil {
		allocator.Release(allocation)
	}
}

// operandsOf is used in log messages.
func operandsOf(tensors []*Tensor) []ir.OperandIndex {
	operands := make([]ir.OperandIndex, len(tensors))
	for ii, t := range tensors {
		operands[ii] = t.operand
	}
	return operands
}
