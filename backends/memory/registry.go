// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/ondevice/ir"
	"github.com/pkg/errors"
)

// Registry holds the tensors a backend context can read or write.
//
// Native tensors are owned by the context (their memory comes from its managers).
// External tensors are owned elsewhere, e.g. a graph input buffer provided by the caller or a
// tensor of another context, and are only referenced.
type Registry struct {
	native   map[ir.OperandIndex]*Tensor
	external map[ir.OperandIndex]*Tensor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		native:   make(map[ir.OperandIndex]*Tensor),
		external: make(map[ir.OperandIndex]*Tensor),
	}
}

// SetNative registers a tensor owned by the context. Registering an operand twice panics.
func (r *Registry) SetNative(t *Tensor) {
	r.checkNew(t.operand)
	r.native[t.operand] = t
}

// SetExternal registers a tensor owned elsewhere. Registering an operand twice panics.
func (r *Registry) SetExternal(t *Tensor) {
	r.checkNew(t.operand)
	r.external[t.operand] = t
}

func (r *Registry) checkNew(operand ir.OperandIndex) {
	if _, found := r.native[operand]; found {
		exceptions.Panicf("Registry: %s already registered as native", operand)
	}
	if _, found := r.external[operand]; found {
		exceptions.Panicf("Registry: %s already registered as external", operand)
	}
}

// Native returns the native tensor of operand, if registered.
func (r *Registry) Native(operand ir.OperandIndex) (*Tensor, bool) {
	t, found := r.native[operand]
	return t, found
}

// External returns the external tensor of operand, if registered.
func (r *Registry) External(operand ir.OperandIndex) (*Tensor, bool) {
	t, found := r.external[operand]
	return t, found
}

// IsExternal returns whether operand is registered as external.
func (r *Registry) IsExternal(operand ir.OperandIndex) bool {
	_, found := r.external[operand]
	return found
}

// Tensor returns the native or external tensor of operand, or ErrIndexNotFound.
func (r *Registry) Tensor(operand ir.OperandIndex) (*Tensor, error) {
	if t, found := r.native[operand]; found {
		return t, nil
	}
	if t, found := r.external[operand]; found {
		return t, nil
	}
	return nil, errors.Wrapf(ir.ErrIndexNotFound, "no tensor registered for %s", operand)
}

// NumNative returns the number of native tensors.
func (r *Registry) NumNative() int { return len(r.native) }
