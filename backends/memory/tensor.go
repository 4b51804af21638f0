// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory manages the lifetime of backend-resident tensors.
//
// Tensors whose shape is known at compile time ("static") are placed in one arena by the
// StaticTensorManager, using a liveness plan so tensors that are never alive at the same time
// share bytes. Tensors whose shape is only known at run time ("dynamic") are allocated by the
// DynamicTensorManager when their producer reports the shape, and released following a
// deallocation plan computed at compile time.
//
// Contract violations (e.g. ApplyShape on a static tensor) panic with an error, following
// the github.com/gomlx/exceptions convention: the engine converts them to errors at the
// Compile/Run boundary.
package memory

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/pkg/errors"
)

var (
	// ErrNotAllocated is returned when reading a tensor that was never given memory.
	ErrNotAllocated = errors.New("tensor not allocated")

	// ErrAlreadyFreed is returned when reading a tensor whose memory was released.
	ErrAlreadyFreed = errors.New("tensor already freed")
)

// Layout of rank-4 tensors in memory. Tensors of other ranks are always row-major.
type Layout int

const (
	LayoutNHWC Layout = iota
	LayoutNCHW
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutNHWC:
		return "NHWC"
	case LayoutNCHW:
		return "NCHW"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Descriptor is the buffer layout a backend chose for a tensor.
type Descriptor struct {
	Alignment int
	Layout    Layout
}

// DefaultDescriptor is used for backends without a tensor builder.
var DefaultDescriptor = Descriptor{Alignment: DefaultAlignment, Layout: LayoutNHWC}

// Tensor is the backend-resident storage of one operand.
//
// Kernels are bound to *Tensor values, not to their bytes: the bytes are fetched with Bytes
// (or Flat) each time a kernel runs, since dynamic tensors get new memory when their shape changes.
type Tensor struct {
	operand    ir.OperandIndex
	info       ir.TypeInfo
	descriptor Descriptor

	// shape is the current shape: fixed for static tensors, set by ApplyShape for dynamic ones.
	shape shapes.Shape

	allocation *Allocation
	freed      bool

	// epoch of the inference in which the shape was last applied.
	epoch uint64

	observers []func(t *Tensor)
}

// NewTensor creates an unallocated tensor for operand.
func NewTensor(operand ir.OperandIndex, info ir.TypeInfo, descriptor Descriptor) *Tensor {
	t := &Tensor{operand: operand, info: info, descriptor: descriptor}
	if info.Shape.IsStatic() {
		t.shape = info.Shape.Clone()
	} else {
		t.shape = shapes.Invalid()
	}
	return t
}

// Operand index of the tensor.
func (t *Tensor) Operand() ir.OperandIndex { return t.operand }

// Info returns the declared type of the operand, possibly with unknown dimensions.
func (t *Tensor) Info() ir.TypeInfo { return t.info }

// DType of the elements.
func (t *Tensor) DType() dtypes.DType { return t.info.Shape.DType }

// Descriptor returns the buffer layout chosen by the backend.
func (t *Tensor) Descriptor() Descriptor { return t.descriptor }

// IsDynamic returns whether the shape of the tensor is only known at run time.
func (t *Tensor) IsDynamic() bool { return t.info.Shape.IsDynamic() }

// Shape returns the current shape. For dynamic tensors whose shape was not applied yet, it is invalid.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// IsAllocated returns whether the tensor currently has memory.
func (t *Tensor) IsAllocated() bool { return t.allocation != nil }

// IsFreed returns whether the tensor memory was released and not allocated again since.
func (t *Tensor) IsFreed() bool { return t.freed }

// Bytes returns the tensor memory, or ErrNotAllocated/ErrAlreadyFreed.
func (t *Tensor) Bytes() ([]byte, error) {
	if t.allocation == nil {
		if t.freed {
			return nil, errors.Wrapf(ErrAlreadyFreed, "reading %s", t.operand)
		}
		return nil, errors.Wrapf(ErrNotAllocated, "reading %s", t.operand)
	}
	return t.allocation.Bytes(), nil
}

// OnRedirect registers fn to be called whenever the tensor memory is replaced by the
// DynamicTensorManager.
func (t *Tensor) OnRedirect(fn func(t *Tensor)) {
	t.observers = append(t.observers, fn)
}

// bind sets shape and memory.
func (t *Tensor) bind(shape shapes.Shape, allocation *Allocation) {
	t.shape = shape
	t.allocation = allocation
	t.freed = false
}

// redirect is bind followed by the notification of the observers.
func (t *Tensor) redirect(shape shapes.Shape, allocation *Allocation) {
	t.bind(shape, allocation)
	for _, fn := range t.observers {
		fn(t)
	}
}

// unbind drops the memory reference and returns it, so the owner can release it.
func (t *Tensor) unbind() *Allocation {
	allocation := t.allocation
	t.allocation = nil
	if allocation != nil {
		t.freed = true
	}
	if t.IsDynamic() {
		t.shape = shapes.Invalid()
	}
	return allocation
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	state := "unallocated"
	if t.allocation != nil {
		state = fmt.Sprintf("%d bytes", t.allocation.Size())
	} else if t.freed {
		state = "freed"
	}
	return fmt.Sprintf("Tensor(%s, %s, %s)", t.operand, t.shape, state)
}

// Flat returns the tensor memory as a slice of T. T must match the tensor DType.
func Flat[T dtypes.Supported](t *Tensor) ([]T, error) {
	if want := dtypes.FromGenericsType[T](); want != t.DType() {
		return nil, errors.Errorf("Flat[%s] requested for %s of dtype %s", want, t.operand, t.DType())
	}
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	return BytesAs[T](data), nil
}

// BytesAs reinterprets data as a slice of T, without copying. len(data) must be a multiple of
// the size of T and data must be aligned for T.
func BytesAs[T dtypes.Supported](data []byte) []T {
	var zero T
	elementSize := int(unsafe.Sizeof(zero))
	if len(data) == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/elementSize)
}

// AsBytes reinterprets a slice of T as bytes, without copying.
func AsBytes[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return []byte{}
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(zero)))
}
