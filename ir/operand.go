// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/pkg/core/shapes"
)

// QuantInfo holds the affine quantization parameters of an operand:
// real = Scale * (quantized - ZeroPoint).
//
// It is a value type: kernels needing a variant (e.g. a negated offset for a library that
// expects it) derive a copy with the With* methods, the operand's own QuantInfo never changes.
type QuantInfo struct {
	Scale     float32
	ZeroPoint int32
}

// IsQuantized returns whether the parameters are set.
func (q QuantInfo) IsQuantized() bool { return q.Scale != 0 }

// WithNegatedOffset returns a copy of q with ZeroPoint negated.
func (q QuantInfo) WithNegatedOffset() QuantInfo {
	return QuantInfo{Scale: q.Scale, ZeroPoint: -q.ZeroPoint}
}

// Dequantize converts a quantized value to its real value.
func (q QuantInfo) Dequantize(value int32) float32 {
	return q.Scale * float32(value-q.ZeroPoint)
}

// TypeInfo is the element type, shape and quantization of an Operand.
type TypeInfo struct {
	Shape shapes.Shape
	Quant QuantInfo
}

// MakeTypeInfo returns a TypeInfo for a static shape.
func MakeTypeInfo(dtype dtypes.DType, dimensions ...int) TypeInfo {
	return TypeInfo{Shape: shapes.Make(dtype, dimensions...)}
}

// MakeDynamicTypeInfo returns a TypeInfo whose dimensions set to shapes.UnknownDim are only known at run time.
func MakeDynamicTypeInfo(dtype dtypes.DType, dimensions ...int) TypeInfo {
	return TypeInfo{Shape: shapes.MakeDynamic(dtype, dimensions...)}
}

// DType of the operand elements.
func (t TypeInfo) DType() dtypes.DType { return t.Shape.DType }

// String implements fmt.Stringer.
func (t TypeInfo) String() string {
	if t.Quant.IsQuantized() {
		return fmt.Sprintf("%s{scale=%g, zero=%d}", t.Shape, t.Quant.Scale, t.Quant.ZeroPoint)
	}
	return t.Shape.String()
}

// Usage tells where the value of an operand comes from.
type Usage int

const (
	// UsageComputed operands are produced by an operation.
	UsageComputed Usage = iota

	// UsageInput operands are fed by the caller at each inference.
	UsageInput

	// UsageConstant operands hold data fixed at graph construction.
	UsageConstant
)

// String implements fmt.Stringer.
func (u Usage) String() string {
	switch u {
	case UsageComputed:
		return "computed"
	case UsageInput:
		return "input"
	case UsageConstant:
		return "constant"
	default:
		return fmt.Sprintf("Usage(%d)", int(u))
	}
}

// Operand is a typed, shaped value flowing between operations.
type Operand struct {
	Name  string
	Type  TypeInfo
	Usage Usage

	// Data holds the raw (little-endian, row-major) values of constants.
	Data []byte

	// Kept operands are never disposed after their last use: graph outputs are always kept.
	Kept bool
}

// IsDynamic returns whether the shape of the operand is only known at run time.
func (o *Operand) IsDynamic() bool { return o.Type.Shape.IsDynamic() }

// IsConstant returns whether the operand holds constant data.
func (o *Operand) IsConstant() bool { return o.Usage == UsageConstant }

// String implements fmt.Stringer.
func (o *Operand) String() string {
	if o.Name != "" {
		return fmt.Sprintf("%q %s (%s)", o.Name, o.Type, o.Usage)
	}
	return fmt.Sprintf("%s (%s)", o.Type, o.Usage)
}
