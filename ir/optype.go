// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"strings"

	"github.com/pkg/errors"
)

// OpType enumerates the operations the runtime knows about.
type OpType int

const (
	OpTypeInvalid OpType = iota

	// OpTypeIdentity copies its input.
	OpTypeIdentity

	// OpTypeAdd and the other binary element-wise ops support broadcasting of axes with dimension 1 and scalars.
	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv

	OpTypeRelu
	OpTypeNeg

	// OpTypeCast converts the element type, see CastParams.
	OpTypeCast

	// OpTypeReshape takes the new dimensions from ReshapeParams or, if present, from a second int32
	// input tensor whose content is only known at run time.
	OpTypeReshape

	// OpTypeConcat concatenates all inputs along ConcatParams.Axis.
	OpTypeConcat

	// OpTypeGather takes slices of the first input along GatherParams.Axis using int32 indices.
	OpTypeGather

	// OpTypeArgMax reduces ArgMaxParams.Axis returning the index of the largest element.
	OpTypeArgMax

	// OpTypeFullyConnected computes input·weightsᵀ+bias. The bias input is optional (Undefined).
	OpTypeFullyConnected

	// OpTypeShape outputs the dimensions of its input as an int32 vector.
	OpTypeShape

	// OpTypeLast is used to size tables indexed by OpType.
	OpTypeLast
)

var opTypeNames = [OpTypeLast]string{
	OpTypeInvalid:        "Invalid",
	OpTypeIdentity:       "Identity",
	OpTypeAdd:            "Add",
	OpTypeSub:            "Sub",
	OpTypeMul:            "Mul",
	OpTypeDiv:            "Div",
	OpTypeRelu:           "Relu",
	OpTypeNeg:            "Neg",
	OpTypeCast:           "Cast",
	OpTypeReshape:        "Reshape",
	OpTypeConcat:         "Concat",
	OpTypeGather:         "Gather",
	OpTypeArgMax:         "ArgMax",
	OpTypeFullyConnected: "FullyConnected",
	OpTypeShape:          "Shape",
}

// String implements fmt.Stringer.
func (t OpType) String() string {
	if t < 0 || t >= OpTypeLast {
		return "OpType(?)"
	}
	return opTypeNames[t]
}

// ParseOpType converts a name (case-insensitive) to its OpType.
func ParseOpType(name string) (OpType, error) {
	for opType := OpTypeIdentity; opType < OpTypeLast; opType++ {
		if strings.EqualFold(opTypeNames[opType], name) {
			return opType, nil
		}
	}
	return OpTypeInvalid, errors.Errorf("unknown operation type %q", name)
}

// IsBinaryElementWise returns whether the op is one of Add, Sub, Mul or Div.
func (t OpType) IsBinaryElementWise() bool {
	switch t {
	case OpTypeAdd, OpTypeSub, OpTypeMul, OpTypeDiv:
		return true
	default:
		return false
	}
}

// IsUnaryElementWise returns whether the op maps each element independently keeping the shape.
func (t OpType) IsUnaryElementWise() bool {
	switch t {
	case OpTypeIdentity, OpTypeRelu, OpTypeNeg:
		return true
	default:
		return false
	}
}
