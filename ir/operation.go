// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Operation is a node of the graph: it reads Inputs and produces Outputs.
//
// Optional inputs (e.g. the bias of FullyConnected) are given as UndefinedOperand().
// Operations are immutable once the graph is frozen.
type Operation struct {
	Name    string
	Type    OpType
	Inputs  []OperandIndex
	Outputs []OperandIndex

	// Params holds the operator specific parameters, see the *Params types.
	Params any
}

// String implements fmt.Stringer.
func (op *Operation) String() string {
	var sb strings.Builder
	sb.WriteString(op.Type.String())
	if op.Name != "" {
		fmt.Fprintf(&sb, "(%q)", op.Name)
	}
	fmt.Fprintf(&sb, " %v -> %v", op.Inputs, op.Outputs)
	return sb.String()
}

// ReshapeParams for OpTypeReshape when the target dimensions are known at graph construction.
type ReshapeParams struct {
	Dimensions []int
}

// ConcatParams for OpTypeConcat.
type ConcatParams struct {
	Axis int
}

// GatherParams for OpTypeGather.
type GatherParams struct {
	Axis int
}

// ArgMaxParams for OpTypeArgMax. OutputDType must be Int32 or Int64.
type ArgMaxParams struct {
	Axis        int
	OutputDType dtypes.DType
}

// CastParams for OpTypeCast.
type CastParams struct {
	DType dtypes.DType
}

// Activation fused at the end of some operations.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationRelu
)

// FullyConnectedParams for OpTypeFullyConnected.
type FullyConnectedParams struct {
	Activation Activation
}
