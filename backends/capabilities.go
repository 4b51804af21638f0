// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/ir"
)

// Capabilities holds mappings of what is supported by a backend.
type Capabilities struct {
	// Operations supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	Operations map[ir.OpType]bool

	// DTypes list the data types supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool

	// DTypeOperations restricts the operations that take or produce operands of a dtype.
	// Supported dtypes not listed are accepted by every supported operation.
	DTypeOperations map[dtypes.DType]map[ir.OpType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	clone := Capabilities{
		Operations: maps.Clone(c.Operations),
		DTypes:     maps.Clone(c.DTypes),
	}
	if c.DTypeOperations != nil {
		clone.DTypeOperations = make(map[dtypes.DType]map[ir.OpType]bool, len(c.DTypeOperations))
		for dtype, operations := range c.DTypeOperations {
			clone.DTypeOperations[dtype] = maps.Clone(operations)
		}
	}
	return clone
}

// SupportsOperation returns whether all dtypes of the operation operands are supported (and, for
// the dtypes in DTypeOperations, accepted by the operation), and the operation type is supported.
func (c Capabilities) SupportsOperation(graph *ir.Graph, op *ir.Operation) bool {
	if !c.Operations[op.Type] {
		return false
	}
	for _, operands := range [][]ir.OperandIndex{op.Inputs, op.Outputs} {
		for _, operandIdx := range operands {
			if !operandIdx.Valid() {
				continue
			}
			operand, err := graph.Operand(operandIdx)
			if err != nil {
				return false
			}
			dtype := operand.Type.DType()
			if !c.DTypes[dtype] {
				return false
			}
			if operations, found := c.DTypeOperations[dtype]; found && !operations[op.Type] {
				return false
			}
		}
	}
	return true
}
