// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
)

// indexKind tags an Index with the table it points into, so an OperandIndex can't be
// passed where an OperationIndex is expected.
type indexKind interface {
	prefix() string
}

type operandKind struct{}

func (operandKind) prefix() string { return "operand" }

type operationKind struct{}

func (operationKind) prefix() string { return "operation" }

type instrKind struct{}

func (instrKind) prefix() string { return "instr" }

// Index is a dense identifier into one of the graph tables, or the execution order.
//
// The zero value is a valid index (0). Use Undefined to get the "no value" index.
// Equality and ordering are those of the underlying integer, so indices can be used as
// map keys and sort keys directly.
type Index[K indexKind] uint32

const undefinedIndex = math.MaxUint32

type (
	// OperandIndex identifies an Operand in a Graph.
	OperandIndex = Index[operandKind]

	// OperationIndex identifies an Operation in a Graph.
	OperationIndex = Index[operationKind]

	// InstrIndex is the position of an instruction in the execution order.
	InstrIndex = Index[instrKind]
)

// Undefined returns the sentinel index that doesn't refer to any table slot.
func Undefined[K indexKind]() Index[K] {
	return Index[K](undefinedIndex)
}

// MakeIndex returns the index for the given table position.
// It panics if value is negative or collides with the undefined sentinel.
func MakeIndex[K indexKind](value int) Index[K] {
	if value < 0 || uint64(value) >= undefinedIndex {
		var k K
		exceptions.Panicf("invalid %s index value %d", k.prefix(), value)
	}
	return Index[K](value)
}

// Valid returns whether the index refers to a table slot (it may still be out-of-range for a given graph).
func (i Index[K]) Valid() bool { return i != undefinedIndex }

// Value returns the table position. It returns -1 for the undefined index.
func (i Index[K]) Value() int {
	if !i.Valid() {
		return -1
	}
	return int(i)
}

// Less orders indices by their underlying value.
func (i Index[K]) Less(other Index[K]) bool { return i < other }

// String implements fmt.Stringer.
func (i Index[K]) String() string {
	var k K
	if !i.Valid() {
		return k.prefix() + "#undefined"
	}
	return fmt.Sprintf("%s#%d", k.prefix(), uint32(i))
}

// OperandIndexOf returns the OperandIndex for table position value.
func OperandIndexOf(value int) OperandIndex { return MakeIndex[operandKind](value) }

// OperationIndexOf returns the OperationIndex for table position value.
func OperationIndexOf(value int) OperationIndex { return MakeIndex[operationKind](value) }

// InstrIndexOf returns the InstrIndex for execution position value.
func InstrIndexOf(value int) InstrIndex { return MakeIndex[instrKind](value) }

// UndefinedOperand is the OperandIndex that refers to no operand, e.g.: an absent optional input.
func UndefinedOperand() OperandIndex { return Undefined[operandKind]() }

// UndefinedOperation is the OperationIndex that refers to no operation, e.g.: the producer of a graph input.
func UndefinedOperation() OperationIndex { return Undefined[operationKind]() }

// UndefinedInstr is the InstrIndex that refers to no instruction.
func UndefinedInstr() InstrIndex { return Undefined[instrKind]() }
