// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/ondevice/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeallocPlan maps each operation to the operands that become dead right after it executes.
//
// An operand appears in at most one dead-set: the one of its last consumer.
// Kept operands (graph outputs) and constants never appear.
type DeallocPlan map[OperationIndex]sets.Set[OperandIndex]

// Add records operand as dead after op. Adding the same pair twice is a no-op.
func (p DeallocPlan) Add(op OperationIndex, operand OperandIndex) {
	deadSet, found := p[op]
	if !found {
		deadSet = sets.Make[OperandIndex]()
		p[op] = deadSet
	}
	deadSet.Insert(operand)
}

// DeadPoint returns the operation after which operand dies, if it is planned.
func (p DeallocPlan) DeadPoint(operand OperandIndex) (OperationIndex, bool) {
	for op, deadSet := range p {
		if deadSet.Has(operand) {
			return op, true
		}
	}
	return UndefinedOperation(), false
}

// Validate checks that no operand is planned to die at two different operations.
func (p DeallocPlan) Validate() error {
	seen := make(map[OperandIndex]OperationIndex)
	for _, op := range sets.Sorted(sets.MakeWith(keysOf(p)...)) {
		for _, operand := range sets.Sorted(p[op]) {
			if previous, found := seen[operand]; found {
				return errors.Wrapf(ErrInvalidGraph, "deallocation plan lists %s as dead after both %s and %s",
					operand, previous, op)
			}
			seen[operand] = op
		}
	}
	return nil
}

func keysOf(p DeallocPlan) []OperationIndex {
	keys := make([]OperationIndex, 0, len(p))
	for op := range p {
		keys = append(keys, op)
	}
	return keys
}

// LastUses returns, for each operand read by some operation, the position in order of its
// last consumer.
func LastUses(g *Graph, order []OperationIndex) map[OperandIndex]int {
	lastUses := make(map[OperandIndex]int)
	for pos, opIdx := range order {
		op := g.operations[opIdx]
		for _, input := range op.Inputs {
			if input.Valid() {
				lastUses[input] = pos
			}
		}
	}
	return lastUses
}

// ComputeDeallocPlan derives the deallocation plan from liveness: every operand that is neither
// kept nor constant dies right after its last consumer in the given execution order.
//
// Computed operands without consumers that are not kept die right after their producer.
func ComputeDeallocPlan(g *Graph, order []OperationIndex) DeallocPlan {
	plan := make(DeallocPlan)
	lastUses := LastUses(g, order)
	for operandIdx, operand := range g.Operands() {
		if operand.Kept || operand.IsConstant() {
			continue
		}
		if pos, found := lastUses[operandIdx]; found {
			plan.Add(order[pos], operandIdx)
			continue
		}
		if producer, found := g.Producer(operandIdx); found {
			plan.Add(producer, operandIdx)
		}
	}
	return plan
}
