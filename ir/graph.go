// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir holds the graph consumed by the runtime: operands (typed, shaped values) and
// operations (nodes reading and producing operands), each identified by a stable dense index.
//
// A Graph is append-only while it is being built and read-only after Freeze.
// There is no deletion primitive.
package ir

import (
	"iter"
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrIndexNotFound is returned when an index is undefined or out of range for the graph.
	ErrIndexNotFound = errors.New("index not found")

	// ErrFrozen is returned when trying to change a graph after Freeze.
	ErrFrozen = errors.New("graph is frozen")

	// ErrInvalidGraph is returned by Freeze and order validation for inconsistent graphs.
	ErrInvalidGraph = errors.New("invalid graph")
)

// Graph of operations and operands.
type Graph struct {
	name       string
	operands   []*Operand
	operations []*Operation

	// producers[operand] is the operation producing it, or undefined for inputs and constants.
	producers []OperationIndex

	// consumers[operand] lists the operations reading it, in insertion order and without repetition.
	consumers [][]OperationIndex

	inputs, outputs []OperandIndex
	frozen          bool
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// IsFrozen returns whether Freeze was called.
func (g *Graph) IsFrozen() bool { return g.frozen }

// AddOperand creates a new computed operand and returns its index.
func (g *Graph) AddOperand(info TypeInfo) (OperandIndex, error) {
	return g.addOperand(&Operand{Type: info, Usage: UsageComputed})
}

// AddNamedOperand is like AddOperand, but sets a name used in error messages and logs.
func (g *Graph) AddNamedOperand(name string, info TypeInfo) (OperandIndex, error) {
	return g.addOperand(&Operand{Name: name, Type: info, Usage: UsageComputed})
}

// AddConstant creates a constant operand with the given raw data.
// The shape must be static and data must have exactly the number of bytes of the shape.
func (g *Graph) AddConstant(info TypeInfo, data []byte) (OperandIndex, error) {
	if info.Shape.IsDynamic() {
		return UndefinedOperand(), errors.Errorf("constant operands must have a static shape, got %s", info.Shape)
	}
	if len(data) != info.Shape.Memory() {
		return UndefinedOperand(), errors.Errorf("constant of shape %s requires %d bytes, got %d",
			info.Shape, info.Shape.Memory(), len(data))
	}
	return g.addOperand(&Operand{Type: info, Usage: UsageConstant, Data: slices.Clone(data)})
}

func (g *Graph) addOperand(operand *Operand) (OperandIndex, error) {
	if g.frozen {
		return UndefinedOperand(), errors.Wrapf(ErrFrozen, "AddOperand(%s) on graph %q", operand, g.name)
	}
	if !operand.Type.Shape.Ok() {
		return UndefinedOperand(), errors.Errorf("AddOperand: invalid shape for operand %s", operand)
	}
	idx := OperandIndexOf(len(g.operands))
	g.operands = append(g.operands, operand)
	g.producers = append(g.producers, UndefinedOperation())
	g.consumers = append(g.consumers, nil)
	return idx, nil
}

// AddOperation appends an operation and returns its index.
//
// Inputs must exist; an UndefinedOperand() input means an absent optional input.
// Outputs must exist, be computed operands and not have been produced by another operation.
func (g *Graph) AddOperation(opType OpType, inputs, outputs []OperandIndex, params any) (OperationIndex, error) {
	return g.AddNamedOperation("", opType, inputs, outputs, params)
}

// AddNamedOperation is like AddOperation, but sets a name used in error messages and logs.
func (g *Graph) AddNamedOperation(name string, opType OpType, inputs, outputs []OperandIndex, params any) (OperationIndex, error) {
	if g.frozen {
		return UndefinedOperation(), errors.Wrapf(ErrFrozen, "AddOperation(%s) on graph %q", opType, g.name)
	}
	if opType <= OpTypeInvalid || opType >= OpTypeLast {
		return UndefinedOperation(), errors.Errorf("AddOperation: invalid op type %d", int(opType))
	}
	for ii, input := range inputs {
		if !input.Valid() {
			continue
		}
		if _, err := g.Operand(input); err != nil {
			return UndefinedOperation(), errors.WithMessagef(err, "AddOperation(%s): input #%d", opType, ii)
		}
	}
	if len(outputs) == 0 {
		return UndefinedOperation(), errors.Errorf("AddOperation(%s): no outputs given", opType)
	}
	for ii, output := range outputs {
		operand, err := g.Operand(output)
		if err != nil {
			return UndefinedOperation(), errors.WithMessagef(err, "AddOperation(%s): output #%d", opType, ii)
		}
		if operand.Usage != UsageComputed {
			return UndefinedOperation(), errors.Errorf("AddOperation(%s): output #%d (%s) is a %s operand",
				opType, ii, output, operand.Usage)
		}
		if g.producers[output].Valid() {
			return UndefinedOperation(), errors.Errorf("AddOperation(%s): output #%d (%s) already produced by %s",
				opType, ii, output, g.producers[output])
		}
		if slices.Index(outputs, output) != ii {
			return UndefinedOperation(), errors.Errorf("AddOperation(%s): output %s given twice", opType, output)
		}
	}

	opIdx := OperationIndexOf(len(g.operations))
	g.operations = append(g.operations, &Operation{
		Name:    name,
		Type:    opType,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
		Params:  params,
	})
	for _, output := range outputs {
		g.producers[output] = opIdx
	}
	for _, input := range inputs {
		if input.Valid() && !slices.Contains(g.consumers[input], opIdx) {
			g.consumers[input] = append(g.consumers[input], opIdx)
		}
	}
	return opIdx, nil
}

// SetInputs declares the graph inputs, in the order they are fed at each inference.
func (g *Graph) SetInputs(inputs ...OperandIndex) error {
	if g.frozen {
		return errors.Wrapf(ErrFrozen, "SetInputs on graph %q", g.name)
	}
	for ii, input := range inputs {
		operand, err := g.Operand(input)
		if err != nil {
			return errors.WithMessagef(err, "SetInputs: input #%d", ii)
		}
		if operand.Usage == UsageConstant || g.producers[input].Valid() {
			return errors.Errorf("SetInputs: input #%d (%s) is a constant or produced by an operation", ii, input)
		}
		operand.Usage = UsageInput
	}
	g.inputs = slices.Clone(inputs)
	return nil
}

// SetOutputs declares the graph outputs. Outputs are kept alive after their last use.
func (g *Graph) SetOutputs(outputs ...OperandIndex) error {
	if g.frozen {
		return errors.Wrapf(ErrFrozen, "SetOutputs on graph %q", g.name)
	}
	for ii, output := range outputs {
		operand, err := g.Operand(output)
		if err != nil {
			return errors.WithMessagef(err, "SetOutputs: output #%d", ii)
		}
		operand.Kept = true
	}
	g.outputs = slices.Clone(outputs)
	return nil
}

// Freeze validates the graph and makes it read-only.
//
// It checks that every computed operand has a producer and that the graph has no cycles.
func (g *Graph) Freeze() error {
	if g.frozen {
		return nil
	}
	for operandIdx, operand := range g.Operands() {
		if operand.Usage == UsageComputed && !g.producers[operandIdx].Valid() {
			return errors.Wrapf(ErrInvalidGraph, "graph %q: operand %s (%s) is never produced", g.name, operandIdx, operand)
		}
	}
	if len(g.outputs) == 0 {
		return errors.Wrapf(ErrInvalidGraph, "graph %q has no outputs", g.name)
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	g.frozen = true
	return nil
}

// NumOperands in the graph.
func (g *Graph) NumOperands() int { return len(g.operands) }

// NumOperations in the graph.
func (g *Graph) NumOperations() int { return len(g.operations) }

// Operand returns the operand at index i, or ErrIndexNotFound.
func (g *Graph) Operand(i OperandIndex) (*Operand, error) {
	if !i.Valid() || i.Value() >= len(g.operands) {
		return nil, errors.Wrapf(ErrIndexNotFound, "graph %q has no %s", g.name, i)
	}
	return g.operands[i], nil
}

// Operation returns the operation at index i, or ErrIndexNotFound.
func (g *Graph) Operation(i OperationIndex) (*Operation, error) {
	if !i.Valid() || i.Value() >= len(g.operations) {
		return nil, errors.Wrapf(ErrIndexNotFound, "graph %q has no %s", g.name, i)
	}
	return g.operations[i], nil
}

// Operands iterates over all operands in index order.
func (g *Graph) Operands() iter.Seq2[OperandIndex, *Operand] {
	return func(yield func(OperandIndex, *Operand) bool) {
		for ii, operand := range g.operands {
			if !yield(OperandIndexOf(ii), operand) {
				return
			}
		}
	}
}

// Operations iterates over all operations in index order.
func (g *Graph) Operations() iter.Seq2[OperationIndex, *Operation] {
	return func(yield func(OperationIndex, *Operation) bool) {
		for ii, op := range g.operations {
			if !yield(OperationIndexOf(ii), op) {
				return
			}
		}
	}
}

// Inputs returns the graph inputs. The returned slice must not be changed.
func (g *Graph) Inputs() []OperandIndex { return g.inputs }

// Outputs returns the graph outputs. The returned slice must not be changed.
func (g *Graph) Outputs() []OperandIndex { return g.outputs }

// Producer returns the operation producing the operand, if any.
func (g *Graph) Producer(operand OperandIndex) (OperationIndex, bool) {
	if !operand.Valid() || operand.Value() >= len(g.producers) {
		return UndefinedOperation(), false
	}
	producer := g.producers[operand]
	return producer, producer.Valid()
}

// Consumers returns the operations reading the operand. The returned slice must not be changed.
func (g *Graph) Consumers(operand OperandIndex) []OperationIndex {
	if !operand.Valid() || operand.Value() >= len(g.consumers) {
		return nil
	}
	return g.consumers[operand]
}

// TopologicalOrder returns an execution order where every operation comes after the producers
// of its inputs. Among ready operations the lowest index goes first, so the result is deterministic
// and equals the insertion order when that order is already valid.
func (g *Graph) TopologicalOrder() ([]OperationIndex, error) {
	numOps := len(g.operations)
	remainingDeps := make([]int, numOps)
	for opIdx, op := range g.Operations() {
		for _, input := range op.Inputs {
			if _, found := g.Producer(input); found {
				remainingDeps[opIdx]++
			}
		}
	}
	var ready []OperationIndex
	for opIdx := range g.Operations() {
		if remainingDeps[opIdx] == 0 {
			ready = append(ready, opIdx)
		}
	}
	order := make([]OperationIndex, 0, numOps)
	for len(ready) > 0 {
		opIdx := ready[0]
		ready = ready[1:]
		order = append(order, opIdx)
		for _, output := range g.operations[opIdx].Outputs {
			for _, consumer := range g.consumers[output] {
				// Each occurrence of output in the consumer inputs was counted once.
				for _, input := range g.operations[consumer].Inputs {
					if input == output {
						remainingDeps[consumer]--
					}
				}
				if remainingDeps[consumer] == 0 {
					pos, _ := slices.BinarySearch(ready, consumer)
					ready = slices.Insert(ready, pos, consumer)
				}
			}
		}
	}
	if len(order) != numOps {
		return nil, errors.Wrapf(ErrInvalidGraph, "graph %q has a cycle: only %d of %d operations can be ordered",
			g.name, len(order), numOps)
	}
	return order, nil
}

// ValidateOrder checks that order lists every operation exactly once and that every operation
// comes after the producers of its inputs.
func (g *Graph) ValidateOrder(order []OperationIndex) error {
	if len(order) != len(g.operations) {
		return errors.Wrapf(ErrInvalidGraph, "order has %d operations, graph %q has %d",
			len(order), g.name, len(g.operations))
	}
	executed := make([]bool, len(g.operations))
	for pos, opIdx := range order {
		op, err := g.Operation(opIdx)
		if err != nil {
			return errors.WithMessagef(err, "order position %d", pos)
		}
		if executed[opIdx] {
			return errors.Wrapf(ErrInvalidGraph, "%s appears twice in the order", opIdx)
		}
		for _, input := range op.Inputs {
			if producer, found := g.Producer(input); found && !executed[producer] {
				return errors.Wrapf(ErrInvalidGraph, "%s (%s) at position %d reads %s before its producer %s runs",
					opIdx, op.Type, pos, input, producer)
			}
		}
		executed[opIdx] = true
	}
	return nil
}
