// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/ondevice/backends"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// tensorKind tells where a context gets the tensor of an operand from.
type tensorKind int

const (
	// kindInput is the session tensor of a graph input, shared by the contexts reading it as is.
	kindInput tensorKind = iota

	// kindConstant is a tensor of the context, initialized once and shared by all sessions.
	kindConstant

	// kindStatic tensors live in the static arena of the context.
	kindStatic

	// kindDynamic tensors are managed by the dynamic tensor manager of the context.
	kindDynamic
)

// tensorEntry describes the tensor of one operand in one context.
type tensorEntry struct {
	operand    ir.OperandIndex
	info       ir.TypeInfo
	kind       tensorKind
	descriptor memory.Descriptor

	// mirror is set for copies of values produced elsewhere: by another context or fed as a graph
	// input in a different layout.
	mirror bool
}

// modelContext is the compile-time state of one backend context.
type modelContext struct {
	index       int
	ctx         *backends.Context
	annotations backends.Annotations
	tensors     []tensorEntry
	staticPlan  *memory.StaticPlan

	// constants are allocated once per model.
	constants map[ir.OperandIndex]*memory.Tensor
}

// copyStep fills the mirror of operand in context ctx from the tensor where the value is produced.
type copyStep struct {
	operand ir.OperandIndex
	ctx     int
}

// instruction is one operation at its position in the execution order.
type instruction struct {
	pos    ir.InstrIndex
	opIdx  ir.OperationIndex
	op     *ir.Operation
	ctx    int
	copies []copyStep
}

// usedOperands returns the operands read or written by the operations of the context, sorted.
func (m *CompiledModel) usedOperands(c *modelContext) []ir.OperandIndex {
	used := sets.Make[ir.OperandIndex]()
	for _, instr := range m.instructions {
		if instr.ctx != c.index {
			continue
		}
		for _, operand := range slices.Concat(instr.op.Inputs, instr.op.Outputs) {
			if operand.Valid() {
				used.Insert(operand)
			}
		}
	}
	return sets.Sorted(used)
}

// registerTensors decides, for each operand used by the context, where its tensor comes from.
func (m *CompiledModel) registerTensors(c *modelContext) error {
	var registrations []backends.Registration
	var err error
	if c.ctx.TensorRegister != nil {
		registrations, err = c.ctx.TensorRegister.RegisterTensors(m.graph, c.ctx.Operations)
	} else {
		registrations, err = backends.DefaultTensorRegistrations(m.graph, c.ctx.Operations)
	}
	if err != nil {
		return errors.WithMessagef(err, "registering tensors")
	}
	ownership := make(map[ir.OperandIndex]backends.Ownership, len(registrations))
	for _, registration := range registrations {
		if _, found := ownership[registration.Operand]; found {
			return errors.Errorf("operand %s registered twice", registration.Operand)
		}
		ownership[registration.Operand] = registration.Ownership
	}

	used := m.usedOperands(c)
	if len(ownership) != len(used) {
		for operandIdx := range ownership {
			if !slices.Contains(used, operandIdx) {
				return errors.Errorf("operand %s registered but not used by the operations of the context", operandIdx)
			}
		}
	}
	for _, operandIdx := range used {
		own, found := ownership[operandIdx]
		if !found {
			return errors.Errorf("operand %s used but not registered", operandIdx)
		}
		operand, err := m.graph.Operand(operandIdx)
		if err != nil {
			return err
		}
		entry := tensorEntry{operand: operandIdx, info: operand.Type}
		if c.ctx.TensorBuilder != nil {
			if entry.descriptor, err = c.ctx.TensorBuilder.Describe(operandIdx, operand); err != nil {
				return errors.WithMessagef(err, "describing operand %s", operandIdx)
			}
		} else {
			entry.descriptor = memory.DefaultDescriptor
		}

		switch {
		case operand.IsConstant():
			if own == backends.Migrant {
				return errors.Errorf("constant operand %s registered as migrant", operandIdx)
			}
			entry.kind = kindConstant
		case operand.Usage == ir.UsageInput:
			// Graph inputs are fed in NHWC layout.
			entry.mirror = own == backends.Migrant ||
				(operand.Type.Shape.Rank() == 4 && entry.descriptor.Layout != memory.LayoutNHWC)
		default:
			home := m.homes[operandIdx]
			if home == c.index && own == backends.Migrant {
				return errors.Errorf("operand %s produced by the context itself registered as migrant", operandIdx)
			}
			if home != c.index && own == backends.Native {
				return errors.Errorf("operand %s produced by backend %q cannot be aliased: it must be registered as migrant",
					operandIdx, m.contexts[home].ctx.Backend.Name())
			}
			entry.mirror = home != c.index
		}
		if !operand.IsConstant() && (operand.Usage != ir.UsageInput || entry.mirror) {
			if operand.IsDynamic() {
				entry.kind = kindDynamic
			} else {
				entry.kind = kindStatic
			}
		}
		c.tensors = append(c.tensors, entry)
	}
	return nil
}

// planStatic lays out the static tensors of the context in one arena.
//
// A tensor lives from the instruction producing it (or the first one reading it, for mirrors and
// graph inputs) to the last instruction reading it. Values produced by the context are read by
// the copies to other contexts, and graph outputs live until the end of the inference.
func (m *CompiledModel) planStatic(c *modelContext, lastUses map[ir.OperandIndex]int) {
	first := make(map[ir.OperandIndex]int)
	last := make(map[ir.OperandIndex]int)
	for pos, instr := range m.instructions {
		if instr.ctx != c.index {
			continue
		}
		for _, operand := range slices.Concat(instr.op.Inputs, instr.op.Outputs) {
			if !operand.Valid() {
				continue
			}
			if _, found := first[operand]; !found {
				first[operand] = pos
			}
			last[operand] = pos
		}
	}

	planner := memory.NewLivenessPlanner()
	lastPos := len(m.instructions) - 1
	for _, entry := range c.tensors {
		if entry.kind != kindStatic {
			continue
		}
		end := last[entry.operand]
		if !entry.mirror {
			if pos, found := lastUses[entry.operand]; found {
				end = max(end, pos)
			}
			if operand, _ := m.graph.Operand(entry.operand); operand.Kept {
				end = lastPos
			}
		}
		planner.Claim(entry.operand, entry.info.Shape.Memory(), entry.descriptor.Alignment,
			ir.InstrIndexOf(first[entry.operand]), ir.InstrIndexOf(end))
	}
	c.staticPlan = planner.Plan()
	klog.V(2).Infof("model %s: backend %q static arena of %d bytes for %d tensors",
		m.id, c.ctx.Backend.Name(), c.staticPlan.TotalSize, len(c.staticPlan.Claims))
}

// planCopies attaches to each instruction the copies that fill the mirrors it is the first to read.
func (m *CompiledModel) planCopies() {
	for _, c := range m.contexts {
		for _, entry := range c.tensors {
			if !entry.mirror {
				continue
			}
			for pos := range m.instructions {
				instr := &m.instructions[pos]
				if instr.ctx == c.index && slices.Contains(instr.op.Inputs, entry.operand) {
					instr.copies = append(instr.copies, copyStep{operand: entry.operand, ctx: c.index})
					break
				}
			}
		}
	}
}

// initConstants allocates and initializes the constants of every context, concurrently per context.
func (m *CompiledModel) initConstants() error {
	var group errgroup.Group
	for _, c := range m.contexts {
		group.Go(func() error {
			var err error
			if panicErr := exceptions.TryCatch[error](func() { err = m.initContextConstants(c) }); panicErr != nil {
				err = panicErr
			}
			return err
		})
	}
	return group.Wait()
}

func (m *CompiledModel) initContextConstants(c *modelContext) error {
	for _, entry := range c.tensors {
		if entry.kind != kindConstant {
			continue
		}
		operand, err := m.graph.Operand(entry.operand)
		if err != nil {
			return err
		}
		t := memory.NewTensor(entry.operand, entry.info, entry.descriptor)
		if err := memory.AllocateTensor(t, m.allocator); err != nil {
			return errors.WithMessagef(err, "constant %s for backend %q", entry.operand, c.ctx.Backend.Name())
		}
		c.constants[entry.operand] = t
		if c.ctx.ConstantInitializer != nil {
			err = c.ctx.ConstantInitializer.InitConstant(entry.operand, operand, t)
		} else {
			var data []byte
			if data, err = t.Bytes(); err == nil {
				err = memory.ConvertLayout(data, entry.descriptor.Layout, operand.Data, memory.LayoutNHWC, entry.info.Shape)
			}
		}
		if err != nil {
			return errors.WithMessagef(err, "initializing constant %s for backend %q", entry.operand, c.ctx.Backend.Name())
		}
	}
	return nil
}
