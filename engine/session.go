// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/ondevice/backends"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Session holds the tensor memory of one stream of inferences of a CompiledModel: the graph
// inputs, the static arenas and the dynamic tensor managers of each context.
//
// A Session is not safe for concurrent use. Different sessions of the same model can run
// concurrently.
type Session struct {
	model *CompiledModel

	// io manages the graph input tensors, shared (as external tensors) by the contexts reading them.
	ioRegistry *memory.Registry
	io         *memory.DynamicTensorManager
	inputs     []*memory.Tensor

	// unread are the dynamic inputs no operation reads and that are not graph outputs: they are
	// released as soon as they are fed.
	unread []ir.OperandIndex

	contexts []*sessionContext
	kernels  []backends.Kernel

	numRuns int
	closed  bool
}

// sessionContext holds the tensors of one backend context.
type sessionContext struct {
	model    *modelContext
	registry *memory.Registry
	static   *memory.StaticTensorManager
	dynamic  *memory.DynamicTensorManager
}

func (m *CompiledModel) newSession() (*Session, error) {
	s := &Session{model: m, ioRegistry: memory.NewRegistry()}
	s.io = memory.NewDynamicTensorManager(s.ioRegistry, m.allocator)
	err := s.init()
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) init() error {
	m := s.model
	for _, input := range m.graph.Inputs() {
		if t, err := s.ioRegistry.Tensor(input); err == nil {
			// Same operand fed twice.
			s.inputs = append(s.inputs, t)
			continue
		}
		operand, err := m.graph.Operand(input)
		if err != nil {
			return err
		}
		t := memory.NewTensor(input, operand.Type, m.inputDescriptor(input))
		s.inputs = append(s.inputs, t)
		if t.IsDynamic() {
			s.io.RegisterExternal(t)
			t.OnRedirect(func(t *memory.Tensor) {
				klog.V(3).Infof("model %s: input %s fed with shape %s", m.id, t.Operand(), t.Shape())
			})
			if op, found := m.plan.DeadPoint(input); found {
				s.io.PlanDealloc(op, input)
			} else if len(m.graph.Consumers(input)) == 0 && !slices.Contains(m.graph.Outputs(), input) {
				s.unread = append(s.unread, input)
			}
			continue
		}
		s.ioRegistry.SetNative(t)
		if err := memory.AllocateTensor(t, m.allocator); err != nil {
			return errors.WithMessagef(err, "allocating input %s", input)
		}
	}

	for _, c := range m.contexts {
		sc := &sessionContext{model: c, registry: memory.NewRegistry()}
		sc.static = memory.NewStaticTensorManager(c.staticPlan, m.allocator, sc.registry)
		sc.dynamic = memory.NewDynamicTensorManager(sc.registry, m.allocator)
		s.contexts = append(s.contexts, sc)
		for _, entry := range c.tensors {
			switch entry.kind {
			case kindInput:
				sc.registry.SetExternal(s.inputs[indexOfInput(m.graph, entry.operand)])
			case kindConstant:
				sc.registry.SetNative(c.constants[entry.operand])
			case kindStatic:
				sc.static.Register(memory.NewTensor(entry.operand, entry.info, entry.descriptor))
			case kindDynamic:
				sc.dynamic.Register(memory.NewTensor(entry.operand, entry.info, entry.descriptor))
				if op, found := m.plan.DeadPoint(entry.operand); found {
					sc.dynamic.PlanDealloc(op, entry.operand)
				}
			}
		}
		if err := sc.static.Allocate(); err != nil {
			return errors.WithMessagef(err, "backend %q", c.ctx.Backend.Name())
		}
	}

	for _, instr := range m.instructions {
		sc := s.contexts[instr.ctx]
		kernel, err := sc.model.ctx.KernelGenerator.Generate(instr.opIdx, instr.op, sc.registry, sc.model.annotations[instr.opIdx])
		if err != nil {
			return errors.WithMessagef(err, "generating kernel for instruction %s", instr.pos)
		}
		s.kernels = append(s.kernels, kernel)
	}
	return nil
}

// inputDescriptor returns the descriptor of the session tensor of a graph input: NHWC, aligned for
// every context reading it without a mirror.
func (m *CompiledModel) inputDescriptor(input ir.OperandIndex) memory.Descriptor {
	descriptor := memory.DefaultDescriptor
	for _, c := range m.contexts {
		for _, entry := range c.tensors {
			if entry.kind == kindInput && entry.operand == input {
				descriptor.Alignment = max(descriptor.Alignment, entry.descriptor.Alignment)
			}
		}
	}
	return descriptor
}

func indexOfInput(graph *ir.Graph, operand ir.OperandIndex) int {
	for ii, input := range graph.Inputs() {
		if input == operand {
			return ii
		}
	}
	exceptions.Panicf("operand %s is not a graph input", operand)
	return -1
}

// Run executes one inference. Inputs are given in the order of the graph inputs, in NHWC layout,
// and outputs are returned in the order of the graph outputs.
//
// If the inference fails, all the dynamic tensors of the session are released, and the session
// can be used for further inferences.
func (s *Session) Run(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	if s.closed {
		return nil, errors.Errorf("model %s: Run on a closed session", s.model.id)
	}
	s.numRuns++
	var outputs []*tensors.Tensor
	var err error
	if panicErr := exceptions.TryCatch[error](func() { outputs, err = s.run(inputs) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		s.releaseDynamic()
		return nil, errors.WithMessagef(err, "model %s: inference #%d", s.model.id, s.numRuns)
	}
	return outputs, nil
}

func (s *Session) run(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	m := s.model
	if len(inputs) != len(s.inputs) {
		return nil, errors.Errorf("%d inputs given, the graph takes %d", len(inputs), len(s.inputs))
	}
	s.io.BeginInference()
	for _, sc := range s.contexts {
		sc.dynamic.BeginInference()
	}
	for ii, value := range inputs {
		if err := s.feed(s.inputs[ii], value); err != nil {
			return nil, errors.WithMessagef(err, "input #%d", ii)
		}
	}
	for _, input := range s.unread {
		s.io.DeallocSubgraphOutput(input)
	}

	for ii, instr := range m.instructions {
		if err := s.execute(instr, s.kernels[ii]); err != nil {
			return nil, errors.WithMessagef(err, "instruction %s (%s on %q)", instr.pos, instr.op, s.contexts[instr.ctx].model.ctx.Backend.Name())
		}
	}
	return s.fetchOutputs()
}

// feed copies the value of a graph input to its tensor, giving it memory if it is dynamic.
func (s *Session) feed(t *memory.Tensor, value *tensors.Tensor) error {
	if value == nil {
		return errors.New("nil input")
	}
	if t.IsDynamic() {
		if err := s.io.ApplyShape(t.Operand(), value.Shape()); err != nil {
			return err
		}
	} else if !t.Shape().Equal(value.Shape()) {
		return errors.Errorf("value has shape %s, the graph takes %s", value.Shape(), t.Shape())
	}
	data, err := t.Bytes()
	if err != nil {
		return err
	}
	copy(data, value.Bytes())
	return nil
}

// execute runs one instruction: copies to mirrors, checks, shape inference, kernel, deallocation.
func (s *Session) execute(instr instruction, kernel backends.Kernel) error {
	sc := s.contexts[instr.ctx]
	for _, step := range instr.copies {
		if err := s.copyToMirror(step); err != nil {
			return err
		}
	}

	for _, input := range instr.op.Inputs {
		if !input.Valid() {
			continue
		}
		shaped := true
		if sc.dynamic.IsDynamic(input) {
			shaped = sc.dynamic.IsShaped(input)
		} else if sc.registry.IsExternal(input) && s.io.IsDynamic(input) {
			shaped = s.io.IsShaped(input)
		}
		if !shaped {
			return errors.Wrapf(ErrNotShaped, "input operand %s", input)
		}
	}

	outputShapes, err := kernel.InferShapes()
	if err != nil {
		return errors.Wrapf(ErrShapeInference, "%v", err)
	}
	if len(outputShapes) != len(instr.op.Outputs) {
		return errors.Wrapf(ErrShapeInference, "%d shapes inferred for %d outputs", len(outputShapes), len(instr.op.Outputs))
	}
	for ii, output := range instr.op.Outputs {
		if sc.dynamic.IsDynamic(output) {
			if err := sc.dynamic.ApplyShape(output, outputShapes[ii]); err != nil {
				if errors.Is(err, memory.ErrOutOfMemory) {
					return err
				}
				return errors.Wrapf(ErrShapeInference, "%v", err)
			}
			continue
		}
		t, err := sc.registry.Tensor(output)
		if err != nil {
			return err
		}
		if !t.Shape().Equal(outputShapes[ii]) {
			return errors.Wrapf(ErrShapeInference, "output %s inferred with shape %s, declared %s", output, outputShapes[ii], t.Shape())
		}
	}

	if klog.V(2).Enabled() {
		klog.Infof("model %s: %s %s on %q, output shapes %v", s.model.id, instr.pos, instr.op, sc.model.ctx.Backend.Name(), outputShapes)
	}
	if err := kernel.Run(); err != nil {
		return err
	}

	s.io.DeallocInput(instr.opIdx)
	for _, other := range s.contexts {
		other.dynamic.DeallocInput(instr.opIdx)
	}
	return nil
}

// homeTensor returns the tensor where the value of a non constant operand is produced.
func (s *Session) homeTensor(operand ir.OperandIndex) (*memory.Tensor, error) {
	if home, found := s.model.homes[operand]; found {
		return s.contexts[home].registry.Tensor(operand)
	}
	return s.ioRegistry.Tensor(operand)
}

// copyToMirror fills the mirror tensor of an operand in a context, converting its layout.
func (s *Session) copyToMirror(step copyStep) error {
	src, err := s.homeTensor(step.operand)
	if err != nil {
		return err
	}
	if !src.IsAllocated() {
		return errors.Wrapf(ErrNotShaped, "copying operand %s: source has no memory", step.operand)
	}
	sc := s.contexts[step.ctx]
	dst, err := sc.registry.Tensor(step.operand)
	if err != nil {
		return err
	}
	if dst.IsDynamic() {
		if err := sc.dynamic.ApplyShape(step.operand, src.Shape()); err != nil {
			return err
		}
	}
	srcData, err := src.Bytes()
	if err != nil {
		return err
	}
	dstData, err := dst.Bytes()
	if err != nil {
		return err
	}
	klog.V(3).Infof("model %s: copying operand %s (%s) to backend %q", s.model.id, step.operand, src.Shape(), sc.model.ctx.Backend.Name())
	return memory.ConvertLayout(dstData, dst.Descriptor().Layout, srcData, src.Descriptor().Layout, src.Shape())
}

// fetchOutputs copies the graph outputs to host tensors, and then releases the dynamic ones.
func (s *Session) fetchOutputs() ([]*tensors.Tensor, error) {
	graph := s.model.graph
	outputs := make([]*tensors.Tensor, len(graph.Outputs()))
	for ii, outputIdx := range graph.Outputs() {
		operand, err := graph.Operand(outputIdx)
		if err != nil {
			return nil, err
		}
		if operand.IsConstant() {
			if outputs[ii], err = tensors.FromBytes(operand.Type.Shape, operand.Data); err != nil {
				return nil, err
			}
			continue
		}
		t, err := s.homeTensor(outputIdx)
		if err != nil {
			return nil, err
		}
		data, err := t.Bytes()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading output #%d", ii)
		}
		host := make([]byte, len(data))
		if err := memory.ConvertLayout(host, memory.LayoutNHWC, data, t.Descriptor().Layout, t.Shape()); err != nil {
			return nil, err
		}
		if outputs[ii], err = tensors.FromBytes(t.Shape(), host); err != nil {
			return nil, err
		}
	}

	for _, outputIdx := range graph.Outputs() {
		if s.io.IsDynamic(outputIdx) {
			s.io.DeallocSubgraphOutput(outputIdx)
		}
		for _, sc := range s.contexts {
			if sc.dynamic.IsDynamic(outputIdx) {
				sc.dynamic.DeallocSubgraphOutput(outputIdx)
			}
		}
	}
	return outputs, nil
}

// Tensor returns the tensor where the value of a non constant operand is produced.
// Dynamic operands report memory.ErrAlreadyFreed once released.
func (s *Session) Tensor(operand ir.OperandIndex) (*memory.Tensor, error) {
	return s.homeTensor(operand)
}

// LiveDynamicAllocations returns the number of allocations held by the dynamic tensor managers
// of the session, including the dynamic graph inputs.
func (s *Session) LiveDynamicAllocations() int {
	live := s.io.LiveAllocations()
	for _, sc := range s.contexts {
		live += sc.dynamic.LiveAllocations()
	}
	return live
}

func (s *Session) releaseDynamic() {
	s.io.ReleaseAll()
	for _, sc := range s.contexts {
		sc.dynamic.ReleaseAll()
	}
}

// Close releases the memory of the session. It is idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.releaseDynamic()
	for _, sc := range s.contexts {
		sc.static.Release()
	}
	for _, t := range s.inputs {
		if !t.IsDynamic() {
			memory.ReleaseTensor(t, s.model.allocator)
		}
	}
}
