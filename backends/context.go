// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"io"
	"slices"

	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnsupportedOperator is returned by KernelGenerator.Generate for operations it can't lower.
var ErrUnsupportedOperator = errors.New("unsupported operator")

// Context bundles what one backend contributes to one compiled model.
//
// Any capability may be nil, except KernelGenerator. The engine uses defaults for the missing ones:
// memory.DefaultDescriptor for tensor descriptions, a copy of the raw constant data for constants,
// DefaultTensorRegistrations for tensor registration and no annotations.
type Context struct {
	Backend Backend
	Graph   *ir.Graph

	// Operations assigned to this context, in execution order.
	Operations []ir.OperationIndex

	TensorBuilder       TensorBuilder
	ConstantInitializer ConstantInitializer
	KernelGenerator     KernelGenerator
	TensorRegister      TensorRegister
	Optimizer           Optimizer

	resources []io.Closer
}

// NewContext returns a context with no capabilities set. Backends fill in the ones they implement.
func NewContext(backend Backend, graph *ir.Graph, operations []ir.OperationIndex) *Context {
	return &Context{Backend: backend, Graph: graph, Operations: slices.Clone(operations)}
}

// Owns returns whether op is assigned to this context.
func (c *Context) Owns(op ir.OperationIndex) bool {
	return slices.Contains(c.Operations, op)
}

// AddResource registers a resource shared by the capabilities of the context (e.g. a worker
// pool). It lives as long as the context and is closed by Close.
func (c *Context) AddResource(resource io.Closer) {
	c.resources = append(c.resources, resource)
}

// Close releases the resources of the context, in reverse order of registration.
// It returns the first error, the others are logged.
func (c *Context) Close() error {
	var firstErr error
	for _, resource := range slices.Backward(c.resources) {
		if err := resource.Close(); err != nil {
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "closing resource of backend %q", c.Backend.Name())
			} else {
				klog.Warningf("closing resource of backend %q: %+v", c.Backend.Name(), err)
			}
		}
	}
	c.resources = nil
	return firstErr
}

// TensorBuilder chooses the buffer layout of the tensors a backend owns.
type TensorBuilder interface {
	Describe(operandIdx ir.OperandIndex, operand *ir.Operand) (memory.Descriptor, error)
}

// ConstantInitializer fills the memory of constant tensors, once, before the first inference.
type ConstantInitializer interface {
	InitConstant(operandIdx ir.OperandIndex, operand *ir.Operand, tensor *memory.Tensor) error
}

// TensorSource gives kernels access to the tensors of their operation.
//
// Kernels must keep the *memory.Tensor, not its bytes: dynamic tensors change memory between runs.
type TensorSource interface {
	Tensor(operand ir.OperandIndex) (*memory.Tensor, error)
}

// Kernel is the executable form of one operation.
type Kernel interface {
	// InferShapes returns the shapes of the operation outputs, given the current shapes of its inputs.
	InferShapes() ([]shapes.Shape, error)

	// Run computes the outputs. It blocks until done, any internal parallelism is opaque.
	Run() error
}

// KernelGenerator lowers operations to kernels.
type KernelGenerator interface {
	// Supports returns whether Generate can lower operations of the given type.
	Supports(opType ir.OpType) bool

	// Generate creates the kernel of op. The annotation is what the context Optimizer set for op,
	// or nil.
	//
	// It returns an error wrapping ErrUnsupportedOperator if it can't lower op.
	Generate(opIdx ir.OperationIndex, op *ir.Operation, source TensorSource, annotation any) (Kernel, error)
}

// Ownership of an operand read or written by the operations of a context.
type Ownership int

const (
	// Native tensors are managed by the context itself.
	Native Ownership = iota

	// Migrant tensors are produced by another context. They are never aliased: the engine creates a
	// native mirror and copies (converting layout if needed) before each use.
	Migrant
)

// String implements fmt.Stringer.
func (o Ownership) String() string {
	if o == Migrant {
		return "migrant"
	}
	return "native"
}

// Registration of one operand by a TensorRegister.
type Registration struct {
	Operand   ir.OperandIndex
	Ownership Ownership
}

// TensorRegister enumerates the operands a context reads or writes and whether they are native.
type TensorRegister interface {
	RegisterTensors(graph *ir.Graph, operations []ir.OperationIndex) ([]Registration, error)
}

// DefaultTensorRegistrations registers every operand read or written by operations: operands
// produced by one of operations, graph inputs and constants are native, the others migrant.
// Registrations are sorted by operand.
func DefaultTensorRegistrations(graph *ir.Graph, operations []ir.OperationIndex) ([]Registration, error) {
	owned := make(map[ir.OperationIndex]bool, len(operations))
	for _, opIdx := range operations {
		owned[opIdx] = true
	}
	byOperand := make(map[ir.OperandIndex]Ownership)
	for _, opIdx := range operations {
		op, err := graph.Operation(opIdx)
		if err != nil {
			return nil, err
		}
		for _, output := range op.Outputs {
			byOperand[output] = Native
		}
		for _, input := range op.Inputs {
			if !input.Valid() {
				continue
			}
			if _, found := byOperand[input]; found {
				continue
			}
			producer, produced := graph.Producer(input)
			if produced && !owned[producer] {
				byOperand[input] = Migrant
			} else {
				byOperand[input] = Native
			}
		}
	}
	registrations := make([]Registration, 0, len(byOperand))
	for operand, ownership := range byOperand {
		registrations = append(registrations, Registration{Operand: operand, Ownership: ownership})
	}
	slices.SortFunc(registrations, func(a, b Registration) int {
		if a.Operand.Less(b.Operand) {
			return -1
		}
		if b.Operand.Less(a.Operand) {
			return 1
		}
		return 0
	})
	return registrations, nil
}

// Annotations are backend-local decisions about operations, keyed by operation, passed to
// KernelGenerator.Generate. They never change the graph.
type Annotations map[ir.OperationIndex]any

// Optimizer annotates the operations of a context before their kernels are generated.
type Optimizer interface {
	Optimize(graph *ir.Graph, operations []ir.OperationIndex) (Annotations, error)
}

// UnsupportedError returns an error wrapping ErrUnsupportedOperator identifying the operation.
func UnsupportedError(backendName string, opIdx ir.OperationIndex, op *ir.Operation) error {
	return errors.Wrapf(ErrUnsupportedOperator, "backend %q can't lower %s (%s)", backendName, opIdx, op.Type)
}
