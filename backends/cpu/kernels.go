// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"slices"

	"github.com/gomlx/ondevice/backends"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/backends/shapeinference"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/pkg/errors"
)

// executor runs one operation type on a kernel whose tensors are resolved.
type executor func(k *kernel) error

// executors maps each supported OpType to its implementation.
var executors [ir.OpTypeLast]executor

func init() {
	for _, opType := range []ir.OpType{ir.OpTypeAdd, ir.OpTypeSub, ir.OpTypeMul, ir.OpTypeDiv} {
		executors[opType] = execBinary
	}
	executors[ir.OpTypeRelu] = execUnary
	executors[ir.OpTypeNeg] = execUnary
	executors[ir.OpTypeIdentity] = execCopy
	executors[ir.OpTypeReshape] = execCopy
	executors[ir.OpTypeCast] = execCast
	executors[ir.OpTypeConcat] = execConcat
	executors[ir.OpTypeGather] = execGather
	executors[ir.OpTypeArgMax] = execArgMax
	executors[ir.OpTypeFullyConnected] = execFullyConnected
	executors[ir.OpTypeShape] = execShape
}

// Supports implements backends.KernelGenerator.
func (c *context) Supports(opType ir.OpType) bool {
	return opType > ir.OpTypeInvalid && opType < ir.OpTypeLast && executors[opType] != nil
}

// kernel implements backends.Kernel for all operations.
type kernel struct {
	ctx   *context
	opIdx ir.OperationIndex
	op    *ir.Operation
	exec  executor

	// inputs has nil for absent optional inputs.
	inputs  []*memory.Tensor
	outputs []*memory.Tensor

	sequential bool
}

var _ backends.Kernel = (*kernel)(nil)

// Generate implements backends.KernelGenerator.
func (c *context) Generate(opIdx ir.OperationIndex, op *ir.Operation, source backends.TensorSource, hint any) (backends.Kernel, error) {
	if !c.Supports(op.Type) || !Capabilities.SupportsOperation(c.graph, op) {
		return nil, backends.UnsupportedError(BackendName, opIdx, op)
	}
	k := &kernel{ctx: c, opIdx: opIdx, op: op, exec: executors[op.Type]}
	if a, ok := hint.(annotation); ok {
		k.sequential = a.sequential
	}
	for _, input := range op.Inputs {
		if !input.Valid() {
			k.inputs = append(k.inputs, nil)
			continue
		}
		t, err := source.Tensor(input)
		if err != nil {
			return nil, errors.WithMessagef(err, "generating kernel for %s", opIdx)
		}
		k.inputs = append(k.inputs, t)
	}
	for _, output := range op.Outputs {
		t, err := source.Tensor(output)
		if err != nil {
			return nil, errors.WithMessagef(err, "generating kernel for %s", opIdx)
		}
		k.outputs = append(k.outputs, t)
	}

	// Only layout independent kernels accept rank-4 tensors in NCHW layout.
	if !op.Type.IsUnaryElementWise() && op.Type != ir.OpTypeCast && !op.Type.IsBinaryElementWise() {
		for _, t := range slices.Concat(k.inputs, k.outputs) {
			if t != nil && t.Descriptor().Layout != memory.LayoutNHWC && t.Info().Shape.Rank() == 4 {
				return nil, errors.WithMessagef(backends.UnsupportedError(BackendName, opIdx, op),
					"%s layout of rank-4 operand %s", t.Descriptor().Layout, t.Operand())
			}
		}
	}
	return k, nil
}

// InferShapes implements backends.Kernel.
func (k *kernel) InferShapes() ([]shapes.Shape, error) {
	inputShapes := make([]shapes.Shape, len(k.inputs))
	for ii, t := range k.inputs {
		if t == nil {
			inputShapes[ii] = shapes.Invalid()
		} else {
			inputShapes[ii] = t.Shape()
		}
	}
	return shapeinference.Infer(k.op, inputShapes, func(inputIdx int) ([]int32, error) {
		return memory.Flat[int32](k.inputs[inputIdx])
	})
}

// Run implements backends.Kernel.
func (k *kernel) Run() error {
	if err := k.exec(k); err != nil {
		return errors.WithMessagef(err, "cpu kernel for %s (%s)", k.opIdx, k.op.Type)
	}
	return nil
}

// parallelFor splits [0, n) among the context workers, unless the kernel is sequential.
func (k *kernel) parallelFor(n int, fn func(start, end int)) {
	if k.sequential || n < minParallelSize {
		fn(0, n)
		return
	}
	k.ctx.pool.ParallelFor(n, minParallelSize/4, fn)
}

// bytesOf returns the bytes of the tensors.
func bytesOf(tensors ...*memory.Tensor) ([][]byte, error) {
	all := make([][]byte, len(tensors))
	for ii, t := range tensors {
		data, err := t.Bytes()
		if err != nil {
			return nil, err
		}
		all[ii] = data
	}
	return all, nil
}

// layoutsMatch returns whether all tensors have the same layout, or are not rank-4.
func layoutsMatch(tensors ...*memory.Tensor) bool {
	var layout memory.Layout
	first := true
	for _, t := range tensors {
		if t.Shape().Rank() != 4 {
			continue
		}
		if first {
			layout = t.Descriptor().Layout
			first = false
		} else if t.Descriptor().Layout != layout {
			return false
		}
	}
	return true
}

func execCopy(k *kernel) error {
	data, err := bytesOf(k.inputs[0], k.outputs[0])
	if err != nil {
		return err
	}
	if k.op.Type == ir.OpTypeIdentity {
		return memory.ConvertLayout(data[1], k.outputs[0].Descriptor().Layout, data[0], k.inputs[0].Descriptor().Layout, k.inputs[0].Shape())
	}
	copy(data[1], data[0])
	return nil
}
