// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interp implements a minimal backend with a naive, single threaded interpreter of a few
// Float32 operations.
//
// It only provides a kernel generator: tensor layouts, constants and tensor registration use the
// engine defaults. It is useful as a fallback backend, and to test models split among backends.
//
// It registers itself as "interp" and takes no options.
package interp

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/backends"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/backends/shapeinference"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/pkg/errors"
)

// BackendName to be used in the configuration string.
const BackendName = "interp"

func init() {
	backends.Register(BackendName, func(options backends.Options) (backends.Backend, error) {
		if len(options) > 0 {
			return nil, errors.Errorf("interp backend takes no options, got %v", options)
		}
		return &Backend{}, nil
	})
}

// Backend implements backends.Backend.
type Backend struct{}

var _ backends.Backend = (*Backend)(nil)

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string { return "naive Float32 interpreter" }

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return backends.Capabilities{
		Operations: map[ir.OpType]bool{
			ir.OpTypeIdentity: true,
			ir.OpTypeAdd:      true,
			ir.OpTypeSub:      true,
			ir.OpTypeMul:      true,
			ir.OpTypeDiv:      true,
			ir.OpTypeRelu:     true,
			ir.OpTypeReshape:  true,
		},
		// Int32 is only accepted for the shape input of Reshape.
		DTypes: map[dtypes.DType]bool{
			dtypes.Float32: true,
			dtypes.Int32:   true,
		},
	}
}

// NewContext implements backends.Backend.
func (b *Backend) NewContext(graph *ir.Graph, operations []ir.OperationIndex) (*backends.Context, error) {
	ctx := backends.NewContext(b, graph, operations)
	ctx.KernelGenerator = generator{}
	return ctx, nil
}

type generator struct{}

// Supports implements backends.KernelGenerator.
func (generator) Supports(opType ir.OpType) bool {
	switch opType {
	case ir.OpTypeIdentity, ir.OpTypeReshape, ir.OpTypeRelu:
		return true
	}
	return opType.IsBinaryElementWise()
}

// Generate implements backends.KernelGenerator.
func (g generator) Generate(opIdx ir.OperationIndex, op *ir.Operation, source backends.TensorSource, _ any) (backends.Kernel, error) {
	if !g.Supports(op.Type) {
		return nil, backends.UnsupportedError(BackendName, opIdx, op)
	}
	k := &kernel{op: op}
	for _, operand := range op.Inputs {
		if !operand.Valid() {
			k.inputs = append(k.inputs, nil)
			continue
		}
		t, err := source.Tensor(operand)
		if err != nil {
			return nil, err
		}
		k.inputs = append(k.inputs, t)
	}
	t, err := source.Tensor(op.Outputs[0])
	if err != nil {
		return nil, err
	}
	k.output = t
	if op.Type != ir.OpTypeReshape && op.Type != ir.OpTypeIdentity && k.output.DType() != dtypes.Float32 {
		return nil, errors.WithMessagef(backends.UnsupportedError(BackendName, opIdx, op), "dtype %s", k.output.DType())
	}
	return k, nil
}

type kernel struct {
	op     *ir.Operation
	inputs []*memory.Tensor
	output *memory.Tensor
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
	output, err := k.output.Bytes()
	if err != nil {
		return err
	}
	switch k.op.Type {
	case ir.OpTypeIdentity, ir.OpTypeReshape:
		input, err := k.inputs[0].Bytes()
		if err != nil {
			return err
		}
		copy(output, input)
	case ir.OpTypeRelu:
		input, err := memory.Flat[float32](k.inputs[0])
		if err != nil {
			return err
		}
		values := memory.BytesAs[float32](output)
		for ii, x := range input {
			values[ii] = max(x, 0)
		}
	default:
		return k.binary(memory.BytesAs[float32](output))
	}
	return nil
}

// binary evaluates each output element by mapping its multi-dimensional index to each input.
func (k *kernel) binary(output []float32) error {
	lhs, err := memory.Flat[float32](k.inputs[0])
	if err != nil {
		return err
	}
	rhs, err := memory.Flat[float32](k.inputs[1])
	if err != nil {
		return err
	}
	outputShape := k.output.Shape()
	lhsShape, rhsShape := k.inputs[0].Shape(), k.inputs[1].Shape()
	indices := make([]int, outputShape.Rank())
	for flatIdx := range output {
		unravel(flatIdx, outputShape, indices)
		a, b := lhs[broadcastIndex(indices, lhsShape)], rhs[broadcastIndex(indices, rhsShape)]
		switch k.op.Type {
		case ir.OpTypeAdd:
			output[flatIdx] = a + b
		case ir.OpTypeSub:
			output[flatIdx] = a - b
		case ir.OpTypeMul:
			output[flatIdx] = a * b
		case ir.OpTypeDiv:
			output[flatIdx] = a / b
		}
	}
	return nil
}

// unravel sets indices to the multi-dimensional index of the flat index in shape.
func unravel(flatIdx int, shape shapes.Shape, indices []int) {
	for axis := shape.Rank() - 1; axis >= 0; axis-- {
		indices[axis] = flatIdx % shape.Dimensions[axis]
		flatIdx /= shape.Dimensions[axis]
	}
}

// broadcastIndex returns the flat index in shape of the output indices, with shape aligned to
// the right and its dimensions of size 1 repeated.
func broadcastIndex(indices []int, shape shapes.Shape) int {
	offset := len(indices) - shape.Rank()
	flatIdx := 0
	for axis, dim := range shape.Dimensions {
		idx := indices[offset+axis]
		if dim == 1 {
			idx = 0
		}
		flatIdx = flatIdx*dim + idx
	}
	return flatIdx
}
