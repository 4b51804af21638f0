// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the shape resulting from operations and validates its inputs.
//
// Backends use it in their kernels' InferShapes, so the output shapes of dynamic operands are
// computed the same way regardless of the backend running the operation.
//
// It defines a BinaryOp function for the element-wise binary operations, using the standard
// broadcasting rules, and UnaryOp for the ones that don't change the shape.
// For the remainder ops, it defines one function per OpType, and Infer dispatches on the OpType.
package shapeinference

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/gomlx/ondevice/pkg/support/sets"
	"github.com/pkg/errors"
)

var (
	// NumberOperations can take any type of number as input: integers or floats.
	NumberOperations = sets.MakeWith(
		ir.OpTypeAdd,
		ir.OpTypeSub,
		ir.OpTypeMul,
		ir.OpTypeDiv,
		ir.OpTypeRelu,
	)

	// SignedNumberOperations don't accept unsigned integers.
	SignedNumberOperations = sets.MakeWith(
		ir.OpTypeNeg,
	)

	// StandardBinaryOperations take two operands (lhs and rhs) of the same dtype and broadcast them.
	StandardBinaryOperations = sets.MakeWith(
		ir.OpTypeAdd,
		ir.OpTypeSub,
		ir.OpTypeMul,
		ir.OpTypeDiv,
	)

	// StandardUnaryOperations take a single operand and return the same shape.
	StandardUnaryOperations = sets.MakeWith(
		ir.OpTypeIdentity,
		ir.OpTypeRelu,
		ir.OpTypeNeg,
	)
)

func isNumber(dtype dtypes.DType) bool {
	return dtype.IsInt() || dtype.IsFloat()
}

// BinaryOp returns the output shape of ops in StandardBinaryOperations.
//
// Shapes are aligned on their last axis (a missing leading axis counts as 1), and axes of
// dimension 1 are broadcast.
// It returns an error if the data types don't match or are not numbers.
func BinaryOp(opType ir.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	if !StandardBinaryOperations.Has(opType) {
		err = errors.Errorf("operation %s is not in the StandardBinaryOperations set, cannot process it with BinaryOp", opType)
		return
	}
	if !lhsShape.Ok() || !rhsShape.Ok() || lhsShape.IsDynamic() || rhsShape.IsDynamic() {
		err = errors.Errorf("invalid or unresolved shapes %s and %s for BinaryOp %s", lhsShape, rhsShape, opType)
		return
	}
	if lhsShape.DType != rhsShape.DType {
		err = errors.Errorf("data types (DType) for BinaryOp %s must match, got %s and %s", opType, lhsShape, rhsShape)
		return
	}
	if NumberOperations.Has(opType) && !isNumber(lhsShape.DType) {
		err = errors.Errorf("numeric BinaryOp %s must have a number (Int32, Float32, ...) data type as input, got %s", opType, lhsShape)
		return
	}

	rank := max(lhsShape.Rank(), rhsShape.Rank())
	dims := make([]int, rank)
	for axis := range rank {
		lhsDim := dimFromEnd(lhsShape, rank-axis)
		rhsDim := dimFromEnd(rhsShape, rank-axis)
		if lhsDim != 1 && rhsDim != 1 && lhsDim != rhsDim {
			err = errors.Errorf("dimension of axis #%d doesn't match and cannot be broadcast for BinaryOp (%s), got shapes %s and %s",
				axis, opType, lhsShape, rhsShape)
			return
		}
		if lhsDim == 1 {
			dims[axis] = rhsDim
		} else {
			dims[axis] = lhsDim
		}
	}
	return shapes.Make(lhsShape.DType, dims...), nil
}

// dimFromEnd returns the dimension of the n-th axis counting from the end (n=1 is the last axis),
// or 1 if the shape has fewer axes.
func dimFromEnd(shape shapes.Shape, n int) int {
	if n > shape.Rank() {
		return 1
	}
	return shape.Dimensions[shape.Rank()-n]
}

// UnaryOp checks the validity of the data type for StandardUnaryOperations and returns either an error or
// the output shape, which is the same as the operand.
func UnaryOp(opType ir.OpType, operand shapes.Shape) (output shapes.Shape, err error) {
	if !StandardUnaryOperations.Has(opType) {
		err = errors.Errorf("operation %s is not in the StandardUnaryOperations set, cannot process it with UnaryOp", opType)
		return
	}
	if !operand.Ok() {
		err = errors.Errorf("invalid shape %s for UnaryOp %s", operand, opType)
		return
	}
	if SignedNumberOperations.Has(opType) && (operand.DType.IsUnsigned() || !isNumber(operand.DType)) {
		err = errors.Errorf("signed UnaryOp %s must have a signed data type as input, got %s", opType, operand)
		return
	}
	if NumberOperations.Has(opType) && !isNumber(operand.DType) {
		err = errors.Errorf("numeric UnaryOp %s must have a number (Int32, Float32, ...) data type as input, got %s", opType, operand)
		return
	}
	output = operand.Clone()
	return
}

// ReshapeOp to the given dimensions. At most one dimension can be -1, in which case it is
// inferred from the size of the operand.
func ReshapeOp(operand shapes.Shape, dims []int) (output shapes.Shape, err error) {
	dims = slices.Clone(dims)
	inferred := -1
	knownSize := 1
	for axis, dim := range dims {
		switch {
		case dim == -1 && inferred == -1:
			inferred = axis
		case dim < 0:
			return shapes.Invalid(), errors.Errorf("Reshape(%s, %v): invalid dimension %d at axis %d", operand, dims, dim, axis)
		default:
			knownSize *= dim
		}
	}
	size := operand.Size()
	if inferred != -1 {
		if knownSize == 0 || size%knownSize != 0 {
			return shapes.Invalid(), errors.Errorf("Reshape(%s, %v): can't infer the dimension of axis %d", operand, dims, inferred)
		}
		dims[inferred] = size / knownSize
	}
	output = shapes.Make(operand.DType, dims...)
	if size != output.Size() {
		return shapes.Invalid(), errors.Errorf("Reshape() cannot reshape %s to dimensions %v, their size don't match",
			operand, dims)
	}
	return output, nil
}

// ConcatenateOp calculates the output shape of a Concatenate operation.
// Negative axis counts from the end.
func ConcatenateOp(inputs []shapes.Shape, axis int) (output shapes.Shape, err error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("ConcatenateOp requires at least one input shape")
	}
	firstShape := inputs[0]
	dtype := firstShape.DType
	rank := firstShape.Rank()
	if !firstShape.Ok() {
		return shapes.Invalid(), errors.Errorf("invalid shape %s for first input of ConcatenateOp", firstShape)
	}
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return shapes.Invalid(), errors.Errorf("invalid concatenation axis %d for shapes with rank %d", axis, rank)
	}
	output = firstShape.Clone()
	for i := 1; i < len(inputs); i++ {
		currentShape := inputs[i]
		if currentShape.DType != dtype {
			return shapes.Invalid(), errors.Errorf("mismatched DTypes for ConcatenateOp: input #0 has %s, input #%d has %s",
				dtype, i, currentShape.DType)
		}
		if currentShape.Rank() != rank {
			return shapes.Invalid(), errors.Errorf("mismatched ranks for ConcatenateOp: input #0 has rank %d, input #%d has rank %d",
				rank, i, currentShape.Rank())
		}
		for d := range rank {
			if d == axis {
				output.Dimensions[d] += currentShape.Dimensions[d]
			} else if currentShape.Dimensions[d] != output.Dimensions[d] {
				return shapes.Invalid(), errors.Errorf("mismatched dimensions for ConcatenateOp at axis %d (non-concatenation axis): input #0 has %d, input #%d has %d",
					d, output.Dimensions[d], i, currentShape.Dimensions[d])
			}
		}
	}
	return output, nil
}

// GatherOp returns the shape of gathering slices of operand along axis, with the given indices:
// operand.Dimensions[:axis] + indices.Dimensions + operand.Dimensions[axis+1:].
func GatherOp(operand, indices shapes.Shape, axis int) (output shapes.Shape, err error) {
	if indices.DType != dtypes.Int32 && indices.DType != dtypes.Int64 {
		return shapes.Invalid(), errors.Errorf("Gather indices must be Int32 or Int64, got %s", indices)
	}
	rank := operand.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return shapes.Invalid(), errors.Errorf("Gather axis %d is out of range for operand %s", axis, operand)
	}
	dims := slices.Concat(operand.Dimensions[:axis], indices.Dimensions, operand.Dimensions[axis+1:])
	return shapes.Make(operand.DType, dims...), nil
}

// ArgMaxOp calculates the output shape for an ArgMax operation.
// It will be the shape of the operand minus the "reduce" axis.
func ArgMaxOp(operand shapes.Shape, axis int, outputDType dtypes.DType) (output shapes.Shape, err error) {
	if outputDType != dtypes.Int32 && outputDType != dtypes.Int64 {
		err = errors.Errorf("ArgMax outputDType must be Int32 or Int64, got %s", outputDType)
		return
	}
	if !isNumber(operand.DType) {
		err = errors.Errorf("ArgMax operand DType must be a floating point or integer type, got %s", operand)
		return
	}
	if operand.IsScalar() {
		err = errors.Errorf("ArgMax requires a non-scalar operand, got %s", operand)
		return
	}
	if axis < 0 {
		axis += operand.Rank()
	}
	if axis < 0 || axis >= operand.Rank() {
		err = errors.Errorf("ArgMax axis %d is out of range for operand %s", axis, operand)
		return
	}
	newDims := slices.Delete(slices.Clone(operand.Dimensions), axis, axis+1)
	return shapes.Make(outputDType, newDims...), nil
}

// FullyConnectedOp returns the output shape of input·weightsᵀ+bias.
//
// The weights have shape [numUnits, inputSize]; the input is flattened to [batch, inputSize];
// the optional bias (pass an invalid shape if absent) has shape [numUnits].
// The output has shape [batch, numUnits].
func FullyConnectedOp(input, weights, bias shapes.Shape) (output shapes.Shape, err error) {
	if weights.Rank() != 2 {
		return shapes.Invalid(), errors.Errorf("FullyConnected weights must have rank 2, got %s", weights)
	}
	if input.DType != weights.DType {
		return shapes.Invalid(), errors.Errorf("FullyConnected input %s and weights %s must have the same dtype", input, weights)
	}
	numUnits, inputSize := weights.Dimensions[0], weights.Dimensions[1]
	size := input.Size()
	if inputSize == 0 || size%inputSize != 0 {
		return shapes.Invalid(), errors.Errorf("FullyConnected input %s can't be flattened to [batch, %d]", input, inputSize)
	}
	if bias.Ok() {
		if err = bias.CheckDims(numUnits); err != nil {
			return shapes.Invalid(), errors.WithMessagef(err, "FullyConnected bias")
		}
	}
	return shapes.Make(input.DType, size/inputSize, numUnits), nil
}

// CastOp returns the operand shape with the new dtype.
func CastOp(operand shapes.Shape, dtype dtypes.DType) (output shapes.Shape, err error) {
	if dtype == dtypes.InvalidDType || dtype.GoType() == nil {
		return shapes.Invalid(), errors.Errorf("Cast to unsupported dtype %s", dtype)
	}
	output = operand.Clone()
	output.DType = dtype
	return output, nil
}

// ShapeOp returns the shape of the Shape operation: an Int32 vector with one element per axis.
func ShapeOp(operand shapes.Shape) shapes.Shape {
	return shapes.Make(dtypes.Int32, operand.Rank())
}

// ShapeReader reads the content of a small int32 input, e.g. the target dimensions of a Reshape.
type ShapeReader func(inputIdx int) ([]int32, error)

// Infer returns the output shapes of op given the current shapes of its inputs. Absent optional
// inputs have an invalid shape. readInput is used only by operations whose output shape depends
// on the content of an input.
func Infer(op *ir.Operation, inputs []shapes.Shape, readInput ShapeReader) ([]shapes.Shape, error) {
	output, err := inferSingle(op, inputs, readInput)
	if err != nil {
		return nil, errors.WithMessagef(err, "inferring shapes of %s", op)
	}
	return []shapes.Shape{output}, nil
}

func inferSingle(op *ir.Operation, inputs []shapes.Shape, readInput ShapeReader) (shapes.Shape, error) {
	input := func(ii int) shapes.Shape {
		if ii >= len(inputs) {
			return shapes.Invalid()
		}
		return inputs[ii]
	}
	switch {
	case StandardBinaryOperations.Has(op.Type):
		return BinaryOp(op.Type, input(0), input(1))
	case StandardUnaryOperations.Has(op.Type):
		return UnaryOp(op.Type, input(0))
	}
	switch op.Type {
	case ir.OpTypeCast:
		params, ok := op.Params.(ir.CastParams)
		if !ok {
			return shapes.Invalid(), errors.Errorf("Cast requires CastParams, got %T", op.Params)
		}
		return CastOp(input(0), params.DType)
	case ir.OpTypeReshape:
		if input(1).Ok() {
			dims32, err := readInput(1)
			if err != nil {
				return shapes.Invalid(), err
			}
			dims := make([]int, len(dims32))
			for ii, dim := range dims32 {
				dims[ii] = int(dim)
			}
			return ReshapeOp(input(0), dims)
		}
		params, ok := op.Params.(ir.ReshapeParams)
		if !ok {
			return shapes.Invalid(), errors.Errorf("Reshape requires ReshapeParams or a shape input, got %T", op.Params)
		}
		return ReshapeOp(input(0), params.Dimensions)
	case ir.OpTypeConcat:
		params, _ := op.Params.(ir.ConcatParams)
		return ConcatenateOp(inputs, params.Axis)
	case ir.OpTypeGather:
		params, _ := op.Params.(ir.GatherParams)
		return GatherOp(input(0), input(1), params.Axis)
	case ir.OpTypeArgMax:
		params, ok := op.Params.(ir.ArgMaxParams)
		if !ok {
			return shapes.Invalid(), errors.Errorf("ArgMax requires ArgMaxParams, got %T", op.Params)
		}
		return ArgMaxOp(input(0), params.Axis, params.OutputDType)
	case ir.OpTypeFullyConnected:
		return FullyConnectedOp(input(0), input(1), input(2))
	case ir.OpTypeShape:
		return ShapeOp(input(0)), nil
	}
	return shapes.Invalid(), errors.Errorf("no shape inference rule for %s", op.Type)
}
