// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// This file implements the element-wise operations.
// Binary operations special-case operands of the same size as the output and operands of size 1,
// the remaining cases go through a broadcastIterator.

// number is the constraint of the element types of arithmetic kernels: the numeric dtypes of
// Capabilities, except Float16 that is computed in float32.
type number interface {
	int8 | int32 | int64 | uint8 | float32 | float64
}

func execBinary(k *kernel) error {
	lhs, rhs, output := k.inputs[0], k.inputs[1], k.outputs[0]
	if !layoutsMatch(lhs, rhs, output) {
		return errors.Errorf("operands of %s have different layouts", k.op.Type)
	}
	lhsShape, rhsShape, outputShape := lhs.Shape(), rhs.Shape(), output.Shape()
	needsIterator := (lhsShape.Size() != 1 && lhsShape.Size() != outputShape.Size()) ||
		(rhsShape.Size() != 1 && rhsShape.Size() != outputShape.Size())
	if needsIterator && output.Descriptor().Layout != memory.LayoutNHWC && outputShape.Rank() == 4 {
		return errors.Errorf("broadcasting %s and %s is not supported in %s layout", lhsShape, rhsShape, output.Descriptor().Layout)
	}
	data, err := bytesOf(lhs, rhs, output)
	if err != nil {
		return err
	}
	switch outputShape.DType {
	case dtypes.Int8:
		return binaryGeneric[int8](k, data, lhsShape, rhsShape, outputShape)
	case dtypes.Int32:
		return binaryGeneric[int32](k, data, lhsShape, rhsShape, outputShape)
	case dtypes.Int64:
		return binaryGeneric[int64](k, data, lhsShape, rhsShape, outputShape)
	case dtypes.Uint8:
		return binaryGeneric[uint8](k, data, lhsShape, rhsShape, outputShape)
	case dtypes.Float32:
		return binaryGeneric[float32](k, data, lhsShape, rhsShape, outputShape)
	case dtypes.Float64:
		return binaryGeneric[float64](k, data, lhsShape, rhsShape, outputShape)
	case dtypes.Float16:
		// Computed in float32.
		converted := [][]byte{
			memory.AsBytes(float16ToFloat32(memory.BytesAs[float16.Float16](data[0]))),
			memory.AsBytes(float16ToFloat32(memory.BytesAs[float16.Float16](data[1]))),
			memory.AsBytes(make([]float32, outputShape.Size())),
		}
		if err := binaryGeneric[float32](k, converted, lhsShape, rhsShape, outputShape); err != nil {
			return err
		}
		float32ToFloat16(memory.BytesAs[float32](converted[2]), memory.BytesAs[float16.Float16](data[2]))
		return nil
	}
	return errors.Errorf("dtype %s not supported by %s", outputShape.DType, k.op.Type)
}

func binaryFn[T number](opType ir.OpType) func(a, b T) T {
	switch opType {
	case ir.OpTypeAdd:
		return func(a, b T) T { return a + b }
	case ir.OpTypeSub:
		return func(a, b T) T { return a - b }
	case ir.OpTypeMul:
		return func(a, b T) T { return a * b }
	default:
		return func(a, b T) T { return a / b }
	}
}

func binaryGeneric[T number](k *kernel, data [][]byte, lhsShape, rhsShape, outputShape shapes.Shape) error {
	lhs, rhs, output := memory.BytesAs[T](data[0]), memory.BytesAs[T](data[1]), memory.BytesAs[T](data[2])
	if k.op.Type == ir.OpTypeDiv && !isFloat[T]() {
		for _, value := range rhs {
			if value == 0 {
				return errors.New("integer division by zero")
			}
		}
	}
	fn := binaryFn[T](k.op.Type)
	size := outputShape.Size()
	switch {
	case len(lhs) == size && len(rhs) == size:
		k.parallelFor(size, func(start, end int) {
			for ii := start; ii < end; ii++ {
				output[ii] = fn(lhs[ii], rhs[ii])
			}
		})
	case len(lhs) == size && len(rhs) == 1:
		c := rhs[0]
		k.parallelFor(size, func(start, end int) {
			for ii := start; ii < end; ii++ {
				output[ii] = fn(lhs[ii], c)
			}
		})
	case len(lhs) == 1 && len(rhs) == size:
		c := lhs[0]
		k.parallelFor(size, func(start, end int) {
			for ii := start; ii < end; ii++ {
				output[ii] = fn(c, rhs[ii])
			}
		})
	default:
		lhsIter := newBroadcastIterator(lhsShape, outputShape)
		rhsIter := newBroadcastIterator(rhsShape, outputShape)
		for ii := range output {
			output[ii] = fn(lhs[lhsIter.Next()], rhs[rhsIter.Next()])
		}
	}
	return nil
}

func isFloat[T number]() bool {
	var zero T
	switch any(zero).(type) {
	case float32, float64:
		return true
	}
	return false
}

// broadcastIterator allows one to iterate over the flat indices of tensor that is being broadcast
// (some dimensions will grow).
type broadcastIterator struct {
	flatIdx     int
	perAxesIdx  []int
	targetDims  []int
	isBroadcast []bool
	strides     []int
}

// newBroadcastIterator returns an iterator over the flat indices of fromShape, as its elements are
// visited in the order of the elements of toShape. Missing leading axes of fromShape count as 1.
func newBroadcastIterator(fromShape, toShape shapes.Shape) *broadcastIterator {
	rank := toShape.Rank()
	fromDims := make([]int, rank)
	for axis := range rank {
		fromDims[axis] = 1
	}
	copy(fromDims[rank-fromShape.Rank():], fromShape.Dimensions)
	bi := &broadcastIterator{
		perAxesIdx:  make([]int, rank),
		targetDims:  toShape.Dimensions,
		isBroadcast: make([]bool, rank),
		strides:     make([]int, rank),
	}
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		bi.strides[axis] = stride
		stride *= fromDims[axis]
		bi.isBroadcast[axis] = fromDims[axis] != toShape.Dimensions[axis]
	}
	return bi
}

// Next returns the current flat index and advances the iterator.
func (bi *broadcastIterator) Next() (flatIdx int) {
	flatIdx = bi.flatIdx
	bi.flatIdx++
	rank := len(bi.perAxesIdx)
	for axis := rank - 1; axis >= 0; axis-- {
		bi.perAxesIdx[axis]++
		if bi.perAxesIdx[axis] < bi.targetDims[axis] {
			if bi.isBroadcast[axis] {
				// Broadcasting on this axis: go back and repeat the same slice of the tensor.
				bi.flatIdx -= bi.strides[axis]
			}
			break
		}
		bi.perAxesIdx[axis] = 0
	}
	return
}

func execUnary(k *kernel) error {
	input, output := k.inputs[0], k.outputs[0]
	if !layoutsMatch(input, output) {
		return errors.Errorf("operands of %s have different layouts", k.op.Type)
	}
	data, err := bytesOf(input, output)
	if err != nil {
		return err
	}
	switch output.DType() {
	case dtypes.Int8:
		unaryGeneric[int8](k, data)
	case dtypes.Int32:
		unaryGeneric[int32](k, data)
	case dtypes.Int64:
		unaryGeneric[int64](k, data)
	case dtypes.Uint8:
		unaryGeneric[uint8](k, data)
	case dtypes.Float32:
		unaryGeneric[float32](k, data)
	case dtypes.Float64:
		unaryGeneric[float64](k, data)
	case dtypes.Float16:
		values := float16ToFloat32(memory.BytesAs[float16.Float16](data[0]))
		unaryGeneric[float32](k, [][]byte{memory.AsBytes(values), memory.AsBytes(values)})
		float32ToFloat16(values, memory.BytesAs[float16.Float16](data[1]))
	default:
		return errors.Errorf("dtype %s not supported by %s", output.DType(), k.op.Type)
	}
	return nil
}

func unaryGeneric[T number](k *kernel, data [][]byte) {
	input, output := memory.BytesAs[T](data[0]), memory.BytesAs[T](data[1])
	var fn func(T) T
	if k.op.Type == ir.OpTypeRelu {
		fn = func(x T) T { return max(x, 0) }
	} else {
		fn = func(x T) T { return -x }
	}
	k.parallelFor(len(output), func(start, end int) {
		for ii := start; ii < end; ii++ {
			output[ii] = fn(input[ii])
		}
	})
}

func float16ToFloat32(values []float16.Float16) []float32 {
	converted := make([]float32, len(values))
	for ii, value := range values {
		converted[ii] = value.Float32()
	}
	return converted
}

func float32ToFloat16(values []float32, output []float16.Float16) {
	for ii, value := range values {
		output[ii] = float16.Fromfloat32(value)
	}
}
