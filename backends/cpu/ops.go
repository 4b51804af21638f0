// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// normalizeAxis converts a negative axis to its positive counterpart.
func normalizeAxis(axis, rank int) int {
	if axis < 0 {
		return axis + rank
	}
	return axis
}

// splitAt returns the number of elements before axis, the dimension of axis and the number of
// elements after it.
func splitAt(shape shapes.Shape, axis int) (outer, dim, inner int) {
	outer, inner = 1, 1
	for ii, d := range shape.Dimensions {
		switch {
		case ii < axis:
			outer *= d
		case ii == axis:
			dim = d
		default:
			inner *= d
		}
	}
	return
}

func execCast(k *kernel) error {
	input, output := k.inputs[0], k.outputs[0]
	data, err := bytesOf(input, output)
	if err != nil {
		return err
	}
	if input.DType() == output.DType() {
		copy(data[1], data[0])
		return nil
	}
	values, err := toFloat64(input.DType(), data[0])
	if err != nil {
		return err
	}
	return fromFloat64(output.DType(), values, data[1])
}

func convertToFloat64[T number](values []T) []float64 {
	converted := make([]float64, len(values))
	for ii, value := range values {
		converted[ii] = float64(value)
	}
	return converted
}

func convertFromFloat64[T number](values []float64, output []T) {
	for ii, value := range values {
		output[ii] = T(value)
	}
}

// toFloat64 converts raw values of the given dtype to float64.
func toFloat64(dtype dtypes.DType, data []byte) ([]float64, error) {
	switch dtype {
	case dtypes.Bool:
		values := make([]float64, len(data))
		for ii, b := range data {
			if b != 0 {
				values[ii] = 1
			}
		}
		return values, nil
	case dtypes.Int8:
		return convertToFloat64(memory.BytesAs[int8](data)), nil
	case dtypes.Int32:
		return convertToFloat64(memory.BytesAs[int32](data)), nil
	case dtypes.Int64:
		return convertToFloat64(memory.BytesAs[int64](data)), nil
	case dtypes.Uint8:
		return convertToFloat64(data), nil
	case dtypes.Float16:
		return convertToFloat64(float16ToFloat32(memory.BytesAs[float16.Float16](data))), nil
	case dtypes.Float32:
		return convertToFloat64(memory.BytesAs[float32](data)), nil
	case dtypes.Float64:
		return memory.BytesAs[float64](data), nil
	}
	return nil, errors.Errorf("Cast from %s not supported", dtype)
}

// fromFloat64 writes values as the given dtype into data.
func fromFloat64(dtype dtypes.DType, values []float64, data []byte) error {
	switch dtype {
	case dtypes.Bool:
		for ii, value := range values {
			data[ii] = 0
			if value != 0 {
				data[ii] = 1
			}
		}
	case dtypes.Int8:
		convertFromFloat64(values, memory.BytesAs[int8](data))
	case dtypes.Int32:
		convertFromFloat64(values, memory.BytesAs[int32](data))
	case dtypes.Int64:
		convertFromFloat64(values, memory.BytesAs[int64](data))
	case dtypes.Uint8:
		convertFromFloat64(values, data)
	case dtypes.Float16:
		output := memory.BytesAs[float16.Float16](data)
		for ii, value := range values {
			output[ii] = float16.Fromfloat32(float32(value))
		}
	case dtypes.Float32:
		convertFromFloat64(values, memory.BytesAs[float32](data))
	case dtypes.Float64:
		copy(memory.BytesAs[float64](data), values)
	default:
		return errors.Errorf("Cast to %s not supported", dtype)
	}
	return nil
}

func execConcat(k *kernel) error {
	output := k.outputs[0]
	outputData, err := output.Bytes()
	if err != nil {
		return err
	}
	inputsData, err := bytesOf(k.inputs...)
	if err != nil {
		return err
	}
	params, _ := k.op.Params.(ir.ConcatParams)
	outputShape := output.Shape()
	axis := normalizeAxis(params.Axis, outputShape.Rank())
	outer, _, _ := splitAt(outputShape, axis)
	elementSize := int(outputShape.DType.Size())
	chunkSizes := make([]int, len(k.inputs))
	for ii, input := range k.inputs {
		_, dim, inner := splitAt(input.Shape(), axis)
		chunkSizes[ii] = dim * inner * elementSize
	}
	pos := 0
	for o := range outer {
		for ii, data := range inputsData {
			chunk := chunkSizes[ii]
			pos += copy(outputData[pos:pos+chunk], data[o*chunk:(o+1)*chunk])
		}
	}
	return nil
}

func execGather(k *kernel) error {
	operand, indices, output := k.inputs[0], k.inputs[1], k.outputs[0]
	data, err := bytesOf(operand, output)
	if err != nil {
		return err
	}
	var positions []int
	switch indices.DType() {
	case dtypes.Int32:
		flat, err := memory.Flat[int32](indices)
		if err != nil {
			return err
		}
		positions = make([]int, len(flat))
		for ii, idx := range flat {
			positions[ii] = int(idx)
		}
	case dtypes.Int64:
		flat, err := memory.Flat[int64](indices)
		if err != nil {
			return err
		}
		positions = make([]int, len(flat))
		for ii, idx := range flat {
			positions[ii] = int(idx)
		}
	default:
		return errors.Errorf("Gather indices must be Int32 or Int64, got %s", indices.DType())
	}

	params, _ := k.op.Params.(ir.GatherParams)
	operandShape := operand.Shape()
	axis := normalizeAxis(params.Axis, operandShape.Rank())
	outer, dim, inner := splitAt(operandShape, axis)
	chunk := inner * int(operandShape.DType.Size())
	for _, idx := range positions {
		if idx < 0 || idx >= dim {
			return errors.Errorf("Gather index %d out of range [0, %d) for operand %s", idx, dim, operandShape)
		}
	}
	pos := 0
	for o := range outer {
		for _, idx := range positions {
			from := (o*dim + idx) * chunk
			pos += copy(data[1][pos:pos+chunk], data[0][from:from+chunk])
		}
	}
	return nil
}

func execArgMax(k *kernel) error {
	input, output := k.inputs[0], k.outputs[0]
	data, err := bytesOf(input, output)
	if err != nil {
		return err
	}
	params, _ := k.op.Params.(ir.ArgMaxParams)
	inputShape := input.Shape()
	axis := normalizeAxis(params.Axis, inputShape.Rank())
	var indices []int
	switch inputShape.DType {
	case dtypes.Int8:
		indices = argMaxGeneric(memory.BytesAs[int8](data[0]), inputShape, axis)
	case dtypes.Int32:
		indices = argMaxGeneric(memory.BytesAs[int32](data[0]), inputShape, axis)
	case dtypes.Int64:
		indices = argMaxGeneric(memory.BytesAs[int64](data[0]), inputShape, axis)
	case dtypes.Uint8:
		indices = argMaxGeneric(data[0], inputShape, axis)
	case dtypes.Float16:
		indices = argMaxGeneric(float16ToFloat32(memory.BytesAs[float16.Float16](data[0])), inputShape, axis)
	case dtypes.Float32:
		indices = argMaxGeneric(memory.BytesAs[float32](data[0]), inputShape, axis)
	case dtypes.Float64:
		indices = argMaxGeneric(memory.BytesAs[float64](data[0]), inputShape, axis)
	default:
		return errors.Errorf("ArgMax of %s not supported", inputShape.DType)
	}
	switch output.DType() {
	case dtypes.Int32:
		out := memory.BytesAs[int32](data[1])
		for ii, idx := range indices {
			out[ii] = int32(idx)
		}
	case dtypes.Int64:
		out := memory.BytesAs[int64](data[1])
		for ii, idx := range indices {
			out[ii] = int64(idx)
		}
	default:
		return errors.Errorf("ArgMax output must be Int32 or Int64, got %s", output.DType())
	}
	return nil
}

// argMaxGeneric returns the position of the first maximum along axis, for each of the other
// positions. NaN values are ignored, unless all values are NaN, in which case 0 is returned.
func argMaxGeneric[T number](values []T, shape shapes.Shape, axis int) []int {
	outer, dim, inner := splitAt(shape, axis)
	indices := make([]int, outer*inner)
	for o := range outer {
		for i := range inner {
			best := -1
			for d := range dim {
				value := values[(o*dim+d)*inner+i]
				if value != value {
					continue
				}
				if best < 0 || value > values[(o*dim+best)*inner+i] {
					best = d
				}
			}
			indices[o*inner+i] = max(best, 0)
		}
	}
	return indices
}

func execShape(k *kernel) error {
	output, err := memory.Flat[int32](k.outputs[0])
	if err != nil {
		return err
	}
	for axis, dim := range k.inputs[0].Shape().Dimensions {
		if dim > math.MaxInt32 {
			return errors.Errorf("dimension %d of %s overflows Int32", axis, k.inputs[0].Shape())
		}
		output[axis] = int32(dim)
	}
	return nil
}
