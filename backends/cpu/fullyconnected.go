// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/ir"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// execFullyConnected computes output[batch, N] = input[batch, K] x weights[N, K]^T + bias[N],
// followed by the fused activation.
//
// Float32 and Float64 go through BLAS, Uint8 is computed with affine quantization.
func execFullyConnected(k *kernel) error {
	input, weights, bias, output := k.inputs[0], k.inputs[1], k.inputs[2], k.outputs[0]
	params, _ := k.op.Params.(ir.FullyConnectedParams)
	numUnits, inputSize := weights.Shape().Dimensions[0], weights.Shape().Dimensions[1]
	batch := output.Shape().Dimensions[0]
	data, err := bytesOf(input, weights, output)
	if err != nil {
		return err
	}
	var biasData []byte
	if bias != nil {
		if biasData, err = bias.Bytes(); err != nil {
			return err
		}
	}

	switch input.DType() {
	case dtypes.Float32:
		c := blas32.General{Rows: batch, Cols: numUnits, Stride: numUnits, Data: memory.BytesAs[float32](data[2])}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: batch, Cols: inputSize, Stride: inputSize, Data: memory.BytesAs[float32](data[0])},
			blas32.General{Rows: numUnits, Cols: inputSize, Stride: inputSize, Data: memory.BytesAs[float32](data[1])},
			0, c)
		addBiasAndActivate(c.Data, memory.BytesAs[float32](biasData), numUnits, params.Activation)
	case dtypes.Float64:
		c := blas64.General{Rows: batch, Cols: numUnits, Stride: numUnits, Data: memory.BytesAs[float64](data[2])}
		blas64.Gemm(blas.NoTrans, blas.Trans, 1,
			blas64.General{Rows: batch, Cols: inputSize, Stride: inputSize, Data: memory.BytesAs[float64](data[0])},
			blas64.General{Rows: numUnits, Cols: inputSize, Stride: inputSize, Data: memory.BytesAs[float64](data[1])},
			0, c)
		addBiasAndActivate(c.Data, memory.BytesAs[float64](biasData), numUnits, params.Activation)
	case dtypes.Uint8:
		return fullyConnectedQuantized(k, data, biasData, batch, numUnits, inputSize, params.Activation)
	default:
		return errors.Errorf("FullyConnected of %s not supported", input.DType())
	}
	return nil
}

func addBiasAndActivate[T constraints.Float](output, bias []T, numUnits int, activation ir.Activation) {
	for ii := range output {
		if len(bias) > 0 {
			output[ii] += bias[ii%numUnits]
		}
		if activation == ir.ActivationRelu {
			output[ii] = max(output[ii], 0)
		}
	}
}

// fullyConnectedQuantized accumulates in int32 the products of the offset values, with the bias
// quantized with scale inputScale*weightsScale and zero point 0, and requantizes the result to
// the output parameters.
func fullyConnectedQuantized(k *kernel, data [][]byte, biasData []byte, batch, numUnits, inputSize int, activation ir.Activation) error {
	inputQuant := k.inputs[0].Info().Quant
	// The weights offset is added rather than subtracted in the inner loop.
	weightsQuant := k.inputs[1].Info().Quant.WithNegatedOffset()
	outputQuant := k.outputs[0].Info().Quant
	if !inputQuant.IsQuantized() || !weightsQuant.IsQuantized() || !outputQuant.IsQuantized() {
		return errors.Errorf("Uint8 FullyConnected requires quantization parameters for input, weights and output")
	}
	var bias []int32
	if biasData != nil {
		if k.inputs[2].DType() != dtypes.Int32 {
			return errors.Errorf("quantized FullyConnected bias must be Int32, got %s", k.inputs[2].DType())
		}
		bias = memory.BytesAs[int32](biasData)
	}
	input, weights, output := data[0], data[1], data[2]
	multiplier := float64(inputQuant.Scale) * float64(weightsQuant.Scale) / float64(outputQuant.Scale)
	low := int32(0)
	if activation == ir.ActivationRelu {
		low = max(low, outputQuant.ZeroPoint)
	}
	k.parallelFor(batch*numUnits, func(start, end int) {
		for ii := start; ii < end; ii++ {
			b, n := ii/numUnits, ii%numUnits
			var acc int32
			if len(bias) > 0 {
				acc = bias[n]
			}
			row := input[b*inputSize : (b+1)*inputSize]
			weightsRow := weights[n*inputSize : (n+1)*inputSize]
			for kk, x := range row {
				acc += (int32(x) - inputQuant.ZeroPoint) * (int32(weightsRow[kk]) + weightsQuant.ZeroPoint)
			}
			value := int32(math.Round(float64(acc)*multiplier)) + outputQuant.ZeroPoint
			output[ii] = uint8(min(max(value, low), math.MaxUint8))
		}
	})
	return nil
}
