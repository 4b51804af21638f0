// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the host-side `Tensor` used to feed inputs to and read outputs from a
// compiled model.
//
// A Tensor is a shape plus a flat (row-major) Go slice of the underlying dtype. Ways to create one:
//
//   - FromShape(shape): zero values.
//   - FromScalar(value): a scalar.
//   - FromFlatDataAndDimensions(data, dimensions...): the data is copied.
//   - FromValue(value): from a scalar or a regular multidimensional slice.
//   - FromBytes(shape, data): from raw little-endian bytes, copied.
//
// Example:
//
//	t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // [[1, 2], [3, 4]]
//	v := FromValue([][]float32{{1, 2}, {3, 5}})
package tensors

import (
	"fmt"
	"reflect"
	"slices"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Tensor is a multidimensional array stored on the host.
type Tensor struct {
	shape shapes.Shape

	// flat is a slice of the Go type of the dtype, e.g. []float32, with shape.Size() elements.
	flat any
}

// FromShape creates a zero-valued tensor with the given static shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() || shape.IsDynamic() {
		exceptions.Panicf("tensors.FromShape(%s): shape must be valid and static", shape)
	}
	goType := shape.DType.GoType()
	if goType == nil {
		exceptions.Panicf("tensors.FromShape(%s): dtype has no Go equivalent", shape)
	}
	size := shape.Size()
	return &Tensor{
		shape: shape.Clone(),
		flat:  reflect.MakeSlice(reflect.SliceOf(goType), size, size).Interface(),
	}
}

// FromScalar creates a scalar tensor. The DType is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with a copy of data.
// The DType is inferred from the type of data.
//
// It panics if the size of data is wrong for the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	if len(data) == 0 {
		return t
	}
	var zero T
	copy(t.bytes(), unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(zero)))
	return t
}

// FromBytes creates a tensor with the given shape from a copy of its raw bytes.
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if shape.IsDynamic() {
		return nil, errors.Errorf("tensors.FromBytes: shape %s is not static", shape)
	}
	if len(data) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes(%s): %d bytes required, got %d", shape, shape.Memory(), len(data))
	}
	t := FromShape(shape)
	copy(t.bytes(), data)
	return t, nil
}

// FromValue creates a tensor from a scalar or a regular multidimensional slice of a supported type.
//
// It panics if the type is unsupported or the slices are irregular.
func FromValue(value any) *Tensor {
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.WithMessagef(err, "tensors.FromValue(%T)", value))
	}
	t := FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	if shape.IsScalar() {
		flatV.Index(0).Set(reflect.ValueOf(value))
		return t
	}
	copySlicesRecursively(flatV, reflect.ValueOf(value), shape.Strides())
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Flat returns the tensor flat data as a slice of the Go type of its dtype (e.g. []float32).
// It shares memory with the tensor.
func (t *Tensor) Flat() any { return t.flat }

// Bytes returns the raw bytes of the tensor, sharing memory with it.
func (t *Tensor) Bytes() []byte { return t.bytes() }

func (t *Tensor) bytes() []byte {
	flatV := reflect.ValueOf(t.flat)
	if flatV.Len() == 0 {
		return []byte{}
	}
	numBytes := flatV.Len() * int(flatV.Type().Elem().Size())
	return unsafe.Slice((*byte)(flatV.UnsafePointer()), numBytes)
}

// CopyFlatData returns a copy of the tensor data as a []T. T must match the tensor dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	flat, ok := t.flat.([]T)
	if !ok {
		var zero T
		return nil, errors.Errorf("CopyFlatData[%T] called on tensor of shape %s", zero, t.shape)
	}
	return slices.Clone(flat), nil
}

// Value returns the tensor as a scalar or a multidimensional slice of its Go type, e.g.
// [][]float32 for a rank-2 Float32 tensor. The returned slices share memory with the tensor.
func (t *Tensor) Value() any {
	flatV := reflect.ValueOf(t.flat)
	if t.shape.IsScalar() {
		return flatV.Index(0).Interface()
	}
	return convertDataToSlices(flatV, t.shape.Dimensions...).Interface()
}

// Equal returns whether both tensors have the same shape and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	return slices.Equal(t.bytes(), other.bytes())
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t.shape.Size() > 32 {
		return t.shape.String()
	}
	return fmt.Sprintf("%s%v", t.shape, t.Value())
}

// copySlicesRecursively copies values of a multidimensional slice to a flat slice, given the strides
// of each axis.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	subStrides := strides[1:]
	for ii := range mdSlice.Len() {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

// convertDataToSlices creates a multidimensional slice with the given dimensions pointing to
// the flat data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := shapes.Make(dtypes.Int8, dimensions...).Strides()
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

func shapeForValue(v any) (shapes.Shape, error) {
	var dimensions []int
	dtype, err := shapeForValueRecursive(&dimensions, reflect.ValueOf(v), reflect.TypeOf(v))
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(dtype, dimensions...), nil
}

func shapeForValueRecursive(dimensions *[]int, v reflect.Value, t reflect.Type) (dtypes.DType, error) {
	if t == nil {
		return dtypes.InvalidDType, errors.New("nil value")
	}
	if t.Kind() == reflect.Int || t.Kind() == reflect.Uint {
		return dtypes.InvalidDType, errors.Errorf("type %s has platform dependent size, use a sized type", t)
	}
	if t.Kind() != reflect.Slice {
		dtype := dtypes.FromGoType(t)
		if dtype == dtypes.InvalidDType {
			return dtype, errors.Errorf("type %s not supported", t)
		}
		return dtype, nil
	}
	if v.Len() == 0 {
		return dtypes.InvalidDType, errors.Errorf("empty slice %s can't be converted, use FromShape", t)
	}
	*dimensions = append(*dimensions, v.Len())
	prefix := slices.Clone(*dimensions)
	dtype, err := shapeForValueRecursive(dimensions, v.Index(0), t.Elem())
	if err != nil {
		return dtype, err
	}
	for ii := 1; ii < v.Len(); ii++ {
		subDimensions := slices.Clone(prefix)
		if _, err := shapeForValueRecursive(&subDimensions, v.Index(ii), t.Elem()); err != nil {
			return dtype, err
		}
		if !slices.Equal(subDimensions, *dimensions) {
			return dtype, errors.Errorf("sub-slices have irregular shapes: %v and %v", *dimensions, subDimensions)
		}
	}
	return dtype, nil
}
