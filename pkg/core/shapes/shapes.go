// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the element type (DType) and dimensions of a tensor flowing through a graph.
// A shape may be only partially known at compile time:
//
//   - A dimension set to UnknownDim (-1) is only known when the producing kernel runs.
//   - A shape with UnknownRank set has no known dimensions at all (not even the rank).
//
// Shapes with any unknown part are called "dynamic"; fully known shapes are "static".
// Dynamic shapes cannot be used to compute sizes: Size and Memory panic on them.
//
// DType is the enumeration defined in github.com/gomlx/gopjrt/dtypes.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// UnknownDim marks an axis whose dimension is only known at run time.
const UnknownDim = -1

// Shape of a tensor: DType and dimensions.
//
// Use Make to create a static shape, MakeDynamic for a shape with unknown axes and
// UnknownRankOf for a shape where even the rank is unknown.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// UnknownRank is set if the rank is not known: Dimensions is then ignored.
	UnknownRank bool
}

// Make returns a static Shape with the given dtype and dimensions.
// It panics if any dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a static shape with a negative dimension, use MakeDynamic", s)
		}
	}
	return s
}

// MakeDynamic returns a Shape where dimensions set to UnknownDim are only known at run time.
func MakeDynamic(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 && dim != UnknownDim {
			exceptions.Panicf("shapes.MakeDynamic(%s): invalid dimension %d", s, dim)
		}
	}
	return s
}

// UnknownRankOf returns a shape of the given dtype with unknown rank.
func UnknownRankOf(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, UnknownRank: true}
}

// Scalar returns a scalar Shape for the given type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A zero Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape. It returns -1 if the rank is unknown.
func (s Shape) Rank() int {
	if s.UnknownRank {
		return -1
	}
	return len(s.Dimensions)
}

// IsScalar returns whether the shape is a known scalar (rank 0).
func (s Shape) IsScalar() bool { return s.Ok() && !s.UnknownRank && len(s.Dimensions) == 0 }

// IsDynamic returns whether any part of the shape is only known at run time.
func (s Shape) IsDynamic() bool {
	if s.UnknownRank {
		return true
	}
	return slices.Contains(s.Dimensions, UnknownDim)
}

// IsStatic is the opposite of IsDynamic.
func (s Shape) IsStatic() bool { return !s.IsDynamic() }

// Dim returns the dimension of the given axis. Negative axes count from the end.
// It panics for an out-of-bound axis or a shape of unknown rank.
func (s Shape) Dim(axis int) int {
	if s.UnknownRank {
		exceptions.Panicf("Shape.Dim(%d) on shape of unknown rank (%s)", axis, s)
	}
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements fmt.Stringer. Unknown dimensions are printed as "?".
func (s Shape) String() string {
	if s.UnknownRank {
		return fmt.Sprintf("(%s)[*]", s.DType)
	}
	if len(s.Dimensions) == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		if dim == UnknownDim {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Size returns the number of elements of the shape. It panics for dynamic shapes.
func (s Shape) Size() (size int) {
	if s.IsDynamic() {
		exceptions.Panicf("Shape.Size() of dynamic shape %s", s)
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes needed to store a tensor of the shape.
// It panics for dynamic shapes.
func (s Shape) Memory() int {
	return int(s.DType.Size()) * s.Size()
}

// Equal compares dtype and dimensions. Unknown dimensions compare equal only to unknown dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.UnknownRank != s2.UnknownRank {
		return false
	}
	if s.UnknownRank {
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Compatible returns whether the static shape concrete is one possible run-time value of s:
// same dtype and all known dimensions match.
func (s Shape) Compatible(concrete Shape) bool {
	if s.DType != concrete.DType || concrete.IsDynamic() {
		return false
	}
	if s.UnknownRank {
		return true
	}
	if len(s.Dimensions) != len(concrete.Dimensions) {
		return false
	}
	for ii, dim := range s.Dimensions {
		if dim != UnknownDim && dim != concrete.Dimensions[ii] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions), UnknownRank: s.UnknownRank}
}

// Strides returns the row-major strides (in elements, not bytes) of a static shape.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank <= 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// CheckDims checks that the shape has the given rank and dimensions. A value of -1 in
// dimensions is not checked.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("shape (%s) has incompatible rank %d (wanted %d)", s, s.Rank(), len(dimensions))
	}
	for ii, wantDim := range dimensions {
		if wantDim != -1 && s.Dimensions[ii] != wantDim {
			return errors.Errorf("shape (%s) axis %d has dimension %d, wanted %d (shape wanted=%v)",
				s, ii, s.Dimensions[ii], wantDim, dimensions)
		}
	}
	return nil
}
