// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of a Tensor, or the declared shape of an
// input or output of a model session. Declared shapes may have dynamic axes (marked with
// DynamicDim), typically the batch and sequence axes, which are only fixed once concrete tensors
// are bound to them.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - DType: the data type of the unit element in a tensor, see package dtypes.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value
//     of the associated DType.
//
// Example: The multi-dimensional array `[][]int64{{0, 1, 2}, {3, 4, 5}}` if converted to a Tensor
// would have shape `(Int64)[2 3]`. It has rank 2 (so 2 axes), axis 0 has dimension 2, and axis 1
// has dimension 3. This shape could be created with `shapes.Make(dtypes.Int64, 2, 3)`.
package shapes

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DynamicDim marks an axis whose dimension is only known at execution time.
const DynamicDim = -1

// Shape represents the shape of a Tensor or of a declared session input/output.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// Dimensions of 0 are valid (an empty recurrent state has sequence length 0), and DynamicDim
// marks an axis to be fixed later with WithDim. Other negative values panic.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 && dim != DynamicDim {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with negative dimension", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsDynamic returns whether any of the axes has a DynamicDim.
func (s Shape) IsDynamic() bool {
	return slices.Contains(s.Dimensions, DynamicDim)
}

// adjustAxis converts negative axes to their positive counterpart, and panics if out-of-bounds.
func (s Shape) adjustAxis(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("axis %d out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjustedAxis
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[s.adjustAxis(axis)]
}

// CheckAxis returns an error if axis is out-of-bounds for the shape. Negative axes are not accepted.
func (s Shape) CheckAxis(axis int) error {
	if axis < 0 || axis >= s.Rank() {
		return errors.Errorf("axis %d out-of-bounds for shape %s", axis, s)
	}
	return nil
}

// WithDim returns a copy of the shape with the dimension of axis replaced by dim.
// It panics if axis is out-of-bounds or dim is negative.
func (s Shape) WithDim(axis, dim int) Shape {
	if dim < 0 {
		exceptions.Panicf("Shape.WithDim(%d, %d): dimension cannot be negative", axis, dim)
	}
	newShape := s.Clone()
	newShape.Dimensions[s.adjustAxis(axis)] = dim
	return newShape
}

// Size returns the number of elements (not bytes) for this shape.
// The size of a scalar is 1. It panics for dynamic shapes.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		if d == DynamicDim {
			exceptions.Panicf("Shape.Size() of dynamic shape %s", s)
		}
		size *= d
	}
	return
}

// IsZeroSize returns whether any of the axes has dimension 0.
func (s Shape) IsZeroSize() bool {
	return slices.Contains(s.Dimensions, 0)
}

// Memory returns the number of bytes that would be used to store the values of the shape.
func (s Shape) Memory() uintptr {
	return uintptr(s.DType.SizeForDimensions(s.Dimensions...))
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Compatible returns whether the concrete shape s can be bound to the declared shape: same dtype and
// rank, and same dimensions except where declared is DynamicDim.
func (s Shape) Compatible(declared Shape) bool {
	if s.DType != declared.DType || s.Rank() != declared.Rank() {
		return false
	}
	for axis, dim := range declared.Dimensions {
		if dim != DynamicDim && dim != s.Dimensions[axis] {
			return false
		}
	}
	return true
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// String implements stringer, pretty-prints the shape. Dynamic axes are printed as "?".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		if dim == DynamicDim {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout
// in memory.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
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

// Iter iterates sequentially over all possible indices of the given shape.
//
// It yields the flat index (counter) and a slice of indices for each axis.
// The yielded indices are owned by the iterator: don't change them inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		if !s.Ok() || s.IsDynamic() || s.IsZeroSize() {
			return
		}
		indices := make([]int, s.Rank())
		size := s.Size()
		for flatIdx := range size {
			if !yield(flatIdx, indices) {
				return
			}
			for axis := s.Rank() - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	}
}
