// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape: the dtype and dimensions of either a concrete Tensor or of a graph Variable.
//
// Shapes of graph variables may be partially known: a dimension with value UnknownDim is resolved later,
// usually when a concrete value is bound to a placeholder. A shape may also have an unknown rank
// (see MakeUnknownRank), in which case nothing is known about its dimensions.
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
// Example: The multi-dimensional array `[][]int32{{0, 1, 2}, {3, 4, 5}}` if converted to a Tensor
// would have shape `(Int32)[2 3]`. This shape could be created with `shapes.Make(dtypes.Int32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// UnknownDim marks a dimension whose size is not known yet.
const UnknownDim = -1

// Shape represents the shape of either a Tensor or the expected shape of the value of a graph Variable.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// UnknownRank is set if even the rank of the shape is not known. Dimensions is then empty.
	UnknownRank bool
}

// Make returns a Shape structure filled with the values given.
// Dimensions can be UnknownDim; other negative values panic.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < UnknownDim {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// MakeUnknownRank returns a shape of the given dtype, whose rank is not known.
func MakeUnknownRank(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, UnknownRank: true}
}

// Scalar returns a scalar Shape for the given type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGeneric[T]()}
}

// Invalid returns an invalid shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions. It returns -1 if the rank is unknown.
func (s Shape) Rank() int {
	if s.UnknownRank {
		return -1
	}
	return len(s.Dimensions)
}

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && !s.UnknownRank && len(s.Dimensions) == 0 }

// IsFullyKnown returns whether the rank and all dimensions are known.
func (s Shape) IsFullyKnown() bool {
	return !s.UnknownRank && !slices.Contains(s.Dimensions, UnknownDim)
}

// Dim returns the dimension of the given axis. Negative axes count from the end, so -1 refers to the last axis.
// It panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if s.UnknownRank || adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-prints the shape. Unknown dimensions are printed as "?".
func (s Shape) String() string {
	if s.UnknownRank {
		return fmt.Sprintf("(%s)[...]", s.DType)
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		if dim == UnknownDim {
			parts[ii] = "?"
		} else {
			parts[ii] = strconv.Itoa(dim)
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
// It returns -1 if the shape is not fully known.
func (s Shape) Size() (size int) {
	if !s.IsFullyKnown() {
		return -1
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store an array of the given shape, or 0 if the shape
// is not fully known.
func (s Shape) Memory() uintptr {
	size := s.Size()
	if size < 0 {
		return 0
	}
	return uintptr(s.DType.Size()) * uintptr(size)
}

// Equal compares two shapes for equality: dtype, rank and dimensions are compared. Unknown dimensions
// are only equal to unknown dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.UnknownRank || s2.UnknownRank {
		return s.UnknownRank == s2.UnknownRank
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// CompatibleDimensions returns whether s and s2 could describe the same dimensions, once
// their unknown parts are resolved.
func (s Shape) CompatibleDimensions(s2 Shape) bool {
	_, err := s.Refine(s2)
	return err == nil
}

// Refine merges the information of s and s2 into the most specific shape compatible with both.
// Unknown dimensions (or an unknown rank) are narrowed to the known values of the other shape.
//
// It returns an error if ranks or known dimensions conflict. The DType of s is kept.
func (s Shape) Refine(s2 Shape) (Shape, error) {
	if s2.UnknownRank {
		return s.Clone(), nil
	}
	if s.UnknownRank {
		refined := s2.Clone()
		refined.DType = s.DType
		return refined, nil
	}
	if s.Rank() != s2.Rank() {
		return Invalid(), errors.Errorf("shapes %s and %s have different ranks", s, s2)
	}
	refined := s.Clone()
	for axis, dim := range s2.Dimensions {
		switch {
		case dim == UnknownDim:
		case refined.Dimensions[axis] == UnknownDim:
			refined.Dimensions[axis] = dim
		case refined.Dimensions[axis] != dim:
			return Invalid(), errors.Errorf("shapes %s and %s differ on axis %d", s, s2, axis)
		}
	}
	return refined, nil
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	s2.UnknownRank = s.UnknownRank
	return
}

// WithDType returns a copy of the shape with the given dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Strides returns the row-major strides (in number of elements) for the shape, which must be fully known.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}
