// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a representation of a multi-dimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes dimensions) and their actual content, stored in a flat Go slice.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened (row-major) values with the given data.
//   - FromValue(value any): generic conversion from a scalar or an arbitrarily nested (and regular)
//     multidimensional slice.
//
// Example:
//
//	t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
//
// Storage ownership: the Tensor that creates a buffer owns it. Views (see Tensor.View, Tensor.Reshape and
// Tensor.Transpose) share the buffer of their owner, hold a back-reference to it (Tensor.Base) and keep the
// buffer alive: the buffer is only released when the owner and all views are finalized.
package tensors

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Order describes the memory layout of a tensor.
type Order int

const (
	// RowMajor layout: the last axis is contiguous in memory.
	RowMajor Order = iota

	// ColumnMajor layout: the first axis is contiguous in memory.
	ColumnMajor

	// Strided is the layout of views whose strides match neither of the above, e.g. a transposed view.
	Strided
)

// String implements fmt.Stringer.
func (o Order) String() string {
	switch o {
	case RowMajor:
		return "RowMajor"
	case ColumnMajor:
		return "ColumnMajor"
	default:
		return "Strided"
	}
}

// buffer is the reference counted storage shared by an owning Tensor and its views.
type buffer struct {
	mu   sync.RWMutex
	flat any // []T for the dtype of the owner.
	refs atomic.Int32
}

// Tensor represents a multidimensional array, defined by its shape and its content.
//
// The shape is immutable. The content can be changed with MutableFlatData, which affects all views
// sharing the same buffer.
type Tensor struct {
	shape   shapes.Shape
	strides []int
	offset  int
	buf     *buffer

	// owner is the tensor that created buf. It is nil for owning tensors.
	owner *Tensor

	finalized atomic.Bool
}

// newOwner creates a tensor owning the given flat storage, in the given order.
func newOwner(shape shapes.Shape, flat any, order Order) *Tensor {
	if !shape.IsFullyKnown() {
		exceptions.Panicf("tensors: cannot create a tensor with a partially unknown shape %s", shape)
	}
	t := &Tensor{
		shape:   shape,
		strides: layoutStrides(shape.Dimensions, order),
		buf:     &buffer{flat: flat},
	}
	t.buf.refs.Store(1)
	return t
}

// layoutStrides returns the strides of a contiguous layout in the given order.
func layoutStrides(dims []int, order Order) []int {
	strides := make([]int, len(dims))
	stride := 1
	if order == ColumnMajor {
		for axis := range dims {
			strides[axis] = stride
			stride *= dims[axis]
		}
		return strides
	}
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// FromShape returns a Tensor with the given shape, with values initialized with zero, in row-major order.
func FromShape(shape shapes.Shape) *Tensor {
	return FromShapeWithOrder(shape, RowMajor)
}

// FromShapeWithOrder returns a zero-initialized Tensor with the given shape and memory order.
func FromShapeWithOrder(shape shapes.Shape, order Order) *Tensor {
	if !shape.DType.IsValid() {
		exceptions.Panicf("tensors.FromShape(%s): invalid dtype", shape)
	}
	size := shape.Size()
	if size < 0 {
		exceptions.Panicf("tensors.FromShape(%s): shape must be fully known", shape)
	}
	if order == Strided {
		exceptions.Panicf("tensors.FromShape(%s): cannot allocate a tensor with Strided order", shape)
	}
	return newOwner(shape.Clone(), makeFlat(shape.DType, size), order)
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the elements of the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Strides returns a copy of the strides (in number of elements) of each axis.
func (t *Tensor) Strides() []int { return slices.Clone(t.strides) }

// Offset returns the position of the first element of the tensor in its buffer.
func (t *Tensor) Offset() int { return t.offset }

// IsView returns whether the tensor shares the buffer of another tensor.
func (t *Tensor) IsView() bool { return t.owner != nil }

// Base returns the tensor owning the storage: t itself for owning tensors, or the original owner for views.
func (t *Tensor) Base() *Tensor {
	if t.owner != nil {
		return t.owner
	}
	return t
}

// References returns the number of live tensors (owner and views) sharing t's buffer.
func (t *Tensor) References() int { return int(t.buf.refs.Load()) }

// Order returns the memory layout of the tensor.
func (t *Tensor) Order() Order {
	if t.isLayout(RowMajor) {
		return RowMajor
	}
	if t.isLayout(ColumnMajor) {
		return ColumnMajor
	}
	return Strided
}

// isLayout checks the strides against the contiguous layout in the given order. Axes of dimension 1 are ignored.
func (t *Tensor) isLayout(order Order) bool {
	want := layoutStrides(t.shape.Dimensions, order)
	for axis, dim := range t.shape.Dimensions {
		if dim != 1 && want[axis] != t.strides[axis] {
			return false
		}
	}
	return true
}

// IsRowMajorContiguous returns whether the elements are stored contiguously in row-major order.
func (t *Tensor) IsRowMajorContiguous() bool { return t.isLayout(RowMajor) }

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been finalized.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && !t.finalized.Load()
}

// AssertValid panics if the tensor is nil or finalized.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensors: Tensor is nil")
	}
	if t.finalized.Load() {
		exceptions.Panicf("tensors: Tensor %s has already been finalized", t.shape)
	}
}

// IsFinalized returns whether Finalize has been called on this tensor.
func (t *Tensor) IsFinalized() bool { return t.finalized.Load() }

// Finalize releases this reference to the storage. The storage itself is freed when the last tensor
// sharing it (owner or views) is finalized. Calling Finalize more than once is a no-op.
func (t *Tensor) Finalize() {
	if t == nil || !t.finalized.CompareAndSwap(false, true) {
		return
	}
	if t.buf.refs.Add(-1) == 0 {
		t.buf.mu.Lock()
		t.buf.flat = nil
		t.buf.mu.Unlock()
		if klog.V(3).Enabled() {
			klog.Infof("tensors: released buffer of %s", t.shape)
		}
	}
}

// newView creates a view sharing t's buffer with the given shape, strides and offset.
func (t *Tensor) newView(shape shapes.Shape, strides []int, offset int) *Tensor {
	t.AssertValid()
	view := &Tensor{
		shape:   shape,
		strides: strides,
		offset:  offset,
		buf:     t.buf,
		owner:   t.Base(),
	}
	t.buf.refs.Add(1)
	return view
}

// View returns a new reference to the same data, with the same shape and layout.
// It must be finalized independently of t.
func (t *Tensor) View() *Tensor {
	return t.newView(t.shape.Clone(), slices.Clone(t.strides), t.offset)
}

// Reshape returns a tensor with the same elements (in row-major order) and the new dimensions.
//
// If t is row-major contiguous the result is a view sharing t's buffer, otherwise the data is copied.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	t.AssertValid()
	newShape := shapes.Shape{DType: t.shape.DType, Dimensions: slices.Clone(dimensions)}
	if !newShape.IsFullyKnown() || newShape.Size() != t.Size() {
		return nil, errors.Errorf("tensors: cannot reshape %s to dimensions %v", t.shape, dimensions)
	}
	if t.IsRowMajorContiguous() {
		return t.newView(newShape, layoutStrides(dimensions, RowMajor), t.offset), nil
	}
	c := t.Clone()
	c.shape = newShape
	c.strides = layoutStrides(dimensions, RowMajor)
	return c, nil
}

// Transpose returns a view of t with the axes permuted: axis i of the result is axis permutation[i] of t.
// No data is copied.
func (t *Tensor) Transpose(permutation ...int) (*Tensor, error) {
	t.AssertValid()
	if len(permutation) != t.Rank() {
		return nil, errors.Errorf("tensors: permutation %v doesn't match rank of %s", permutation, t.shape)
	}
	seen := make([]bool, t.Rank())
	dims := make([]int, t.Rank())
	strides := make([]int, t.Rank())
	for ii, axis := range permutation {
		if axis < 0 || axis >= t.Rank() || seen[axis] {
			return nil, errors.Errorf("tensors: invalid permutation %v for %s", permutation, t.shape)
		}
		seen[axis] = true
		dims[ii] = t.shape.Dimensions[axis]
		strides[ii] = t.strides[axis]
	}
	return t.newView(shapes.Make(t.shape.DType, dims...), strides, t.offset), nil
}

// Contiguous returns t itself as a new view if it is row-major contiguous, or a row-major copy owning its
// storage otherwise. Either way the result must be finalized independently.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsRowMajorContiguous() {
		return t.View()
	}
	return t.Clone()
}

// Clone returns a deep copy of the tensor, owning its storage, in row-major order.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	t.buf.mu.RLock()
	defer t.buf.mu.RUnlock()
	return newOwner(t.shape.Clone(), t.lockedRowMajorCopy(), RowMajor)
}

// WithOrder returns a copy of the tensor with its storage in the given order.
func (t *Tensor) WithOrder(order Order) *Tensor {
	rowMajor := t.Clone()
	if order == RowMajor {
		return rowMajor
	}
	defer rowMajor.Finalize()
	colMajor := FromShapeWithOrder(t.shape, order)
	dst := reflectFlat(colMajor.buf.flat)
	src := reflectFlat(rowMajor.buf.flat)
	pos := 0
	for indices := range t.shape.Iter() {
		dstPos := 0
		for axis, idx := range indices {
			dstPos += idx * colMajor.strides[axis]
		}
		dst.Index(dstPos).Set(src.Index(pos))
		pos++
	}
	return colMajor
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	if !t.Ok() {
		return fmt.Sprintf("%s: (finalized)", t.shape)
	}
	return fmt.Sprintf("%s: %v", t.shape, t.Value())
}

var _ shapes.HasShape = (*Tensor)(nil)
