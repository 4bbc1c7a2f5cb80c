// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/diffgraph/ops/shapeinference"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/gomlx/exceptions"
)

// DTypeDispatcher holds one instantiation of a generic function per dtype.
type DTypeDispatcher[F any] struct {
	Name  string
	fnMap map[dtypes.DType]F
}

// NewDTypeDispatcher creates a new dispatcher for a class of functions.
func NewDTypeDispatcher[F any](name string) *DTypeDispatcher[F] {
	return &DTypeDispatcher[F]{
		Name:  name,
		fnMap: make(map[dtypes.DType]F),
	}
}

// Register a function to handle a specific dtype.
// This overwrites any previous setting for the same dtype.
func (d *DTypeDispatcher[F]) Register(dtype dtypes.DType, fn F) {
	d.fnMap[dtype] = fn
}

// Get returns the function that matches the dtype, or panics if there is none.
func (d *DTypeDispatcher[F]) Get(dtype dtypes.DType) F {
	fn, found := d.fnMap[dtype]
	if !found {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	return fn
}

// Has returns whether there is a function registered for dtype.
func (d *DTypeDispatcher[F]) Has(dtype dtypes.DType) bool {
	_, found := d.fnMap[dtype]
	return found
}

// PODNumericConstraints are used for generics for the Golang pod (plain-old-data) types.
// Float16 is not included because it is computed as float32.
type PODNumericConstraints interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// PODIntegerConstraints are used for generics for the Golang pod (plain-old-data) types.
type PODIntegerConstraints interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// PODFloatConstraints are used for generics for the Golang pod (plain-old-data) types.
type PODFloatConstraints interface {
	float32 | float64
}

// registerIntegers registers the instantiations for each integer dtype.
func registerIntegers[F any](d *DTypeDispatcher[F], i8, i16, i32, i64, u8, u16, u32, u64 F) {
	d.Register(dtypes.Int8, i8)
	d.Register(dtypes.Int16, i16)
	d.Register(dtypes.Int32, i32)
	d.Register(dtypes.Int64, i64)
	d.Register(dtypes.Uint8, u8)
	d.Register(dtypes.Uint16, u16)
	d.Register(dtypes.Uint32, u32)
	d.Register(dtypes.Uint64, u64)
}

// registerFloats registers the float32 and float64 instantiations.
func registerFloats[F any](d *DTypeDispatcher[F], f32, f64 F) {
	d.Register(dtypes.Float32, f32)
	d.Register(dtypes.Float64, f64)
}

// remapFn returns for each output element (in row-major order) the source tensor and the flat index in it
// to copy from. It's called sequentially, in order, so it can keep state.
type remapFn func(outputIdx int) (source, sourceIdx int)

var remapDispatcher = NewDTypeDispatcher[func(output shapes.Shape, sources []*tensors.Tensor, pick remapFn) *tensors.Tensor]("remap")

func init() {
	registerIntegers(remapDispatcher, remapGeneric[int8], remapGeneric[int16], remapGeneric[int32], remapGeneric[int64],
		remapGeneric[uint8], remapGeneric[uint16], remapGeneric[uint32], remapGeneric[uint64])
	registerFloats(remapDispatcher, remapGeneric[float32], remapGeneric[float64])
	remapDispatcher.Register(dtypes.Bool, remapGeneric[bool])
}

// remap creates a tensor with the given shape, whose elements are copied from the sources, as selected
// by pick. It implements all data movement operations, for any dtype. All sources must have the dtype
// of the output.
func remap(output shapes.Shape, sources []*tensors.Tensor, pick remapFn) *tensors.Tensor {
	for ii, source := range sources {
		if source.DType() != output.DType {
			exceptions.Panicf("remap: source %d has dtype %s, output has dtype %s", ii, source.DType(), output.DType)
		}
	}
	return remapDispatcher.Get(output.DType)(output, sources, pick)
}

func remapGeneric[T dtypes.Supported](output shapes.Shape, sources []*tensors.Tensor, pick remapFn) *tensors.Tensor {
	flats := make([][]T, len(sources))
	for ii, source := range sources {
		flats[ii] = tensors.CopyFlatData[T](source)
	}
	out := tensors.FromShape(output)
	tensors.MutableFlatData(out, func(flat []T) {
		for ii := range flat {
			source, sourceIdx := pick(ii)
			flat[ii] = flats[source][sourceIdx]
		}
	})
	return out
}

// rowMajorStrides returns the strides of each axis of dims, for a row-major contiguous layout.
func rowMajorStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// adjustAxis converts a negative axis to its positive counterpart, and panics if out of range.
func adjustAxis(axis, rank int) int {
	adjusted, err := shapeinference.AdjustAxis(axis, rank)
	if err != nil {
		panic(err)
	}
	return adjusted
}
