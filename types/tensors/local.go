// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"reflect"
	"slices"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// makeFlat allocates a zero-initialized flat slice for the dtype.
func makeFlat(dtype dtypes.DType, size int) any {
	return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface()
}

func reflectFlat(flat any) reflect.Value { return reflect.ValueOf(flat) }

// lockedRowMajorCopy returns a newly allocated flat slice with the elements of t in row-major order.
// It must be called with t.buf.mu locked (for reading at least).
func (t *Tensor) lockedRowMajorCopy() any {
	size := t.Size()
	src := reflectFlat(t.buf.flat)
	dst := reflect.MakeSlice(src.Type(), size, size)
	if t.IsRowMajorContiguous() {
		reflect.Copy(dst, src.Slice(t.offset, t.offset+size))
		return dst.Interface()
	}
	pos := 0
	for indices := range t.shape.Iter() {
		srcPos := t.offset
		for axis, idx := range indices {
			srcPos += idx * t.strides[axis]
		}
		dst.Index(pos).Set(src.Index(srcPos))
		pos++
	}
	return dst.Interface()
}

// ConstFlatData calls accessFn with the elements of t in row-major order. The slice must not be modified
// or kept after accessFn returns. If t is not row-major contiguous, accessFn receives a temporary copy.
//
// The dtype T must match the tensor's dtype, or it panics.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	t.AssertValid()
	if dtypes.FromGeneric[T]() != t.DType() {
		exceptions.Panicf("tensors.ConstFlatData[%s]: tensor has dtype %s", dtypes.FromGeneric[T](), t.DType())
	}
	t.buf.mu.RLock()
	defer t.buf.mu.RUnlock()
	if t.IsRowMajorContiguous() {
		flat := t.buf.flat.([]T)
		accessFn(flat[t.offset : t.offset+t.Size()])
		return
	}
	accessFn(t.lockedRowMajorCopy().([]T))
}

// MutableFlatData calls accessFn with the elements of t in row-major order, which may be modified.
// Changes are visible to all views sharing the storage. t must be row-major contiguous (see Contiguous),
// and the dtype T must match the tensor's dtype, otherwise it panics.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	t.AssertValid()
	if dtypes.FromGeneric[T]() != t.DType() {
		exceptions.Panicf("tensors.MutableFlatData[%s]: tensor has dtype %s", dtypes.FromGeneric[T](), t.DType())
	}
	if !t.IsRowMajorContiguous() {
		exceptions.Panicf("tensors.MutableFlatData: tensor %s with strides %v is not row-major contiguous", t.shape, t.strides)
	}
	t.buf.mu.Lock()
	defer t.buf.mu.Unlock()
	flat := t.buf.flat.([]T)
	accessFn(flat[t.offset : t.offset+t.Size()])
}

// CopyFlatData returns a copy of the elements of t in row-major order.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = slices.Clone(flat)
	})
	return flatCopy
}

// FlatCopy returns a copy of the elements of t in row-major order, as a slice of the tensor's Go type.
func (t *Tensor) FlatCopy() any {
	t.AssertValid()
	t.buf.mu.RLock()
	defer t.buf.mu.RUnlock()
	return t.lockedRowMajorCopy()
}

// ToScalar returns the single value of a tensor with size 1 (usually a scalar).
func ToScalar[T dtypes.Supported](t *Tensor) (value T) {
	if t.Size() != 1 {
		exceptions.Panicf("tensors.ToScalar: tensor %s has more than one element", t.shape)
	}
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return
}

// FromScalar returns a scalar tensor with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions returns a tensor with the given dimensions, filled with the value given.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGeneric[T](), dimensions...))
	MutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return t
}

// FromFlatDataAndDimensions returns a tensor with the given dimensions, with a copy of the row-major data.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGeneric[T](), dimensions...)
	if shape.Size() != len(data) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d elements, but dimensions %v require %d",
			len(data), dimensions, shape.Size())
	}
	return newOwner(shape, slices.Clone(data), RowMajor)
}

// Full returns a tensor of the given shape with all elements set to value, converted to the shape's dtype.
func Full(shape shapes.Shape, value float64) *Tensor {
	t := FromShape(shape)
	fillFromFloat64(t.buf.flat, func(int) float64 { return value })
	return t
}

// Ones returns a tensor of the given shape filled with ones.
func Ones(shape shapes.Shape) *Tensor { return Full(shape, 1) }

// Zeros returns a tensor of the given shape filled with zeros.
func Zeros(shape shapes.Shape) *Tensor { return FromShape(shape) }

// FromValue converts a scalar or a regular multidimensional slice of a supported type to a Tensor.
// Go `int` values are stored as Int64. If value is already a *Tensor, it is returned as is.
//
// It panics if value can't be converted.
func FromValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	flatV := reflectFlat(t.buf.flat)
	pos := 0
	var copyRecursively func(v reflect.Value)
	copyRecursively = func(v reflect.Value) {
		if v.Kind() == reflect.Slice {
			for ii := range v.Len() {
				copyRecursively(v.Index(ii))
			}
			return
		}
		flatV.Index(pos).Set(v.Convert(flatV.Type().Elem()))
		pos++
	}
	copyRecursively(reflect.ValueOf(value))
	return t
}

// shapeForValue returns the shape of a scalar or regular multidimensional slice.
func shapeForValue(value any) (shape shapes.Shape, err error) {
	v := reflect.ValueOf(value)
	if !v.IsValid() {
		return shape, errors.New("nil value")
	}
	var dims []int
	for v.Kind() == reflect.Slice {
		if v.Len() == 0 {
			return shape, errors.Errorf("empty slices not supported in %T, use FromShape instead", value)
		}
		dims = append(dims, v.Len())
		v = v.Index(0)
	}
	dtype := dtypes.FromGoType(v.Type())
	if dtype == dtypes.InvalidDType {
		return shape, errors.Errorf("cannot convert type %s to a tensor", v.Type())
	}
	shape = shapes.Make(dtype, dims...)
	if err = checkRegular(reflect.ValueOf(value), dims); err != nil {
		return shapes.Invalid(), err
	}
	return shape, nil
}

// checkRegular verifies that all sub-slices have the same dimensions.
func checkRegular(v reflect.Value, dims []int) error {
	if len(dims) == 0 {
		return nil
	}
	if v.Kind() != reflect.Slice || v.Len() != dims[0] {
		return errors.Errorf("sub-slices have irregular shapes, wanted dimensions %v", dims)
	}
	for ii := range v.Len() {
		if err := checkRegular(v.Index(ii), dims[1:]); err != nil {
			return err
		}
	}
	return nil
}

// Value returns a multidimensional slice (or a scalar) with a copy of the tensor's values.
// E.g.: a tensor of shape (Float32)[2 3] returns a [][]float32.
func (t *Tensor) Value() any {
	flatV := reflectFlat(t.FlatCopy())
	if t.IsScalar() {
		return flatV.Index(0).Interface()
	}
	return sliceRecursively(flatV, t.shape.Dimensions).Interface()
}

// sliceRecursively converts the row-major flat slice into nested slices with the given dimensions.
func sliceRecursively(flatV reflect.Value, dims []int) reflect.Value {
	if len(dims) == 1 {
		return flatV
	}
	subSize := 1
	for _, dim := range dims[1:] {
		subSize *= dim
	}
	resultT := flatV.Type()
	for range dims[1:] {
		resultT = reflect.SliceOf(resultT)
	}
	result := reflect.MakeSlice(resultT, dims[0], dims[0])
	for ii := range dims[0] {
		result.Index(ii).Set(sliceRecursively(flatV.Slice(ii*subSize, (ii+1)*subSize), dims[1:]))
	}
	return result
}

// Equal checks that the tensors have the same shape and values. NaN values are never equal.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	if t.DType().IsInt() {
		return slices.Equal(flatAsInt64(t.FlatCopy()), flatAsInt64(other.FlatCopy()))
	}
	return slices.Equal(FlatAsFloat64(t), FlatAsFloat64(other))
}

// InDelta checks that the tensors have the same shape and their values are within delta of each other.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	a, b := FlatAsFloat64(t), FlatAsFloat64(other)
	for ii := range a {
		if math.IsNaN(a[ii]) || math.IsNaN(b[ii]) || math.Abs(a[ii]-b[ii]) > delta {
			return false
		}
	}
	return true
}

// ConvertDType returns a new tensor with the values of t converted to dtype.
func (t *Tensor) ConvertDType(dtype dtypes.DType) *Tensor {
	out := FromShape(t.shape.WithDType(dtype))
	src := t.FlatCopy()
	if dtype.IsInt() && !t.DType().IsFloat() {
		ints := flatAsInt64(src)
		fillFromInt64(out.buf.flat, func(ii int) int64 { return ints[ii] })
		return out
	}
	floats := flatAsFloat64(src)
	fillFromFloat64(out.buf.flat, func(ii int) float64 { return floats[ii] })
	return out
}

// FlatAsFloat64 returns the values of t in row-major order converted to float64.
func FlatAsFloat64(t *Tensor) []float64 {
	return flatAsFloat64(t.FlatCopy())
}

func convertToFloat64[T dtypes.Supported](flat []T) []float64 {
	out := make([]float64, len(flat))
	for ii, v := range flat {
		out[ii] = dtypes.ToFloat64(v)
	}
	return out
}

func convertToInt64[T dtypes.Supported](flat []T) []int64 {
	out := make([]int64, len(flat))
	for ii, v := range flat {
		out[ii] = dtypes.ToInt64(v)
	}
	return out
}

func flatAsFloat64(flat any) []float64 {
	switch f := flat.(type) {
	case []bool:
		return convertToFloat64(f)
	case []int8:
		return convertToFloat64(f)
	case []int16:
		return convertToFloat64(f)
	case []int32:
		return convertToFloat64(f)
	case []int64:
		return convertToFloat64(f)
	case []uint8:
		return convertToFloat64(f)
	case []uint16:
		return convertToFloat64(f)
	case []uint32:
		return convertToFloat64(f)
	case []uint64:
		return convertToFloat64(f)
	case []float16.Float16:
		return convertToFloat64(f)
	case []float32:
		return convertToFloat64(f)
	case []float64:
		return slices.Clone(f)
	}
	exceptions.Panicf("tensors: unsupported flat type %T", flat)
	return nil
}

func flatAsInt64(flat any) []int64 {
	switch f := flat.(type) {
	case []bool:
		return convertToInt64(f)
	case []int8:
		return convertToInt64(f)
	case []int16:
		return convertToInt64(f)
	case []int32:
		return convertToInt64(f)
	case []int64:
		return slices.Clone(f)
	case []uint8:
		return convertToInt64(f)
	case []uint16:
		return convertToInt64(f)
	case []uint32:
		return convertToInt64(f)
	case []uint64:
		out := make([]int64, len(f))
		for ii, v := range f {
			out[ii] = int64(v)
		}
		return out
	case []float16.Float16:
		return convertToInt64(f)
	case []float32:
		return convertToInt64(f)
	case []float64:
		return convertToInt64(f)
	}
	exceptions.Panicf("tensors: unsupported flat type %T", flat)
	return nil
}

func fillFloat[T dtypes.Supported](flat []T, valueFn func(int) float64) {
	for ii := range flat {
		flat[ii] = dtypes.FromFloat64[T](valueFn(ii))
	}
}

func fillInt[T dtypes.Supported](flat []T, valueFn func(int) int64) {
	for ii := range flat {
		flat[ii] = dtypes.FromInt64[T](valueFn(ii))
	}
}

func fillFromFloat64(flat any, valueFn func(int) float64) {
	switch f := flat.(type) {
	case []bool:
		fillFloat(f, valueFn)
	case []int8:
		fillFloat(f, valueFn)
	case []int16:
		fillFloat(f, valueFn)
	case []int32:
		fillFloat(f, valueFn)
	case []int64:
		fillFloat(f, valueFn)
	case []uint8:
		fillFloat(f, valueFn)
	case []uint16:
		fillFloat(f, valueFn)
	case []uint32:
		fillFloat(f, valueFn)
	case []uint64:
		fillFloat(f, valueFn)
	case []float16.Float16:
		fillFloat(f, valueFn)
	case []float32:
		fillFloat(f, valueFn)
	case []float64:
		fillFloat(f, valueFn)
	default:
		exceptions.Panicf("tensors: unsupported flat type %T", flat)
	}
}

func fillFromInt64(flat any, valueFn func(int) int64) {
	switch f := flat.(type) {
	case []int8:
		fillInt(f, valueFn)
	case []int16:
		fillInt(f, valueFn)
	case []int32:
		fillInt(f, valueFn)
	case []int64:
		fillInt(f, valueFn)
	case []uint8:
		fillInt(f, valueFn)
	case []uint16:
		fillInt(f, valueFn)
	case []uint32:
		fillInt(f, valueFn)
	case []uint64:
		fillInt(f, valueFn)
	default:
		fillFromFloat64(flat, func(ii int) float64 { return float64(valueFn(ii)) })
	}
}

// FromFlatAny creates a tensor owning a copy of flat, a slice of a supported Go type, with the given dimensions.
func FromFlatAny(flat any, dimensions ...int) (*Tensor, error) {
	flatV := reflectFlat(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("tensors.FromFlatAny: %T is not a slice", flat)
	}
	dtype := dtypes.FromGoType(flatV.Type().Elem())
	if dtype == dtypes.InvalidDType || flatV.Type().Elem() != dtype.GoType() {
		return nil, errors.Errorf("tensors.FromFlatAny: unsupported element type %s", flatV.Type().Elem())
	}
	shape := shapes.Make(dtype, dimensions...)
	if shape.Size() != flatV.Len() {
		return nil, errors.Errorf("tensors.FromFlatAny: %d elements don't fit dimensions %v", flatV.Len(), dimensions)
	}
	flatCopy := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(flatCopy, flatV)
	return newOwner(shape, flatCopy.Interface(), RowMajor), nil
}
