// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes enumerates the element types a tensor or a graph variable can hold, and the promotion
// lattice used to find the common type of mixed inputs.
package dtypes

import (
	"reflect"
	"strconv"

	"github.com/x448/float16"
)

// DType indicates the type of the unit element of a Tensor (or of a Variable in a graph).
type DType int32

const (
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
)

var dtypeNames = [...]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return "DType(" + strconv.Itoa(int(dtype)) + ")"
	}
	return dtypeNames[dtype]
}

// FromName returns the DType with the given name (as returned by String), or InvalidDType.
func FromName(name string) DType {
	for ii, n := range dtypeNames {
		if n == name {
			return DType(ii)
		}
	}
	return InvalidDType
}

// All returns all valid dtypes, in enumeration order.
func All() []DType {
	all := make([]DType, 0, len(dtypeNames)-1)
	for dtype := Bool; dtype <= Float64; dtype++ {
		all = append(all, dtype)
	}
	return all
}

// IsValid returns whether dtype is one of the enumerated types.
func (dtype DType) IsValid() bool { return dtype > InvalidDType && dtype <= Float64 }

// IsBool returns whether dtype is Bool.
func (dtype DType) IsBool() bool { return dtype == Bool }

// IsInt returns whether dtype is a signed or unsigned integer.
func (dtype DType) IsInt() bool { return dtype >= Int8 && dtype <= Uint64 }

// IsUnsigned returns whether dtype is an unsigned integer.
func (dtype DType) IsUnsigned() bool { return dtype >= Uint8 && dtype <= Uint64 }

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool { return dtype >= Float16 && dtype <= Float64 }

// IsNumeric returns whether dtype is an integer or a float.
func (dtype DType) IsNumeric() bool { return dtype.IsInt() || dtype.IsFloat() }

// Bits returns the number of bits of one element. Bool is stored in one byte.
func (dtype DType) Bits() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 8
	case Int16, Uint16, Float16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Int64, Uint64, Float64:
		return 64
	}
	return 0
}

// Size returns the number of bytes used by one element.
func (dtype DType) Size() int { return dtype.Bits() / 8 }

var goTypes = [...]reflect.Type{
	InvalidDType: nil,
	Bool:         reflect.TypeOf(false),
	Int8:         reflect.TypeOf(int8(0)),
	Int16:        reflect.TypeOf(int16(0)),
	Int32:        reflect.TypeOf(int32(0)),
	Int64:        reflect.TypeOf(int64(0)),
	Uint8:        reflect.TypeOf(uint8(0)),
	Uint16:       reflect.TypeOf(uint16(0)),
	Uint32:       reflect.TypeOf(uint32(0)),
	Uint64:       reflect.TypeOf(uint64(0)),
	Float16:      reflect.TypeOf(float16.Float16(0)),
	Float32:      reflect.TypeOf(float32(0)),
	Float64:      reflect.TypeOf(float64(0)),
}

// GoType returns the Go type used to store one element of dtype, or nil for an invalid dtype.
func (dtype DType) GoType() reflect.Type {
	if !dtype.IsValid() {
		return nil
	}
	return goTypes[dtype]
}

// FromGoType returns the DType for the given Go type. The Go `int` type maps to Int64 and `uint` to Uint64.
// It returns InvalidDType for unsupported types.
func FromGoType(t reflect.Type) DType {
	if t == nil {
		return InvalidDType
	}
	if t == goTypes[Float16] {
		return Float16
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64, reflect.Int:
		return Int64
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64, reflect.Uint:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	default:
		return InvalidDType
	}
}

// Supported lists the Go types that can be stored in a tensor. Used as a generics constraint.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

// Number is the subset of Supported that is natively numeric in Go.
type Number interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// FromGeneric returns the DType for the generic type T.
func FromGeneric[T Supported]() DType {
	var t T
	return FromGoType(reflect.TypeOf(t))
}

// FromAny returns the DType of the Go value, or InvalidDType.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}
