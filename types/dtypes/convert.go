// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"

	"github.com/x448/float16"
)

// ToFloat64 converts any supported value to float64. Bool converts to 0 or 1.
func ToFloat64[T Supported](v T) float64 {
	switch x := any(v).(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float16.Float16:
		return float64(x.Float32())
	case float32:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}

// ToInt64 converts any supported value to int64, truncating floats.
func ToInt64[T Supported](v T) int64 {
	switch x := any(v).(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float16.Float16:
		return int64(x.Float32())
	case float32:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

// FromFloat64 converts a float64 to any supported type. Integers truncate, bool is true for non-zero values.
func FromFloat64[T Supported](f float64) T {
	var t T
	switch p := any(&t).(type) {
	case *bool:
		*p = f != 0
	case *int8:
		*p = int8(f)
	case *int16:
		*p = int16(f)
	case *int32:
		*p = int32(f)
	case *int64:
		*p = int64(f)
	case *uint8:
		*p = uint8(f)
	case *uint16:
		*p = uint16(f)
	case *uint32:
		*p = uint32(f)
	case *uint64:
		*p = uint64(f)
	case *float16.Float16:
		*p = float16.Fromfloat32(float32(f))
	case *float32:
		*p = float32(f)
	case *float64:
		*p = f
	}
	return t
}

// FromInt64 converts an int64 to any supported type.
func FromInt64[T Supported](i int64) T {
	var t T
	switch p := any(&t).(type) {
	case *bool:
		*p = i != 0
	case *int8:
		*p = int8(i)
	case *int16:
		*p = int16(i)
	case *int32:
		*p = int32(i)
	case *int64:
		*p = i
	case *uint8:
		*p = uint8(i)
	case *uint16:
		*p = uint16(i)
	case *uint32:
		*p = uint32(i)
	case *uint64:
		*p = uint64(i)
	default:
		t = FromFloat64[T](float64(i))
	}
	return t
}

// Convert a value between two supported types.
// Integer to integer conversions don't go through float64, so they keep full precision.
func Convert[From, To Supported](v From) To {
	to := FromGeneric[To]()
	from := FromGeneric[From]()
	if to.IsInt() && (from.IsInt() || from.IsBool()) {
		if from == Uint64 {
			return FromInt64[To](int64(any(v).(uint64)))
		}
		return FromInt64[To](ToInt64(v))
	}
	if to.IsBool() {
		var t To
		*any(&t).(*bool) = ToFloat64(v) != 0
		return t
	}
	return FromFloat64[To](ToFloat64(v))
}
