package dtypes

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestDTypeProperties(t *testing.T) {
	assert.Equal(t, "Float32", Float32.String())
	assert.Equal(t, "DType(99)", DType(99).String())
	assert.Equal(t, Uint16, FromName("Uint16"))
	assert.Equal(t, InvalidDType, FromName("Complex64"))
	assert.Len(t, All(), 12)

	assert.True(t, Float16.IsFloat())
	assert.False(t, Float16.IsInt())
	assert.True(t, Uint32.IsUnsigned())
	assert.True(t, Int8.IsInt())
	assert.False(t, Bool.IsNumeric())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 1, Bool.Size())
	assert.Equal(t, 8, Uint64.Size())
}

func TestGoTypes(t *testing.T) {
	for _, dtype := range All() {
		assert.Equal(t, dtype, FromGoType(dtype.GoType()), "round trip of %s", dtype)
	}
	assert.Equal(t, Int64, FromGoType(reflect.TypeOf(int(0))))
	assert.Equal(t, Float16, FromGeneric[float16.Float16]())
	assert.Equal(t, Float32, FromAny(float32(1)))
	assert.Equal(t, InvalidDType, FromAny("string"))
	assert.Nil(t, InvalidDType.GoType())
}

func TestPromote(t *testing.T) {
	testCases := []struct {
		a, b, want DType
	}{
		{Float32, Float32, Float32},
		{Bool, Int32, Int32},
		{Float64, Bool, Float64},
		{Int8, Int64, Int64},
		{Uint8, Uint32, Uint32},
		{Uint8, Int8, Int16},
		{Int32, Uint32, Int64},
		{Uint16, Int64, Int64},
		{Int64, Float16, Float16},
		{Float16, Float32, Float32},
		{Float64, Float32, Float64},
	}
	for _, tc := range testCases {
		got, err := Promote(tc.a, tc.b)
		require.NoError(t, err, "Promote(%s, %s)", tc.a, tc.b)
		assert.Equal(t, tc.want, got, "Promote(%s, %s)", tc.a, tc.b)

		// Promotion must be symmetric.
		got, err = Promote(tc.b, tc.a)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "Promote(%s, %s)", tc.b, tc.a)
	}

	_, err := Promote(Uint64, Int8)
	require.Error(t, err)
	_, err = Promote(InvalidDType, Int8)
	require.Error(t, err)

	got, err := PromoteAll(Bool, Int32, Float32)
	require.NoError(t, err)
	assert.Equal(t, Float32, got)
	_, err = PromoteAll()
	require.Error(t, err)
}

func TestConvert(t *testing.T) {
	assert.Equal(t, float32(3), Convert[int64, float32](3))
	assert.Equal(t, int32(-2), Convert[float64, int32](-2.7))
	assert.Equal(t, true, Convert[float32, bool](0.5))
	assert.Equal(t, false, Convert[int8, bool](0))
	assert.Equal(t, uint64(1<<63+5), Convert[uint64, uint64](1<<63+5))
	assert.Equal(t, int64(1<<62+1), Convert[int64, int64](1<<62+1))
	assert.Equal(t, float16.Fromfloat32(1.5), Convert[float64, float16.Float16](1.5))
	assert.Equal(t, 1.5, ToFloat64(float16.Fromfloat32(1.5)))
	assert.Equal(t, uint8(1), Convert[bool, uint8](true))
	assert.Equal(t, int64(7), ToInt64(float32(7.9)))
	assert.Equal(t, int16(300), FromInt64[int16](300))
}
