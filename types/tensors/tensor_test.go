package tensors

import (
	"testing"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestShapeForValue(t *testing.T) {
	shape, err := shapeForValue([][]float32{{0, 0}, {1, 1}, {2, 2}})
	require.NoError(t, err)
	assert.True(t, shapes.Make(dtypes.Float32, 3, 2).Equal(shape))

	shape, err = shapeForValue(5)
	require.NoError(t, err)
	assert.True(t, shapes.Make(dtypes.Int64).Equal(shape))

	shape, err = shapeForValue([][]uint16{{3}})
	require.NoError(t, err)
	assert.Equal(t, dtypes.Uint16, shape.DType)

	_, err = shapeForValue([][][]int{{{1}}, {{1, 2}}})
	require.Error(t, err)
	_, err = shapeForValue([]string{"a"})
	require.Error(t, err)
	_, err = shapeForValue([]float32{})
	require.Error(t, err)
}

func TestFromValueAndValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	assert.Equal(t, "(Float32)[2 3]", tensor.Shape().String())
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, CopyFlatData[float32](tensor))
	assert.Equal(t, "(Float32)[2 3]: [[1 2 3] [4 5 6]]", tensor.String())

	scalar := FromValue(7)
	assert.Equal(t, dtypes.Int64, scalar.DType())
	assert.Equal(t, int64(7), scalar.Value())
	assert.Equal(t, int64(7), ToScalar[int64](scalar))

	half := FromScalar(float16.Fromfloat32(0.5))
	assert.Equal(t, dtypes.Float16, half.DType())

	assert.Same(t, tensor, FromValue(tensor))
	assert.Panics(t, func() { ToScalar[float32](tensor) })
	assert.Panics(t, func() { CopyFlatData[float64](tensor) })
}

func TestConstructors(t *testing.T) {
	ones := Ones(shapes.Make(dtypes.Int32, 2, 2))
	assert.Equal(t, [][]int32{{1, 1}, {1, 1}}, ones.Value())
	zeros := Zeros(shapes.Make(dtypes.Bool, 2))
	assert.Equal(t, []bool{false, false}, zeros.Value())
	full := FromScalarAndDimensions(2.5, 3)
	assert.Equal(t, []float64{2.5, 2.5, 2.5}, full.Value())

	flat := FromFlatDataAndDimensions([]int8{1, 2, 3, 4, 5, 6}, 3, 2)
	assert.Equal(t, [][]int8{{1, 2}, {3, 4}, {5, 6}}, flat.Value())
	assert.Panics(t, func() { FromFlatDataAndDimensions([]int8{1, 2, 3}, 2, 2) })
	assert.Panics(t, func() { FromShape(shapes.Make(dtypes.Float32, shapes.UnknownDim)) })

	anyFlat, err := FromFlatAny([]float64{1, 2}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1}, {2}}, anyFlat.Value())
	_, err = FromFlatAny([]int{1, 2}, 2)
	require.Error(t, err)
}

func TestViewsAndOwnership(t *testing.T) {
	owner := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.False(t, owner.IsView())
	require.Same(t, owner, owner.Base())
	require.Equal(t, 1, owner.References())

	reshaped, err := owner.Reshape(3, 2)
	require.NoError(t, err)
	require.True(t, reshaped.IsView())
	require.Same(t, owner, reshaped.Base())
	require.Equal(t, 2, owner.References())
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}, {5, 6}}, reshaped.Value())

	_, err = owner.Reshape(4, 2)
	require.Error(t, err)

	// Writes through the owner are visible in the view.
	MutableFlatData(owner, func(flat []float32) { flat[0] = 10 })
	assert.Equal(t, float32(10), reshaped.Value().([][]float32)[0][0])

	// Finalizing the owner doesn't release the storage while a view exists.
	owner.Finalize()
	require.True(t, owner.IsFinalized())
	require.False(t, reshaped.IsFinalized())
	require.Equal(t, 1, reshaped.References())
	assert.Equal(t, [][]float32{{10, 2}, {3, 4}, {5, 6}}, reshaped.Value())
	reshaped.Finalize()
	require.Equal(t, 0, reshaped.References())
	reshaped.Finalize() // No-op.
	assert.Panics(t, func() { reshaped.Value() })
}

func TestTransposeAndOrder(t *testing.T) {
	owner := FromValue([][]int32{{1, 2, 3}, {4, 5, 6}})
	defer owner.Finalize()
	assert.Equal(t, RowMajor, owner.Order())

	transposed, err := owner.Transpose(1, 0)
	require.NoError(t, err)
	defer transposed.Finalize()
	assert.True(t, transposed.IsView())
	assert.Equal(t, []int{1, 3}, transposed.Strides())
	assert.Equal(t, ColumnMajor, transposed.Order())
	assert.Equal(t, [][]int32{{1, 4}, {2, 5}, {3, 6}}, transposed.Value())
	assert.Panics(t, func() { MutableFlatData(transposed, func([]int32) {}) })

	// Reshaping a non-contiguous view copies.
	flat, err := transposed.Reshape(6)
	require.NoError(t, err)
	assert.False(t, flat.IsView())
	assert.Equal(t, []int32{1, 4, 2, 5, 3, 6}, flat.Value())

	_, err = owner.Transpose(0, 0)
	require.Error(t, err)

	colMajor := owner.WithOrder(ColumnMajor)
	assert.Equal(t, ColumnMajor, colMajor.Order())
	assert.Equal(t, []int{1, 2}, colMajor.Strides())
	assert.True(t, owner.Equal(colMajor))

	contiguous := transposed.Contiguous()
	assert.False(t, contiguous.IsView())
	assert.Equal(t, RowMajor, contiguous.Order())
	assert.True(t, contiguous.Equal(transposed))
}

func TestEqualAndConvert(t *testing.T) {
	a := FromValue([]float32{1, 2, 3})
	b := FromValue([]float32{1, 2, 3.00001})
	assert.False(t, a.Equal(b))
	assert.True(t, a.InDelta(b, 1e-4))
	assert.False(t, a.InDelta(FromValue([]float64{1, 2, 3}), 1e-4))

	converted := a.ConvertDType(dtypes.Int64)
	assert.Equal(t, []int64{1, 2, 3}, converted.Value())
	assert.Equal(t, []bool{true, false}, FromValue([]float32{2, 0}).ConvertDType(dtypes.Bool).Value())
	assert.Equal(t, []uint8{255, 1}, FromValue([]int32{-1, 1}).ConvertDType(dtypes.Uint8).Value())
	assert.Equal(t, []float64{1, 0}, FromValue([]bool{true, false}).ConvertDType(dtypes.Float64).Value())
	assert.Equal(t, []float64{1, 2, 3}, FlatAsFloat64(converted))
}
