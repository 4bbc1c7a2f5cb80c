package shapes

import (
	"testing"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))
	require.Equal(t, "(Float64)", shape0.String())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, []int{6, 2, 1}, shape1.Strides())
	require.Equal(t, 2, shape1.Dim(-1))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	require.Panics(t, func() { Make(dtypes.Float32, -2) })
	require.Panics(t, func() { shape1.Dim(3) })
	require.Equal(t, Scalar[float32](), Make(dtypes.Float32))
}

func TestUnknownShapes(t *testing.T) {
	partial := Make(dtypes.Float32, UnknownDim, 3)
	assert.False(t, partial.IsFullyKnown())
	assert.Equal(t, -1, partial.Size())
	assert.Equal(t, uintptr(0), partial.Memory())
	assert.Equal(t, "(Float32)[? 3]", partial.String())

	unranked := MakeUnknownRank(dtypes.Int64)
	assert.Equal(t, -1, unranked.Rank())
	assert.False(t, unranked.IsScalar())
	assert.False(t, unranked.IsFullyKnown())
	assert.Equal(t, "(Int64)[...]", unranked.String())
	assert.True(t, unranked.Equal(MakeUnknownRank(dtypes.Int64)))
	assert.False(t, unranked.Equal(Make(dtypes.Int64)))
}

func TestRefine(t *testing.T) {
	partial := Make(dtypes.Float32, UnknownDim, 3)
	refined, err := partial.Refine(Make(dtypes.Float32, 5, UnknownDim))
	require.NoError(t, err)
	assert.Equal(t, Make(dtypes.Float32, 5, 3), refined)
	// The original is not modified.
	assert.Equal(t, UnknownDim, partial.Dimensions[0])

	_, err = partial.Refine(Make(dtypes.Float32, 5, 4))
	require.Error(t, err)
	_, err = partial.Refine(Make(dtypes.Float32, 5))
	require.Error(t, err)

	refined, err = MakeUnknownRank(dtypes.Float64).Refine(Make(dtypes.Float32, 2))
	require.NoError(t, err)
	assert.Equal(t, Make(dtypes.Float64, 2), refined)

	refined, err = partial.Refine(MakeUnknownRank(dtypes.Float32))
	require.NoError(t, err)
	assert.True(t, refined.Equal(partial))

	assert.True(t, partial.CompatibleDimensions(Make(dtypes.Int8, 7, 3)))
	assert.False(t, partial.CompatibleDimensions(Make(dtypes.Float32, 7, 2)))
}

func TestChecks(t *testing.T) {
	shape := Make(dtypes.Float32, 2, 3)
	require.NoError(t, shape.CheckDims(2, 3))
	require.NoError(t, shape.CheckDims(UncheckedAxis, 3))
	require.Error(t, shape.CheckDims(3, 3))
	require.Error(t, shape.CheckDims(2))
	require.Error(t, shape.Check(dtypes.Float64, 2, 3))
	require.NoError(t, CheckDims(shape, 2, 3))
	require.NoError(t, shape.CheckRank(2))
	require.Error(t, MakeUnknownRank(dtypes.Float32).CheckDims(2))
	require.Panics(t, func() { AssertDims(shape, 1, 1) })
	assert.Equal(t, dtypes.Int32, shape.WithDType(dtypes.Int32).DType)
}
