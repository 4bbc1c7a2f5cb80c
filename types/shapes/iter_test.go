package shapes

import (
	"slices"
	"testing"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/stretchr/testify/require"
)

func collectIndices(shape Shape) [][]int {
	collect := [][]int{}
	for indices := range shape.Iter() {
		collect = append(collect, slices.Clone(indices))
	}
	return collect
}

func TestShape_Iter(t *testing.T) {
	require.Equal(t, [][]int{{0, 0, 0, 0}}, collectIndices(Make(dtypes.Float32, 1, 1, 1, 1)))
	require.Equal(t, [][]int{{}}, collectIndices(Make(dtypes.Float32)))

	want := [][]int{
		{0, 0},
		{0, 1},
		{1, 0},
		{1, 1},
		{2, 0},
		{2, 1},
	}
	require.Equal(t, want, collectIndices(Make(dtypes.Float64, 3, 2)))

	want = [][]int{
		{0, 0, 0, 0},
		{0, 0, 1, 0},
		{1, 0, 0, 0},
		{1, 0, 1, 0},
		{2, 0, 0, 0},
		{2, 0, 1, 0},
	}
	require.Equal(t, want, collectIndices(Make(dtypes.Float16, 3, 1, 2, 1)))

	// Nothing to iterate.
	require.Empty(t, collectIndices(Make(dtypes.Float32, 2, 0)))
	require.Empty(t, collectIndices(Make(dtypes.Float32, 2, UnknownDim)))
	require.Empty(t, collectIndices(MakeUnknownRank(dtypes.Float32)))

	// Early break.
	count := 0
	for range Make(dtypes.Int32, 10, 10).Iter() {
		count++
		if count == 5 {
			break
		}
	}
	require.Equal(t, 5, count)
}
