package shapeinference

import (
	"testing"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	F32 = dtypes.Float32
	I32 = dtypes.Int32
	MS  = shapes.Make
	U   = shapes.UnknownDim
)

// requireShape checks dimensions, using Shape.Equal to ignore nil vs empty slices.
func requireShape(t *testing.T, want, got shapes.Shape) {
	t.Helper()
	require.Truef(t, want.Equal(got), "wanted %s, got %s", want, got)
}

func TestBinaryOp(t *testing.T) {
	output, err := BinaryOp(MS(F32), MS(F32))
	require.NoError(t, err)
	requireShape(t, MS(F32), output)

	output, err = BinaryOp(MS(F32), MS(F32, 2, 3))
	require.NoError(t, err)
	requireShape(t, MS(F32, 2, 3), output)

	// numpy style right alignment.
	output, err = BinaryOp(MS(F32, 4, 1, 3), MS(F32, 5, 1))
	require.NoError(t, err)
	requireShape(t, MS(F32, 4, 5, 3), output)

	_, err = BinaryOp(MS(F32, 2, 3), MS(F32, 3, 3))
	require.Error(t, err)

	// Unknown dimensions.
	output, err = BinaryOp(MS(F32, U, 3), MS(F32, 2, 1))
	require.NoError(t, err)
	requireShape(t, MS(F32, 2, 3), output)
	output, err = BinaryOp(MS(F32, U, 3), MS(F32, 1, 3))
	require.NoError(t, err)
	requireShape(t, MS(F32, U, 3), output)
	_, err = BinaryOp(MS(F32, U, 3), MS(F32, U, 4))
	require.Error(t, err)
}

func TestReduceOp(t *testing.T) {
	operand := MS(F32, U, 4, 5)
	output, err := ReduceOp(operand, []int{1}, false)
	require.NoError(t, err)
	requireShape(t, MS(F32, U, 5), output)

	output, err = ReduceOp(operand, []int{-1, 0}, true)
	require.NoError(t, err)
	requireShape(t, MS(F32, 1, 4, 1), output)

	output, err = ReduceOp(operand, nil, false)
	require.NoError(t, err)
	requireShape(t, MS(F32), output)

	_, err = ReduceOp(operand, []int{3}, false)
	require.Error(t, err)
	_, err = ReduceOp(operand, []int{1, -2}, false)
	require.Error(t, err)
}

func TestReshapeOp(t *testing.T) {
	output, err := ReshapeOp(MS(F32, 2, 6), []int{3, -1})
	require.NoError(t, err)
	requireShape(t, MS(F32, 3, 4), output)

	_, err = ReshapeOp(MS(F32, 2, 6), []int{5, -1})
	require.Error(t, err)
	_, err = ReshapeOp(MS(F32, 2, 6), []int{5, 2})
	require.Error(t, err)
	_, err = ReshapeOp(MS(F32, 2, 6), []int{-1, -1})
	require.Error(t, err)

	// Unknown operand size keeps the inferred dimension unknown.
	output, err = ReshapeOp(MS(F32, U, 6), []int{-1, 3})
	require.NoError(t, err)
	requireShape(t, MS(F32, U, 3), output)
}

func TestTransposeAndExpand(t *testing.T) {
	output, err := TransposeOp(MS(F32, U, 2, 3), []int{2, 0, 1})
	require.NoError(t, err)
	requireShape(t, MS(F32, 3, U, 2), output)
	require.Equal(t, []int{1, 2, 0}, InversePermutation([]int{2, 0, 1}))

	_, err = TransposeOp(MS(F32, 2, 3), []int{0, 0})
	require.Error(t, err)
	_, err = TransposeOp(MS(F32, 2, 3), []int{0})
	require.Error(t, err)

	output, err = ExpandDimsOp(MS(F32, 2, 3), []int{0, -1})
	require.NoError(t, err)
	requireShape(t, MS(F32, 1, 2, 3, 1), output)
	_, err = ExpandDimsOp(MS(F32, 2, 3), []int{5})
	require.Error(t, err)
}

func TestBroadcastAndSumTo(t *testing.T) {
	output, err := BroadcastToOp(MS(F32, 1, 3), []int{4, 2, 3})
	require.NoError(t, err)
	requireShape(t, MS(F32, 4, 2, 3), output)
	_, err = BroadcastToOp(MS(F32, 2, 3), []int{4, 3})
	require.Error(t, err)

	output, err = SumToOp(MS(F32, 4, 2, 3), MS(I32, 1, 3))
	require.NoError(t, err)
	requireShape(t, MS(F32, 1, 3), output)
	_, err = SumToOp(MS(F32, 4, 2, 3), MS(F32, 5))
	require.Error(t, err)
}

func TestConcatAndSplit(t *testing.T) {
	output, err := ConcatenateOp([]shapes.Shape{MS(F32, 2, 3), MS(F32, 2, 5)}, -1)
	require.NoError(t, err)
	requireShape(t, MS(F32, 2, 8), output)

	output, err = ConcatenateOp([]shapes.Shape{MS(F32, U, 3), MS(F32, 2, U)}, 1)
	require.NoError(t, err)
	requireShape(t, MS(F32, 2, U), output)

	_, err = ConcatenateOp([]shapes.Shape{MS(F32, 2, 3), MS(F32, 3, 3)}, 1)
	require.Error(t, err)

	parts, err := SplitOp(MS(F32, 2, 6), 1, 3)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	requireShape(t, MS(F32, 2, 2), parts[2])
	_, err = SplitOp(MS(F32, 2, 6), 1, 4)
	require.Error(t, err)

	parts, err = SplitLikeOp(MS(F32, 2, 8), []shapes.Shape{MS(F32, 2, 3), MS(F32, 2, 5)}, 1)
	require.NoError(t, err)
	requireShape(t, MS(F32, 2, 3), parts[0])
	requireShape(t, MS(F32, 2, 5), parts[1])
	_, err = SplitLikeOp(MS(F32, 2, 9), []shapes.Shape{MS(F32, 2, 3), MS(F32, 2, 5)}, 1)
	require.Error(t, err)
}

func TestMatMulGatherWhere(t *testing.T) {
	output, err := MatMulOp(MS(F32, 2, 3), MS(F32, 3, 4), false, false)
	require.NoError(t, err)
	requireShape(t, MS(F32, 2, 4), output)
	output, err = MatMulOp(MS(F32, 3, 2), MS(F32, 4, 3), true, true)
	require.NoError(t, err)
	requireShape(t, MS(F32, 2, 4), output)
	_, err = MatMulOp(MS(F32, 2, 3), MS(F32, 2, 4), false, false)
	require.Error(t, err)

	output, err = GatherOp(MS(F32, 10, 4), MS(I32, 2, 3))
	require.NoError(t, err)
	requireShape(t, MS(F32, 2, 3, 4), output)
	output, err = ScatterAddOp(MS(F32, 10, 4), MS(I32, 2), MS(F32, 2, 4))
	require.NoError(t, err)
	requireShape(t, MS(F32, 10, 4), output)
	_, err = ScatterAddOp(MS(F32, 10, 4), MS(I32, 2), MS(F32, 3, 4))
	require.Error(t, err)

	output, err = WhereOp(MS(dtypes.Bool, 2, 1), MS(F32), MS(F32, 1, 3))
	require.NoError(t, err)
	requireShape(t, MS(F32, 2, 3), output)
}
