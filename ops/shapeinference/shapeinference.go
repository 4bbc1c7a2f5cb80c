// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the dimensions resulting from operations and validates their inputs.
//
// All functions accept partially known shapes: a dimension equal to shapes.UnknownDim propagates to the
// output wherever it can't be resolved, and known dimensions are validated as much as possible. Shapes
// with unknown rank are not accepted here: the caller decides what to do with them.
//
// The returned shapes carry the DType of the first operand; data types are inferred separately
// (see package ops).
package shapeinference

import (
	"slices"

	"github.com/gomlx/diffgraph/pkg/support/sets"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/pkg/errors"
)

const unknown = shapes.UnknownDim

// AdjustAxis converts a negative axis (counting from the end) to its positive value and checks it's
// within range of rank.
func AdjustAxis(axis, rank int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return adjusted, nil
}

// adjustAxes adjusts all axes and checks that they are unique.
func adjustAxes(axes []int, rank int) ([]int, error) {
	adjusted := make([]int, len(axes))
	seen := sets.Make[int](len(axes))
	for ii, axis := range axes {
		var err error
		adjusted[ii], err = AdjustAxis(axis, rank)
		if err != nil {
			return nil, err
		}
		if seen.Has(adjusted[ii]) {
			return nil, errors.Errorf("axis %d repeated in %v", axis, axes)
		}
		seen.Insert(adjusted[ii])
	}
	return adjusted, nil
}

// BroadcastDim returns the broadcast of two dimensions, following numpy rules: dimensions must be equal or
// one of them must be 1. Unknown dimensions are assumed compatible: an unknown dimension broadcast with a
// known dimension larger than 1 resolves to the known one.
func BroadcastDim(a, b int) (int, error) {
	switch {
	case a == b:
		return a, nil
	case a == 1:
		return b, nil
	case b == 1:
		return a, nil
	case a == unknown:
		return b, nil
	case b == unknown:
		return a, nil
	}
	return 0, errors.Errorf("dimensions %d and %d cannot be broadcast", a, b)
}

// BinaryOp returns the broadcast shape of two operands, following numpy rules: shapes are aligned to the
// right, and each pair of dimensions must be equal or one of them must be 1.
func BinaryOp(lhs, rhs shapes.Shape) (output shapes.Shape, err error) {
	return BroadcastShapes(lhs, rhs)
}

// BroadcastShapes returns the numpy broadcast of all operands. The DType of the first operand is used.
func BroadcastShapes(operands ...shapes.Shape) (output shapes.Shape, err error) {
	if len(operands) == 0 {
		return shapes.Invalid(), errors.New("no operands to broadcast")
	}
	rank := 0
	for _, operand := range operands {
		rank = max(rank, operand.Rank())
	}
	output = shapes.Make(operands[0].DType)
	output.Dimensions = slices.Repeat([]int{1}, rank)
	for _, operand := range operands {
		shift := rank - operand.Rank()
		for axis, dim := range operand.Dimensions {
			output.Dimensions[shift+axis], err = BroadcastDim(output.Dimensions[shift+axis], dim)
			if err != nil {
				return shapes.Invalid(), errors.WithMessagef(err, "broadcasting shapes %v (axis %d)", operands, shift+axis)
			}
		}
	}
	return output, nil
}

// UnaryOp returns the operand shape unchanged.
func UnaryOp(operand shapes.Shape) (shapes.Shape, error) {
	return operand.Clone(), nil
}

// SameShapes checks that all operands have compatible dimensions (no broadcasting) and returns the most
// refined shape among them. Used by variadic element-wise ops like add_n.
func SameShapes(operands []shapes.Shape) (output shapes.Shape, err error) {
	if len(operands) == 0 {
		return shapes.Invalid(), errors.New("no operands given")
	}
	output = operands[0].Clone()
	for ii, operand := range operands[1:] {
		output, err = output.Refine(operand)
		if err != nil {
			return shapes.Invalid(), errors.WithMessagef(err, "operand #%d", ii+1)
		}
	}
	return output, nil
}

// ReduceOp returns the shape of reducing the operand over the given axes. Empty axes reduce over all axes.
// If keepDims is set, reduced axes are kept with dimension 1.
func ReduceOp(operand shapes.Shape, axes []int, keepDims bool) (output shapes.Shape, err error) {
	if len(axes) == 0 {
		axes = make([]int, operand.Rank())
		for ii := range axes {
			axes[ii] = ii
		}
	}
	adjusted, err := adjustAxes(axes, operand.Rank())
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "reducing %s", operand)
	}
	reduced := sets.MakeWith(adjusted...)
	output = shapes.Make(operand.DType)
	for axis, dim := range operand.Dimensions {
		if reduced.Has(axis) {
			if keepDims {
				output.Dimensions = append(output.Dimensions, 1)
			}
			continue
		}
		output.Dimensions = append(output.Dimensions, dim)
	}
	return output, nil
}

// ReshapeOp returns the shape of reshaping operand to dims. One of the dims may be -1, in which case it's
// inferred from the operand size: if the operand size is not known yet, that dimension stays unknown.
func ReshapeOp(operand shapes.Shape, dims []int) (output shapes.Shape, err error) {
	inferredAxis := -1
	knownProduct := 1
	for axis, dim := range dims {
		switch {
		case dim == -1:
			if inferredAxis >= 0 {
				return shapes.Invalid(), errors.Errorf("reshape to %v: only one dimension can be -1", dims)
			}
			inferredAxis = axis
		case dim < 0:
			return shapes.Invalid(), errors.Errorf("reshape to %v: invalid dimension %d", dims, dim)
		default:
			knownProduct *= dim
		}
	}
	output = shapes.Make(operand.DType)
	output.Dimensions = slices.Clone(dims)
	size := operand.Size()
	if size < 0 {
		// Unknown operand size: only check that known parts are consistent when possible.
		return output, nil
	}
	if inferredAxis >= 0 {
		if knownProduct == 0 || size%knownProduct != 0 {
			return shapes.Invalid(), errors.Errorf("cannot reshape %s to %v: size %d not divisible by %d",
				operand, dims, size, knownProduct)
		}
		output.Dimensions[inferredAxis] = size / knownProduct
		return output, nil
	}
	if knownProduct != size {
		return shapes.Invalid(), errors.Errorf("cannot reshape %s to dimensions %v, their size don't match", operand, dims)
	}
	return output, nil
}

// TransposeOp permutes the axes of the operand: output.Dimensions[ii] = operand.Dimensions[permutation[ii]].
// There must be one value in permutation for each axis in the operand.
func TransposeOp(operand shapes.Shape, permutation []int) (output shapes.Shape, err error) {
	rank := operand.Rank()
	if len(permutation) != rank {
		return shapes.Invalid(), errors.Errorf("transpose of %s requires a permutation of all %d axes, got %v",
			operand, rank, permutation)
	}
	axesSet := slices.Clone(permutation)
	slices.Sort(axesSet)
	for ii, srcAxis := range axesSet {
		if srcAxis != ii {
			return shapes.Invalid(), errors.Errorf("invalid permutation %v for transpose of %s, each axis must appear exactly once",
				permutation, operand)
		}
	}
	output = operand.Clone()
	for axis, srcAxis := range permutation {
		output.Dimensions[axis] = operand.Dimensions[srcAxis]
	}
	return output, nil
}

// InversePermutation returns the permutation that undoes the given one.
func InversePermutation(permutation []int) []int {
	inverse := make([]int, len(permutation))
	for axis, srcAxis := range permutation {
		inverse[srcAxis] = axis
	}
	return inverse
}

// ExpandDimsOp inserts axes of dimension 1. The axes refer to positions in the output, and may be negative.
func ExpandDimsOp(operand shapes.Shape, axes []int) (output shapes.Shape, err error) {
	outputRank := operand.Rank() + len(axes)
	adjusted, err := adjustAxes(axes, outputRank)
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "expanding dims of %s", operand)
	}
	inserted := sets.MakeWith(adjusted...)
	output = shapes.Make(operand.DType)
	output.Dimensions = make([]int, 0, outputRank)
	next := 0
	for axis := range outputRank {
		if inserted.Has(axis) {
			output.Dimensions = append(output.Dimensions, 1)
		} else {
			output.Dimensions = append(output.Dimensions, operand.Dimensions[next])
			next++
		}
	}
	return output, nil
}

// BroadcastToOp returns the shape of broadcasting operand (numpy rules) to the target dimensions.
func BroadcastToOp(operand shapes.Shape, dims []int) (output shapes.Shape, err error) {
	if len(dims) < operand.Rank() {
		return shapes.Invalid(), errors.Errorf("cannot broadcast %s to lower rank dimensions %v", operand, dims)
	}
	output = shapes.Make(operand.DType)
	output.Dimensions = slices.Clone(dims)
	shift := len(dims) - operand.Rank()
	for axis, dim := range operand.Dimensions {
		target := dims[shift+axis]
		if dim != 1 && dim != unknown && target != unknown && dim != target {
			return shapes.Invalid(), errors.Errorf("cannot broadcast %s to dimensions %v (axis %d)", operand, dims, shift+axis)
		}
		if target == unknown && dim != 1 {
			output.Dimensions[shift+axis] = dim
		}
	}
	return output, nil
}

// SumToOp validates that operand could have been broadcast from target and returns target's dimensions
// with operand's dtype. It's the shape inference of sum_to_like.
func SumToOp(operand, target shapes.Shape) (output shapes.Shape, err error) {
	if _, err = BroadcastToOp(target, operand.Dimensions); err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "%s is not a broadcast of %s", operand, target)
	}
	return target.WithDType(operand.DType), nil
}

// ConcatenateOp calculates the output shape of concatenating the inputs along axis.
// Unknown dimensions on the concatenation axis make the output dimension unknown.
func ConcatenateOp(inputs []shapes.Shape, axis int) (output shapes.Shape, err error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.New("concatenate requires at least one input shape")
	}
	rank := inputs[0].Rank()
	axis, err = AdjustAxis(axis, rank)
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "concatenating %v", inputs)
	}
	output = inputs[0].Clone()
	for ii, input := range inputs[1:] {
		if input.Rank() != rank {
			return shapes.Invalid(), errors.Errorf("mismatched ranks for concatenate: input #0 has rank %d, input #%d has rank %d",
				rank, ii+1, input.Rank())
		}
		for d := range rank {
			dim := input.Dimensions[d]
			if d == axis {
				if output.Dimensions[d] == unknown || dim == unknown {
					output.Dimensions[d] = unknown
				} else {
					output.Dimensions[d] += dim
				}
				continue
			}
			switch {
			case output.Dimensions[d] == unknown:
				output.Dimensions[d] = dim
			case dim != unknown && dim != output.Dimensions[d]:
				return shapes.Invalid(), errors.Errorf("mismatched dimensions for concatenate at axis %d: %d and %d (input #%d)",
					d, output.Dimensions[d], dim, ii+1)
			}
		}
	}
	return output, nil
}

// SplitOp returns the shapes of splitting operand in numSplits equal parts along axis.
func SplitOp(operand shapes.Shape, axis, numSplits int) (outputs []shapes.Shape, err error) {
	if numSplits < 1 {
		return nil, errors.Errorf("split requires num_splits >= 1, got %d", numSplits)
	}
	axis, err = AdjustAxis(axis, operand.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "splitting %s", operand)
	}
	part := operand.Clone()
	if dim := operand.Dimensions[axis]; dim != unknown {
		if dim%numSplits != 0 {
			return nil, errors.Errorf("cannot split axis %d of %s in %d equal parts", axis, operand, numSplits)
		}
		part.Dimensions[axis] = dim / numSplits
	}
	outputs = make([]shapes.Shape, numSplits)
	for ii := range outputs {
		outputs[ii] = part.Clone()
	}
	return outputs, nil
}

// SplitLikeOp returns the shapes of splitting operand along axis in parts with the axis dimension of each of
// the likes. The other dimensions of each part come from the operand.
func SplitLikeOp(operand shapes.Shape, likes []shapes.Shape, axis int) (outputs []shapes.Shape, err error) {
	axis, err = AdjustAxis(axis, operand.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "splitting %s", operand)
	}
	total := 0
	for ii, like := range likes {
		if like.Rank() != operand.Rank() {
			return nil, errors.Errorf("split_like: like #%d %s has a different rank than %s", ii, like, operand)
		}
		if total != unknown {
			if like.Dimensions[axis] == unknown {
				total = unknown
			} else {
				total += like.Dimensions[axis]
			}
		}
		part := operand.Clone()
		part.Dimensions[axis] = like.Dimensions[axis]
		outputs = append(outputs, part)
	}
	if total != unknown && operand.Dimensions[axis] != unknown && total != operand.Dimensions[axis] {
		return nil, errors.Errorf("split_like: parts add up to %d, but %s has dimension %d on axis %d",
			total, operand, operand.Dimensions[axis], axis)
	}
	return outputs, nil
}

// MatMulOp returns the shape of the matrix multiplication of two rank-2 operands, optionally transposed.
func MatMulOp(lhs, rhs shapes.Shape, transposeLHS, transposeRHS bool) (output shapes.Shape, err error) {
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		return shapes.Invalid(), errors.Errorf("matmul requires rank-2 operands, got %s and %s", lhs, rhs)
	}
	rows, lhsContracting := lhs.Dimensions[0], lhs.Dimensions[1]
	if transposeLHS {
		rows, lhsContracting = lhsContracting, rows
	}
	rhsContracting, cols := rhs.Dimensions[0], rhs.Dimensions[1]
	if transposeRHS {
		rhsContracting, cols = cols, rhsContracting
	}
	if lhsContracting != unknown && rhsContracting != unknown && lhsContracting != rhsContracting {
		return shapes.Invalid(), errors.Errorf("matmul contracting dimensions don't match: %s x %s (transpose=%v, %v)",
			lhs, rhs, transposeLHS, transposeRHS)
	}
	return shapes.Make(lhs.DType, rows, cols), nil
}

// GatherOp returns the shape of gathering slices of params along its first axis: the output has the
// dimensions of indices followed by params' dimensions other than the first.
func GatherOp(params, indices shapes.Shape) (output shapes.Shape, err error) {
	if params.Rank() < 1 {
		return shapes.Invalid(), errors.Errorf("gather requires params of rank >= 1, got %s", params)
	}
	output = shapes.Make(params.DType)
	output.Dimensions = append(slices.Clone(indices.Dimensions), params.Dimensions[1:]...)
	return output, nil
}

// ScatterAddOp checks that updates has the shape of gathering from operand with indices, and returns the
// operand shape.
func ScatterAddOp(operand, indices, updates shapes.Shape) (output shapes.Shape, err error) {
	gathered, err := GatherOp(operand, indices)
	if err != nil {
		return shapes.Invalid(), err
	}
	if !gathered.CompatibleDimensions(updates) {
		return shapes.Invalid(), errors.Errorf("scatter_add: updates %s don't match the %v expected for operand %s and indices %s",
			updates, gathered.Dimensions, operand, indices)
	}
	return operand.Clone(), nil
}

// WhereOp returns the broadcast shape of the condition and the two values. The dtype of onTrue is used.
func WhereOp(condition, onTrue, onFalse shapes.Shape) (output shapes.Shape, err error) {
	output, err = BroadcastShapes(onTrue, onFalse, condition)
	if err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "where")
	}
	return output, nil
}
