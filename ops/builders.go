// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"slices"

	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/gomlx/exceptions"
)

// Small helpers used by the backward rules to build new nodes.

func op1(b Builder, opName string, attrs Attributes, inputs ...VarID) VarID {
	return b.Add(opName, inputs, attrs)[0]
}

func add(b Builder, x, y VarID) VarID { return op1(b, "add", nil, x, y) }
func sub(b Builder, x, y VarID) VarID { return op1(b, "sub", nil, x, y) }
func mul(b Builder, x, y VarID) VarID { return op1(b, "mul", nil, x, y) }
func div(b Builder, x, y VarID) VarID { return op1(b, "div", nil, x, y) }
func neg(b Builder, x VarID) VarID    { return op1(b, "neg", nil, x) }

func unary(b Builder, opName string, x VarID) VarID { return op1(b, opName, nil, x) }

func castLike(b Builder, x, like VarID) VarID {
	dtype := b.Shape(like).DType
	if b.Shape(x).DType == dtype {
		return x
	}
	return op1(b, "cast", Attributes{"dtype": dtype}, x)
}

func zerosLike(b Builder, x VarID) VarID { return op1(b, "zeros_like", nil, x) }

// scalarLike returns a scalar constant with value, with the dtype of x.
func scalarLike(b Builder, x VarID, value float64) VarID {
	return b.Constant(tensors.Full(shapes.Make(b.Shape(x).DType), value))
}

func where(b Builder, cond, onTrue, onFalse VarID) VarID {
	return op1(b, "where", nil, cond, onTrue, onFalse)
}

// sumToLike reduces grad, the result of a broadcast, back to the shape of like. If the shapes are already
// the same it returns grad as is.
func sumToLike(b Builder, grad, like VarID) VarID {
	gradShape, likeShape := b.Shape(grad), b.Shape(like)
	if gradShape.IsFullyKnown() && likeShape.IsFullyKnown() && gradShape.EqualDimensions(likeShape) {
		return grad
	}
	return op1(b, "sum_to_like", nil, grad, like)
}

func broadcastLike(b Builder, x, like VarID) VarID { return op1(b, "broadcast_like", nil, x, like) }

// reducedAxes returns the axes reduced by a reduction over x with the given attributes, sorted.
func reducedAxes(b Builder, x VarID, axes []int) []int {
	shape := b.Shape(x)
	if shape.UnknownRank {
		exceptions.Panicf("cannot differentiate a reduction over an input of unknown rank (%s)", shape)
	}
	rank := shape.Rank()
	if len(axes) == 0 {
		all := make([]int, rank)
		for ii := range all {
			all[ii] = ii
		}
		return all
	}
	adjusted := make([]int, len(axes))
	for ii, axis := range axes {
		if axis < 0 {
			axis += rank
		}
		adjusted[ii] = axis
	}
	slices.Sort(adjusted)
	return adjusted
}

// keepReducedDims re-inserts the reduced axes (as dimension 1) in the output of a reduction, if
// it was reduced without keep_dims.
func keepReducedDims(b Builder, reduced VarID, axes []int, keptDims bool) VarID {
	if keptDims || len(axes) == 0 {
		return reduced
	}
	return op1(b, "expand_dims", Attributes{"axes": axes}, reduced)
}
