// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/diffgraph/ops/shapeinference"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/pkg/errors"
)

func matmul(b Builder, lhs, rhs VarID, transposeA, transposeB bool) VarID {
	return op1(b, "matmul", Attributes{"transpose_a": transposeA, "transpose_b": transposeB}, lhs, rhs)
}

// matmulBackward for C = op(A)·op(B), where op optionally transposes:
//
//	dA = v·op(B)ᵀ, transposed back if A was transposed.
//	dB = op(A)ᵀ·v, transposed back if B was transposed.
func matmulBackward(ctx *BackwardContext) []VarID {
	b, lhs, rhs, v := ctx.Builder, ctx.Inputs[0], ctx.Inputs[1], ctx.OutputGrads[0]
	tA, tB := ctx.Attributes.Bool("transpose_a"), ctx.Attributes.Bool("transpose_b")
	grads := []VarID{NoGradient, NoGradient}
	if ctx.Wants(0) {
		var dA VarID
		if !tA {
			dA = matmul(b, v, rhs, false, !tB)
		} else {
			dA = matmul(b, rhs, v, tB, true)
		}
		grads[0] = castLike(b, dA, lhs)
	}
	if ctx.Wants(1) {
		var dB VarID
		if !tB {
			dB = matmul(b, lhs, v, !tA, false)
		} else {
			dB = matmul(b, v, lhs, true, tA)
		}
		grads[1] = castLike(b, dB, rhs)
	}
	return grads
}

func checkIndices(dtype dtypes.DType) error {
	if !dtype.IsInt() {
		return errors.Errorf("indices must be integers, got %s", dtype)
	}
	return nil
}

func gatherDType(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	if err := checkIndices(inputs[1]); err != nil {
		return nil, err
	}
	return []dtypes.DType{inputs[0]}, nil
}

func scatterAddDType(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	if err := checkIndices(inputs[1]); err != nil {
		return nil, err
	}
	if inputs[0] != inputs[2] {
		return nil, errors.Errorf("scatter_add operand (%s) and updates (%s) must have the same dtype", inputs[0], inputs[2])
	}
	if !inputs[0].IsNumeric() {
		return nil, errors.Errorf("scatter_add requires numeric values, got %s", inputs[0])
	}
	return []dtypes.DType{inputs[0]}, nil
}

func gatherBackward(ctx *BackwardContext) []VarID {
	b, params, indices, v := ctx.Builder, ctx.Inputs[0], ctx.Inputs[1], ctx.OutputGrads[0]
	grads := []VarID{NoGradient, NoGradient}
	if ctx.Wants(0) {
		grads[0] = op1(b, "scatter_add", nil, zerosLike(b, params), indices, v)
	}
	return grads
}

func scatterAddBackward(ctx *BackwardContext) []VarID {
	b, indices, v := ctx.Builder, ctx.Inputs[1], ctx.OutputGrads[0]
	grads := []VarID{NoGradient, NoGradient, NoGradient}
	if ctx.Wants(0) {
		grads[0] = v
	}
	if ctx.Wants(2) {
		grads[2] = op1(b, "gather", nil, v, indices)
	}
	return grads
}

func linalgOps() []*Descriptor {
	return []*Descriptor{
		{
			Name:       "matmul",
			MinInputs:  2,
			MaxInputs:  2,
			NumOutputs: 1,
			Attributes: []AttrSpec{
				{Name: "transpose_a", Type: AttrBool, Default: false},
				{Name: "transpose_b", Type: AttrBool, Default: false},
			},
			InferShapes: func(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.MatMulOp(inputs[0], inputs[1],
					attrs.Bool("transpose_a"), attrs.Bool("transpose_b")))
			},
			InferDTypes: promoteNumeric,
			Backward:    matmulBackward,
		},
		{
			Name:              "gather",
			MinInputs:         2,
			MaxInputs:         2,
			NumOutputs:        1,
			NonDifferentiable: []int{1},
			InferShapes: func(inputs []shapes.Shape, _ Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.GatherOp(inputs[0], inputs[1]))
			},
			InferDTypes: gatherDType,
			Backward:    gatherBackward,
		},
		{
			Name:              "scatter_add",
			MinInputs:         3,
			MaxInputs:         3,
			NumOutputs:        1,
			NonDifferentiable: []int{1},
			InferShapes: func(inputs []shapes.Shape, _ Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.ScatterAddOp(inputs[0], inputs[1], inputs[2]))
			},
			InferDTypes: scatterAddDType,
			Backward:    scatterAddBackward,
		},
	}
}
