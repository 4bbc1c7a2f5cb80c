// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/diffgraph/ops/shapeinference"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/pkg/errors"
)

// firstInputGrad returns a backward rule where only the first input is differentiable.
func firstInputGrad(gradFn func(ctx *BackwardContext) VarID) BackwardRule {
	return func(ctx *BackwardContext) []VarID {
		grads := make([]VarID, len(ctx.Inputs))
		for ii := range grads {
			grads[ii] = NoGradient
		}
		if ctx.Wants(0) {
			grads[0] = gradFn(ctx)
		}
		return grads
	}
}

func reshapeLike(b Builder, x, like VarID) VarID { return op1(b, "reshape_like", nil, x, like) }

func reshapeLikeShape(inputs []shapes.Shape, _ Attributes) ([]shapes.Shape, error) {
	operand, like := inputs[0], inputs[1]
	if operandSize, likeSize := operand.Size(), like.Size(); operandSize >= 0 && likeSize >= 0 && operandSize != likeSize {
		return nil, errors.Errorf("cannot reshape %s like %s: sizes differ", operand, like)
	}
	return []shapes.Shape{like.WithDType(operand.DType)}, nil
}

func concatBackward(ctx *BackwardContext) []VarID {
	b, v := ctx.Builder, ctx.OutputGrads[0]
	inputs := append([]VarID{v}, ctx.Inputs...)
	parts := b.Add("split_like", inputs, Attributes{"axis": ctx.Attributes.Int("axis")})
	grads := make([]VarID, len(ctx.Inputs))
	for ii := range grads {
		grads[ii] = NoGradient
		if ctx.Wants(ii) {
			grads[ii] = parts[ii]
		}
	}
	return grads
}

// concatOutputGrads is the backward rule of split and split_like.
func concatOutputGrads(ctx *BackwardContext) VarID {
	return op1(ctx.Builder, "concat", Attributes{"axis": ctx.Attributes.Int("axis")}, ctx.OutputGrads...)
}

func numSplits(_ int, attrs Attributes) int { return attrs.Int("num_splits") }

func numLikes(numInputs int, _ Attributes) int { return numInputs - 1 }

func shapeOps() []*Descriptor {
	return []*Descriptor{
		{
			Name:       "reshape",
			MinInputs:  1,
			MaxInputs:  1,
			NumOutputs: 1,
			Attributes: []AttrSpec{{Name: "shape", Type: AttrInts, Required: true}},
			InferShapes: func(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.ReshapeOp(inputs[0], attrs.Ints("shape")))
			},
			InferDTypes: firstDType,
			Backward: firstInputGrad(func(ctx *BackwardContext) VarID {
				return reshapeLike(ctx.Builder, ctx.OutputGrads[0], ctx.Inputs[0])
			}),
		},
		{
			Name:              "reshape_like",
			MinInputs:         2,
			MaxInputs:         2,
			NumOutputs:        1,
			NonDifferentiable: []int{1},
			InferShapes:       reshapeLikeShape,
			InferDTypes:       firstDType,
			Backward: firstInputGrad(func(ctx *BackwardContext) VarID {
				return reshapeLike(ctx.Builder, ctx.OutputGrads[0], ctx.Inputs[0])
			}),
		},
		{
			Name:       "transpose",
			MinInputs:  1,
			MaxInputs:  1,
			NumOutputs: 1,
			Attributes: []AttrSpec{{Name: "permutation", Type: AttrInts, Required: true}},
			InferShapes: func(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.TransposeOp(inputs[0], attrs.Ints("permutation")))
			},
			InferDTypes: firstDType,
			Backward: firstInputGrad(func(ctx *BackwardContext) VarID {
				inverse := shapeinference.InversePermutation(ctx.Attributes.Ints("permutation"))
				return op1(ctx.Builder, "transpose", Attributes{"permutation": inverse}, ctx.OutputGrads[0])
			}),
		},
		{
			Name:       "expand_dims",
			MinInputs:  1,
			MaxInputs:  1,
			NumOutputs: 1,
			Attributes: []AttrSpec{{Name: "axes", Type: AttrInts, Required: true}},
			InferShapes: func(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.ExpandDimsOp(inputs[0], attrs.Ints("axes")))
			},
			InferDTypes: firstDType,
			Backward: firstInputGrad(func(ctx *BackwardContext) VarID {
				return reshapeLike(ctx.Builder, ctx.OutputGrads[0], ctx.Inputs[0])
			}),
		},
		{
			Name:       "broadcast_to",
			MinInputs:  1,
			MaxInputs:  1,
			NumOutputs: 1,
			Attributes: []AttrSpec{{Name: "shape", Type: AttrInts, Required: true}},
			InferShapes: func(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.BroadcastToOp(inputs[0], attrs.Ints("shape")))
			},
			InferDTypes: firstDType,
			Backward: firstInputGrad(func(ctx *BackwardContext) VarID {
				return op1(ctx.Builder, "sum_to_like", nil, ctx.OutputGrads[0], ctx.Inputs[0])
			}),
		},
		{
			Name:              "broadcast_like",
			MinInputs:         2,
			MaxInputs:         2,
			NumOutputs:        1,
			NonDifferentiable: []int{1},
			InferShapes: func(inputs []shapes.Shape, _ Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.BroadcastToOp(inputs[0], inputs[1].Dimensions))
			},
			InferDTypes: firstDType,
			Backward: firstInputGrad(func(ctx *BackwardContext) VarID {
				return op1(ctx.Builder, "sum_to_like", nil, ctx.OutputGrads[0], ctx.Inputs[0])
			}),
		},
		{
			Name:              "sum_to_like",
			MinInputs:         2,
			MaxInputs:         2,
			NumOutputs:        1,
			NonDifferentiable: []int{1},
			InferShapes: func(inputs []shapes.Shape, _ Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.SumToOp(inputs[0], inputs[1]))
			},
			InferDTypes: firstDType,
			Backward: firstInputGrad(func(ctx *BackwardContext) VarID {
				return broadcastLike(ctx.Builder, ctx.OutputGrads[0], ctx.Inputs[0])
			}),
		},
		{
			Name:       "concat",
			MinInputs:  1,
			MaxInputs:  Variadic,
			NumOutputs: 1,
			Attributes: []AttrSpec{{Name: "axis", Type: AttrInt, Required: true}},
			InferShapes: func(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
				return single(shapeinference.ConcatenateOp(inputs, attrs.Int("axis")))
			},
			InferDTypes: sameDTypes(oneOutput),
			Backward:    concatBackward,
		},
		{
			Name:         "split",
			MinInputs:    1,
			MaxInputs:    1,
			NumOutputsFn: numSplits,
			Attributes: []AttrSpec{
				{Name: "axis", Type: AttrInt, Required: true},
				{Name: "num_splits", Type: AttrInt, Required: true},
			},
			InferShapes: func(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
				return shapeinference.SplitOp(inputs[0], attrs.Int("axis"), attrs.Int("num_splits"))
			},
			InferDTypes: sameDTypes(numSplits),
			Backward:    firstInputGrad(concatOutputGrads),
		},
		{
			Name:         "split_like",
			MinInputs:    2,
			MaxInputs:    Variadic,
			NumOutputsFn: numLikes,
			Attributes:   []AttrSpec{{Name: "axis", Type: AttrInt, Required: true}},
			InferShapes: func(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
				return shapeinference.SplitLikeOp(inputs[0], inputs[1:], attrs.Int("axis"))
			},
			InferDTypes: func(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
				outputs := make([]dtypes.DType, len(inputs)-1)
				for ii := range outputs {
					outputs[ii] = inputs[0]
				}
				return outputs, nil
			},
			DifferentiableInputs: 1,
			Backward:             firstInputGrad(concatOutputGrads),
		},
	}
}
