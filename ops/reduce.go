// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/diffgraph/ops/shapeinference"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/pkg/errors"
)

var reduceAttributes = []AttrSpec{
	{Name: "axes", Type: AttrInts, Default: []int(nil)},
	{Name: "keep_dims", Type: AttrBool, Default: false},
}

func reduceShape(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
	return single(shapeinference.ReduceOp(inputs[0], attrs.Ints("axes"), attrs.Bool("keep_dims")))
}

// reducedGradient broadcasts the output gradient back to the shape of the reduced input.
func reducedGradient(ctx *BackwardContext) VarID {
	b, x, v := ctx.Builder, ctx.Inputs[0], ctx.OutputGrads[0]
	axes := reducedAxes(b, x, ctx.Attributes.Ints("axes"))
	return broadcastLike(b, keepReducedDims(b, v, axes, ctx.Attributes.Bool("keep_dims")), x)
}

func reduceSumBackward(ctx *BackwardContext) []VarID {
	if !ctx.Wants(0) {
		return []VarID{NoGradient}
	}
	return []VarID{reducedGradient(ctx)}
}

func reduceMeanBackward(ctx *BackwardContext) []VarID {
	if !ctx.Wants(0) {
		return []VarID{NoGradient}
	}
	b, x := ctx.Builder, ctx.Inputs[0]
	count := op1(b, "dim_size", Attributes{"axes": ctx.Attributes.Ints("axes")}, x)
	return []VarID{div(b, reducedGradient(ctx), count)}
}

// reduceMaxBackward splits the gradient evenly among the elements equal to the maximum.
func reduceMaxBackward(ctx *BackwardContext) []VarID {
	if !ctx.Wants(0) {
		return []VarID{NoGradient}
	}
	b, x, y := ctx.Builder, ctx.Inputs[0], ctx.Outputs[0]
	keepDims := ctx.Attributes.Bool("keep_dims")
	axes := reducedAxes(b, x, ctx.Attributes.Ints("axes"))
	maxKept := keepReducedDims(b, y, axes, keepDims)
	mask := castLike(b, op1(b, "equal", nil, x, maxKept), x)
	ties := op1(b, "reduce_sum", Attributes{"axes": axes, "keep_dims": true}, mask)
	return []VarID{div(b, mul(b, mask, reducedGradient(ctx)), ties)}
}

func reduceOp(name string, inferDType DTypeInferenceFn, backward BackwardRule) *Descriptor {
	return &Descriptor{
		Name:        name,
		MinInputs:   1,
		MaxInputs:   1,
		NumOutputs:  1,
		Attributes:  reduceAttributes,
		InferShapes: reduceShape,
		InferDTypes: inferDType,
		Backward:    backward,
	}
}

func softmaxShape(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
	if _, err := shapeinference.AdjustAxis(attrs.Int("axis"), inputs[0].Rank()); err != nil {
		return nil, err
	}
	return unaryShape(inputs, attrs)
}

// softmaxBackward: dx = y * (v - sum(v*y, axis)).
func softmaxBackward(ctx *BackwardContext) []VarID {
	if !ctx.Wants(0) {
		return []VarID{NoGradient}
	}
	b, y, v := ctx.Builder, ctx.Outputs[0], ctx.OutputGrads[0]
	sumVY := op1(b, "reduce_sum", Attributes{"axes": []int{ctx.Attributes.Int("axis")}, "keep_dims": true}, mul(b, v, y))
	return []VarID{mul(b, y, sub(b, v, sumVY))}
}

// dimSizeShape: a scalar, the product of the dimensions of the given axes (all if empty).
func dimSizeShape(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
	operand := inputs[0]
	if !operand.UnknownRank {
		for _, axis := range attrs.Ints("axes") {
			if _, err := shapeinference.AdjustAxis(axis, operand.Rank()); err != nil {
				return nil, err
			}
		}
	}
	return []shapes.Shape{shapes.Make(operand.DType)}, nil
}

// dimSizeDType: same as input if numeric, Int64 otherwise.
func dimSizeDType(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	if !inputs[0].IsValid() {
		return nil, errors.Errorf("invalid dtype %s", inputs[0])
	}
	if inputs[0].IsNumeric() {
		return []dtypes.DType{inputs[0]}, nil
	}
	return []dtypes.DType{dtypes.Int64}, nil
}

func reduceOps() []*Descriptor {
	return []*Descriptor{
		reduceOp("reduce_sum", numericDType, reduceSumBackward),
		reduceOp("reduce_mean", numericDType, reduceMeanBackward),
		reduceOp("reduce_max", numericDType, reduceMaxBackward),
		{
			Name:        "softmax",
			MinInputs:   1,
			MaxInputs:   1,
			NumOutputs:  1,
			Attributes:  []AttrSpec{{Name: "axis", Type: AttrInt, Default: -1}},
			InferShapes: softmaxShape,
			InferDTypes: floatDType,
			Backward:    softmaxBackward,
		},
		{
			Name:              "dim_size",
			MinInputs:         1,
			MaxInputs:         1,
			NumOutputs:        1,
			Attributes:        []AttrSpec{{Name: "axes", Type: AttrInts, Default: []int(nil)}},
			NonDifferentiable: []int{0},
			UnknownRankOK:     true,
			InferShapes:       dimSizeShape,
			InferDTypes:       dimSizeDType,
		},
	}
}
