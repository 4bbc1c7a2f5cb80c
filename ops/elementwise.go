// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/diffgraph/ops/shapeinference"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/pkg/errors"
)

// gradFor converts the gradient g of a (possibly broadcast) result to the shape and dtype of input x.
func gradFor(b Builder, g, x VarID) VarID {
	return castLike(b, sumToLike(b, g, x), x)
}

// binaryGrads calls gx and gy only for the wanted inputs.
func binaryGrads(ctx *BackwardContext, gx, gy func() VarID) []VarID {
	grads := []VarID{NoGradient, NoGradient}
	for ii, fn := range []func() VarID{gx, gy} {
		if ctx.Wants(ii) {
			grads[ii] = gradFor(ctx.Builder, fn(), ctx.Inputs[ii])
		}
	}
	return grads
}

func binaryOp(name string, backward BackwardRule) *Descriptor {
	return &Descriptor{
		Name:        name,
		MinInputs:   2,
		MaxInputs:   2,
		NumOutputs:  1,
		InferShapes: broadcastShape,
		InferDTypes: promoteNumeric,
		Backward:    backward,
	}
}

func addBackward(ctx *BackwardContext) []VarID {
	v := ctx.OutputGrads[0]
	identity := func() VarID { return v }
	return binaryGrads(ctx, identity, identity)
}

func subBackward(ctx *BackwardContext) []VarID {
	b, v := ctx.Builder, ctx.OutputGrads[0]
	return binaryGrads(ctx,
		func() VarID { return v },
		func() VarID { return neg(b, v) })
}

func mulBackward(ctx *BackwardContext) []VarID {
	b, x, y, v := ctx.Builder, ctx.Inputs[0], ctx.Inputs[1], ctx.OutputGrads[0]
	return binaryGrads(ctx,
		func() VarID { return mul(b, v, y) },
		func() VarID { return mul(b, v, x) })
}

func divBackward(ctx *BackwardContext) []VarID {
	b, y, z, v := ctx.Builder, ctx.Inputs[1], ctx.Outputs[0], ctx.OutputGrads[0]
	return binaryGrads(ctx,
		func() VarID { return div(b, v, y) },
		func() VarID { return neg(b, div(b, mul(b, v, z), y)) })
}

// powBackward: d(x^y)/dx = y*x^(y-1), d(x^y)/dy = x^y*log(x).
func powBackward(ctx *BackwardContext) []VarID {
	b, x, y, z, v := ctx.Builder, ctx.Inputs[0], ctx.Inputs[1], ctx.Outputs[0], ctx.OutputGrads[0]
	return binaryGrads(ctx,
		func() VarID {
			yMinus1 := sub(b, y, scalarLike(b, y, 1))
			return mul(b, v, mul(b, y, op1(b, "pow", nil, x, yMinus1)))
		},
		func() VarID { return mul(b, v, mul(b, z, unary(b, "log", x))) })
}

// minMaxBackward routes the gradient to the selected input. Ties go to the first input.
func minMaxBackward(comparison string) BackwardRule {
	return func(ctx *BackwardContext) []VarID {
		b, x, y, v := ctx.Builder, ctx.Inputs[0], ctx.Inputs[1], ctx.OutputGrads[0]
		mask := castLike(b, op1(b, comparison, nil, x, y), v)
		return binaryGrads(ctx,
			func() VarID { return mul(b, v, mask) },
			func() VarID { return mul(b, v, sub(b, scalarLike(b, mask, 1), mask)) })
	}
}

func comparisonOp(name string) *Descriptor {
	return &Descriptor{
		Name:              name,
		MinInputs:         2,
		MaxInputs:         2,
		NumOutputs:        1,
		NonDifferentiable: []int{0, 1},
		InferShapes:       broadcastShape,
		InferDTypes:       comparisonDType,
	}
}

func logicalOp(name string, numInputs int) *Descriptor {
	return &Descriptor{
		Name:              name,
		MinInputs:         numInputs,
		MaxInputs:         numInputs,
		NumOutputs:        1,
		NonDifferentiable: []int{0, 1},
		InferShapes:       broadcastShape,
		InferDTypes:       logicalDType,
	}
}

// unaryGradFn returns the gradient of a unary op given its input x, output y and output gradient v.
type unaryGradFn func(b Builder, x, y, v VarID) VarID

func unaryOp(name string, inferDType DTypeInferenceFn, gradFn unaryGradFn) *Descriptor {
	desc := &Descriptor{
		Name:          name,
		MinInputs:     1,
		MaxInputs:     1,
		NumOutputs:    1,
		UnknownRankOK: true,
		InferShapes:   unaryShape,
		InferDTypes:   inferDType,
	}
	if gradFn == nil {
		desc.NonDifferentiable = []int{0}
		return desc
	}
	desc.Backward = func(ctx *BackwardContext) []VarID {
		if !ctx.Wants(0) {
			return []VarID{NoGradient}
		}
		return []VarID{gradFn(ctx.Builder, ctx.Inputs[0], ctx.Outputs[0], ctx.OutputGrads[0])}
	}
	return desc
}

func castDType(inputs []dtypes.DType, attrs Attributes) ([]dtypes.DType, error) {
	if !inputs[0].IsValid() {
		return nil, errors.Errorf("cannot cast from %s", inputs[0])
	}
	return []dtypes.DType{attrs.DType("dtype")}, nil
}

func whereDType(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	if inputs[0] != dtypes.Bool {
		return nil, errors.Errorf("where condition must be Bool, got %s", inputs[0])
	}
	dtype, err := dtypes.Promote(inputs[1], inputs[2])
	if err != nil {
		return nil, err
	}
	return []dtypes.DType{dtype}, nil
}

func whereShape(inputs []shapes.Shape, _ Attributes) ([]shapes.Shape, error) {
	return single(shapeinference.WhereOp(inputs[0], inputs[1], inputs[2]))
}

func whereBackward(ctx *BackwardContext) []VarID {
	b, cond, v := ctx.Builder, ctx.Inputs[0], ctx.OutputGrads[0]
	grads := []VarID{NoGradient, NoGradient, NoGradient}
	zero := scalarLike(b, v, 0)
	if ctx.Wants(1) {
		grads[1] = gradFor(b, where(b, cond, v, zero), ctx.Inputs[1])
	}
	if ctx.Wants(2) {
		grads[2] = gradFor(b, where(b, cond, zero, v), ctx.Inputs[2])
	}
	return grads
}

func addNBackward(ctx *BackwardContext) []VarID {
	grads := make([]VarID, len(ctx.Inputs))
	for ii, input := range ctx.Inputs {
		grads[ii] = NoGradient
		if ctx.Wants(ii) {
			grads[ii] = castLike(ctx.Builder, ctx.OutputGrads[0], input)
		}
	}
	return grads
}

func elementwiseOps() []*Descriptor {
	descs := []*Descriptor{
		binaryOp("add", addBackward),
		binaryOp("sub", subBackward),
		binaryOp("mul", mulBackward),
		binaryOp("div", divBackward),
		binaryOp("pow", powBackward),
		binaryOp("max", minMaxBackward("greater_equal")),
		binaryOp("min", minMaxBackward("less_equal")),
	}
	for _, name := range []string{"equal", "not_equal", "less", "less_equal", "greater", "greater_equal"} {
		descs = append(descs, comparisonOp(name))
	}
	descs = append(descs,
		logicalOp("logical_and", 2),
		logicalOp("logical_or", 2),
		logicalOp("logical_not", 1),
	)

	// Unary math.
	descs = append(descs,
		unaryOp("neg", numericDType, func(b Builder, _, _, v VarID) VarID { return neg(b, v) }),
		unaryOp("abs", numericDType, func(b Builder, x, _, v VarID) VarID {
			return mul(b, v, unary(b, "sign", x))
		}),
		unaryOp("sign", numericDType, nil),
		unaryOp("exp", floatDType, func(b Builder, _, y, v VarID) VarID { return mul(b, v, y) }),
		unaryOp("log", floatDType, func(b Builder, x, _, v VarID) VarID { return div(b, v, x) }),
		unaryOp("log1p", floatDType, func(b Builder, x, _, v VarID) VarID {
			return div(b, v, add(b, x, scalarLike(b, x, 1)))
		}),
		unaryOp("sqrt", floatDType, func(b Builder, _, y, v VarID) VarID {
			return div(b, mul(b, v, scalarLike(b, v, 0.5)), y)
		}),
		unaryOp("square", numericDType, func(b Builder, x, _, v VarID) VarID {
			return mul(b, v, mul(b, x, scalarLike(b, x, 2)))
		}),
		unaryOp("tanh", floatDType, func(b Builder, _, y, v VarID) VarID {
			return mul(b, v, sub(b, scalarLike(b, y, 1), unary(b, "square", y)))
		}),
		unaryOp("sigmoid", floatDType, func(b Builder, _, y, v VarID) VarID {
			return mul(b, v, mul(b, y, sub(b, scalarLike(b, y, 1), y)))
		}),
		unaryOp("relu", numericDType, func(b Builder, x, _, v VarID) VarID {
			positive := op1(b, "greater", nil, x, scalarLike(b, x, 0))
			return where(b, positive, v, scalarLike(b, v, 0))
		}),
		unaryOp("sin", floatDType, func(b Builder, x, _, v VarID) VarID {
			return mul(b, v, unary(b, "cos", x))
		}),
		unaryOp("cos", floatDType, func(b Builder, x, _, v VarID) VarID {
			return neg(b, mul(b, v, unary(b, "sin", x)))
		}),
		unaryOp("identity", firstDType, func(_ Builder, _, _, v VarID) VarID { return v }),
		unaryOp("stop_gradient", firstDType, nil),
		unaryOp("ones_like", firstDType, nil),
		unaryOp("zeros_like", firstDType, nil),
	)
	cast := unaryOp("cast", castDType, func(b Builder, x, _, v VarID) VarID { return castLike(b, v, x) })
	cast.Attributes = []AttrSpec{{Name: "dtype", Type: AttrDType, Required: true}}
	descs = append(descs, cast)

	descs = append(descs,
		&Descriptor{
			Name:        "add_n",
			MinInputs:   1,
			MaxInputs:   Variadic,
			NumOutputs:  1,
			InferShapes: sameShapes,
			InferDTypes: promoteNumeric,
			Backward:    addNBackward,
		},
		&Descriptor{
			Name:              "where",
			MinInputs:         3,
			MaxInputs:         3,
			NumOutputs:        1,
			NonDifferentiable: []int{0},
			InferShapes:       whereShape,
			InferDTypes:       whereDType,
			Backward:          whereBackward,
		},
	)
	return descs
}
