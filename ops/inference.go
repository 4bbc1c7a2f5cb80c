// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/diffgraph/ops/shapeinference"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/pkg/errors"
)

// Generic dtype and shape inference functions shared by the catalog.

func single[T any](value T, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	return []T{value}, nil
}

// promoteNumeric promotes all inputs and requires the result to be numeric.
func promoteNumeric(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	dtype, err := dtypes.PromoteAll(inputs...)
	if err != nil {
		return nil, err
	}
	if !dtype.IsNumeric() {
		return nil, errors.Errorf("operation requires numeric values, got %s", dtype)
	}
	return []dtypes.DType{dtype}, nil
}

// comparisonDType checks the inputs can be compared and returns Bool.
func comparisonDType(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	if _, err := dtypes.PromoteAll(inputs...); err != nil {
		return nil, err
	}
	return []dtypes.DType{dtypes.Bool}, nil
}

// logicalDType requires all inputs to be Bool.
func logicalDType(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	for ii, dtype := range inputs {
		if dtype != dtypes.Bool {
			return nil, errors.Errorf("logical operation requires Bool inputs, input #%d is %s", ii, dtype)
		}
	}
	return []dtypes.DType{dtypes.Bool}, nil
}

// floatDType requires the first input to be a float, and returns it.
func floatDType(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	if !inputs[0].IsFloat() {
		return nil, errors.Errorf("operation only defined for float values, got %s", inputs[0])
	}
	return []dtypes.DType{inputs[0]}, nil
}

// numericDType requires the first input to be numeric, and returns it.
func numericDType(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	if !inputs[0].IsNumeric() {
		return nil, errors.Errorf("operation only defined for numeric values, got %s", inputs[0])
	}
	return []dtypes.DType{inputs[0]}, nil
}

// firstDType returns the dtype of the first input, whatever it is.
func firstDType(inputs []dtypes.DType, _ Attributes) ([]dtypes.DType, error) {
	return []dtypes.DType{inputs[0]}, nil
}

// sameDTypes requires all inputs to have the same dtype, and returns numOutputs copies of it.
func sameDTypes(numOutputs func(numInputs int, attrs Attributes) int) DTypeInferenceFn {
	return func(inputs []dtypes.DType, attrs Attributes) ([]dtypes.DType, error) {
		for ii, dtype := range inputs[1:] {
			if dtype != inputs[0] {
				return nil, errors.Errorf("all inputs must have the same dtype, input #0 is %s, input #%d is %s",
					inputs[0], ii+1, dtype)
			}
		}
		n := numOutputs(len(inputs), attrs)
		if n < 1 {
			return nil, errors.Errorf("invalid number of outputs %d", n)
		}
		outputs := make([]dtypes.DType, n)
		for ii := range outputs {
			outputs[ii] = inputs[0]
		}
		return outputs, nil
	}
}

func oneOutput(int, Attributes) int { return 1 }

// unaryShape returns the shape of the first input.
func unaryShape(inputs []shapes.Shape, _ Attributes) ([]shapes.Shape, error) {
	return single(shapeinference.UnaryOp(inputs[0]))
}

// broadcastShape returns the numpy broadcast of all inputs.
func broadcastShape(inputs []shapes.Shape, _ Attributes) ([]shapes.Shape, error) {
	return single(shapeinference.BroadcastShapes(inputs...))
}

// sameShapes requires all inputs to have compatible dimensions.
func sameShapes(inputs []shapes.Shape, _ Attributes) ([]shapes.Shape, error) {
	return single(shapeinference.SameShapes(inputs))
}
