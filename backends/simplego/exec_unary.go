// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/diffgraph/backends"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/gomlx/exceptions"
)

type unaryExecFn func(b *Backend, opName string, input *tensors.Tensor) *tensors.Tensor

var (
	numericUnaryDispatcher = NewDTypeDispatcher[unaryExecFn]("numeric unary operations")
	floatUnaryDispatcher   = NewDTypeDispatcher[unaryExecFn]("float unary operations")
	addNDispatcher         = NewDTypeDispatcher[func(b *Backend, inputs []*tensors.Tensor) *tensors.Tensor]("add_n")
)

func init() {
	registerIntegers(numericUnaryDispatcher, execNumericUnary[int8], execNumericUnary[int16], execNumericUnary[int32],
		execNumericUnary[int64], execNumericUnary[uint8], execNumericUnary[uint16], execNumericUnary[uint32],
		execNumericUnary[uint64])
	registerFloats(numericUnaryDispatcher, execNumericUnary[float32], execNumericUnary[float64])
	registerFloats(floatUnaryDispatcher, execFloatUnary[float32], execFloatUnary[float64])
	registerIntegers(addNDispatcher, execAddN[int8], execAddN[int16], execAddN[int32], execAddN[int64],
		execAddN[uint8], execAddN[uint16], execAddN[uint32], execAddN[uint64])
	registerFloats(addNDispatcher, execAddN[float32], execAddN[float64])

	for _, name := range []string{"neg", "abs", "sign", "square", "relu"} {
		registerKernel(name, func(b *Backend, call *backends.Call) []*tensors.Tensor {
			return one(numericUnaryDispatcher.Get(call.Inputs[0].DType())(b, name, call.Inputs[0]))
		})
	}
	for _, name := range []string{"exp", "log", "log1p", "sqrt", "tanh", "sigmoid", "sin", "cos"} {
		registerKernel(name, func(b *Backend, call *backends.Call) []*tensors.Tensor {
			return one(floatUnaryDispatcher.Get(call.Inputs[0].DType())(b, name, call.Inputs[0]))
		})
	}
	registerKernel("logical_not", func(b *Backend, call *backends.Call) []*tensors.Tensor {
		return one(mapUnary(b, call.Inputs[0], func(x bool) bool { return !x }))
	})

	// identity and stop_gradient return a view of their input: values are never modified in place.
	viewKernel := func(_ *Backend, call *backends.Call) []*tensors.Tensor {
		return one(call.Inputs[0].View())
	}
	registerKernel("identity", viewKernel)
	registerKernel("stop_gradient", viewKernel)
	registerKernel("ones_like", func(_ *Backend, call *backends.Call) []*tensors.Tensor {
		return one(tensors.Ones(call.OutputShapes[0]))
	})
	registerKernel("zeros_like", func(_ *Backend, call *backends.Call) []*tensors.Tensor {
		return one(tensors.Zeros(call.OutputShapes[0]))
	})
	registerKernel("cast", func(_ *Backend, call *backends.Call) []*tensors.Tensor {
		input, dtype := call.Inputs[0], call.OutputShapes[0].DType
		if input.DType() == dtype {
			return one(input.View())
		}
		return one(input.ConvertDType(dtype))
	})
	registerKernel("add_n", func(b *Backend, call *backends.Call) []*tensors.Tensor {
		var s scratch
		defer s.release()
		dtype := call.OutputShapes[0].DType
		inputs := make([]*tensors.Tensor, len(call.Inputs))
		for ii, input := range call.Inputs {
			inputs[ii] = s.convert(input, dtype)
		}
		return one(addNDispatcher.Get(dtype)(b, inputs))
	})
}

// mapUnary applies fn to each element of input. The output has the same dimensions, with dtype R.
func mapUnary[T, R dtypes.Supported](b *Backend, input *tensors.Tensor, fn func(x T) R) *tensors.Tensor {
	out := tensors.FromShape(input.Shape().WithDType(dtypes.FromGeneric[R]()))
	tensors.ConstFlatData(input, func(inputFlat []T) {
		tensors.MutableFlatData(out, func(flat []R) {
			b.workers.ParallelFor(len(flat), minParallelChunk, func(start, end int) {
				for ii := start; ii < end; ii++ {
					flat[ii] = fn(inputFlat[ii])
				}
			})
		})
	})
	return out
}

func execNumericUnary[T PODNumericConstraints](b *Backend, opName string, input *tensors.Tensor) *tensors.Tensor {
	var fn func(x T) T
	switch opName {
	case "neg":
		fn = func(x T) T { return -x }
	case "abs":
		fn = func(x T) T {
			if x < 0 {
				return -x
			}
			return x
		}
	case "sign":
		fn = func(x T) T {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return T(0) - 1
			case x != x: // NaN
				return x
			}
			return 0
		}
	case "square":
		fn = func(x T) T { return x * x }
	case "relu":
		fn = func(x T) T { return max(x, 0) }
	default:
		exceptions.Panicf("unary operation %q not implemented", opName)
	}
	return mapUnary(b, input, fn)
}

func execFloatUnary[T PODFloatConstraints](b *Backend, opName string, input *tensors.Tensor) *tensors.Tensor {
	var fn func(x float64) float64
	switch opName {
	case "exp":
		fn = math.Exp
	case "log":
		fn = math.Log
	case "log1p":
		fn = math.Log1p
	case "sqrt":
		fn = math.Sqrt
	case "tanh":
		fn = math.Tanh
	case "sigmoid":
		fn = func(x float64) float64 {
			if x >= 0 {
				return 1 / (1 + math.Exp(-x))
			}
			e := math.Exp(x)
			return e / (1 + e)
		}
	case "sin":
		fn = math.Sin
	case "cos":
		fn = math.Cos
	default:
		exceptions.Panicf("unary operation %q not implemented", opName)
	}
	return mapUnary(b, input, func(x T) T { return T(fn(float64(x))) })
}

func execAddN[T PODNumericConstraints](b *Backend, inputs []*tensors.Tensor) *tensors.Tensor {
	out := tensors.FromShape(inputs[0].Shape())
	tensors.MutableFlatData(out, func(flat []T) {
		for _, input := range inputs {
			tensors.ConstFlatData(input, func(inputFlat []T) {
				b.workers.ParallelFor(len(flat), minParallelChunk, func(start, end int) {
					for ii := start; ii < end; ii++ {
						flat[ii] += inputFlat[ii]
					}
				})
			})
		}
	})
	return out
}
