// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"slices"

	"github.com/gomlx/diffgraph/backends"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/gomlx/exceptions"
)

// reduceOp enumerates the reductions.
type reduceOp int

const (
	reduceSum reduceOp = iota
	reduceMean
	reduceMax
)

type reduceExecFn func(op reduceOp, input *tensors.Tensor, reduced []bool, output shapes.Shape) *tensors.Tensor

var (
	reduceDispatcher  = NewDTypeDispatcher[reduceExecFn]("reductions")
	softmaxDispatcher = NewDTypeDispatcher[func(input *tensors.Tensor, axis int) *tensors.Tensor]("softmax")
)

func init() {
	registerIntegers(reduceDispatcher, execReduce[int8], execReduce[int16], execReduce[int32], execReduce[int64],
		execReduce[uint8], execReduce[uint16], execReduce[uint32], execReduce[uint64])
	registerFloats(reduceDispatcher, execReduce[float32], execReduce[float64])
	registerFloats(softmaxDispatcher, execSoftmax[float32], execSoftmax[float64])

	for name, op := range map[string]reduceOp{"reduce_sum": reduceSum, "reduce_mean": reduceMean, "reduce_max": reduceMax} {
		registerKernel(name, func(_ *Backend, call *backends.Call) []*tensors.Tensor {
			input := call.Inputs[0]
			reduced := reducedAxesMask(input.Rank(), call.Attributes.Ints("axes"))
			return one(reduceDispatcher.Get(input.DType())(op, input, reduced, call.OutputShapes[0]))
		})
	}
	registerKernel("softmax", func(_ *Backend, call *backends.Call) []*tensors.Tensor {
		input := call.Inputs[0]
		axis := adjustAxis(call.Attributes.Int("axis"), input.Rank())
		return one(softmaxDispatcher.Get(input.DType())(input, axis))
	})
	registerKernel("dim_size", func(_ *Backend, call *backends.Call) []*tensors.Tensor {
		input := call.Inputs[0]
		size := 1
		reduced := reducedAxesMask(input.Rank(), call.Attributes.Ints("axes"))
		for axis, dim := range input.Shape().Dimensions {
			if reduced[axis] {
				size *= dim
			}
		}
		return one(tensors.Full(call.OutputShapes[0], float64(size)))
	})
	registerKernel("sum_to_like", func(_ *Backend, call *backends.Call) []*tensors.Tensor {
		input, like := call.Inputs[0], call.Inputs[1]
		if input.Shape().EqualDimensions(like.Shape()) {
			return one(input.View())
		}
		// Reduce the extra leading axes, and the axes broadcast from dimension 1.
		rank := input.Rank()
		padding := rank - like.Rank()
		reduced := make([]bool, rank)
		for axis, dim := range input.Shape().Dimensions {
			reduced[axis] = axis < padding || (like.Shape().Dimensions[axis-padding] == 1 && dim != 1)
		}
		return one(reduceDispatcher.Get(input.DType())(reduceSum, input, reduced, call.OutputShapes[0]))
	})
}

// reducedAxesMask returns which axes are reduced. Empty axes means all of them.
func reducedAxesMask(rank int, axes []int) []bool {
	reduced := make([]bool, rank)
	if len(axes) == 0 {
		for axis := range reduced {
			reduced[axis] = true
		}
		return reduced
	}
	for _, axis := range axes {
		reduced[adjustAxis(axis, rank)] = true
	}
	return reduced
}

// execReduce reduces the input over the marked axes. The output has the elements of the axes not reduced,
// in row-major order, so its dimensions can either keep the reduced axes as 1 or drop them.
func execReduce[T PODNumericConstraints](op reduceOp, input *tensors.Tensor, reduced []bool, output shapes.Shape) *tensors.Tensor {
	dims := input.Shape().Dimensions
	rank := len(dims)

	// outputStrides is the stride in the output of each input axis, 0 for the reduced ones.
	outputStrides := make([]int, rank)
	stride := 1
	count := 1
	for axis := rank - 1; axis >= 0; axis-- {
		if reduced[axis] {
			count *= dims[axis]
			continue
		}
		outputStrides[axis] = stride
		stride *= dims[axis]
	}
	if stride != output.Size() {
		exceptions.Panicf("reduction of %s over axes %v can't produce %s", input.Shape(), axesOf(reduced), output)
	}

	out := tensors.FromShape(output)
	tensors.ConstFlatData(input, func(inputFlat []T) {
		tensors.MutableFlatData(out, func(flat []T) {
			var seen []bool
			if op == reduceMax {
				seen = make([]bool, len(flat))
			}
			counter := make([]int, rank)
			outputIdx := 0
			for _, value := range inputFlat {
				switch op {
				case reduceSum, reduceMean:
					flat[outputIdx] += value
				case reduceMax:
					if !seen[outputIdx] || value > flat[outputIdx] || value != value {
						flat[outputIdx] = value
						seen[outputIdx] = true
					}
				}
				// Increment the multi-dimensional counter of the input position.
				for axis := rank - 1; axis >= 0; axis-- {
					counter[axis]++
					outputIdx += outputStrides[axis]
					if counter[axis] < dims[axis] {
						break
					}
					outputIdx -= outputStrides[axis] * dims[axis]
					counter[axis] = 0
				}
			}
			if op == reduceMean && count > 0 {
				for ii := range flat {
					flat[ii] /= T(count)
				}
			}
		})
	})
	return out
}

// execSoftmax normalizes exp(x) along the axis, computed in float64 after subtracting the maximum.
func execSoftmax[T PODFloatConstraints](input *tensors.Tensor, axis int) *tensors.Tensor {
	dims := input.Shape().Dimensions
	axisDim := dims[axis]
	outer, inner := 1, 1
	for ii, dim := range dims {
		if ii < axis {
			outer *= dim
		} else if ii > axis {
			inner *= dim
		}
	}
	out := tensors.FromShape(input.Shape())
	values := make([]float64, axisDim)
	tensors.ConstFlatData(input, func(inputFlat []T) {
		tensors.MutableFlatData(out, func(flat []T) {
			for o := range outer {
				for i := range inner {
					base := o*axisDim*inner + i
					maxValue := math.Inf(-1)
					for k := range axisDim {
						values[k] = float64(inputFlat[base+k*inner])
						maxValue = max(maxValue, values[k])
					}
					sum := 0.0
					for k := range axisDim {
						values[k] = math.Exp(values[k] - maxValue)
						sum += values[k]
					}
					for k := range axisDim {
						flat[base+k*inner] = T(values[k] / sum)
					}
				}
			}
		})
	})
	return out
}

// axesOf returns the indices of the marked axes, used for error messages.
func axesOf(mask []bool) []int {
	var axes []int
	for axis, marked := range mask {
		if marked {
			axes = append(axes, axis)
		}
	}
	return slices.Clip(axes)
}
