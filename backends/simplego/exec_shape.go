// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/diffgraph/backends"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/gomlx/exceptions"
)

var scatterAddDispatcher = NewDTypeDispatcher[func(operand *tensors.Tensor, indices []int64, updates *tensors.Tensor) *tensors.Tensor]("scatter_add")

func init() {
	registerIntegers(scatterAddDispatcher, execScatterAdd[int8], execScatterAdd[int16], execScatterAdd[int32],
		execScatterAdd[int64], execScatterAdd[uint8], execScatterAdd[uint16], execScatterAdd[uint32],
		execScatterAdd[uint64])
	registerFloats(scatterAddDispatcher, execScatterAdd[float32], execScatterAdd[float64])

	// Reshapes share the storage of the input when it's contiguous.
	for _, name := range []string{"reshape", "reshape_like", "expand_dims"} {
		registerKernel(name, execReshape)
	}
	registerKernel("transpose", execTranspose)
	registerKernel("broadcast_to", execBroadcast)
	registerKernel("broadcast_like", execBroadcast)
	registerKernel("concat", execConcat)
	registerKernel("split", execSplit)
	registerKernel("split_like", execSplit)
	registerKernel("gather", execGather)
	registerKernel("scatter_add", func(_ *Backend, call *backends.Call) []*tensors.Tensor {
		operand, updates := call.Inputs[0], call.Inputs[2]
		indices := flatIndices(call.Inputs[1], operand.Shape().Dimensions[0])
		return one(scatterAddDispatcher.Get(operand.DType())(operand, indices, updates))
	})
}

func execReshape(_ *Backend, call *backends.Call) []*tensors.Tensor {
	reshaped, err := call.Inputs[0].Reshape(call.OutputShapes[0].Dimensions...)
	if err != nil {
		panic(err)
	}
	return one(reshaped)
}

func execTranspose(_ *Backend, call *backends.Call) []*tensors.Tensor {
	view, err := call.Inputs[0].Transpose(call.Attributes.Ints("permutation")...)
	if err != nil {
		panic(err)
	}
	defer view.Finalize()
	return one(view.Contiguous())
}

func execBroadcast(_ *Backend, call *backends.Call) []*tensors.Tensor {
	input, output := call.Inputs[0], call.OutputShapes[0]
	if input.Shape().EqualDimensions(output) {
		return one(input.View())
	}
	iter := newBroadcastIterator(input.Shape(), output)
	return one(remap(output, []*tensors.Tensor{input}, func(int) (int, int) {
		return 0, iter.Next()
	}))
}

// axisBlocks returns the number of elements before (outer) and after (inner) the axis of a shape.
func axisBlocks(dims []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for ii, dim := range dims {
		if ii < axis {
			outer *= dim
		} else if ii > axis {
			inner *= dim
		}
	}
	return
}

func execConcat(_ *Backend, call *backends.Call) []*tensors.Tensor {
	output := call.OutputShapes[0]
	axis := adjustAxis(call.Attributes.Int("axis"), output.Rank())
	_, inner := axisBlocks(output.Dimensions, axis)
	outputAxisDim := output.Dimensions[axis]

	// offsets[k] is the position along the axis where input k starts.
	offsets := make([]int, len(call.Inputs)+1)
	for k, input := range call.Inputs {
		offsets[k+1] = offsets[k] + input.Shape().Dimensions[axis]
	}
	return one(remap(output, call.Inputs, func(outputIdx int) (int, int) {
		o := outputIdx / (outputAxisDim * inner)
		position := (outputIdx / inner) % outputAxisDim
		i := outputIdx % inner
		k := 0
		for position >= offsets[k+1] {
			k++
		}
		inputAxisDim := offsets[k+1] - offsets[k]
		return k, (o*inputAxisDim+position-offsets[k])*inner + i
	}))
}

// execSplit implements split and split_like: the sizes of the parts are taken from the output shapes.
func execSplit(_ *Backend, call *backends.Call) []*tensors.Tensor {
	input := call.Inputs[0]
	dims := input.Shape().Dimensions
	axis := adjustAxis(call.Attributes.Int("axis"), len(dims))
	_, inner := axisBlocks(dims, axis)
	inputAxisDim := dims[axis]

	total := 0
	for _, output := range call.OutputShapes {
		total += output.Dimensions[axis]
	}
	if total != inputAxisDim {
		exceptions.Panicf("split parts add up to %d, but axis %d of %s has dimension %d", total, axis,
			input.Shape(), inputAxisDim)
	}

	outputs := make([]*tensors.Tensor, len(call.OutputShapes))
	offset := 0
	for j, output := range call.OutputShapes {
		partAxisDim := output.Dimensions[axis]
		partOffset := offset
		outputs[j] = remap(output, []*tensors.Tensor{input}, func(outputIdx int) (int, int) {
			o := outputIdx / (partAxisDim * inner)
			position := (outputIdx / inner) % partAxisDim
			i := outputIdx % inner
			return 0, (o*inputAxisDim+partOffset+position)*inner + i
		})
		offset += partAxisDim
	}
	return outputs
}

// flatIndices returns the indices as int64, checking they are within [0, limit).
func flatIndices(indices *tensors.Tensor, limit int) []int64 {
	var s scratch
	defer s.release()
	flat := tensors.CopyFlatData[int64](s.convert(indices, dtypes.Int64))
	for ii, index := range flat {
		if index < 0 || index >= int64(limit) {
			exceptions.Panicf("index %d (at position %d) out of range [0, %d)", index, ii, limit)
		}
	}
	return flat
}

func execGather(_ *Backend, call *backends.Call) []*tensors.Tensor {
	params, output := call.Inputs[0], call.OutputShapes[0]
	paramsDims := params.Shape().Dimensions
	indices := flatIndices(call.Inputs[1], paramsDims[0])
	sliceSize := shapes.Make(params.DType(), paramsDims[1:]...).Size()
	return one(remap(output, []*tensors.Tensor{params}, func(outputIdx int) (int, int) {
		return 0, int(indices[outputIdx/sliceSize])*sliceSize + outputIdx%sliceSize
	}))
}

// execScatterAdd adds each slice of updates to the slice of operand selected by the indices.
// Repeated indices accumulate.
func execScatterAdd[T PODNumericConstraints](operand *tensors.Tensor, indices []int64, updates *tensors.Tensor) *tensors.Tensor {
	out := operand.Clone()
	sliceSize := shapes.Make(operand.DType(), operand.Shape().Dimensions[1:]...).Size()
	tensors.ConstFlatData(updates, func(updatesFlat []T) {
		tensors.MutableFlatData(out, func(flat []T) {
			for ii, index := range indices {
				dst := flat[int(index)*sliceSize : (int(index)+1)*sliceSize]
				src := updatesFlat[ii*sliceSize : (ii+1)*sliceSize]
				for jj, value := range src {
					dst[jj] += value
				}
			}
		})
	})
	return out
}
