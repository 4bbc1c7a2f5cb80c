// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/diffgraph/backends"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// minParallelChunk is the minimum number of elements per goroutine for elementwise kernels.
const minParallelChunk = 1 << 15

// binaryOp enumerates the arithmetic binary operations.
type binaryOp int

const (
	opAdd binaryOp = iota
	opSub
	opMul
	opDiv
	opPow
	opMax
	opMin
)

var binaryOpNames = []string{"add", "sub", "mul", "div", "pow", "max", "min"}

// String implements fmt.Stringer.
func (op binaryOp) String() string { return binaryOpNames[op] }

// comparisonOp enumerates the comparison operations.
type comparisonOp int

const (
	opEqual comparisonOp = iota
	opNotEqual
	opLess
	opLessEqual
	opGreater
	opGreaterEqual
)

var comparisonOpNames = []string{"equal", "not_equal", "less", "less_equal", "greater", "greater_equal"}

type binaryExecFn func(b *Backend, op binaryOp, lhs, rhs *tensors.Tensor, output shapes.Shape) *tensors.Tensor

type comparisonExecFn func(b *Backend, op comparisonOp, lhs, rhs *tensors.Tensor, output shapes.Shape) *tensors.Tensor

var (
	binaryDispatcher     = NewDTypeDispatcher[binaryExecFn]("binary operations")
	comparisonDispatcher = NewDTypeDispatcher[comparisonExecFn]("comparison operations")
)

func init() {
	registerIntegers(binaryDispatcher, execBinaryInt[int8], execBinaryInt[int16], execBinaryInt[int32], execBinaryInt[int64],
		execBinaryInt[uint8], execBinaryInt[uint16], execBinaryInt[uint32], execBinaryInt[uint64])
	registerFloats(binaryDispatcher, execBinaryFloat[float32], execBinaryFloat[float64])
	registerIntegers(comparisonDispatcher, execComparison[int8], execComparison[int16], execComparison[int32],
		execComparison[int64], execComparison[uint8], execComparison[uint16], execComparison[uint32], execComparison[uint64])
	registerFloats(comparisonDispatcher, execComparison[float32], execComparison[float64])

	for ii, name := range binaryOpNames {
		op := binaryOp(ii)
		registerKernel(name, func(b *Backend, call *backends.Call) []*tensors.Tensor {
			var s scratch
			defer s.release()
			output := call.OutputShapes[0]
			lhs := s.convert(call.Inputs[0], output.DType)
			rhs := s.convert(call.Inputs[1], output.DType)
			return one(binaryDispatcher.Get(output.DType)(b, op, lhs, rhs, output))
		})
	}
	for ii, name := range comparisonOpNames {
		op := comparisonOp(ii)
		registerKernel(name, func(b *Backend, call *backends.Call) []*tensors.Tensor {
			var s scratch
			defer s.release()
			dtype, err := dtypes.Promote(call.Inputs[0].DType(), call.Inputs[1].DType())
			if err != nil {
				panic(errors.WithMessagef(err, "%s", name))
			}
			if dtype == dtypes.Bool {
				// false < true, same as 0 < 1.
				dtype = dtypes.Uint8
			}
			lhs := s.convert(call.Inputs[0], dtype)
			rhs := s.convert(call.Inputs[1], dtype)
			return one(comparisonDispatcher.Get(dtype)(b, op, lhs, rhs, call.OutputShapes[0]))
		})
	}
	registerKernel("logical_and", func(b *Backend, call *backends.Call) []*tensors.Tensor {
		return one(broadcastBinary(b, call.Inputs[0], call.Inputs[1], call.OutputShapes[0],
			func(x, y bool) bool { return x && y }))
	})
	registerKernel("logical_or", func(b *Backend, call *backends.Call) []*tensors.Tensor {
		return one(broadcastBinary(b, call.Inputs[0], call.Inputs[1], call.OutputShapes[0],
			func(x, y bool) bool { return x || y }))
	})
	registerKernel("where", execWhere)
}

// broadcastIterator allows one to iterate over the flat indices of a tensor that is being broadcast
// (some dimensions will grow).
type broadcastIterator struct {
	flatIdx     int
	perAxesIdx  []int
	targetDims  []int
	isBroadcast []bool
	strides     []int
}

// newBroadcastIterator returns an iterator over the flat indices of fromShape, as it is broadcast to
// toShape.
//
// Operands are aligned to the right (numpy rules): if fromShape has a lower rank, it's as if it had
// extra leading axes of dimension 1.
func newBroadcastIterator(fromShape, toShape shapes.Shape) *broadcastIterator {
	rank := toShape.Rank()
	if fromShape.Rank() > rank {
		exceptions.Panicf("broadcastIterator: cannot broadcast fromShape=%s to toShape=%s", fromShape, toShape)
	}
	fromDims := make([]int, rank)
	padding := rank - fromShape.Rank()
	for axis := range rank {
		if axis < padding {
			fromDims[axis] = 1
		} else {
			fromDims[axis] = fromShape.Dimensions[axis-padding]
		}
	}
	bi := &broadcastIterator{
		perAxesIdx:  make([]int, rank),
		targetDims:  toShape.Dimensions,
		isBroadcast: make([]bool, rank),
		strides:     make([]int, rank),
	}
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		bi.strides[axis] = stride
		stride *= fromDims[axis]
		bi.isBroadcast[axis] = fromDims[axis] != toShape.Dimensions[axis]
		if bi.isBroadcast[axis] && fromDims[axis] != 1 {
			exceptions.Panicf("broadcastIterator: cannot broadcast fromShape=%s to toShape=%s", fromShape, toShape)
		}
	}
	return bi
}

// Next returns the flat index of the operand for the next element of the target.
func (bi *broadcastIterator) Next() (flatIdx int) {
	flatIdx = bi.flatIdx
	bi.flatIdx++
	rank := len(bi.perAxesIdx)
	for axis := rank - 1; axis >= 0; axis-- {
		bi.perAxesIdx[axis]++
		if bi.perAxesIdx[axis] < bi.targetDims[axis] {
			if bi.isBroadcast[axis] {
				// If we are broadcasting on this axis, we need to go back and repeat the same slice of the tensor.
				bi.flatIdx -= bi.strides[axis]
			}
			break
		}
		bi.perAxesIdx[axis] = 0
	}
	return
}

// broadcastBinary applies fn elementwise, broadcasting lhs and rhs to the output shape.
// lhs and rhs must have dtype T, and the output dtype R.
func broadcastBinary[T, R dtypes.Supported](b *Backend, lhs, rhs *tensors.Tensor, output shapes.Shape, fn func(x, y T) R) *tensors.Tensor {
	lhsFlat := tensors.CopyFlatData[T](lhs)
	rhsFlat := tensors.CopyFlatData[T](rhs)
	out := tensors.FromShape(output)
	tensors.MutableFlatData(out, func(flat []R) {
		if lhs.Shape().EqualDimensions(output) && rhs.Shape().EqualDimensions(output) {
			b.workers.ParallelFor(len(flat), minParallelChunk, func(start, end int) {
				for ii := start; ii < end; ii++ {
					flat[ii] = fn(lhsFlat[ii], rhsFlat[ii])
				}
			})
			return
		}
		lhsIter := newBroadcastIterator(lhs.Shape(), output)
		rhsIter := newBroadcastIterator(rhs.Shape(), output)
		for ii := range flat {
			flat[ii] = fn(lhsFlat[lhsIter.Next()], rhsFlat[rhsIter.Next()])
		}
	})
	return out
}

func execBinaryInt[T PODIntegerConstraints](b *Backend, op binaryOp, lhs, rhs *tensors.Tensor, output shapes.Shape) *tensors.Tensor {
	var fn func(x, y T) T
	switch op {
	case opDiv:
		fn = func(x, y T) T {
			if y == 0 {
				exceptions.Panicf("integer division by zero")
			}
			return x / y
		}
	case opPow:
		fn = execScalarPowIntGeneric[T]
	default:
		fn = arithmeticFn[T](op)
	}
	return broadcastBinary(b, lhs, rhs, output, fn)
}

func execBinaryFloat[T PODFloatConstraints](b *Backend, op binaryOp, lhs, rhs *tensors.Tensor, output shapes.Shape) *tensors.Tensor {
	var fn func(x, y T) T
	switch op {
	case opDiv:
		fn = func(x, y T) T { return x / y }
	case opPow:
		fn = func(x, y T) T { return T(math.Pow(float64(x), float64(y))) }
	default:
		fn = arithmeticFn[T](op)
	}
	return broadcastBinary(b, lhs, rhs, output, fn)
}

// arithmeticFn returns the scalar function for the operations common to all numeric types.
func arithmeticFn[T PODNumericConstraints](op binaryOp) func(x, y T) T {
	switch op {
	case opAdd:
		return func(x, y T) T { return x + y }
	case opSub:
		return func(x, y T) T { return x - y }
	case opMul:
		return func(x, y T) T { return x * y }
	case opMax:
		return func(x, y T) T { return max(x, y) }
	case opMin:
		return func(x, y T) T { return min(x, y) }
	}
	exceptions.Panicf("binary operation %s not implemented", op)
	return nil
}

// execScalarPowIntGeneric is a O(num of bits) for Pow(base, exp) implementation for integers.
// Negative exponents truncate towards zero, as integer division would.
func execScalarPowIntGeneric[T PODIntegerConstraints](base, exp T) T {
	if exp < 0 {
		switch {
		case base == 1:
			return 1
		case base == 0:
			exceptions.Panicf("integer division by zero: 0 to a negative power")
		case base+1 == 0: // -1
			if exp%2 == 0 {
				return 1
			}
			return base
		}
		return 0
	}
	result := T(1)
	for exp > 0 {
		if exp%2 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1 // exp /= 2
	}
	return result
}

func execComparison[T PODNumericConstraints](b *Backend, op comparisonOp, lhs, rhs *tensors.Tensor, output shapes.Shape) *tensors.Tensor {
	var fn func(x, y T) bool
	switch op {
	case opEqual:
		fn = func(x, y T) bool { return x == y }
	case opNotEqual:
		fn = func(x, y T) bool { return x != y }
	case opLess:
		fn = func(x, y T) bool { return x < y }
	case opLessEqual:
		fn = func(x, y T) bool { return x <= y }
	case opGreater:
		fn = func(x, y T) bool { return x > y }
	case opGreaterEqual:
		fn = func(x, y T) bool { return x >= y }
	default:
		exceptions.Panicf("comparison operation %d not implemented", op)
	}
	return broadcastBinary(b, lhs, rhs, output, fn)
}

// execWhere selects from the values (inputs 1 and 2) according to the condition (input 0), all broadcast
// to the output shape.
func execWhere(_ *Backend, call *backends.Call) []*tensors.Tensor {
	var s scratch
	defer s.release()
	output := call.OutputShapes[0]
	cond := tensors.CopyFlatData[bool](call.Inputs[0])
	onTrue := s.convert(call.Inputs[1], output.DType)
	onFalse := s.convert(call.Inputs[2], output.DType)
	condIter := newBroadcastIterator(call.Inputs[0].Shape(), output)
	trueIter := newBroadcastIterator(onTrue.Shape(), output)
	falseIter := newBroadcastIterator(onFalse.Shape(), output)
	return one(remap(output, []*tensors.Tensor{onTrue, onFalse}, func(int) (int, int) {
		trueIdx, falseIdx := trueIter.Next(), falseIter.Next()
		if cond[condIter.Next()] {
			return 0, trueIdx
		}
		return 1, falseIdx
	}))
}
