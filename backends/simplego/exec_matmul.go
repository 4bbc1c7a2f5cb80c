// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/diffgraph/backends"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/mat"
)

// matmulDims describes a matrix multiplication: lhs is [m, k] and rhs is [k, n], after the optional
// transpositions.
type matmulDims struct {
	m, k, n                    int
	transposeLHS, transposeRHS bool
}

type matmulExecFn func(b *Backend, lhs, rhs *tensors.Tensor, dims matmulDims) *tensors.Tensor

var matmulLoopDispatcher = NewDTypeDispatcher[matmulExecFn]("matmul")

func init() {
	registerIntegers(matmulLoopDispatcher, execMatMulLoop[int8], execMatMulLoop[int16], execMatMulLoop[int32],
		execMatMulLoop[int64], execMatMulLoop[uint8], execMatMulLoop[uint16], execMatMulLoop[uint32],
		execMatMulLoop[uint64])
	registerFloats(matmulLoopDispatcher, execMatMulLoop[float32], execMatMulLoop[float64])
	registerKernel("matmul", execMatMul)
}

// minMatMulRowsPerWorker is the minimum number of output rows computed by each goroutine in the loop
// implementation.
const minMatMulRowsPerWorker = 16

func execMatMul(b *Backend, call *backends.Call) []*tensors.Tensor {
	var s scratch
	defer s.release()
	output := call.OutputShapes[0]
	lhs := s.convert(call.Inputs[0], output.DType)
	rhs := s.convert(call.Inputs[1], output.DType)
	dims := matmulDims{
		m:            output.Dimensions[0],
		n:            output.Dimensions[1],
		transposeLHS: call.Attributes.Bool("transpose_a"),
		transposeRHS: call.Attributes.Bool("transpose_b"),
	}
	dims.k = lhs.Shape().Dimensions[1]
	if dims.transposeLHS {
		dims.k = lhs.Shape().Dimensions[0]
	}
	if dims.m == 0 || dims.n == 0 || dims.k == 0 {
		return one(tensors.Zeros(output))
	}
	if b.gemm == GEMMBlas {
		switch output.DType {
		case dtypes.Float32:
			return one(execMatMulBlas32(lhs, rhs, dims))
		case dtypes.Float64:
			return one(execMatMulDense(lhs, rhs, dims))
		}
	}
	return one(matmulLoopDispatcher.Get(output.DType)(b, lhs, rhs, dims))
}

// execMatMulBlas32 uses the pure Go BLAS implementation for float32.
func execMatMulBlas32(lhs, rhs *tensors.Tensor, dims matmulDims) *tensors.Tensor {
	general := func(t *tensors.Tensor) blas32.General {
		shape := t.Shape()
		return blas32.General{
			Rows:   shape.Dimensions[0],
			Cols:   shape.Dimensions[1],
			Stride: shape.Dimensions[1],
			Data:   tensors.CopyFlatData[float32](t),
		}
	}
	transpose := func(transposed bool) blas.Transpose {
		if transposed {
			return blas.Trans
		}
		return blas.NoTrans
	}
	c := blas32.General{Rows: dims.m, Cols: dims.n, Stride: dims.n, Data: make([]float32, dims.m*dims.n)}
	blas32.Gemm(transpose(dims.transposeLHS), transpose(dims.transposeRHS), 1, general(lhs), general(rhs), 0, c)
	return tensors.FromFlatDataAndDimensions(c.Data, dims.m, dims.n)
}

// execMatMulDense uses gonum's dense matrices for float64.
func execMatMulDense(lhs, rhs *tensors.Tensor, dims matmulDims) *tensors.Tensor {
	matrix := func(t *tensors.Tensor, transposed bool) mat.Matrix {
		shape := t.Shape()
		dense := mat.NewDense(shape.Dimensions[0], shape.Dimensions[1], tensors.CopyFlatData[float64](t))
		if transposed {
			return dense.T()
		}
		return dense
	}
	var product mat.Dense
	product.Mul(matrix(lhs, dims.transposeLHS), matrix(rhs, dims.transposeRHS))
	raw := product.RawMatrix()
	data := make([]float64, dims.m*dims.n)
	for row := range dims.m {
		copy(data[row*dims.n:(row+1)*dims.n], raw.Data[row*raw.Stride:row*raw.Stride+dims.n])
	}
	return tensors.FromFlatDataAndDimensions(data, dims.m, dims.n)
}

// execMatMulLoop is the generic implementation, parallelized over the rows of the output.
func execMatMulLoop[T PODNumericConstraints](b *Backend, lhs, rhs *tensors.Tensor, dims matmulDims) *tensors.Tensor {
	lhsFlat := tensors.CopyFlatData[T](lhs)
	rhsFlat := tensors.CopyFlatData[T](rhs)

	// Strides to access lhs[row, kk] and rhs[kk, col], taking the transpositions into account.
	lhsRowStride, lhsKStride := dims.k, 1
	if dims.transposeLHS {
		lhsRowStride, lhsKStride = 1, dims.m
	}
	rhsKStride, rhsColStride := dims.n, 1
	if dims.transposeRHS {
		rhsKStride, rhsColStride = 1, dims.k
	}

	out := tensors.FromShape(shapes.Make(lhs.DType(), dims.m, dims.n))
	tensors.MutableFlatData(out, func(flat []T) {
		b.workers.ParallelFor(dims.m, minMatMulRowsPerWorker, func(start, end int) {
			for row := start; row < end; row++ {
				outRow := flat[row*dims.n : (row+1)*dims.n]
				for kk := range dims.k {
					a := lhsFlat[row*lhsRowStride+kk*lhsKStride]
					rhsBase := kk * rhsKStride
					for col := range outRow {
						outRow[col] += a * rhsFlat[rhsBase+col*rhsColStride]
					}
				}
			}
		})
	})
	return out
}
