// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a portable backend in pure Go, with no C/C++ dependencies.
//
// It implements every operation of the default ops registry, for all dtypes the operation accepts.
// Float16 values are computed in float32 and converted back.
//
// Options, given in the backend configuration "go:<options>" as a comma separated list:
//
//   - "gemm=blas" (default) or "gemm=loop": matmul of float32/float64 uses gonum's BLAS implementation,
//     or the generic loop used for the other dtypes.
//   - "parallelism=N": maximum number of goroutines used by a single kernel. 0 disables it, -1 means
//     unlimited. It defaults to runtime.NumCPU().
package simplego

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/gomlx/diffgraph/backends"
	"github.com/gomlx/diffgraph/internal/workerspool"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in DIFFGRAPH_BACKEND to specify this backend.
const BackendName = "go"

func init() {
	backends.Register(BackendName, New)
}

// GEMMMode selects the implementation of matrix multiplications.
type GEMMMode int

const (
	// GEMMBlas uses gonum's pure Go BLAS for float32 and float64.
	GEMMBlas GEMMMode = iota

	// GEMMLoop uses the generic loop implementation for all dtypes.
	GEMMLoop
)

// String implements fmt.Stringer.
func (m GEMMMode) String() string {
	switch m {
	case GEMMBlas:
		return "blas"
	case GEMMLoop:
		return "loop"
	default:
		return "GEMMMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Backend implements the backends.Backend interface.
type Backend struct {
	gemm        GEMMMode
	workers     *workerspool.Pool
	isFinalized atomic.Bool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new SimpleGo Backend. See package documentation for the options.
func New(config string) (backends.Backend, error) {
	return NewBackend(config)
}

// NewBackend is like New, but returns the concrete type.
func NewBackend(config string) (*Backend, error) {
	options, err := backends.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	b := &Backend{workers: workerspool.New()}
	for key, value := range options {
		switch key {
		case "gemm":
			switch value {
			case "blas":
				b.gemm = GEMMBlas
			case "loop":
				b.gemm = GEMMLoop
			default:
				return nil, errors.Errorf("backend %q: invalid gemm mode %q, valid values are \"blas\" or \"loop\"",
					BackendName, value)
			}
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "backend %q: invalid parallelism %q", BackendName, value)
			}
			b.workers.SetMaxParallelism(parallelism)
		default:
			return nil, errors.Errorf("backend %q: unknown option %q", BackendName, key)
		}
	}
	klog.V(1).Infof("backend %q created: %s", BackendName, b.Description())
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Pure Go portable backend (gemm=%s, parallelism=%d)", b.gemm, b.workers.MaxParallelism())
}

// GEMM returns the matmul implementation in use.
func (b *Backend) GEMM() GEMMMode { return b.gemm }

// Supports returns whether the backend has a kernel for the operation.
func (b *Backend) Supports(opName string) bool {
	_, found := kernels[opName]
	return found
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.isFinalized.Store(true)
}

// IsFinalized returns true if the backend is finalized.
func (b *Backend) IsFinalized() bool {
	return b.isFinalized.Load()
}

// Execute implements backends.Backend.
func (b *Backend) Execute(ctx context.Context, call *backends.Call) (outputs []*tensors.Tensor, err error) {
	if b.IsFinalized() {
		return nil, errors.Errorf("backend %q has already been finalized", BackendName)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	kernel, found := kernels[call.OpName]
	if !found {
		return nil, errors.Errorf("backend %q doesn't support operation %q", BackendName, call.OpName)
	}
	for ii, shape := range call.OutputShapes {
		if !shape.IsFullyKnown() {
			return nil, errors.Errorf("backend %q: output %d of %q has shape %s, which is not fully known",
				BackendName, ii, call.OpName, shape)
		}
	}
	for ii, input := range call.Inputs {
		if input == nil || !input.Ok() {
			return nil, errors.Errorf("backend %q: input %d of %q is invalid", BackendName, ii, call.OpName)
		}
	}

	lifted, release := liftFloat16(call)
	defer release()
	err = exceptions.TryCatch[error](func() {
		outputs = kernel(b, lifted)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q executing %q", BackendName, call.OpName)
	}
	return lowerFloat16(outputs, call.OutputShapes), nil
}

// kernelFn executes an operation. The output shapes in call are fully known, and it panics on errors.
type kernelFn func(b *Backend, call *backends.Call) []*tensors.Tensor

// kernels registered by operation name.
var kernels = make(map[string]kernelFn)

// registerKernel should be called during initialization.
func registerKernel(opName string, kernel kernelFn) {
	if _, found := kernels[opName]; found {
		exceptions.Panicf("simplego: kernel for %q registered twice", opName)
	}
	kernels[opName] = kernel
}

// one is a shortcut for kernels with a single output.
func one(t *tensors.Tensor) []*tensors.Tensor {
	return []*tensors.Tensor{t}
}

// liftFloat16 returns a copy of the call with Float16 inputs and outputs converted to Float32.
// The returned function releases the converted inputs.
func liftFloat16(call *backends.Call) (*backends.Call, func()) {
	needed := false
	for _, input := range call.Inputs {
		needed = needed || input.DType() == dtypes.Float16
	}
	for _, shape := range call.OutputShapes {
		needed = needed || shape.DType == dtypes.Float16
	}
	if !needed {
		return call, func() {}
	}
	var s scratch
	lifted := &backends.Call{
		Op:           call.Op,
		OpName:       call.OpName,
		Attributes:   call.Attributes,
		Inputs:       make([]*tensors.Tensor, len(call.Inputs)),
		OutputShapes: make([]shapes.Shape, len(call.OutputShapes)),
	}
	for ii, input := range call.Inputs {
		if input.DType() == dtypes.Float16 {
			input = s.convert(input, dtypes.Float32)
		}
		lifted.Inputs[ii] = input
	}
	for ii, shape := range call.OutputShapes {
		if shape.DType == dtypes.Float16 {
			shape = shape.WithDType(dtypes.Float32)
		}
		lifted.OutputShapes[ii] = shape
	}
	return lifted, s.release
}

// lowerFloat16 converts back the outputs expected as Float16.
func lowerFloat16(outputs []*tensors.Tensor, expected []shapes.Shape) []*tensors.Tensor {
	for ii, output := range outputs {
		if ii < len(expected) && expected[ii].DType == dtypes.Float16 && output.DType() == dtypes.Float32 {
			outputs[ii] = output.ConvertDType(dtypes.Float16)
			output.Finalize()
		}
	}
	return outputs
}

// scratch holds the temporary tensors created by a kernel.
type scratch []*tensors.Tensor

// convert returns t if it already has the dtype, or a converted copy, released with the scratch.
func (s *scratch) convert(t *tensors.Tensor, dtype dtypes.DType) *tensors.Tensor {
	if t.DType() == dtype {
		return t
	}
	converted := t.ConvertDType(dtype)
	*s = append(*s, converted)
	return converted
}

// release finalizes all the temporary tensors.
func (s *scratch) release() {
	for _, t := range *s {
		t.Finalize()
	}
	*s = nil
}
