// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/diffgraph/ops"
	"github.com/pkg/errors"
)

// Errors returned by the graph. They are wrapped with context, use errors.Is to test for them.
var (
	// ErrDuplicateName is returned when adding a variable with a name already in use.
	ErrDuplicateName = errors.New("duplicate variable name")

	// ErrGraphCycle is returned when a mutation would make a variable depend on itself.
	ErrGraphCycle = errors.New("graph cycle")

	// ErrShapeInference is returned when the shapes of the inputs of an operation are incompatible.
	ErrShapeInference = ops.ErrShapeInference

	// ErrTypeInference is returned when the dtypes of the inputs of an operation are incompatible.
	ErrTypeInference = ops.ErrTypeInference

	// ErrShapeMismatch is returned when a bound or fed value conflicts with the declared shape or dtype.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDanglingReference is returned when removing an operation whose outputs are still consumed.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrUnresolvedInput is returned by Run when a required placeholder has no value.
	ErrUnresolvedInput = errors.New("unresolved input")

	// ErrBackendExecution is matched by *BackendExecutionError.
	ErrBackendExecution = errors.New("backend execution failed")

	// ErrNotDifferentiable is returned by Differentiate, in UnconnectedError mode, for variables
	// the loss doesn't depend on.
	ErrNotDifferentiable = errors.New("not differentiable")

	// ErrInvalidID is returned for unknown or removed variable and operation ids.
	ErrInvalidID = errors.New("invalid id")
)

// BackendExecutionError is returned by Executor.Run when the backend fails to execute an operation, or
// returns results that don't match the expected shapes.
type BackendExecutionError struct {
	Op     OpID
	OpName string
	Err    error
}

// Error implements error.
func (e *BackendExecutionError) Error() string {
	return fmt.Sprintf("executing operation #%d (%s): %v", e.Op, e.OpName, e.Err)
}

// Unwrap returns the backend error.
func (e *BackendExecutionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBackendExecution) true.
func (e *BackendExecutionError) Is(target error) bool { return target == ErrBackendExecution }
