// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/diffgraph/ops"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
)

// VarID identifies a variable in a Graph. Ids are never reused, not even after the variable is removed.
type VarID = ops.VarID

// InvalidVarID is the value used for "no variable".
const InvalidVarID = ops.InvalidVarID

// VariableKind enumerates the kinds of variables.
type VariableKind int

const (
	// Placeholder is an input of the graph, bound with Graph.BindValue or fed to Executor.Run.
	Placeholder VariableKind = iota

	// Constant holds a fixed value.
	Constant

	// Parameter holds a learnable value, allocated when created and updated with Graph.BindValue.
	Parameter

	// Array is the output of an operation.
	Array
)

var kindNames = []string{"placeholder", "constant", "parameter", "array"}

// String implements fmt.Stringer.
func (k VariableKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "invalid"
	}
	return kindNames[k]
}

// VariableState is the lifecycle state of a variable.
//
// Placeholders go from UnboundUnknownShape (or UnboundKnownShape if declared with a fully known shape)
// to Bound. Constants and parameters are always Bound.
//
// Operation outputs are Declared while their shape is not fully known, ShapeInferred once it is, and
// Materialized after a run computes their value. Mutations upstream bring them back to ShapeInferred.
type VariableState int

const (
	UnboundUnknownShape VariableState = iota
	UnboundKnownShape
	Bound
	Declared
	ShapeInferred
	Materialized
)

var stateNames = []string{"unbound_unknown_shape", "unbound_known_shape", "bound", "declared",
	"shape_inferred", "materialized"}

// String implements fmt.Stringer.
func (s VariableState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// variable is the internal representation of a variable.
//
// While a Run is in progress (g.mu held for reading), state and value of Array variables are only
// accessed with g.cacheMu held.
type variable struct {
	id   VarID
	name string
	kind VariableKind

	// declared is the shape given by the user for placeholders and parameters: bound values must be
	// compatible with it.
	declared shapes.Shape

	// shape is the current inferred shape.
	shape shapes.Shape
	state VariableState

	// value is the bound value (placeholders, constants, parameters) or the materialized value (arrays).
	// It is owned by the graph.
	value *tensors.Tensor

	producer    OpID
	outputIndex int
	consumers   []OpID

	// controlConsumers are the operations executed only after the variable is computed.
	controlConsumers []OpID
	removed          bool
}

// VariableInfo is a snapshot of the information about a variable, see Graph.Variable.
type VariableInfo struct {
	ID    VarID
	Name  string
	Kind  VariableKind
	State VariableState
	Shape shapes.Shape

	// Declared shape for placeholders and parameters.
	Declared shapes.Shape

	// Producer is the operation that outputs the variable, InvalidOpID if it's not an Array.
	Producer    OpID
	OutputIndex int
	Consumers   []OpID

	// ControlConsumers are the operations with a control dependency on the variable.
	ControlConsumers []OpID
}

// unboundState returns the state of an unbound placeholder declared with shape.
func unboundState(shape shapes.Shape) VariableState {
	if shape.IsFullyKnown() {
		return UnboundKnownShape
	}
	return UnboundUnknownShape
}

// inferredState returns the state of a non-materialized operation output with the given shape.
func inferredState(shape shapes.Shape) VariableState {
	if shape.IsFullyKnown() {
		return ShapeInferred
	}
	return Declared
}
