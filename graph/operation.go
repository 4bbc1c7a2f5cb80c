// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/diffgraph/ops"
)

// OpID identifies an operation in a Graph. Ids are never reused.
type OpID int

// InvalidOpID is the producer of variables that are not an operation output.
const InvalidOpID OpID = -1

type operation struct {
	id      OpID
	opName  string
	desc    *ops.Descriptor
	inputs  []VarID
	outputs []VarID
	attrs   ops.Attributes

	// controlDeps are variables that must be computed before the operation executes, even though it
	// doesn't read them. They carry no gradient.
	controlDeps []VarID
	removed     bool
}

// OperationInfo is a snapshot of the information about an operation, see Graph.Operation.
type OperationInfo struct {
	ID         OpID
	OpName     string
	Inputs     []VarID
	Outputs    []VarID
	Attributes ops.Attributes

	// ControlDeps are the variables computed before the operation executes, see
	// Graph.AddControlDependency.
	ControlDeps []VarID
}

// usesInput returns whether v is one of the inputs of the operation.
func (op *operation) usesInput(v VarID) bool {
	return slices.Contains(op.inputs, v)
}
