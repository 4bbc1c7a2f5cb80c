// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
)

// Variables returns the ids of all variables in the graph, in creation order.
func (g *Graph) Variables() []VarID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]VarID, 0, len(g.variables))
	for _, v := range g.variables {
		if !v.removed {
			ids = append(ids, v.id)
		}
	}
	return ids
}

// Operations returns the ids of all operations in the graph, in creation order.
func (g *Graph) Operations() []OpID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]OpID, 0, len(g.operations))
	for _, op := range g.operations {
		if !op.removed {
			ids = append(ids, op.id)
		}
	}
	return ids
}

// NumVariables returns the number of live variables.
func (g *Graph) NumVariables() int { return len(g.Variables()) }

// Variable returns a snapshot of the information about a variable.
func (g *Graph) Variable(id VarID) (VariableInfo, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, err := g.getVar(id)
	if err != nil {
		return VariableInfo{}, err
	}
	g.cacheMu.Lock()
	state := v.state
	g.cacheMu.Unlock()
	return VariableInfo{
		ID:          v.id,
		Name:        v.name,
		Kind:        v.kind,
		State:       state,
		Shape:       v.shape.Clone(),
		Declared:    v.declared.Clone(),
		Producer:    v.producer,
		OutputIndex: v.outputIndex,
		Consumers:   slices.Clone(v.consumers),

		ControlConsumers: slices.Clone(v.controlConsumers),
	}, nil
}

// Operation returns a snapshot of the information about an operation.
func (g *Graph) Operation(id OpID) (OperationInfo, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	op, err := g.getOp(id)
	if err != nil {
		return OperationInfo{}, err
	}
	return OperationInfo{
		ID:         op.id,
		OpName:     op.opName,
		Inputs:     slices.Clone(op.inputs),
		Outputs:    slices.Clone(op.outputs),
		Attributes: op.attrs.Clone(),

		ControlDeps: slices.Clone(op.controlDeps),
	}, nil
}

// LookupVariable returns the id of the variable with the given name.
func (g *Graph) LookupVariable(name string) (VarID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, found := g.names[name]
	if !found {
		return InvalidVarID, false
	}
	return id, true
}

// Shape returns the current inferred shape of the variable, or an invalid shape if id is not valid.
func (g *Graph) Shape(id VarID) shapes.Shape {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.shapeOf(id).Clone()
}

// DType returns the dtype of the variable, or dtypes.InvalidDType if id is not valid.
func (g *Graph) DType(id VarID) dtypes.DType {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dtypeOf(id)
}

// State returns the lifecycle state of the variable. It returns -1 if id is not valid.
func (g *Graph) State(id VarID) VariableState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, err := g.getVar(id)
	if err != nil {
		return -1
	}
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	return v.state
}

// Value returns a view of the bound or materialized value of the variable, or nil if it has none.
// The caller owns the view and may finalize it.
func (g *Graph) Value(id VarID) *tensors.Tensor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, err := g.getVar(id)
	if err != nil {
		return nil
	}
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	if v.value == nil {
		return nil
	}
	return v.value.View()
}

// Consumers returns the operations that take the variable as input, in the order they were connected.
func (g *Graph) Consumers(id VarID) []OpID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, err := g.getVar(id)
	if err != nil {
		return nil
	}
	return slices.Clone(v.consumers)
}

// Producer returns the operation that outputs the variable, or InvalidOpID.
func (g *Graph) Producer(id VarID) OpID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, err := g.getVar(id)
	if err != nil {
		return InvalidOpID
	}
	return v.producer
}
