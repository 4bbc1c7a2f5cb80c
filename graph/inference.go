// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/diffgraph/ops"
	"github.com/gomlx/diffgraph/pkg/support/sets"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// largeInvalidation is the amount of cached memory above which invalidations are logged as warnings.
const largeInvalidation = 256 << 20

// inferOp returns the output shapes of opName applied to the current shapes of inputs.
func (g *Graph) inferOp(opName string, inputs []VarID, attrs ops.Attributes) ([]shapes.Shape, error) {
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		inputShapes[ii] = g.variables[input].shape
	}
	return g.registry.InferOutputShapes(opName, inputShapes, attrs)
}

// reinfer runs shape inference on the given operations and, transitively, on the consumers of every
// output whose shape or dtype changes. Pending operations are processed in id order.
//
// It must be called within a transaction: on error, the caller rolls back the partial updates.
func (g *Graph) reinfer(start ...OpID) error {
	var queue []OpID
	push := func(id OpID) {
		pos, found := slices.BinarySearch(queue, id)
		if !found {
			queue = slices.Insert(queue, pos, id)
		}
	}
	for _, id := range start {
		push(id)
	}
	count := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		op := g.operations[id]
		if op.removed {
			continue
		}
		count++
		outputShapes, err := g.inferOp(op.opName, op.inputs, op.attrs)
		if err != nil {
			return errors.WithMessagef(err, "re-inferring operation #%d (%s)", id, op.opName)
		}
		for ii, output := range op.outputs {
			v := g.variables[output]
			if v.shape.Equal(outputShapes[ii]) {
				continue
			}
			if v.state == Materialized {
				g.setValue(v, nil, v.state)
			}
			g.setShape(v, outputShapes[ii], inferredState(outputShapes[ii]))
			for _, consumer := range v.consumers {
				push(consumer)
			}
		}
	}
	if count > 0 {
		klog.V(2).Infof("graph %s: re-inferred %d operations", g.id, count)
	}
	return nil
}

// downstreamOps returns all operations that directly or transitively consume the outputs of op, following
// control dependencies too. It contains op itself only if the graph has a cycle.
func (g *Graph) downstreamOps(op OpID) sets.Set[OpID] {
	visited := sets.Make[OpID]()
	stack := []OpID{op}
	for len(stack) > 0 {
		current := g.operations[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		for _, output := range current.outputs {
			v := g.variables[output]
			for _, consumer := range slices.Concat(v.consumers, v.controlConsumers) {
				if !visited.Has(consumer) {
					visited.Insert(consumer)
					stack = append(stack, consumer)
				}
			}
		}
	}
	return visited
}

// checkAcyclic returns an error wrapping ErrGraphCycle if the outputs of op feed back into op.
func (g *Graph) checkAcyclic(op OpID) error {
	if g.downstreamOps(op).Has(op) {
		return errors.Wrapf(ErrGraphCycle, "operation #%d (%s) depends on its own outputs", op, g.operations[op].opName)
	}
	return nil
}

// invalidateDownstream discards the materialized values of every array computed from the given variables.
func (g *Graph) invalidateDownstream(vars ...VarID) {
	visited := sets.Make[OpID]()
	var stack []OpID
	for _, id := range vars {
		stack = append(stack, g.variables[id].consumers...)
	}
	var count int
	var memory uintptr
	for len(stack) > 0 {
		opID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Has(opID) {
			continue
		}
		visited.Insert(opID)
		for _, output := range g.operations[opID].outputs {
			v := g.variables[output]
			if v.state == Materialized {
				count++
				if v.value != nil {
					memory += v.value.Memory()
				}
				g.setValue(v, nil, inferredState(v.shape))
			}
			stack = append(stack, v.consumers...)
		}
	}
	if count == 0 {
		return
	}
	if memory >= largeInvalidation {
		klog.Warningf("graph %s: invalidated %d cached values using %s", g.id, count, humanize.Bytes(uint64(memory)))
	} else {
		klog.V(1).Infof("graph %s: invalidated %d cached values (%s)", g.id, count, humanize.Bytes(uint64(memory)))
	}
}
