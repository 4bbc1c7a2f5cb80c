// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/diffgraph/ops"
	"github.com/gomlx/diffgraph/pkg/support/sets"
	"github.com/gomlx/diffgraph/types/tensors"
	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file implements reverse-mode automatic differentiation, accumulating VJPs (Vector Jacobian
// Products) backwards from the loss.
//
// Conventions:
//
//   - loss: the variable being differentiated. It doesn't need to be a scalar: its gradient is seeded
//     with ones, so the result is the gradient of the sum of its elements.
//   - wrt: the variables with respect to which the gradient is calculated.
//   - VJP: the accumulated gradient of the loss with respect to a variable. It's the sum of the contributions
//     of all consumers of the variable, and it's complete once all of them were visited.
//   - forward order: the operations the loss depends on, in dependency order. It's a snapshot taken before
//     new operations are appended to the graph, so they are never visited.

// UnconnectedPolicy defines what Differentiate does for a wrt variable the loss doesn't depend on.
type UnconnectedPolicy int

const (
	// UnconnectedZero returns a zero gradient for unconnected variables.
	UnconnectedZero UnconnectedPolicy = iota

	// UnconnectedError fails with ErrNotDifferentiable.
	UnconnectedError
)

// String implements fmt.Stringer.
func (p UnconnectedPolicy) String() string {
	switch p {
	case UnconnectedZero:
		return "UnconnectedZero"
	case UnconnectedError:
		return "UnconnectedError"
	default:
		return "UnconnectedPolicy(invalid)"
	}
}

// Differentiator appends the computation of gradients to a graph. Create it with NewDifferentiator.
type Differentiator struct {
	g           *Graph
	unconnected UnconnectedPolicy
}

// NewDifferentiator creates a differentiator for g, using the graph's default UnconnectedPolicy.
func NewDifferentiator(g *Graph) *Differentiator {
	return &Differentiator{g: g, unconnected: g.UnconnectedPolicy()}
}

// WithUnconnected sets the policy for variables the loss doesn't depend on. It returns the differentiator
// itself, so calls can be chained.
func (d *Differentiator) WithUnconnected(policy UnconnectedPolicy) *Differentiator {
	d.unconnected = policy
	return d
}

// Differentiate is a shortcut to NewDifferentiator(g).Differentiate(loss, wrt...).
func (g *Graph) Differentiate(loss VarID, wrt ...VarID) (map[VarID]VarID, error) {
	return NewDifferentiator(g).Differentiate(loss, wrt...)
}

// Differentiate adds to the graph the operations computing the gradient of loss with respect to each of the
// wrt variables, and returns the variables holding them.
//
// The loss must be a floating point variable. Its gradient is seeded with ones, so for non-scalar losses the
// result is the gradient of the sum of its elements.
//
// Constants, non-float variables and inputs an operation declares as non-differentiable receive no gradient.
// A wrt variable whose only paths to the loss go through those gets a zero gradient. A wrt variable not
// connected to the loss at all, a constant or a non-float one, gets a zero gradient with UnconnectedZero,
// or fails with ErrNotDifferentiable with UnconnectedError.
//
// It's transactional: on failure no operation is added to the graph.
func (d *Differentiator) Differentiate(loss VarID, wrt ...VarID) (grads map[VarID]VarID, err error) {
	g := d.g
	g.mu.Lock()
	defer g.mu.Unlock()
	var numNewOps int
	err = g.transaction(func() error {
		grads, numNewOps, err = d.differentiate(loss, wrt)
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Differentiate(loss=%s, wrt=%v)", g.varString(loss), wrt)
	}
	klog.V(1).Infof("graph %s: differentiated %s with respect to %d variables, %d operations added",
		g.id, g.varString(loss), len(wrt), numNewOps)
	return grads, nil
}

// reverseVar holds the backward information of a variable.
type reverseVar struct {
	// Included is true for variables the loss depends on.
	Included bool

	// Useful is true for variables whose value depends on a wrt variable, through differentiable edges.
	// Only those need a VJP.
	Useful bool

	// Contributions to the VJP, in the order they were generated. Collapsed to one on first use.
	Contributions []VarID
}

func (d *Differentiator) differentiate(loss VarID, wrt []VarID) (map[VarID]VarID, int, error) {
	g := d.g
	lossVar, err := g.getVar(loss)
	if err != nil {
		return nil, 0, errors.WithMessage(err, "loss")
	}
	if !isFloat(lossVar) {
		return nil, 0, errors.Wrapf(ErrNotDifferentiable, "loss %s must be a float, got %s",
			g.varString(loss), lossVar.shape)
	}
	for _, id := range wrt {
		if _, err = g.getVar(id); err != nil {
			return nil, 0, errors.WithMessage(err, "wrt")
		}
	}

	forward := g.forwardOrder(loss)
	numVars := len(g.variables)
	rVars := make([]reverseVar, numVars)
	rVars[loss].Included = true
	for ii := len(forward) - 1; ii >= 0; ii-- {
		op := g.operations[forward[ii]]
		for _, input := range op.inputs {
			rVars[input].Included = true
		}
	}
	wrtSet := sets.MakeWith(wrt...)
	for id := range wrtSet {
		if v := g.variables[id]; v.kind != Constant && isFloat(v) {
			rVars[id].Useful = true
		}
	}
	for _, opID := range forward {
		op := g.operations[opID]
		useful := false
		for ii, input := range op.inputs {
			if rVars[input].Useful && op.desc.IsDifferentiable(ii) {
				useful = true
				break
			}
		}
		if useful {
			for _, output := range op.outputs {
				if isFloat(g.variables[output]) {
					rVars[output].Useful = true
				}
			}
		}
	}

	b := &builder{g: g}
	// vjp collapses the contributions of the variable into one.
	vjp := func(id VarID) VarID {
		rVar := &rVars[id]
		switch len(rVar.Contributions) {
		case 0:
			return InvalidVarID
		case 1:
			return rVar.Contributions[0]
		}
		sum := b.Add("add_n", rVar.Contributions, nil)[0]
		rVar.Contributions = []VarID{sum}
		return sum
	}

	if rVars[loss].Useful {
		rVars[loss].Contributions = []VarID{d.seed(b, lossVar)}
	}
	for ii := len(forward) - 1; ii >= 0; ii-- {
		op := g.operations[forward[ii]]
		wanted := make([]bool, len(op.inputs))
		anyWanted := false
		for jj, input := range op.inputs {
			v := g.variables[input]
			wanted[jj] = rVars[input].Useful && op.desc.IsDifferentiable(jj) && v.kind != Constant && isFloat(v)
			anyWanted = anyWanted || wanted[jj]
		}
		if !anyWanted {
			continue
		}

		// Operations whose outputs have no gradient are skipped, this includes dead outputs.
		outputGrads := make([]VarID, len(op.outputs))
		anyGrad := false
		for jj, output := range op.outputs {
			if len(rVars[output].Contributions) > 0 {
				outputGrads[jj] = vjp(output)
				anyGrad = true
			} else {
				outputGrads[jj] = InvalidVarID
			}
		}
		if !anyGrad {
			continue
		}
		for jj, output := range op.outputs {
			if outputGrads[jj] == InvalidVarID {
				outputGrads[jj] = b.Add("zeros_like", []VarID{output}, nil)[0]
			}
		}

		inputGrads := op.desc.Backward(&ops.BackwardContext{
			Builder:     b,
			Inputs:      op.inputs,
			Outputs:     op.outputs,
			OutputGrads: outputGrads,
			Attributes:  op.attrs,
			Wanted:      wanted,
		})
		if len(inputGrads) != len(op.inputs) {
			Panicf("backward rule of %q returned %d gradients for %d inputs", op.opName, len(inputGrads), len(op.inputs))
		}
		for jj, grad := range inputGrads {
			if !wanted[jj] || grad == ops.NoGradient {
				continue
			}
			input := op.inputs[jj]
			if !g.shapeOf(grad).CompatibleDimensions(g.shapeOf(input)) {
				Panicf("backward rule of %q returned gradient shaped %s for input %d shaped %s",
					op.opName, g.shapeOf(grad), jj, g.shapeOf(input))
			}
			rVars[input].Contributions = append(rVars[input].Contributions, grad)
		}
	}

	grads := make(map[VarID]VarID, len(wrt))
	for _, id := range wrt {
		if _, found := grads[id]; found {
			continue
		}
		if grad := vjp(id); grad != InvalidVarID {
			grads[id] = grad
			continue
		}
		v := g.variables[id]
		connected := rVars[id].Included && v.kind != Constant && isFloat(v)
		if !connected && d.unconnected == UnconnectedError {
			return nil, 0, errors.Wrapf(ErrNotDifferentiable, "loss %s doesn't depend on %s (%s %s)",
				g.varString(loss), g.varString(id), v.kind, v.shape)
		}
		grads[id] = d.zeros(b, v)
	}
	return grads, len(b.created), nil
}

// seed returns the initial VJP of the loss: ones shaped like it.
func (d *Differentiator) seed(b *builder, loss *variable) VarID {
	if loss.shape.IsFullyKnown() {
		return b.Constant(tensors.Ones(loss.shape))
	}
	return b.Add("ones_like", []VarID{loss.id}, nil)[0]
}

// zeros returns a zero gradient for v.
func (d *Differentiator) zeros(b *builder, v *variable) VarID {
	if v.shape.IsFullyKnown() {
		return b.Constant(tensors.Zeros(v.shape))
	}
	return b.Add("zeros_like", []VarID{v.id}, nil)[0]
}

// forwardOrder returns the operations the variable depends on, in depth-first postorder.
func (g *Graph) forwardOrder(target VarID) []OpID {
	var order []OpID
	visited := sets.Make[OpID]()
	type frame struct {
		op   OpID
		next int // next input to visit
	}
	var stack []frame
	push := func(id VarID) {
		producer := g.variables[id].producer
		if producer == InvalidOpID || visited.Has(producer) {
			return
		}
		visited.Insert(producer)
		stack = append(stack, frame{op: producer})
	}
	push(target)
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		inputs := g.operations[top.op].inputs
		if top.next < len(inputs) {
			input := inputs[top.next]
			top.next++
			push(input)
			continue
		}
		order = append(order, top.op)
		stack = stack[:len(stack)-1]
	}
	return order
}
