// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/diffgraph/initializers"
	"github.com/gomlx/diffgraph/ops"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// AddPlaceholder adds an input variable to the graph. The shape may have unknown dimensions (or an unknown
// rank), resolved when a value is bound or fed.
func (g *Graph) AddPlaceholder(name string, shape shapes.Shape) (id VarID, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	err = g.transaction(func() error {
		if !shape.DType.IsValid() {
			return errors.Errorf("placeholder %q must have a valid dtype, got shape %s", name, shape)
		}
		id, err = g.newVariable(name, Placeholder, shape, unboundState(shape))
		return err
	})
	if err != nil {
		return InvalidVarID, errors.WithMessage(err, "AddPlaceholder")
	}
	klog.V(1).Infof("graph %s: added placeholder %s %s", g.id, g.varString(id), shape)
	return id, nil
}

// AddConstant adds a variable with a fixed value. On success the graph takes ownership of value.
func (g *Graph) AddConstant(name string, value *tensors.Tensor) (id VarID, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	err = g.transaction(func() error {
		id, err = g.addConstant(name, value)
		return err
	})
	if err != nil {
		return InvalidVarID, errors.WithMessage(err, "AddConstant")
	}
	klog.V(1).Infof("graph %s: added constant %s %s", g.id, g.varString(id), value.Shape())
	return id, nil
}

// AddParameter adds a learnable variable with the given shape, which must be fully known. Its value is
// allocated immediately with init, and can later be updated with BindValue.
func (g *Graph) AddParameter(name string, shape shapes.Shape, init initializers.Initializer) (id VarID, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	err = g.transaction(func() error {
		if !shape.DType.IsValid() || !shape.IsFullyKnown() {
			return errors.Wrapf(ErrShapeMismatch, "parameter %q must have a fully known shape, got %s", name, shape)
		}
		if init == nil {
			return errors.Errorf("parameter %q has no initializer", name)
		}
		value, err := init(shape)
		if err != nil {
			return errors.WithMessagef(err, "initializing parameter %q", name)
		}
		if !value.Shape().Equal(shape) {
			value.Finalize()
			return errors.Wrapf(ErrShapeMismatch, "initializer of parameter %q returned %s, wanted %s",
				name, value.Shape(), shape)
		}
		id, err = g.newVariable(name, Parameter, shape, Bound)
		if err != nil {
			value.Finalize()
			return err
		}
		g.setValue(g.variables[id], value, Bound)
		return nil
	})
	if err != nil {
		return InvalidVarID, errors.WithMessage(err, "AddParameter")
	}
	klog.V(1).Infof("graph %s: added parameter %s %s", g.id, g.varString(id), shape)
	return id, nil
}

// newVariable appends a variable that is not the output of an operation.
func (g *Graph) newVariable(name string, kind VariableKind, shape shapes.Shape, state VariableState) (VarID, error) {
	if name == "" {
		return InvalidVarID, errors.Errorf("%s variables must have a name", kind)
	}
	if _, found := g.names[name]; found {
		return InvalidVarID, errors.Wrapf(ErrDuplicateName, "%q", name)
	}
	v := &variable{
		name:     name,
		kind:     kind,
		declared: shape.Clone(),
		shape:    shape.Clone(),
		state:    state,
		producer: InvalidOpID,
	}
	g.appendVariable(v)
	return v.id, nil
}

func (g *Graph) addConstant(name string, value *tensors.Tensor) (VarID, error) {
	if value == nil || !value.Ok() {
		return InvalidVarID, errors.Errorf("constant %q requires a valid value", name)
	}
	id, err := g.newVariable(name, Constant, value.Shape(), Bound)
	if err != nil {
		return InvalidVarID, err
	}
	g.setValue(g.variables[id], value, Bound)
	return id, nil
}

// AddOperation adds an operation to the graph, and returns the variables holding its outputs, named
// "<op_name>_<op_id>:<output_index>".
//
// The number of inputs and the attributes are validated against the operation descriptor in the
// registry, and the shapes of the outputs inferred from the current shapes of the inputs.
func (g *Graph) AddOperation(opName string, inputs []VarID, attrs ops.Attributes) ([]VarID, error) {
	return g.AddNamedOperation(opName, inputs, attrs, nil)
}

// AddNamedOperation is like AddOperation, but names the outputs. If names is nil the default names are used.
func (g *Graph) AddNamedOperation(opName string, inputs []VarID, attrs ops.Attributes, names []string) (outputs []VarID, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	err = g.transaction(func() error {
		outputs, err = g.addOperation(opName, inputs, attrs, names)
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "AddOperation(%q)", opName)
	}
	return outputs, nil
}

// addOperation implements AddNamedOperation. It must be called within a transaction.
func (g *Graph) addOperation(opName string, inputs []VarID, attrs ops.Attributes, names []string) ([]VarID, error) {
	desc, err := g.registry.Describe(opName)
	if err != nil {
		return nil, err
	}
	if err = desc.CheckArity(len(inputs)); err != nil {
		return nil, err
	}
	attrs, err = ops.ValidateAttributes(desc, attrs)
	if err != nil {
		return nil, err
	}
	for _, input := range inputs {
		if _, err = g.getVar(input); err != nil {
			return nil, errors.WithMessage(err, "input")
		}
	}
	outputShapes, err := g.inferOp(opName, inputs, attrs)
	if err != nil {
		return nil, err
	}
	if names != nil && len(names) != len(outputShapes) {
		return nil, errors.Errorf("%d names given for the %d outputs of %q", len(names), len(outputShapes), opName)
	}

	op := &operation{
		opName: opName,
		desc:   desc,
		inputs: slices.Clone(inputs),
		attrs:  attrs,
	}
	g.appendOperation(op)
	op.outputs = make([]VarID, len(outputShapes))
	for ii, shape := range outputShapes {
		var name string
		if names != nil {
			name = names[ii]
			if name == "" {
				return nil, errors.Errorf("empty name given for output %d", ii)
			}
			if _, found := g.names[name]; found {
				return nil, errors.Wrapf(ErrDuplicateName, "%q", name)
			}
		} else {
			name = g.uniqueName(fmt.Sprintf("%s_%d:%d", opName, op.id, ii))
		}
		v := &variable{
			name:        name,
			kind:        Array,
			shape:       shape,
			state:       inferredState(shape),
			producer:    op.id,
			outputIndex: ii,
		}
		g.appendVariable(v)
		op.outputs[ii] = v.id
	}
	for _, input := range inputs {
		g.addConsumer(g.variables[input], op.id)
	}
	if err = g.checkAcyclic(op.id); err != nil {
		return nil, err
	}
	klog.V(1).Infof("graph %s: added op #%d %s -> %v %v", g.id, op.id, opName, op.outputs, outputShapes)
	return op.outputs, nil
}

// ReplaceInput changes the input at index of the operation op to newInput. Shapes are re-inferred and
// cached values invalidated downstream.
//
// It fails with ErrGraphCycle if newInput is computed from the outputs of op.
func (g *Graph) ReplaceInput(opID OpID, index int, newInput VarID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.transaction(func() error {
		op, err := g.getOp(opID)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(op.inputs) {
			return errors.Errorf("operation #%d (%s) has %d inputs, index %d out of range",
				opID, op.opName, len(op.inputs), index)
		}
		newVar, err := g.getVar(newInput)
		if err != nil {
			return err
		}
		oldInput := op.inputs[index]
		if oldInput == newInput {
			return nil
		}
		if newVar.producer != InvalidOpID &&
			(newVar.producer == opID || g.downstreamOps(opID).Has(newVar.producer)) {
			return errors.Wrapf(ErrGraphCycle, "%s is computed from the outputs of operation #%d (%s)",
				g.varString(newInput), opID, op.opName)
		}
		g.setInput(op, index, newInput)
		if !op.usesInput(oldInput) {
			g.removeConsumer(g.variables[oldInput], opID)
		}
		g.addConsumer(newVar, opID)
		g.invalidateDownstream(op.outputs...)
		for _, output := range op.outputs {
			v := g.variables[output]
			if v.state == Materialized {
				g.setValue(v, nil, inferredState(v.shape))
			}
		}
		return g.reinfer(opID)
	})
	if err != nil {
		return errors.WithMessagef(err, "ReplaceInput(op=#%d, index=%d, input=#%d)", opID, index, newInput)
	}
	klog.V(1).Infof("graph %s: replaced input %d of op #%d with %s", g.id, index, opID, g.varString(newInput))
	return nil
}

// AddControlDependency makes the operation op execute only after dep is computed, even though op doesn't
// read dep. Executor.Run computes dep whenever it executes op, and control dependencies carry no gradient.
//
// It fails with ErrGraphCycle if dep is computed from the outputs of op.
func (g *Graph) AddControlDependency(opID OpID, dep VarID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.transaction(func() error {
		op, err := g.getOp(opID)
		if err != nil {
			return err
		}
		depVar, err := g.getVar(dep)
		if err != nil {
			return err
		}
		if slices.Contains(op.controlDeps, dep) {
			return nil
		}
		if depVar.producer != InvalidOpID &&
			(depVar.producer == opID || g.downstreamOps(opID).Has(depVar.producer)) {
			return errors.Wrapf(ErrGraphCycle, "%s is computed from the outputs of operation #%d (%s)",
				g.varString(dep), opID, op.opName)
		}
		g.addControlDep(op, depVar)
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "AddControlDependency(op=#%d, dep=#%d)", opID, dep)
	}
	klog.V(1).Infof("graph %s: op #%d now executes after %s", g.id, opID, g.varString(dep))
	return nil
}

// BindValue sets the value of a placeholder or parameter. On success the graph takes ownership of value
// and finalizes the previously bound one.
//
// The dtype of value must match the declared one, and its shape must be compatible with the declared
// shape, otherwise it fails with ErrShapeMismatch. Shapes downstream are re-inferred and cached values
// invalidated. If re-inference fails, the binding is rolled back as well.
func (g *Graph) BindValue(name string, value *tensors.Tensor) error {
	return g.BindValues(map[string]*tensors.Tensor{name: value})
}

// BindValues binds several values at once, see BindValue. Either all are bound, or none.
func (g *Graph) BindValues(values map[string]*tensors.Tensor) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := maps.Keys(values)
	slices.Sort(names)
	err := g.transaction(func() error {
		var changed []OpID
		for _, name := range names {
			consumers, err := g.bindValue(name, values[name])
			if err != nil {
				return err
			}
			changed = append(changed, consumers...)
		}
		return g.reinfer(changed...)
	})
	if err != nil {
		return errors.WithMessagef(err, "BindValues(%v)", names)
	}
	klog.V(1).Infof("graph %s: bound %v", g.id, names)
	return nil
}

// bindValue binds one value and returns the consumers that need shape re-inference.
func (g *Graph) bindValue(name string, value *tensors.Tensor) ([]OpID, error) {
	id, found := g.names[name]
	if !found {
		return nil, errors.Wrapf(ErrInvalidID, "no variable named %q", name)
	}
	v := g.variables[id]
	if v.kind != Placeholder && v.kind != Parameter {
		return nil, errors.Errorf("cannot bind a value to %s, it is a %s: only placeholders and parameters can be bound",
			g.varString(id), v.kind)
	}
	if value == nil || !value.Ok() {
		return nil, errors.Errorf("invalid value for %s", g.varString(id))
	}
	if value.DType() != v.declared.DType {
		return nil, errors.Wrapf(ErrShapeMismatch, "value for %s has dtype %s, declared %s",
			g.varString(id), value.DType(), v.declared.DType)
	}
	shape, err := v.declared.Refine(value.Shape())
	if err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "value for %s: %v", g.varString(id), err)
	}
	g.setValue(v, value, Bound)
	g.invalidateDownstream(id)
	if shape.Equal(v.shape) {
		return nil, nil
	}
	g.setShape(v, shape, Bound)
	return v.consumers, nil
}

// RemoveOperation removes the operation and its outputs from the graph. It fails with
// ErrDanglingReference if any of its outputs is still consumed, or is a control dependency of another
// operation.
func (g *Graph) RemoveOperation(opID OpID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.transaction(func() error {
		op, err := g.getOp(opID)
		if err != nil {
			return err
		}
		for _, output := range op.outputs {
			v := g.variables[output]
			if len(v.consumers) > 0 {
				return errors.Wrapf(ErrDanglingReference, "output %s is consumed by operations %v",
					g.varString(output), v.consumers)
			}
			if len(v.controlConsumers) > 0 {
				return errors.Wrapf(ErrDanglingReference, "operations %v have a control dependency on output %s",
					v.controlConsumers, g.varString(output))
			}
		}
		for _, input := range op.inputs {
			g.removeConsumer(g.variables[input], opID)
		}
		for _, dep := range op.controlDeps {
			g.removeControlConsumer(g.variables[dep], opID)
		}
		for _, output := range op.outputs {
			g.tombstoneVariable(g.variables[output])
		}
		g.tombstoneOperation(op)
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "RemoveOperation(#%d)", opID)
	}
	klog.V(1).Infof("graph %s: removed op #%d", g.id, opID)
	return nil
}
