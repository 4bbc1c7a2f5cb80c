// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/gomlx/exceptions"
)

// journal records how to undo the mutations of a transaction, and what to release once it commits.
type journal struct {
	entries []journalEntry
}

type journalEntry struct {
	undo, commit func()
}

// rollbackTo undoes the entries after mark, in reverse order.
func (j *journal) rollbackTo(mark int) {
	for ii := len(j.entries) - 1; ii >= mark; ii-- {
		if undo := j.entries[ii].undo; undo != nil {
			undo()
		}
	}
	j.entries = j.entries[:mark]
}

func (j *journal) commit() {
	for _, entry := range j.entries {
		if entry.commit != nil {
			entry.commit()
		}
	}
	j.entries = nil
}

// transaction runs fn, and if it returns an error or panics with one, every mutation it made is undone.
//
// Nested transactions roll back only their own mutations on failure, and commit with the outermost one.
// It must be called with g.mu held for writing.
func (g *Graph) transaction(fn func() error) (err error) {
	outermost := g.journal == nil
	if outermost {
		g.journal = &journal{}
	}
	j := g.journal
	mark := len(j.entries)
	committed := false
	defer func() {
		if !committed {
			j.rollbackTo(mark)
		}
		if outermost {
			g.journal = nil
			if committed {
				j.commit()
			}
		}
	}()

	var fnErr error
	err = exceptions.TryCatch[error](func() { fnErr = fn() })
	if err == nil {
		err = fnErr
	}
	committed = err == nil
	return err
}

// record adds an entry to the journal: undo is called on rollback, commit once the outermost transaction
// succeeds. Either can be nil.
func (g *Graph) record(undo, commit func()) {
	if g.journal == nil {
		exceptions.Panicf("graph %s: mutation outside of a transaction", g.id)
	}
	g.journal.entries = append(g.journal.entries, journalEntry{undo: undo, commit: commit})
}

// Journaled mutations: all changes to the arena go through the functions below.

func (g *Graph) appendVariable(v *variable) {
	v.id = VarID(len(g.variables))
	g.variables = append(g.variables, v)
	g.names[v.name] = v.id
	g.record(func() {
		delete(g.names, v.name)
		g.variables = g.variables[:v.id]
	}, nil)
}

func (g *Graph) appendOperation(op *operation) {
	op.id = OpID(len(g.operations))
	g.operations = append(g.operations, op)
	g.record(func() {
		g.operations = g.operations[:op.id]
	}, nil)
}

func (g *Graph) setShape(v *variable, shape shapes.Shape, state VariableState) {
	oldShape, oldState := v.shape, v.state
	v.shape, v.state = shape, state
	g.record(func() {
		v.shape, v.state = oldShape, oldState
	}, nil)
}

// setValue replaces the value of a variable. The previous value is finalized when the transaction commits.
// On rollback the new value is left untouched, it still belongs to the caller.
func (g *Graph) setValue(v *variable, value *tensors.Tensor, state VariableState) {
	oldValue, oldState := v.value, v.state
	v.value, v.state = value, state
	g.record(func() {
		v.value, v.state = oldValue, oldState
	}, func() {
		if oldValue != nil && oldValue != value {
			oldValue.Finalize()
		}
	})
}

// addConsumer records op as a consumer of v, if not yet.
func (g *Graph) addConsumer(v *variable, op OpID) {
	if slices.Contains(v.consumers, op) {
		return
	}
	v.consumers = append(v.consumers, op)
	g.record(func() {
		v.consumers = v.consumers[:len(v.consumers)-1]
	}, nil)
}

func (g *Graph) removeConsumer(v *variable, op OpID) {
	old := v.consumers
	consumers := make([]OpID, 0, len(old))
	for _, consumer := range old {
		if consumer != op {
			consumers = append(consumers, consumer)
		}
	}
	v.consumers = consumers
	g.record(func() { v.consumers = old }, nil)
}

// addControlDep makes op wait for dep, and records op as a control consumer of dep.
func (g *Graph) addControlDep(op *operation, dep *variable) {
	op.controlDeps = append(op.controlDeps, dep.id)
	dep.controlConsumers = append(dep.controlConsumers, op.id)
	g.record(func() {
		op.controlDeps = op.controlDeps[:len(op.controlDeps)-1]
		dep.controlConsumers = dep.controlConsumers[:len(dep.controlConsumers)-1]
	}, nil)
}

func (g *Graph) removeControlConsumer(v *variable, op OpID) {
	old := v.controlConsumers
	v.controlConsumers = slices.DeleteFunc(slices.Clone(old), func(consumer OpID) bool { return consumer == op })
	g.record(func() { v.controlConsumers = old }, nil)
}

func (g *Graph) setInput(op *operation, index int, input VarID) {
	old := op.inputs[index]
	op.inputs[index] = input
	g.record(func() { op.inputs[index] = old }, nil)
}

// tombstoneVariable marks v as removed: its id is never reused, and its name is freed.
func (g *Graph) tombstoneVariable(v *variable) {
	v.removed = true
	delete(g.names, v.name)
	value := v.value
	g.record(func() {
		v.removed = false
		g.names[v.name] = v.id
	}, func() {
		if value != nil {
			value.Finalize()
		}
		v.value = nil
	})
}

func (g *Graph) tombstoneOperation(op *operation) {
	op.removed = true
	g.record(func() { op.removed = false }, nil)
}
