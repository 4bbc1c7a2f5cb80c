// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/diffgraph/backends"
	"github.com/gomlx/diffgraph/pkg/support/sets"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultWaitTimeout is the maximum time the parallel executor waits for any in-flight operation to
// complete, before failing the run.
var DefaultWaitTimeout = 10 * time.Minute

// Executor runs the operations of a Graph on a backend. Create it with NewExecutor.
//
// Results that don't depend on the values fed to a run are stored in the graph (the variables become
// Materialized), and reused by later runs until a mutation invalidates them.
//
// Several runs can be executed concurrently, as long as the backend supports it.
type Executor struct {
	g       *Graph
	backend backends.Backend

	parallelism int
	waitTimeout time.Duration

	kernelCalls atomic.Int64
}

// NewExecutor creates an executor of g on the given backend. By default, operations are executed
// sequentially, see WithParallelism.
func NewExecutor(g *Graph, backend backends.Backend) *Executor {
	return &Executor{
		g:           g,
		backend:     backend,
		parallelism: 1,
		waitTimeout: DefaultWaitTimeout,
	}
}

// WithParallelism sets the maximum number of operations executed concurrently. Values <= 1 mean sequential
// execution. It returns the executor itself, so calls can be chained.
func (e *Executor) WithParallelism(n int) *Executor {
	e.parallelism = max(n, 1)
	return e
}

// WithWaitTimeout sets how long the parallel executor waits for any operation to complete before failing
// the run. A value <= 0 disables the timeout, only the context can interrupt the wait then.
//
// When the wait is interrupted, Run returns without waiting for kernels that ignore the cancellation of
// their context. Until those finish, mutations of the graph block.
func (e *Executor) WithWaitTimeout(timeout time.Duration) *Executor {
	e.waitTimeout = timeout
	return e
}

// KernelCalls returns the number of operations executed by the backend so far.
func (e *Executor) KernelCalls() int64 { return e.kernelCalls.Load() }

// runState holds the values of one run.
type runState struct {
	feeds map[VarID]*tensors.Tensor

	// feedDependent memoizes whether a variable is computed from a fed value.
	feedDependent map[VarID]bool

	// plan is the list of operations to execute, in dependency order. opFeedDependent marks those that
	// take a fed value (directly or not) as input.
	plan            []OpID
	opFeedDependent sets.Set[OpID]

	mu     sync.Mutex
	values map[VarID]*tensors.Tensor

	// temporaries are values computed by this run that are not stored in the graph.
	temporaries []*tensors.Tensor

	// detached is set when Run returned while operations were still in flight. Whoever waits for them
	// releases the state and the graph read lock.
	detached bool
}

func (s *runState) get(ids []VarID) []*tensors.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make([]*tensors.Tensor, len(ids))
	for ii, id := range ids {
		values[ii] = s.values[id]
	}
	return values
}

func (s *runState) set(id VarID, value *tensors.Tensor, temporary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if temporary {
		s.temporaries = append(s.temporaries, value)
	}
	if id != InvalidVarID {
		s.values[id] = value
	}
}

func (s *runState) release() {
	for _, t := range s.temporaries {
		t.Finalize()
	}
	s.temporaries = nil
}

// Run computes the target variables, using feeds as the values of the given variables (usually
// placeholders). It returns views of the target values, which the caller may finalize.
//
// Only the operations needed for the targets are executed: bound values, fed values and cached results
// not downstream of any feed are reused. It fails with ErrUnresolvedInput, before executing anything,
// if a placeholder needed is not bound or fed. Backend failures are returned as *BackendExecutionError,
// and the results already computed stay cached.
//
// The context is checked before each operation.
func (e *Executor) Run(ctx context.Context, targets []VarID, feeds map[VarID]*tensors.Tensor) (map[VarID]*tensors.Tensor, error) {
	g := e.g
	g.mu.RLock()
	start := time.Now()
	state := &runState{
		feeds:           feeds,
		feedDependent:   make(map[VarID]bool),
		opFeedDependent: sets.Make[OpID](),
		values:          make(map[VarID]*tensors.Tensor),
	}
	defer func() {
		if state.detached {
			// Operations still in flight own the run state and the read lock, see executeParallel.
			return
		}
		state.release()
		g.mu.RUnlock()
	}()
	if err := e.checkFeeds(feeds); err != nil {
		return nil, errors.WithMessage(err, "Run")
	}
	if err := e.planRun(state, targets); err != nil {
		return nil, errors.WithMessage(err, "Run")
	}

	var err error
	if e.parallelism > 1 && len(state.plan) > 1 {
		err = e.executeParallel(ctx, state)
	} else {
		for _, opID := range state.plan {
			if err = e.execute(ctx, state, opID); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "Run on graph %s", g.id)
	}

	results := make(map[VarID]*tensors.Tensor, len(targets))
	for _, target := range targets {
		if _, found := results[target]; !found {
			results[target] = state.values[target].View()
		}
	}
	klog.V(1).Infof("graph %s: run executed %d operations for %d targets in %s",
		g.id, len(state.plan), len(targets), time.Since(start))
	return results, nil
}

// checkFeeds verifies that fed values are compatible with the variables they replace.
func (e *Executor) checkFeeds(feeds map[VarID]*tensors.Tensor) error {
	g := e.g
	for id, value := range feeds {
		v, err := g.getVar(id)
		if err != nil {
			return errors.WithMessage(err, "feed")
		}
		if v.kind == Constant {
			return errors.Errorf("cannot feed constant %s", g.varString(id))
		}
		if value == nil || !value.Ok() {
			return errors.Errorf("invalid value fed for %s", g.varString(id))
		}
		declared := v.shape
		if v.kind == Placeholder {
			declared = v.declared
		}
		if value.DType() != declared.DType || !declared.CompatibleDimensions(value.Shape()) {
			return errors.Wrapf(ErrShapeMismatch, "value fed for %s has shape %s, declared %s",
				g.varString(id), value.Shape(), declared)
		}
	}
	return nil
}

// planRun lists the operations needed to compute targets, in depth-first postorder. The control
// dependencies of a planned operation are planned before it.
func (e *Executor) planRun(state *runState, targets []VarID) error {
	g := e.g
	visited := sets.Make[OpID]()
	var visit func(id VarID) error
	visit = func(id VarID) error {
		if _, found := state.values[id]; found {
			return nil
		}
		v, err := g.getVar(id)
		if err != nil {
			return err
		}
		if value, fed := state.feeds[id]; fed {
			state.values[id] = value
			return nil
		}
		if v.kind != Array {
			if v.value == nil {
				return errors.Wrapf(ErrUnresolvedInput, "%s %s has no bound value and was not fed",
					v.kind, g.varString(id))
			}
			state.values[id] = v.value
			return nil
		}
		if !e.dependsOnFeed(state, id) {
			g.cacheMu.Lock()
			cached := v.value
			g.cacheMu.Unlock()
			if cached != nil {
				state.values[id] = cached
				return nil
			}
		}
		if visited.Has(v.producer) {
			return nil
		}
		visited.Insert(v.producer)
		op := g.operations[v.producer]
		for _, input := range op.inputs {
			if err := visit(input); err != nil {
				return err
			}
			if e.dependsOnFeed(state, input) {
				state.opFeedDependent.Insert(op.id)
			}
		}
		for _, dep := range op.controlDeps {
			if err := visit(dep); err != nil {
				return errors.WithMessagef(err, "control dependency of operation #%d (%s)", op.id, op.opName)
			}
		}
		state.plan = append(state.plan, op.id)
		return nil
	}
	for _, target := range targets {
		if err := visit(target); err != nil {
			return err
		}
	}
	return nil
}

// dependsOnFeed returns whether the variable is fed or computed from a fed value.
func (e *Executor) dependsOnFeed(state *runState, id VarID) bool {
	if len(state.feeds) == 0 {
		return false
	}
	if result, found := state.feedDependent[id]; found {
		return result
	}
	result := false
	if _, fed := state.feeds[id]; fed {
		result = true
	} else if v := e.g.variables[id]; v.kind == Array {
		for _, input := range e.g.operations[v.producer].inputs {
			if e.dependsOnFeed(state, input) {
				result = true
				break
			}
		}
	}
	state.feedDependent[id] = result
	return result
}

// execute runs one operation on the backend and stores its results.
func (e *Executor) execute(ctx context.Context, state *runState, opID OpID) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "before executing operation #%d", opID)
	}
	g := e.g
	op := g.operations[opID]
	inputs := state.get(op.inputs)
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		inputShapes[ii] = input.Shape()
	}
	outputShapes, err := g.registry.InferOutputShapes(op.opName, inputShapes, op.attrs)
	if err != nil {
		return &BackendExecutionError{Op: opID, OpName: op.opName,
			Err: errors.WithMessage(err, "inferring shapes of the actual inputs")}
	}

	start := time.Now()
	e.kernelCalls.Add(1)
	outputs, err := e.backend.Execute(ctx, &backends.Call{
		Op:           int(opID),
		OpName:       op.opName,
		Inputs:       inputs,
		Attributes:   op.attrs,
		OutputShapes: outputShapes,
	})
	if err != nil {
		return &BackendExecutionError{Op: opID, OpName: op.opName, Err: err}
	}
	if err = checkOutputs(outputs, outputShapes); err != nil {
		for _, output := range outputs {
			output.Finalize()
		}
		return &BackendExecutionError{Op: opID, OpName: op.opName, Err: err}
	}
	if klog.V(2).Enabled() {
		klog.Infof("graph %s: executed op #%d %s%v -> %v in %s", g.id, opID, op.opName, inputShapes,
			outputShapes, time.Since(start))
	}

	cacheable := !state.opFeedDependent.Has(opID)
	for ii, id := range op.outputs {
		value := outputs[ii]
		if _, fed := state.feeds[id]; fed {
			// The fed value takes precedence.
			state.set(InvalidVarID, value, true)
			continue
		}
		stored := cacheable && g.storeMaterialized(g.variables[id], value)
		state.set(id, value, !stored)
	}
	return nil
}

// checkOutputs verifies the backend returned the expected outputs.
func checkOutputs(outputs []*tensors.Tensor, expected []shapes.Shape) error {
	if len(outputs) != len(expected) {
		return errors.Errorf("backend returned %d outputs, expected %d", len(outputs), len(expected))
	}
	for ii, output := range outputs {
		if output == nil || !output.Ok() {
			return errors.Errorf("backend returned an invalid tensor for output %d", ii)
		}
		if !output.Shape().Equal(expected[ii]) {
			return errors.Wrapf(ErrShapeMismatch, "output %d has shape %s, expected %s", ii, output.Shape(), expected[ii])
		}
	}
	return nil
}

// storeMaterialized caches the value of an operation output. It returns false if the variable was
// already materialized (by a concurrent run), in which case the caller keeps ownership of value.
func (g *Graph) storeMaterialized(v *variable, value *tensors.Tensor) bool {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	if v.state == Materialized {
		return false
	}
	v.value = value
	v.state = Materialized
	return true
}
