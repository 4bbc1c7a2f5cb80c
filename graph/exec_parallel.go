// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"slices"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// completion of an operation executed by executeParallel.
type completion struct {
	position int // in the plan
	err      error
}

// executeParallel executes the planned operations with up to e.parallelism concurrent operations. An
// operation is started once all operations producing its inputs and control dependencies have completed.
//
// On failure, in-flight operations are cancelled through their context, and the error of the earliest
// failed operation in the plan is returned.
//
// If the wait is interrupted (context done or wait timeout) it returns right away, without waiting for
// operations that ignore the cancellation: the run is marked detached, and a goroutine waits for them
// before releasing the run state and the graph read lock.
func (e *Executor) executeParallel(ctx context.Context, state *runState) error {
	g := e.g
	plan := state.plan
	position := make(map[OpID]int, len(plan))
	for ii, opID := range plan {
		position[opID] = ii
	}

	// Dependency counters and reverse edges, restricted to the plan.
	pending := make([]int, len(plan))
	dependents := make([][]int, len(plan))
	for ii, opID := range plan {
		seen := make(map[int]bool)
		op := g.operations[opID]
		for _, input := range slices.Concat(op.inputs, op.controlDeps) {
			if _, fed := state.feeds[input]; fed {
				continue
			}
			producer := g.variables[input].producer
			pos, planned := position[producer]
			if producer == InvalidOpID || !planned || seen[pos] {
				continue
			}
			seen[pos] = true
			pending[ii]++
			dependents[pos] = append(dependents[pos], ii)
		}
	}
	var ready []int
	for ii, count := range pending {
		if count == 0 {
			ready = append(ready, ii)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(runCtx)
	eg.SetLimit(e.parallelism)
	done := make(chan completion, len(plan))
	errs := make(map[int]error)
	var waitErr error
	inFlight, completed := 0, 0

	var timer *time.Timer
	var timeout <-chan time.Time
	if e.waitTimeout > 0 {
		timer = time.NewTimer(e.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for completed < len(plan) && len(errs) == 0 && waitErr == nil {
		// Start as many ready operations as the limit allows, in plan order.
		// A finished operation may not have released its slot yet: if nothing is in flight, block on it.
		for len(ready) > 0 {
			pos := ready[0]
			task := func() error {
				err := e.execute(egCtx, state, plan[pos])
				done <- completion{position: pos, err: err}
				return err
			}
			if inFlight == 0 {
				eg.Go(task)
			} else if !eg.TryGo(task) {
				break
			}
			ready = ready[1:]
			inFlight++
		}
		if inFlight == 0 {
			waitErr = errors.Errorf("no operation ready to run, %d of %d completed", completed, len(plan))
			break
		}

		select {
		case c := <-done:
			inFlight--
			completed++
			if c.err != nil {
				errs[c.position] = c.err
				break
			}
			for _, dependent := range dependents[c.position] {
				pending[dependent]--
				if pending[dependent] == 0 {
					pos, _ := slices.BinarySearch(ready, dependent)
					ready = slices.Insert(ready, pos, dependent)
				}
			}
			if timer != nil {
				timer.Reset(e.waitTimeout)
			}
		case <-ctx.Done():
			waitErr = errors.Wrap(ctx.Err(), "waiting for operations to complete")
		case <-timeout:
			waitErr = errors.Wrapf(context.DeadlineExceeded, "no operation completed in %s, %d still running",
				e.waitTimeout, inFlight)
		}
	}

	// Cancel and wait for the operations still in flight.
	cancel()
	if waitErr != nil && inFlight > 0 {
		state.detached = true
		go func() {
			_ = eg.Wait()
			klog.V(1).Infof("graph %s: %d operations still in flight when the run was interrupted finished", g.id, inFlight)
			state.release()
			g.mu.RUnlock()
		}()
		return waitErr
	}
	_ = eg.Wait()
	close(done)
	for c := range done {
		if c.err != nil {
			errs[c.position] = c.err
		}
	}
	if waitErr != nil {
		return waitErr
	}
	if len(errs) == 0 {
		return nil
	}
	klog.V(1).Infof("graph %s: parallel run failed with %d errors", g.id, len(errs))
	return firstError(errs, len(plan))
}

// firstError returns the error of the earliest failed operation in the plan, preferring errors that are not
// a consequence of the cancellation of the run.
func firstError(errs map[int]error, planLen int) error {
	var first error
	for pos := range planLen {
		err, found := errs[pos]
		if !found {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}
