// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nanlogger monitors operations of a graph for NaN ("not-a-number") or Inf (infinity) values.
//
// It does that by wrapping the backend used by the graph.Executor: the outputs of the traced operations are
// checked as they are computed, and the first operation where a NaN or Inf appears (they often spread
// through the graph) is reported back.
//
// The report includes the stack trace of where the operation was traced and an optional user set scope.
//
// Example:
//
//	nanLogger := nanlogger.New(backend)
//	exec := graph.NewExecutor(g, nanLogger)
//	…
//	nanLogger.PushScope("layer-1")
//	outputs := must.M1(g.AddOperation("log", []graph.VarID{x}, nil))
//	nanLogger.Trace(g.Producer(outputs[0]))
//	nanLogger.PopScope()
package nanlogger

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/diffgraph/backends"
	"github.com/gomlx/diffgraph/graph"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNaN is returned (wrapped) by the DefaultHandler when a NaN or Inf is observed.
var ErrNaN = errors.New("NaN or Inf value observed")

// NanLogger implements backends.Backend by delegating to another backend, and monitoring the outputs
// of the operations selected with Trace (or all of them, see TraceAll).
//
// If any NaN or Inf appears, the handler is called with a Report. The DefaultHandler logs it and fails the
// execution. Alternatively one can set a handler with SetHandler.
//
// See example in package documentation.
type NanLogger struct {
	backends.Backend
	handler HandlerFn

	mu           sync.Mutex
	traces       map[graph.OpID]*Trace
	traceAll     *Trace
	currentScope []string
}

// Trace information of an operation that is set to monitor.
// This is what printed out when a NaN is found, or passed to a handler function, if one is set.
type Trace struct {
	// StackTrace of where the operation was traced, stored as an error that can be printed.
	StackTrace error

	// Scope saved when the operation was traced.
	Scope []string
}

// Report of a NaN or Inf observed in the output of an operation.
type Report struct {
	*Trace

	Op     graph.OpID
	OpName string
	Output int

	NumNaN, NumInf int
}

// HandlerFn is called when a NaN or Inf is observed. If it returns an error, the execution of the
// operation fails with it.
type HandlerFn func(report *Report) error

// New creates a NanLogger that monitors the operations executed by backend.
// See NanLogger for details.
func New(backend backends.Backend) *NanLogger {
	return &NanLogger{
		Backend: backend,
		handler: DefaultHandler,
		traces:  make(map[graph.OpID]*Trace),
	}
}

// SetHandler sets the function called when a NaN or Inf is observed. It returns the NanLogger itself.
func (l *NanLogger) SetHandler(handler HandlerFn) *NanLogger {
	l.handler = handler
	return l
}

// newTrace captures the current stack trace and scope.
func (l *NanLogger) newTrace(scope []string) *Trace {
	trace := &Trace{
		StackTrace: errors.Errorf("Stack-trace"),
	}
	if len(scope) == 0 {
		trace.Scope = slices.Clone(l.currentScope)
	} else {
		trace.Scope = slices.Clone(scope)
	}
	return trace
}

// Trace the given operation: its float outputs are monitored for NaN and Inf values.
//
// A user-provided scope can be given. If none is given, then it uses the current NanLogger scope.
//
// A nil NanLogger is valid, and it will simply be a no-op.
func (l *NanLogger) Trace(op graph.OpID, scope ...string) {
	if l == nil || op == graph.InvalidOpID {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.traces[op] = l.newTrace(scope)
}

// TraceAll monitors every operation executed.
func (l *NanLogger) TraceAll(scope ...string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.traceAll = l.newTrace(scope)
}

// PushScope to current scope stack.
// These values are added by default to any new Trace.
//
// A nil NanLogger is valid, and it will simply be a no-op.
func (l *NanLogger) PushScope(scope string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentScope = append(l.currentScope, scope)
}

// PopScope removes the last entry in the current scope stack.
//
// A nil NanLogger is valid, and it will simply be a no-op.
func (l *NanLogger) PopScope() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.currentScope) == 0 {
		klog.Warningf("NanLogger.PopScope() called on an already empty scope stack!?")
		return
	}
	l.currentScope = l.currentScope[:len(l.currentScope)-1]
}

// Execute implements backends.Backend: it executes the operation in the wrapped backend and checks the
// outputs if the operation is traced.
func (l *NanLogger) Execute(ctx context.Context, call *backends.Call) ([]*tensors.Tensor, error) {
	outputs, err := l.Backend.Execute(ctx, call)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	trace, found := l.traces[graph.OpID(call.Op)]
	if !found {
		trace = l.traceAll
	}
	l.mu.Unlock()
	if trace == nil {
		return outputs, nil
	}
	for ii, output := range outputs {
		if !output.DType().IsFloat() {
			continue
		}
		numNaN, numInf := countNonFinite(output)
		if numNaN == 0 && numInf == 0 {
			continue
		}
		report := &Report{
			Trace:  trace,
			Op:     graph.OpID(call.Op),
			OpName: call.OpName,
			Output: ii,
			NumNaN: numNaN,
			NumInf: numInf,
		}
		if err = l.handler(report); err != nil {
			for _, output := range outputs {
				output.Finalize()
			}
			return nil, err
		}
	}
	return outputs, nil
}

func countNonFinite(t *tensors.Tensor) (numNaN, numInf int) {
	for _, v := range tensors.FlatAsFloat64(t) {
		if math.IsNaN(v) {
			numNaN++
		} else if math.IsInf(v, 0) {
			numInf++
		}
	}
	return
}

// String returns a one-line description of the report.
func (r *Report) String() string {
	var kinds []string
	if r.NumNaN > 0 {
		kinds = append(kinds, fmt.Sprintf("%d NaN", r.NumNaN))
	}
	if r.NumInf > 0 {
		kinds = append(kinds, fmt.Sprintf("%d Inf", r.NumInf))
	}
	msg := fmt.Sprintf("NanLogger: %s observed in output #%d of operation #%d (%s)",
		strings.Join(kinds, " and "), r.Output, r.Op, r.OpName)
	if len(r.Scope) > 0 {
		msg += ", scope: " + strings.Join(r.Scope, " / ")
	}
	return msg
}

// DefaultHandler logs the report with the stack trace of where the operation was traced, and returns an
// error wrapping ErrNaN.
func DefaultHandler(report *Report) error {
	klog.Errorf("%s\n%+v", report, report.StackTrace)
	return errors.Wrap(ErrNaN, report.String())
}
