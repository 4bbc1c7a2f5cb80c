// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements a mutable, differentiable computation graph.
//
// The main elements in the package are:
//
//   - Graph: an arena of variables and operations, indexed by VarID and OpID. Variables are placeholders
//     (inputs), constants, parameters (learnable values) or arrays (outputs of operations). Operations are
//     plain records naming an entry of an ops.Registry. Besides their inputs, operations can have control
//     dependencies: variables computed before them, see Graph.AddControlDependency.
//
//   - Executor: runs the operations needed to compute a set of target variables on a backends.Backend,
//     caching the results that don't depend on the values fed to the run.
//
//   - Differentiator: appends to the graph the operations that compute the gradient of a loss with respect
//     to a set of variables (reverse-mode automatic differentiation).
//
// Shapes and dtypes are inferred incrementally as operations are added and values bound. Every mutation is
// transactional: if it fails, the graph is left exactly as it was before the call.
//
// Mutations are serialized with an internal lock, and concurrent Executor.Run calls are allowed as long as
// they don't overlap with mutations, which will wait for them.
//
// Example:
//
//	g := graph.New()
//	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, 2, 2)))
//	y := must.M1(g.AddConstant("y", tensors.FromValue([][]float32{{1, 2}, {3, 4}})))
//	z := must.M1(g.AddOperation("add", []graph.VarID{x, y}, nil))[0]
//	loss := must.M1(g.AddOperation("reduce_sum", []graph.VarID{z}, nil))[0]
//	grads := must.M1(g.Differentiate(loss, x))
//	results, err := graph.NewExecutor(g, backend).Run(ctx, []graph.VarID{loss, grads[x]}, feeds)
package graph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/diffgraph/ops"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph holds variables and the operations connecting them. Create it with New.
type Graph struct {
	id       uuid.UUID
	registry *ops.Registry

	// mu is held for writing by mutations, and for reading by runs and introspection.
	mu sync.RWMutex

	// cacheMu guards the materialized values of arrays while runs are in progress.
	cacheMu sync.Mutex

	variables  []*variable
	operations []*operation
	names      map[string]VarID

	unconnected UnconnectedPolicy

	// journal of the transaction in progress, see transaction.
	journal *journal
}

// New creates an empty graph using the default operations registry.
func New() *Graph {
	return NewWithRegistry(ops.Default)
}

// NewWithRegistry creates an empty graph whose operations are described by registry.
func NewWithRegistry(registry *ops.Registry) *Graph {
	g := &Graph{
		id:       uuid.New(),
		registry: registry,
		names:    make(map[string]VarID),
	}
	klog.V(1).Infof("graph %s: created", g.id)
	return g
}

// ID is the unique identifier of the graph, used in logs.
func (g *Graph) ID() uuid.UUID { return g.id }

// Registry of operations used by the graph.
func (g *Graph) Registry() *ops.Registry { return g.registry }

// SetUnconnectedPolicy sets the default policy used by Graph.Differentiate for variables the loss
// doesn't depend on. The initial value is UnconnectedZero.
func (g *Graph) SetUnconnectedPolicy(policy UnconnectedPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unconnected = policy
}

// UnconnectedPolicy returns the default policy used by Graph.Differentiate.
func (g *Graph) UnconnectedPolicy() UnconnectedPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.unconnected
}

// getVar returns the live variable with the given id, or an error wrapping ErrInvalidID.
func (g *Graph) getVar(id VarID) (*variable, error) {
	if id < 0 || int(id) >= len(g.variables) || g.variables[id].removed {
		return nil, errors.Wrapf(ErrInvalidID, "variable #%d", id)
	}
	return g.variables[id], nil
}

// getOp returns the live operation with the given id, or an error wrapping ErrInvalidID.
func (g *Graph) getOp(id OpID) (*operation, error) {
	if id < 0 || int(id) >= len(g.operations) || g.operations[id].removed {
		return nil, errors.Wrapf(ErrInvalidID, "operation #%d", id)
	}
	return g.operations[id], nil
}

// uniqueName returns name if it's not in use, otherwise name with a numeric suffix.
func (g *Graph) uniqueName(name string) string {
	if _, found := g.names[name]; !found {
		return name
	}
	for ii := 1; ; ii++ {
		candidate := fmt.Sprintf("%s_%d", name, ii)
		if _, found := g.names[candidate]; !found {
			return candidate
		}
	}
}

// varString is a short description of a variable used in messages.
func (g *Graph) varString(id VarID) string {
	if id < 0 || int(id) >= len(g.variables) {
		return fmt.Sprintf("#%d", id)
	}
	return fmt.Sprintf("#%d %q", id, g.variables[id].name)
}

// String returns a stable textual dump of the graph: all live variables and operations, in creation order.
func (g *Graph) String() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()

	var sb strings.Builder
	numVars, numOps := 0, 0
	for _, v := range g.variables {
		if !v.removed {
			numVars++
		}
	}
	for _, op := range g.operations {
		if !op.removed {
			numOps++
		}
	}
	_, _ = fmt.Fprintf(&sb, "Graph: %d variables, %d operations\n", numVars, numOps)
	for _, v := range g.variables {
		if v.removed {
			continue
		}
		_, _ = fmt.Fprintf(&sb, "  %s: %s %s, %s", g.varString(v.id), v.kind, v.shape, v.state)
		if v.kind == Placeholder && !v.declared.Equal(v.shape) {
			_, _ = fmt.Fprintf(&sb, ", declared %s", v.declared)
		}
		if v.producer != InvalidOpID {
			_, _ = fmt.Fprintf(&sb, ", output %d of op #%d", v.outputIndex, v.producer)
		}
		if len(v.consumers) > 0 {
			_, _ = fmt.Fprintf(&sb, ", consumers %v", v.consumers)
		}
		if len(v.controlConsumers) > 0 {
			_, _ = fmt.Fprintf(&sb, ", control consumers %v", v.controlConsumers)
		}
		sb.WriteString("\n")
	}
	for _, op := range g.operations {
		if op.removed {
			continue
		}
		_, _ = fmt.Fprintf(&sb, "  op #%d: %s(", op.id, op.opName)
		for ii, input := range op.inputs {
			if ii > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(g.varString(input))
		}
		sb.WriteString(")")
		if attrs := op.attrs.Format(); attrs != "" {
			_, _ = fmt.Fprintf(&sb, " {%s}", attrs)
		}
		sb.WriteString(" -> ")
		for ii, output := range op.outputs {
			if ii > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(g.varString(output))
		}
		if len(op.controlDeps) > 0 {
			sb.WriteString(" after ")
			for ii, dep := range op.controlDeps {
				if ii > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(g.varString(dep))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// isFloat returns whether the variable holds floating point values.
func isFloat(v *variable) bool {
	return v.shape.DType.IsFloat()
}

// shapeOf returns the shape of a variable, or an invalid shape.
func (g *Graph) shapeOf(id VarID) shapes.Shape {
	v, err := g.getVar(id)
	if err != nil {
		return shapes.Invalid()
	}
	return v.shape
}

// dtypeOf returns the dtype of a variable, or dtypes.InvalidDType.
func (g *Graph) dtypeOf(id VarID) dtypes.DType {
	return g.shapeOf(id).DType
}
