// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/diffgraph/backends"
	_ "github.com/gomlx/diffgraph/backends/simplego"
	"github.com/gomlx/diffgraph/graph"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/stretchr/testify/require"
)

// TestGraphFn should build its own inputs, and return the variables to compare.
type TestGraphFn func(g *graph.Graph) (outputs []graph.VarID)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend returns the backend shared by tests, and sets backends.DefaultConfig to "go".
// It can be overwritten by the DIFFGRAPH_BACKEND environment variable.
func BuildTestBackend() backends.Backend {
	backendOnce.Do(func() {
		backends.DefaultConfig = "go"
		var err error
		cachedBackend, err = backends.New()
		if err != nil {
			panic(err)
		}
		fmt.Printf("Backend: %s\n", cachedBackend.Description())
	})
	return cachedBackend
}

// Run executes the targets of g on the test backend and returns their values, in the order of targets.
func Run(t *testing.T, g *graph.Graph, feeds map[graph.VarID]*tensors.Tensor, targets ...graph.VarID) []*tensors.Tensor {
	t.Helper()
	results, err := graph.NewExecutor(g, BuildTestBackend()).Run(context.Background(), targets, feeds)
	require.NoError(t, err)
	values := make([]*tensors.Tensor, len(targets))
	for ii, target := range targets {
		values[ii] = results[target]
	}
	return values
}

// RunValue executes one target of g and returns its value as a Go value (see tensors.Tensor.Value).
func RunValue(t *testing.T, g *graph.Graph, feeds map[graph.VarID]*tensors.Tensor, target graph.VarID) any {
	t.Helper()
	value := Run(t, g, feeds, target)[0]
	defer value.Finalize()
	return value.Value()
}

// RunTestGraphFn tests a graph building function graphFn by executing it and comparing
// its output(s) to the values in want, reporting back any errors in t.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		g := graph.New()
		outputs := graphFn(g)
		require.Equalf(t, len(want), len(outputs), "%s: number of wanted results different from number of outputs", testName)
		values := Run(t, g, nil, outputs...)
		for ii, value := range values {
			var wantTensor *tensors.Tensor
			if s, ok := want[ii].(shapes.Shape); ok {
				wantTensor = tensors.FromShape(s)
			} else {
				wantTensor = tensors.FromValue(want[ii])
			}
			require.Truef(t, wantTensor.InDelta(value, delta), "%s: output #%d is %s, wanted %v",
				testName, ii, value, want[ii])
			value.Finalize()
		}
	})
}

// CheckGradient compares the gradient of loss with respect to wrt, computed by Differentiate, with the
// central finite differences of the loss, evaluated at the values in feeds. wrt must be fed with a float
// value, and for non-scalar losses the sum of its elements is used.
//
// It adds the gradient operations to g.
func CheckGradient(t *testing.T, g *graph.Graph, loss, wrt graph.VarID, feeds map[graph.VarID]*tensors.Tensor, epsilon, delta float64) {
	t.Helper()
	point, found := feeds[wrt]
	require.Truef(t, found, "CheckGradient requires wrt (#%d) to be fed", wrt)
	require.Truef(t, point.DType().IsFloat(), "CheckGradient requires a float wrt, got %s", point.DType())
	grads, err := g.Differentiate(loss, wrt)
	require.NoError(t, err)
	gradValue := Run(t, g, feeds, grads[wrt])[0]
	analytic := tensors.FlatAsFloat64(gradValue)
	gradValue.Finalize()

	// sumLoss evaluates the sum of the loss elements with wrt fed with values.
	sumLoss := func(values []float64) float64 {
		perturbed := tensors.FromFlatDataAndDimensions(values, point.Shape().Dimensions...)
		if point.DType() != dtypes.Float64 {
			converted := perturbed.ConvertDType(point.DType())
			perturbed.Finalize()
			perturbed = converted
		}
		defer perturbed.Finalize()
		runFeeds := make(map[graph.VarID]*tensors.Tensor, len(feeds))
		for id, value := range feeds {
			runFeeds[id] = value
		}
		runFeeds[wrt] = perturbed
		lossValue := Run(t, g, runFeeds, loss)[0]
		defer lossValue.Finalize()
		sum := 0.0
		for _, v := range tensors.FlatAsFloat64(lossValue) {
			sum += v
		}
		return sum
	}

	base := tensors.FlatAsFloat64(point)
	require.Len(t, analytic, len(base))
	for ii := range base {
		values := append([]float64(nil), base...)
		values[ii] = base[ii] + epsilon
		plus := sumLoss(values)
		values[ii] = base[ii] - epsilon
		minus := sumLoss(values)
		numeric := (plus - minus) / (2 * epsilon)
		require.InDeltaf(t, numeric, analytic[ii], delta, "gradient of element %d: finite differences give %g, Differentiate gives %g",
			ii, numeric, analytic[ii])
	}
}
