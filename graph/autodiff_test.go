package graph_test

import (
	"context"
	"fmt"
	"testing"

	. "github.com/gomlx/diffgraph/graph"
	"github.com/gomlx/diffgraph/graph/graphtest"
	"github.com/gomlx/diffgraph/ops"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// op1 adds a single output operation.
func op1(g *Graph, opName string, attrs ops.Attributes, inputs ...VarID) VarID {
	return must.M1(g.AddOperation(opName, inputs, attrs))[0]
}

func TestDifferentiateSquare(t *testing.T) {
	g := New()
	a := must.M1(g.AddPlaceholder("a", shapes.Make(dtypes.Float32)))
	loss := op1(g, "mul", nil, a, a)
	grads := must.M1(g.Differentiate(loss, a))
	require.NoError(t, g.BindValue("a", tensors.FromValue(float32(3))))
	assert.Equal(t, float32(6), graphtest.RunValue(t, g, nil, grads[a]))
}

func TestDifferentiateUnconnected(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float64, 2)))
	c := must.M1(g.AddConstant("c", tensors.FromValue([]float64{3, 4})))
	other := must.M1(g.AddPlaceholder("other", shapes.Make(dtypes.Float64, 3)))
	loss := op1(g, "reduce_sum", nil, op1(g, "mul", nil, x, c))

	// Constants receive no gradient: with UnconnectedZero they get zeros.
	grads := must.M1(g.Differentiate(loss, x, c, other))
	feeds := map[VarID]*tensors.Tensor{x: tensors.FromValue([]float64{1, 2})}
	results := graphtest.Run(t, g, feeds, grads[x], grads[c], grads[other])
	assert.Equal(t, []float64{3, 4}, results[0].Value())
	assert.Equal(t, []float64{0, 0}, results[1].Value())
	assert.Equal(t, []float64{0, 0, 0}, results[2].Value())

	// In hard mode, unconnected variables are an error.
	numOps := len(g.Operations())
	_, err := NewDifferentiator(g).WithUnconnected(UnconnectedError).Differentiate(loss, x, c)
	require.ErrorIs(t, err, ErrNotDifferentiable)
	g.SetUnconnectedPolicy(UnconnectedError)
	_, err = g.Differentiate(loss, other)
	require.ErrorIs(t, err, ErrNotDifferentiable)
	assert.Equal(t, numOps, len(g.Operations()))
}

func TestDifferentiateStopGradient(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float64)))
	// loss = x * stop_gradient(x): only the first factor contributes.
	loss := op1(g, "mul", nil, x, op1(g, "stop_gradient", nil, x))
	grads := must.M1(g.Differentiate(loss, x))
	feeds := map[VarID]*tensors.Tensor{x: tensors.FromValue(5.0)}
	assert.Equal(t, 5.0, graphtest.RunValue(t, g, feeds, grads[x]))
}

func TestDifferentiateNonScalarLoss(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float64, 3)))
	loss := op1(g, "square", nil, x)
	grads := must.M1(g.Differentiate(loss, x))
	feeds := map[VarID]*tensors.Tensor{x: tensors.FromValue([]float64{1, 2, 3})}
	assert.Equal(t, []float64{2, 4, 6}, graphtest.RunValue(t, g, feeds, grads[x]))
}

func TestDifferentiateHigherOrder(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float64)))
	cube := op1(g, "mul", nil, op1(g, "mul", nil, x, x), x)
	first := must.M1(g.Differentiate(cube, x))[x]
	second := must.M1(g.Differentiate(first, x))[x]
	third := must.M1(g.Differentiate(second, x))[x]
	feeds := map[VarID]*tensors.Tensor{x: tensors.FromValue(3.0)}
	results := graphtest.Run(t, g, feeds, first, second, third)
	assert.InDelta(t, 27.0, results[0].Value(), 1e-9)
	assert.InDelta(t, 18.0, results[1].Value(), 1e-9)
	assert.InDelta(t, 6.0, results[2].Value(), 1e-9)
}

func TestDifferentiateFanOut(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float64, 2)))
	// y = exp(x) is used three times: its gradient is accumulated.
	y := op1(g, "exp", nil, x)
	loss := op1(g, "reduce_sum", nil, op1(g, "add", nil, op1(g, "add", nil, y, y), y))
	graphtest.CheckGradient(t, g, loss, x, map[VarID]*tensors.Tensor{
		x: tensors.FromValue([]float64{0.5, -1}),
	}, 1e-6, 1e-5)
}

// gradientCase builds a loss from the variable x fed with value.
type gradientCase struct {
	name  string
	value any
	loss  func(g *Graph, x VarID) VarID
}

// constant adds a constant with a generated name.
func constant(g *Graph, value any) VarID {
	return must.M1(g.AddConstant(fmt.Sprintf("c%d", g.NumVariables()), tensors.FromValue(value)))
}

func TestGradientsFiniteDifferences(t *testing.T) {
	matrix := [][]float64{{0.1, -0.2, 0.3}, {0.5, 0.4, -0.6}}
	cases := []gradientCase{
		{"add-broadcast", matrix, func(g *Graph, x VarID) VarID {
			bias := constant(g, []float64{1, 2, 3})
			return op1(g, "reduce_sum", nil, op1(g, "square", nil, op1(g, "add", nil, x, bias)))
		}},
		{"sub-div", matrix, func(g *Graph, x VarID) VarID {
			c := constant(g, []float64{2, 3, 4})
			return op1(g, "reduce_sum", nil, op1(g, "div", nil, op1(g, "sub", nil, c, x), c))
		}},
		{"div-by-x", []float64{0.5, 2, -3}, func(g *Graph, x VarID) VarID {
			one := constant(g, 1.0)
			return op1(g, "reduce_sum", nil, op1(g, "div", nil, one, x))
		}},
		{"pow", []float64{0.5, 1.5, 2}, func(g *Graph, x VarID) VarID {
			return op1(g, "reduce_sum", nil, op1(g, "pow", nil, x, x))
		}},
		{"max-min", []float64{0.5, -1.5, 2}, func(g *Graph, x VarID) VarID {
			c := constant(g, []float64{0, 0, 3})
			return op1(g, "reduce_sum", nil, op1(g, "add", nil, op1(g, "max", nil, x, c), op1(g, "min", nil, x, c)))
		}},
		{"unary", []float64{0.3, 0.7, 1.9}, func(g *Graph, x VarID) VarID {
			y := op1(g, "log", nil, op1(g, "sqrt", nil, x))
			y = op1(g, "add", nil, y, op1(g, "sin", nil, op1(g, "cos", nil, x)))
			y = op1(g, "add", nil, y, op1(g, "log1p", nil, op1(g, "abs", nil, x)))
			y = op1(g, "mul", nil, op1(g, "tanh", nil, y), op1(g, "sigmoid", nil, op1(g, "neg", nil, x)))
			return op1(g, "reduce_sum", nil, op1(g, "relu", nil, op1(g, "exp", nil, y)))
		}},
		{"matmul", matrix, func(g *Graph, x VarID) VarID {
			w := constant(g, [][]float64{{1, 2}, {-1, 0.5}, {0.3, 0.2}})
			y := op1(g, "matmul", nil, x, w)
			z := op1(g, "matmul", ops.Attributes{"transpose_a": true}, y, x)
			return op1(g, "reduce_sum", nil, op1(g, "tanh", nil, z))
		}},
		{"softmax", matrix, func(g *Graph, x VarID) VarID {
			weights := constant(g, [][]float64{{1, 2, 3}, {-1, 0, 4}})
			return op1(g, "reduce_sum", nil, op1(g, "mul", nil, op1(g, "softmax", nil, x), weights))
		}},
		{"reductions", matrix, func(g *Graph, x VarID) VarID {
			rowMax := op1(g, "reduce_max", ops.Attributes{"axes": []int{1}}, x)
			colMean := op1(g, "reduce_mean", ops.Attributes{"axes": []int{0}, "keep_dims": true}, x)
			return op1(g, "add", nil, op1(g, "reduce_sum", nil, op1(g, "square", nil, rowMax)),
				op1(g, "reduce_sum", nil, op1(g, "exp", nil, colMean)))
		}},
		{"shapes", matrix, func(g *Graph, x VarID) VarID {
			weights := constant(g, [][]float64{{1, 2}, {3, 4}, {5, 6}})
			transposed := op1(g, "transpose", ops.Attributes{"permutation": []int{1, 0}}, x)
			reshaped := op1(g, "reshape", ops.Attributes{"shape": []int{3, 2}}, x)
			y := op1(g, "mul", nil, op1(g, "add", nil, transposed, reshaped), weights)
			expanded := op1(g, "expand_dims", ops.Attributes{"axes": []int{0}}, y)
			broadcast := op1(g, "broadcast_to", ops.Attributes{"shape": []int{2, 3, 2}}, expanded)
			return op1(g, "reduce_sum", nil, op1(g, "square", nil, broadcast))
		}},
		{"concat-split", matrix, func(g *Graph, x VarID) VarID {
			joined := op1(g, "concat", ops.Attributes{"axis": 1}, x, op1(g, "square", nil, x))
			parts := must.M1(g.AddOperation("split", []VarID{joined}, ops.Attributes{"axis": 0, "num_splits": 2}))
			return op1(g, "reduce_sum", nil, op1(g, "mul", nil, parts[0], op1(g, "exp", nil, parts[1])))
		}},
		{"gather-scatter", [][]float64{{1, 2}, {3, 4}, {5, 6}}, func(g *Graph, x VarID) VarID {
			indices := constant(g, []int32{2, 0, 2})
			gathered := op1(g, "gather", nil, x, indices)
			zeros := constant(g, [][]float64{{0, 0}, {0, 0}, {0, 0}, {0, 0}})
			scattered := op1(g, "scatter_add", nil, zeros, constant(g, []int32{3, 1, 3}), op1(g, "square", nil, gathered))
			return op1(g, "reduce_sum", nil, op1(g, "tanh", nil, scattered))
		}},
		{"where", []float64{-1, 0.5, 2}, func(g *Graph, x VarID) VarID {
			zero := constant(g, 0.0)
			positive := op1(g, "greater", nil, x, zero)
			return op1(g, "reduce_sum", nil, op1(g, "where", nil, positive, op1(g, "square", nil, x), op1(g, "neg", nil, x)))
		}},
		{"cast-identity", []float64{0.5, 2}, func(g *Graph, x VarID) VarID {
			y := op1(g, "cast", ops.Attributes{"dtype": dtypes.Float64}, op1(g, "identity", nil, x))
			return op1(g, "reduce_sum", nil, op1(g, "mul", nil, y, x))
		}},
		{"add_n", []float64{0.5, 2}, func(g *Graph, x VarID) VarID {
			return op1(g, "reduce_sum", nil, op1(g, "add_n", nil, x, op1(g, "square", nil, x), op1(g, "exp", nil, x)))
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			g := New()
			value := tensors.FromValue(c.value)
			x := must.M1(g.AddPlaceholder("x", value.Shape()))
			loss := c.loss(g, x)
			graphtest.CheckGradient(t, g, loss, x, map[VarID]*tensors.Tensor{x: value}, 1e-6, 1e-4)
		})
	}
}

func TestDifferentiateUnknownShape(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float64, shapes.UnknownDim)))
	loss := op1(g, "reduce_mean", nil, op1(g, "square", nil, x))
	grads := must.M1(g.Differentiate(loss, x))
	exec := NewExecutor(g, graphtest.BuildTestBackend())
	for _, value := range [][]float64{{1, 2}, {1, 2, 3, 4}} {
		results := must.M1(exec.Run(context.Background(), []VarID{grads[x]}, map[VarID]*tensors.Tensor{
			x: tensors.FromValue(value),
		}))
		want := make([]float64, len(value))
		for ii, v := range value {
			want[ii] = 2 * v / float64(len(value))
		}
		assert.InDeltaSlice(t, want, results[grads[x]].Value(), 1e-12)
	}
}
