package graph

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/diffgraph/initializers"
	"github.com/gomlx/diffgraph/ops"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddVariables(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, shapes.UnknownDim, 3)))
	c := must.M1(g.AddConstant("c", tensors.FromValue([]float32{1, 2, 3})))
	p := must.M1(g.AddParameter("p", shapes.Make(dtypes.Float32, 3), initializers.Zero))

	assert.Equal(t, UnboundUnknownShape, g.State(x))
	assert.Equal(t, Bound, g.State(c))
	assert.Equal(t, Bound, g.State(p))
	assert.Equal(t, []VarID{x, c, p}, g.Variables())
	assert.Equal(t, 3, g.NumVariables())

	id, found := g.LookupVariable("c")
	require.True(t, found)
	assert.Equal(t, c, id)
	_, found = g.LookupVariable("nope")
	assert.False(t, found)

	// Names are unique.
	_, err := g.AddPlaceholder("x", shapes.Make(dtypes.Float32))
	require.ErrorIs(t, err, ErrDuplicateName)
	_, err = g.AddPlaceholder("", shapes.Make(dtypes.Float32))
	require.Error(t, err)

	// Parameters need fully known shapes.
	_, err = g.AddParameter("q", shapes.Make(dtypes.Float32, shapes.UnknownDim), initializers.Zero)
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, 3, g.NumVariables())

	value := g.Value(p)
	require.NotNil(t, value)
	assert.Equal(t, []float32{0, 0, 0}, value.Value())
	value.Finalize()
	assert.Nil(t, g.Value(x))
}

func TestAddOperation(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, shapes.UnknownDim, 3)))
	c := must.M1(g.AddConstant("c", tensors.FromValue([]float32{1, 2, 3})))
	outputs := must.M1(g.AddOperation("add", []VarID{x, c}, nil))
	require.Len(t, outputs, 1)
	sum := outputs[0]
	assert.Equal(t, "(Float32)[? 3]", g.Shape(sum).String())
	assert.Equal(t, Declared, g.State(sum))

	info := must.M1(g.Variable(sum))
	assert.Equal(t, Array, info.Kind)
	assert.Equal(t, "add_0:0", info.Name)
	assert.Equal(t, 0, info.OutputIndex)
	opID := g.Producer(sum)
	assert.Equal(t, OpID(0), opID)
	assert.Equal(t, []OpID{opID}, g.Consumers(x))
	assert.Equal(t, []OpID{opID}, g.Consumers(c))

	opInfo := must.M1(g.Operation(opID))
	assert.Equal(t, "add", opInfo.OpName)
	assert.Equal(t, []VarID{x, c}, opInfo.Inputs)
	assert.Equal(t, []VarID{sum}, opInfo.Outputs)

	// Multiple outputs, with names.
	parts := must.M1(g.AddNamedOperation("split", []VarID{c}, ops.Attributes{"axis": 0, "num_splits": 3},
		[]string{"first", "second", "third"}))
	require.Len(t, parts, 3)
	second, found := g.LookupVariable("second")
	require.True(t, found)
	assert.Equal(t, parts[1], second)

	// Errors.
	_, err := g.AddOperation("unknown_op", []VarID{x}, nil)
	require.Error(t, err)
	_, err = g.AddOperation("add", []VarID{x}, nil)
	require.Error(t, err)
	_, err = g.AddOperation("add", []VarID{x, VarID(1000)}, nil)
	require.ErrorIs(t, err, ErrInvalidID)
	y := must.M1(g.AddPlaceholder("y", shapes.Make(dtypes.Float32, 4)))
	_, err = g.AddOperation("add", []VarID{c, y}, nil)
	require.ErrorIs(t, err, ErrShapeInference)
	_, err = g.AddOperation("transpose", []VarID{c}, nil)
	require.Error(t, err, "missing required attribute")
}

func TestTransactionRollback(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, shapes.UnknownDim)))
	y := must.M1(g.AddPlaceholder("y", shapes.Make(dtypes.Float32, 3)))
	sum := must.M1(g.AddOperation("add", []VarID{x, y}, nil))[0]
	_ = must.M1(g.AddOperation("neg", []VarID{sum}, nil))
	assert.Equal(t, "(Float32)[3]", g.Shape(sum).String())
	before := g.String()

	// The second output name is already in use: the operation and its first output must be rolled back.
	_, err := g.AddNamedOperation("split", []VarID{y}, ops.Attributes{"axis": 0, "num_splits": 3},
		[]string{"part", "x", "other"})
	require.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, before, g.String())
	_, found := g.LookupVariable("part")
	assert.False(t, found)

	// Binding x with a value that doesn't broadcast with y fails during re-inference.
	bad := tensors.FromValue([]float32{1, 2, 3, 4})
	err = g.BindValue("x", bad)
	require.ErrorIs(t, err, ErrShapeInference)
	assert.Equal(t, before, g.String())
	assert.False(t, bad.IsFinalized(), "value of a failed binding still belongs to the caller")
	bad.Finalize()

	// Partially successful BindValues: "x" is fine, "y" has the wrong dtype.
	err = g.BindValues(map[string]*tensors.Tensor{
		"x": tensors.FromValue([]float32{1, 2, 3}),
		"y": tensors.FromValue([]int32{1, 2, 3}),
	})
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, before, g.String())
	assert.Equal(t, UnboundUnknownShape, g.State(x))

	// Replacing x with a variable that doesn't broadcast with y.
	z := must.M1(g.AddPlaceholder("z", shapes.Make(dtypes.Float32, 5)))
	before = g.String()
	err = g.ReplaceInput(g.Producer(sum), 0, z)
	require.ErrorIs(t, err, ErrShapeInference)
	assert.Equal(t, before, g.String())
}

func TestBindValue(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, shapes.UnknownDim)))
	double := must.M1(g.AddOperation("add", []VarID{x, x}, nil))[0]
	assert.Equal(t, Declared, g.State(double))

	require.NoError(t, g.BindValue("x", tensors.FromValue([]float32{1, 2})))
	assert.Equal(t, Bound, g.State(x))
	assert.Equal(t, "(Float32)[2]", g.Shape(x).String())
	assert.Equal(t, ShapeInferred, g.State(double))

	// Rebinding with a different compatible shape re-derives the shapes downstream.
	require.NoError(t, g.BindValue("x", tensors.FromValue([]float32{1, 2, 3})))
	assert.Equal(t, "(Float32)[3]", g.Shape(double).String())

	// Wrong dtype, wrong rank, constants and arrays can't be bound.
	require.ErrorIs(t, g.BindValue("x", tensors.FromValue([]float64{1})), ErrShapeMismatch)
	require.ErrorIs(t, g.BindValue("x", tensors.FromValue([][]float32{{1}})), ErrShapeMismatch)
	_ = must.M1(g.AddConstant("c", tensors.FromValue(float32(1))))
	require.Error(t, g.BindValue("c", tensors.FromValue(float32(2))))
	info := must.M1(g.Variable(double))
	require.Error(t, g.BindValue(info.Name, tensors.FromValue([]float32{1, 2, 3})))
	require.ErrorIs(t, g.BindValue("nope", tensors.FromValue(float32(2))), ErrInvalidID)
}

func TestUnknownRankPropagation(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.MakeUnknownRank(dtypes.Float64)))
	y := must.M1(g.AddOperation("exp", []VarID{x}, nil))[0]
	z := must.M1(g.AddOperation("reduce_sum", []VarID{y}, nil))[0]
	assert.True(t, g.Shape(y).UnknownRank)
	assert.True(t, g.Shape(z).UnknownRank)
	assert.Equal(t, Declared, g.State(z))

	require.NoError(t, g.BindValue("x", tensors.FromValue([][]float64{{1, 2}, {3, 4}})))
	assert.Equal(t, "(Float64)[2 2]", g.Shape(y).String())
	assert.True(t, g.Shape(z).IsScalar())
	assert.Equal(t, ShapeInferred, g.State(z))
}

func TestReplaceInputCycle(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, 2)))
	a := must.M1(g.AddOperation("neg", []VarID{x}, nil))[0]
	b := must.M1(g.AddOperation("exp", []VarID{a}, nil))[0]
	c := must.M1(g.AddOperation("add", []VarID{a, b}, nil))[0]
	before := g.String()

	// Making neg consume its own output, or anything computed from it, creates a cycle.
	for _, target := range []VarID{a, b, c} {
		err := g.ReplaceInput(g.Producer(a), 0, target)
		require.ErrorIs(t, err, ErrGraphCycle)
		assert.Equal(t, before, g.String())
	}

	// A valid replacement updates the consumers.
	y := must.M1(g.AddPlaceholder("y", shapes.Make(dtypes.Float32, 2)))
	require.NoError(t, g.ReplaceInput(g.Producer(c), 1, y))
	assert.Empty(t, g.Consumers(b))
	assert.Equal(t, []OpID{g.Producer(c)}, g.Consumers(y))
	assert.Equal(t, []VarID{a, y}, must.M1(g.Operation(g.Producer(c))).Inputs)

	// Index out of range and invalid ids.
	require.Error(t, g.ReplaceInput(g.Producer(c), 2, y))
	require.ErrorIs(t, g.ReplaceInput(OpID(100), 0, y), ErrInvalidID)
	require.ErrorIs(t, g.ReplaceInput(g.Producer(c), 0, VarID(100)), ErrInvalidID)
}

// assertAcyclic checks that no operation depends on its own outputs.
func assertAcyclic(t *testing.T, g *Graph) {
	t.Helper()
	for _, op := range g.operations {
		if op.removed {
			continue
		}
		require.Falsef(t, g.downstreamOps(op.id).Has(op.id), "operation #%d is part of a cycle", op.id)
	}
}

func TestRandomMutationsStayAcyclic(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	g := New()
	shape := shapes.Make(dtypes.Float32, 2)
	vars := []VarID{
		must.M1(g.AddPlaceholder("a", shape)),
		must.M1(g.AddPlaceholder("b", shape)),
	}
	var opIDs []OpID
	numCycles := 0
	for range 300 {
		if len(opIDs) == 0 || rng.IntN(2) == 0 {
			lhs, rhs := vars[rng.IntN(len(vars))], vars[rng.IntN(len(vars))]
			output := must.M1(g.AddOperation("add", []VarID{lhs, rhs}, nil))[0]
			vars = append(vars, output)
			opIDs = append(opIDs, g.Producer(output))
			continue
		}
		opID := opIDs[rng.IntN(len(opIDs))]
		err := g.ReplaceInput(opID, rng.IntN(2), vars[rng.IntN(len(vars))])
		if err != nil {
			require.ErrorIs(t, err, ErrGraphCycle)
			numCycles++
		}
		assertAcyclic(t, g)
	}
	assert.Greater(t, numCycles, 0, "expected some replacements to be rejected")
}

func TestRemoveOperation(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, 2)))
	a := must.M1(g.AddOperation("neg", []VarID{x}, nil))[0]
	b := must.M1(g.AddOperation("exp", []VarID{a}, nil))[0]
	aOp, bOp := g.Producer(a), g.Producer(b)

	before := g.String()
	require.ErrorIs(t, g.RemoveOperation(aOp), ErrDanglingReference)
	assert.Equal(t, before, g.String())

	bName := must.M1(g.Variable(b)).Name
	require.NoError(t, g.RemoveOperation(bOp))
	_, err := g.Variable(b)
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = g.Operation(bOp)
	require.ErrorIs(t, err, ErrInvalidID)
	_, found := g.LookupVariable(bName)
	assert.False(t, found)
	assert.Empty(t, g.Consumers(a))
	assert.Equal(t, []OpID{aOp}, g.Operations())
	assert.Equal(t, InvalidOpID, g.Producer(b))

	// Ids are not reused.
	c := must.M1(g.AddOperation("exp", []VarID{a}, nil))[0]
	assert.Greater(t, c, b)
	assert.Greater(t, g.Producer(c), bOp)

	require.ErrorIs(t, g.RemoveOperation(bOp), ErrInvalidID)
	_, err = g.AddOperation("exp", []VarID{b}, nil)
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestDifferentiateErrors(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, 2)))
	i := must.M1(g.AddPlaceholder("i", shapes.Make(dtypes.Int32, 2)))
	y := must.M1(g.AddPlaceholder("y", shapes.Make(dtypes.Float32, 2)))
	loss := must.M1(g.AddOperation("reduce_sum", []VarID{x}, nil))[0]
	intLoss := must.M1(g.AddOperation("reduce_sum", []VarID{i}, nil))[0]
	before := g.String()

	_, err := g.Differentiate(intLoss, i)
	require.ErrorIs(t, err, ErrNotDifferentiable)
	assert.Equal(t, before, g.String())

	_, err = NewDifferentiator(g).WithUnconnected(UnconnectedError).Differentiate(loss, x, y)
	require.ErrorIs(t, err, ErrNotDifferentiable)
	assert.Equal(t, before, g.String(), "failed differentiation must not add operations")

	_, err = g.Differentiate(loss, VarID(1000))
	require.ErrorIs(t, err, ErrInvalidID)

	// With the default policy, y gets a zero gradient.
	grads := must.M1(g.Differentiate(loss, x, y))
	require.Len(t, grads, 2)
	assert.Equal(t, "(Float32)[2]", g.Shape(grads[y]).String())
	assert.Equal(t, Constant, must.M1(g.Variable(grads[y])).Kind)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "placeholder", Placeholder.String())
	assert.Equal(t, "array", Array.String())
	assert.Equal(t, "materialized", Materialized.String())
	assert.Equal(t, "invalid", VariableState(100).String())
	assert.Equal(t, "UnconnectedError", UnconnectedError.String())

	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, 2)))
	_ = must.M1(g.AddOperation("reduce_sum", []VarID{x}, ops.Attributes{"keep_dims": true}))
	dump := g.String()
	assert.Contains(t, dump, "Graph: 2 variables, 1 operations")
	assert.Contains(t, dump, "op #0: reduce_sum(#0 \"x\")")
	assert.Contains(t, dump, "keep_dims")
}

func TestControlDependencies(t *testing.T) {
	g := New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, 2)))
	a := must.M1(g.AddOperation("neg", []VarID{x}, nil))[0]
	b := must.M1(g.AddOperation("exp", []VarID{x}, nil))[0]
	aOp, bOp := g.Producer(a), g.Producer(b)

	require.NoError(t, g.AddControlDependency(aOp, b))
	require.NoError(t, g.AddControlDependency(aOp, b), "adding the same control dependency twice is a no-op")
	assert.Equal(t, []VarID{b}, must.M1(g.Operation(aOp)).ControlDeps)
	assert.Equal(t, []OpID{aOp}, must.M1(g.Variable(b)).ControlConsumers)
	assert.Empty(t, g.Consumers(b), "control dependencies are not inputs")
	dump := g.String()
	assert.Contains(t, dump, `after #2 "exp_1:0"`)
	assert.Contains(t, dump, "control consumers [0]")

	// Cycles through control dependencies are rejected, and leave the graph untouched.
	require.ErrorIs(t, g.AddControlDependency(aOp, a), ErrGraphCycle)
	require.ErrorIs(t, g.AddControlDependency(bOp, a), ErrGraphCycle)
	require.ErrorIs(t, g.ReplaceInput(bOp, 0, a), ErrGraphCycle)
	assert.Equal(t, dump, g.String())
	assertAcyclic(t, g)

	require.ErrorIs(t, g.AddControlDependency(OpID(100), b), ErrInvalidID)
	require.ErrorIs(t, g.AddControlDependency(aOp, VarID(100)), ErrInvalidID)

	// The producer of a control dependency can't be removed while it's in use.
	require.ErrorIs(t, g.RemoveOperation(bOp), ErrDanglingReference)
	assert.Equal(t, dump, g.String())
	require.NoError(t, g.RemoveOperation(aOp))
	assert.Empty(t, must.M1(g.Variable(b)).ControlConsumers)
	require.NoError(t, g.RemoveOperation(bOp))
}
