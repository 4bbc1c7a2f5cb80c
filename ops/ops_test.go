package ops

import (
	"fmt"
	"testing"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	F32 = dtypes.Float32
	MS  = shapes.Make
)

func TestRegistry(t *testing.T) {
	names := Names()
	for _, name := range []string{"add", "matmul", "reduce_sum", "split_like", "scatter_add", "where", "dim_size", "cast"} {
		assert.Contains(t, names, name)
	}
	_, err := Describe("no_such_op")
	require.ErrorIs(t, err, ErrUnknownOperation)

	r := NewRegistry()
	RegisterStandardOps(r)
	require.Equal(t, names, r.Names())
	add, err := r.Describe("add")
	require.NoError(t, err)
	require.Error(t, r.Register(add))
	require.Error(t, r.Register(&Descriptor{Name: "incomplete"}))
	assert.Panics(t, func() { r.MustRegister(add) })

	require.NoError(t, add.CheckArity(2))
	require.ErrorIs(t, add.CheckArity(3), ErrArity)
	addN, _ := r.Describe("add_n")
	require.NoError(t, addN.CheckArity(7))
	require.ErrorIs(t, addN.CheckArity(0), ErrArity)

	gather, _ := r.Describe("gather")
	assert.True(t, gather.IsDifferentiable(0))
	assert.False(t, gather.IsDifferentiable(1))
	equal, _ := r.Describe("equal")
	assert.False(t, equal.IsDifferentiable(0))
}

func TestValidateAttributes(t *testing.T) {
	reduceSum, err := Describe("reduce_sum")
	require.NoError(t, err)
	attrs, err := ValidateAttributes(reduceSum, Attributes{"axes": []int64{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, attrs.Ints("axes"))
	assert.False(t, attrs.Bool("keep_dims"))
	assert.Equal(t, "axes=[1 0], keep_dims=false", attrs.Format())

	attrs, err = ValidateAttributes(reduceSum, nil)
	require.NoError(t, err)
	assert.Nil(t, attrs.Ints("axes"))

	_, err = ValidateAttributes(reduceSum, Attributes{"axis": 1})
	require.ErrorIs(t, err, ErrInvalidAttribute)
	_, err = ValidateAttributes(reduceSum, Attributes{"keep_dims": 1})
	require.ErrorIs(t, err, ErrInvalidAttribute)

	reshape, _ := Describe("reshape")
	_, err = ValidateAttributes(reshape, nil)
	require.ErrorIs(t, err, ErrInvalidAttribute)

	cast, _ := Describe("cast")
	attrs, err = ValidateAttributes(cast, Attributes{"dtype": dtypes.Float64})
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float64, attrs.DType("dtype"))
	_, err = ValidateAttributes(cast, Attributes{"dtype": dtypes.InvalidDType})
	require.ErrorIs(t, err, ErrInvalidAttribute)

	// Clones are deep.
	clone := attrs.Clone()
	clone["dtype"] = dtypes.Int8
	assert.Equal(t, dtypes.Float64, attrs.DType("dtype"))
}

func inferOne(t *testing.T, opName string, attrs Attributes, inputs ...shapes.Shape) ([]shapes.Shape, error) {
	t.Helper()
	desc, err := Describe(opName)
	require.NoError(t, err)
	attrs, err = ValidateAttributes(desc, attrs)
	require.NoError(t, err)
	return InferOutputShapes(opName, inputs, attrs)
}

func TestInferOutputShapes(t *testing.T) {
	outputs, err := inferOne(t, "add", nil, MS(dtypes.Int32, 2, 1), MS(F32, 3))
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.True(t, MS(F32, 2, 3).Equal(outputs[0]), "got %s", outputs[0])

	outputs, err = inferOne(t, "less", nil, MS(F32, 2), MS(F32, 2))
	require.NoError(t, err)
	assert.Equal(t, dtypes.Bool, outputs[0].DType)

	_, err = inferOne(t, "log", nil, MS(dtypes.Int32, 2))
	require.ErrorIs(t, err, ErrTypeInference)
	_, err = inferOne(t, "add", nil, MS(dtypes.Uint64, 2), MS(dtypes.Int8, 2))
	require.ErrorIs(t, err, ErrTypeInference)
	_, err = inferOne(t, "add", nil, MS(F32, 2), MS(F32, 3))
	require.ErrorIs(t, err, ErrShapeInference)
	_, err = inferOne(t, "add", nil, MS(F32, 2))
	require.ErrorIs(t, err, ErrArity)

	// Unknown rank propagates, except for ops that handle it.
	outputs, err = inferOne(t, "mul", nil, shapes.MakeUnknownRank(F32), MS(F32, 2))
	require.NoError(t, err)
	assert.True(t, outputs[0].UnknownRank)
	outputs, err = inferOne(t, "exp", nil, shapes.MakeUnknownRank(F32))
	require.NoError(t, err)
	assert.True(t, outputs[0].UnknownRank)
	outputs, err = inferOne(t, "dim_size", Attributes{"axes": []int{0}}, shapes.MakeUnknownRank(F32))
	require.NoError(t, err)
	assert.True(t, outputs[0].IsScalar())

	outputs, err = inferOne(t, "split", Attributes{"axis": 1, "num_splits": 3}, MS(F32, 2, 6))
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.True(t, MS(F32, 2, 2).Equal(outputs[1]))
	_, err = inferOne(t, "split", Attributes{"axis": 1, "num_splits": 0}, MS(F32, 2, 6))
	require.ErrorIs(t, err, ErrTypeInference)

	outputs, err = inferOne(t, "split_like", Attributes{"axis": 0}, MS(F32, 5), MS(dtypes.Int8, 2), MS(F32, 3))
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.True(t, MS(F32, 2).Equal(outputs[0]))

	outputs, err = inferOne(t, "cast", Attributes{"dtype": dtypes.Float16}, MS(dtypes.Int32, 4))
	require.NoError(t, err)
	assert.True(t, MS(dtypes.Float16, 4).Equal(outputs[0]))

	_, err = inferOne(t, "where", nil, MS(F32, 2), MS(F32, 2), MS(F32, 2))
	require.ErrorIs(t, err, ErrTypeInference)
	_, err = inferOne(t, "gather", nil, MS(F32, 5, 2), MS(F32, 3))
	require.ErrorIs(t, err, ErrTypeInference)
}

// fakeBuilder records the nodes created by backward rules, inferring their shapes with the Default registry.
type fakeBuilder struct {
	shapes []shapes.Shape
	ops    []string
}

func (b *fakeBuilder) newVar(shape shapes.Shape) VarID {
	b.shapes = append(b.shapes, shape)
	return VarID(len(b.shapes) - 1)
}

func (b *fakeBuilder) Add(opName string, inputs []VarID, attrs Attributes) []VarID {
	desc, err := Describe(opName)
	if err != nil {
		panic(err)
	}
	attrs, err = ValidateAttributes(desc, attrs)
	if err != nil {
		panic(err)
	}
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		inputShapes[ii] = b.shapes[input]
	}
	outputShapes, err := InferOutputShapes(opName, inputShapes, attrs)
	if err != nil {
		panic(errors.WithMessagef(err, "building %q", opName))
	}
	b.ops = append(b.ops, opName)
	outputs := make([]VarID, len(outputShapes))
	for ii, shape := range outputShapes {
		outputs[ii] = b.newVar(shape)
	}
	return outputs
}

func (b *fakeBuilder) Constant(value *tensors.Tensor) VarID { return b.newVar(value.Shape()) }

func (b *fakeBuilder) Shape(v VarID) shapes.Shape { return b.shapes[v] }

// checkBackward runs the backward rule of opName and checks that the gradient of each differentiable float
// input has the shape of the input.
func checkBackward(t *testing.T, opName string, attrs Attributes, inputShapes ...shapes.Shape) *fakeBuilder {
	b := &fakeBuilder{}
	desc, err := Describe(opName)
	require.NoError(t, err)
	attrs, err = ValidateAttributes(desc, attrs)
	require.NoError(t, err)
	inputs := make([]VarID, len(inputShapes))
	for ii, shape := range inputShapes {
		inputs[ii] = b.newVar(shape)
	}
	outputs := b.Add(opName, inputs, attrs)
	outputGrads := make([]VarID, len(outputs))
	for ii, output := range outputs {
		outputGrads[ii] = b.newVar(b.Shape(output))
	}
	wanted := make([]bool, len(inputs))
	for ii, shape := range inputShapes {
		wanted[ii] = desc.IsDifferentiable(ii) && shape.DType.IsFloat()
	}
	b.ops = nil
	grads := desc.Backward(&BackwardContext{
		Builder:     b,
		Inputs:      inputs,
		Outputs:     outputs,
		OutputGrads: outputGrads,
		Attributes:  attrs,
		Wanted:      wanted,
	})
	require.Len(t, grads, len(inputs))
	for ii, grad := range grads {
		if !wanted[ii] {
			assert.Equal(t, NoGradient, grad, "%s input #%d", opName, ii)
			continue
		}
		require.NotEqual(t, NoGradient, grad, "%s input #%d", opName, ii)
		assert.Truef(t, inputShapes[ii].Equal(b.Shape(grad)), "%s input #%d: wanted gradient shape %s, got %s",
			opName, ii, inputShapes[ii], b.Shape(grad))
	}
	return b
}

func TestBackwardRules(t *testing.T) {
	bool21 := MS(dtypes.Bool, 2, 1)
	f23 := MS(F32, 2, 3)
	testCases := []struct {
		op     string
		attrs  Attributes
		inputs []shapes.Shape
	}{
		{"add", nil, []shapes.Shape{f23, MS(F32, 3)}},
		{"sub", nil, []shapes.Shape{MS(F32, 2, 1), MS(F32, 1, 3)}},
		{"mul", nil, []shapes.Shape{f23, MS(F32)}},
		{"div", nil, []shapes.Shape{f23, MS(dtypes.Float64, 2, 3)}},
		{"pow", nil, []shapes.Shape{f23, f23}},
		{"max", nil, []shapes.Shape{f23, MS(F32, 3)}},
		{"min", nil, []shapes.Shape{f23, f23}},
		{"add", nil, []shapes.Shape{MS(dtypes.Int32, 3), f23}},
		{"add_n", nil, []shapes.Shape{f23, f23, f23}},
		{"where", nil, []shapes.Shape{bool21, f23, MS(F32, 3)}},
		{"cast", Attributes{"dtype": dtypes.Float64}, []shapes.Shape{f23}},
		{"reduce_sum", Attributes{"axes": []int{1}}, []shapes.Shape{f23}},
		{"reduce_sum", Attributes{"axes": []int{-1, 0}, "keep_dims": true}, []shapes.Shape{f23}},
		{"reduce_mean", nil, []shapes.Shape{f23}},
		{"reduce_max", Attributes{"axes": []int{0}}, []shapes.Shape{f23}},
		{"softmax", nil, []shapes.Shape{f23}},
		{"reshape", Attributes{"shape": []int{3, -1}}, []shapes.Shape{f23}},
		{"reshape_like", nil, []shapes.Shape{MS(F32, 6), f23}},
		{"transpose", Attributes{"permutation": []int{2, 0, 1}}, []shapes.Shape{MS(F32, 2, 3, 4)}},
		{"expand_dims", Attributes{"axes": []int{0, -1}}, []shapes.Shape{f23}},
		{"broadcast_to", Attributes{"shape": []int{4, 2, 3}}, []shapes.Shape{MS(F32, 1, 3)}},
		{"broadcast_like", nil, []shapes.Shape{MS(F32, 3), f23}},
		{"sum_to_like", nil, []shapes.Shape{f23, MS(F32, 3)}},
		{"concat", Attributes{"axis": 1}, []shapes.Shape{f23, MS(F32, 2, 1)}},
		{"split", Attributes{"axis": 1, "num_splits": 3}, []shapes.Shape{MS(F32, 2, 6)}},
		{"split_like", Attributes{"axis": 1}, []shapes.Shape{MS(F32, 2, 4), MS(F32, 2, 1), MS(F32, 2, 3)}},
		{"gather", nil, []shapes.Shape{MS(F32, 5, 3), MS(dtypes.Int32, 2)}},
		{"scatter_add", nil, []shapes.Shape{MS(F32, 5, 3), MS(dtypes.Int32, 2), f23}},
	}
	for _, op := range []string{"neg", "abs", "exp", "log", "log1p", "sqrt", "square", "tanh", "sigmoid", "relu",
		"sin", "cos", "identity"} {
		testCases = append(testCases, struct {
			op     string
			attrs  Attributes
			inputs []shapes.Shape
		}{op, nil, []shapes.Shape{f23}})
	}
	for _, tA := range []bool{false, true} {
		for _, tB := range []bool{false, true} {
			lhs, rhs := MS(F32, 2, 3), MS(F32, 3, 4)
			if tA {
				lhs = MS(F32, 3, 2)
			}
			if tB {
				rhs = MS(F32, 4, 3)
			}
			testCases = append(testCases, struct {
				op     string
				attrs  Attributes
				inputs []shapes.Shape
			}{"matmul", Attributes{"transpose_a": tA, "transpose_b": tB}, []shapes.Shape{lhs, rhs}})
		}
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s%v", tc.op, tc.inputs), func(t *testing.T) {
			checkBackward(t, tc.op, tc.attrs, tc.inputs...)
		})
	}
}

func TestBackwardNodes(t *testing.T) {
	// Same shapes: no sum_to_like needed.
	b := checkBackward(t, "mul", nil, MS(F32, 2), MS(F32, 2))
	assert.Equal(t, []string{"mul", "mul"}, b.ops)

	// Broadcast input gets its gradient reduced.
	b = checkBackward(t, "add", nil, MS(F32, 2, 3), MS(F32, 3))
	assert.Equal(t, []string{"sum_to_like"}, b.ops)

	b = checkBackward(t, "reduce_sum", Attributes{"axes": []int{1}}, MS(F32, 2, 3))
	assert.Equal(t, []string{"expand_dims", "broadcast_like"}, b.ops)

	// Unknown rank reductions can't be differentiated.
	desc, _ := Describe("reduce_sum")
	fb := &fakeBuilder{}
	x := fb.newVar(shapes.MakeUnknownRank(F32))
	y := fb.newVar(shapes.MakeUnknownRank(F32))
	v := fb.newVar(shapes.MakeUnknownRank(F32))
	require.Panics(t, func() {
		desc.Backward(&BackwardContext{Builder: fb, Inputs: []VarID{x}, Outputs: []VarID{y}, OutputGrads: []VarID{v}})
	})
}
