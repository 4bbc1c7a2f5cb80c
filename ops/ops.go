// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops is the registry of operations a graph can be built with.
//
// Each operation is described by a Descriptor: a plain data record with its arity, number of outputs,
// attribute schema, shape and dtype inference functions and its backward (gradient) rule. The graph
// dispatches on the operation name through a Registry, there is no per-operation type.
//
// The Default registry is populated at initialization with the standard catalog: element-wise
// arithmetic, comparisons and logical ops, unary math, reductions, shape manipulation, matmul,
// gather/scatter and where. Every operation used by a backward rule has a backward rule itself, so
// gradients can be differentiated again.
package ops

import (
	"fmt"
	"slices"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/pkg/errors"
)

// VarID identifies a variable in a graph.
type VarID int

// NoGradient is returned by backward rules for inputs that receive no gradient.
const NoGradient VarID = -1

// InvalidVarID is an alias to NoGradient, used where the value means "no variable".
const InvalidVarID = NoGradient

// Variadic is used as Descriptor.MaxInputs for operations accepting any number of inputs.
const Variadic = -1

var (
	// ErrUnknownOperation is returned when an operation name is not in the registry.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInvalidAttribute is returned for missing, unknown or mistyped attributes.
	ErrInvalidAttribute = errors.New("invalid attribute")

	// ErrArity is returned when the number of inputs is out of the range accepted by the operation.
	ErrArity = errors.New("invalid number of inputs")

	// ErrShapeInference is wrapped by errors due to incompatible input shapes.
	ErrShapeInference = errors.New("shape inference failed")

	// ErrTypeInference is wrapped by errors due to incompatible input dtypes.
	ErrTypeInference = errors.New("type inference failed")
)

// ShapeInferenceFn returns the shapes of the outputs, given the shapes of the inputs. The DType of the returned
// shapes is ignored: it is replaced by the result of the DTypeInferenceFn.
//
// Input shapes may have unknown dimensions. They only have unknown rank if the operation is marked
// Descriptor.UnknownRankOK.
type ShapeInferenceFn func(inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error)

// DTypeInferenceFn returns the dtypes of the outputs, given the dtypes of the inputs.
type DTypeInferenceFn func(inputs []dtypes.DType, attrs Attributes) ([]dtypes.DType, error)

// BackwardRule builds the gradient of each input of an operation, given the gradient of each of its outputs.
//
// It returns one VarID per input: NoGradient for inputs without gradient or not wanted (see
// BackwardContext.Wants). It may panic (with github.com/gomlx/exceptions) on errors, the differentiator
// converts those back to errors.
type BackwardRule func(ctx *BackwardContext) []VarID

// Builder is the interface used by backward rules to create new nodes. It's implemented by the graph.
//
// Methods panic on errors.
type Builder interface {
	// Add creates a new operation and returns its outputs.
	Add(opName string, inputs []VarID, attrs Attributes) []VarID

	// Constant creates a new constant variable holding value.
	Constant(value *tensors.Tensor) VarID

	// Shape returns the currently inferred shape of a variable.
	Shape(v VarID) shapes.Shape
}

// BackwardContext is the information given to a BackwardRule.
type BackwardContext struct {
	Builder Builder

	// Inputs and Outputs of the forward operation.
	Inputs, Outputs []VarID

	// OutputGrads holds the gradient of the loss with respect to each output. Outputs that
	// didn't get a gradient are given zeros shaped like the output.
	OutputGrads []VarID

	// Attributes of the forward operation.
	Attributes Attributes

	// Wanted indicates the inputs for which a gradient is needed. If nil, all inputs are wanted.
	Wanted []bool
}

// Wants returns whether the gradient for the input is needed.
func (ctx *BackwardContext) Wants(input int) bool {
	return ctx.Wanted == nil || ctx.Wanted[input]
}

// Descriptor is the static description of an operation.
type Descriptor struct {
	Name string

	// MinInputs and MaxInputs define the accepted number of inputs. MaxInputs can be Variadic.
	MinInputs, MaxInputs int

	// NumOutputs is the fixed number of outputs, used if NumOutputsFn is nil.
	NumOutputs int

	// NumOutputsFn, if set, returns the number of outputs as a function of the number of inputs and attributes.
	NumOutputsFn func(numInputs int, attrs Attributes) int

	// Attributes schema.
	Attributes []AttrSpec

	// NonDifferentiable lists the inputs that never receive a gradient (e.g. indices).
	NonDifferentiable []int

	// DifferentiableInputs, if > 0, limits the differentiable inputs to the first DifferentiableInputs ones.
	// Used by variadic operations whose extra inputs only provide dimensions.
	DifferentiableInputs int

	// UnknownRankOK indicates the shape inference handles inputs of unknown rank. Otherwise, an input of
	// unknown rank makes all outputs of unknown rank.
	UnknownRankOK bool

	InferShapes ShapeInferenceFn
	InferDTypes DTypeInferenceFn

	// Backward rule, nil if no input is differentiable.
	Backward BackwardRule
}

// Outputs returns the number of outputs of an operation with the given number of inputs and attributes.
func (d *Descriptor) Outputs(numInputs int, attrs Attributes) int {
	if d.NumOutputsFn != nil {
		return d.NumOutputsFn(numInputs, attrs)
	}
	return d.NumOutputs
}

// IsDifferentiable returns whether the given input of the operation can receive a gradient.
func (d *Descriptor) IsDifferentiable(input int) bool {
	if d.Backward == nil || (d.DifferentiableInputs > 0 && input >= d.DifferentiableInputs) {
		return false
	}
	return !slices.Contains(d.NonDifferentiable, input)
}

// CheckArity returns an error wrapping ErrArity if numInputs is not accepted.
func (d *Descriptor) CheckArity(numInputs int) error {
	if numInputs < d.MinInputs || (d.MaxInputs != Variadic && numInputs > d.MaxInputs) {
		return errors.Wrapf(ErrArity, "%q takes %s inputs, got %d", d.Name, d.arityString(), numInputs)
	}
	return nil
}

func (d *Descriptor) arityString() string {
	switch {
	case d.MaxInputs == Variadic:
		return fmt.Sprintf("%d or more", d.MinInputs)
	case d.MinInputs == d.MaxInputs:
		return fmt.Sprintf("%d", d.MinInputs)
	default:
		return fmt.Sprintf("%d to %d", d.MinInputs, d.MaxInputs)
	}
}

// attrSpec returns the schema of the named attribute, or nil.
func (d *Descriptor) attrSpec(name string) *AttrSpec {
	for ii := range d.Attributes {
		if d.Attributes[ii].Name == name {
			return &d.Attributes[ii]
		}
	}
	return nil
}
