// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"slices"
	"sync"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Registry maps operation names to their descriptors. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*Descriptor)}
}

// Default registry, populated with the standard catalog of operations.
var Default = NewRegistry()

func init() {
	registerStandardOps(Default)
}

// Register adds a new operation descriptor. It fails if the name is already registered or the descriptor
// is incomplete.
func (r *Registry) Register(desc *Descriptor) error {
	if desc == nil || desc.Name == "" {
		return errors.New("ops.Register: descriptor must have a name")
	}
	if desc.InferShapes == nil || desc.InferDTypes == nil {
		return errors.Errorf("ops.Register(%q): shape and dtype inference functions are required", desc.Name)
	}
	if desc.MinInputs < 0 || (desc.MaxInputs != Variadic && desc.MaxInputs < desc.MinInputs) {
		return errors.Errorf("ops.Register(%q): invalid arity [%d, %d]", desc.Name, desc.MinInputs, desc.MaxInputs)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.descriptors[desc.Name]; found {
		return errors.Errorf("ops.Register(%q): operation already registered", desc.Name)
	}
	r.descriptors[desc.Name] = desc
	klog.V(3).Infof("ops: registered %q", desc.Name)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(desc *Descriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Describe returns the descriptor of the operation, or an error wrapping ErrUnknownOperation.
func (r *Registry) Describe(opName string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, found := r.descriptors[opName]
	if !found {
		return nil, errors.Wrapf(ErrUnknownOperation, "%q", opName)
	}
	return desc, nil
}

// Names returns the sorted names of all registered operations.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := maps.Keys(r.descriptors)
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// InferOutputDTypes returns the dtypes of the outputs of opName. Incompatible dtypes are reported with an
// error wrapping ErrTypeInference.
//
// The attributes must have been validated (see ValidateAttributes).
func (r *Registry) InferOutputDTypes(opName string, inputs []dtypes.DType, attrs Attributes) ([]dtypes.DType, error) {
	desc, err := r.Describe(opName)
	if err != nil {
		return nil, err
	}
	if err = desc.CheckArity(len(inputs)); err != nil {
		return nil, err
	}
	outputs, err := desc.InferDTypes(inputs, attrs)
	if err != nil {
		return nil, errors.Wrapf(ErrTypeInference, "%q with input dtypes %v: %v", opName, inputs, err)
	}
	if want := desc.Outputs(len(inputs), attrs); len(outputs) != want {
		return nil, errors.Errorf("%q: dtype inference returned %d outputs, wanted %d", opName, len(outputs), want)
	}
	return outputs, nil
}

// InferOutputShapes returns the shapes (including dtypes) of the outputs of opName. Incompatible shapes are
// reported with an error wrapping ErrShapeInference, incompatible dtypes with ErrTypeInference.
//
// Inputs with unknown rank make all outputs unknown rank, unless the operation is marked UnknownRankOK.
// The attributes must have been validated (see ValidateAttributes).
func (r *Registry) InferOutputShapes(opName string, inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
	desc, err := r.Describe(opName)
	if err != nil {
		return nil, err
	}
	inputDTypes := make([]dtypes.DType, len(inputs))
	unknownRank := false
	for ii, input := range inputs {
		inputDTypes[ii] = input.DType
		unknownRank = unknownRank || input.UnknownRank
	}
	outputDTypes, err := r.InferOutputDTypes(opName, inputDTypes, attrs)
	if err != nil {
		return nil, err
	}
	outputs := make([]shapes.Shape, len(outputDTypes))
	if unknownRank && !desc.UnknownRankOK {
		for ii, dtype := range outputDTypes {
			outputs[ii] = shapes.MakeUnknownRank(dtype)
		}
		return outputs, nil
	}
	inferred, err := desc.InferShapes(inputs, attrs)
	if err != nil {
		return nil, errors.Wrapf(ErrShapeInference, "%q with input shapes %v: %v", opName, inputs, err)
	}
	if len(inferred) != len(outputs) {
		return nil, errors.Errorf("%q: shape inference returned %d outputs, wanted %d", opName, len(inferred), len(outputs))
	}
	for ii, shape := range inferred {
		outputs[ii] = shape.WithDType(outputDTypes[ii])
	}
	return outputs, nil
}

// BackwardRule returns the backward rule of the operation, or nil if it has none (or it's unknown).
func (r *Registry) BackwardRule(opName string) BackwardRule {
	desc, err := r.Describe(opName)
	if err != nil {
		return nil
	}
	return desc.Backward
}

// Describe the operation in the Default registry.
func Describe(opName string) (*Descriptor, error) { return Default.Describe(opName) }

// Names of the operations in the Default registry.
func Names() []string { return Default.Names() }

// Register an operation in the Default registry.
func Register(desc *Descriptor) error { return Default.Register(desc) }

// MustRegister an operation in the Default registry. It panics on error.
func MustRegister(desc *Descriptor) { Default.MustRegister(desc) }

// InferOutputShapes using the Default registry. See Registry.InferOutputShapes.
func InferOutputShapes(opName string, inputs []shapes.Shape, attrs Attributes) ([]shapes.Shape, error) {
	return Default.InferOutputShapes(opName, inputs, attrs)
}

// InferOutputDTypes using the Default registry. See Registry.InferOutputDTypes.
func InferOutputDTypes(opName string, inputs []dtypes.DType, attrs Attributes) ([]dtypes.DType, error) {
	return Default.InferOutputDTypes(opName, inputs, attrs)
}

// GetBackwardRule returns the backward rule of an operation in the Default registry.
func GetBackwardRule(opName string) BackwardRule { return Default.BackwardRule(opName) }
