// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/diffgraph/ops"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/pkg/errors"
)

// builder implements ops.Builder for backward rules. It's only used with g.mu held for writing and within
// a transaction, and it panics on errors.
type builder struct {
	g *Graph

	// created lists the operations added, in order.
	created []OpID
}

var _ ops.Builder = (*builder)(nil)

// Add implements ops.Builder.
func (b *builder) Add(opName string, inputs []VarID, attrs ops.Attributes) []VarID {
	outputs, err := b.g.addOperation(opName, inputs, attrs, nil)
	if err != nil {
		panic(errors.WithMessagef(err, "building %q", opName))
	}
	b.created = append(b.created, b.g.variables[outputs[0]].producer)
	return outputs
}

// Constant implements ops.Builder.
func (b *builder) Constant(value *tensors.Tensor) VarID {
	id, err := b.g.addConstant(b.g.uniqueName(value.DType().String()+"_constant"), value)
	if err != nil {
		panic(errors.WithMessage(err, "building constant"))
	}
	return id
}

// Shape implements ops.Builder.
func (b *builder) Shape(v VarID) shapes.Shape {
	return b.g.shapeOf(v)
}
