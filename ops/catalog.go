// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

// registerStandardOps registers the standard catalog of operations.
func registerStandardOps(r *Registry) {
	for _, group := range [][]*Descriptor{elementwiseOps(), reduceOps(), shapeOps(), linalgOps()} {
		for _, desc := range group {
			r.MustRegister(desc)
		}
	}
}

// RegisterStandardOps registers the standard catalog of operations in a new registry.
// The Default registry already includes them.
func RegisterStandardOps(r *Registry) { registerStandardOps(r) }
