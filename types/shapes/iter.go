// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Iter iterates over all indices of the given shape in row-major order (the last axis changes fastest).
// The yielded slice is owned by the iterator and reused: don't change it inside the loop, and copy it
// if it needs to be kept.
//
// Shapes that are not fully known, or that have a zero dimension, yield nothing.
func (s Shape) Iter() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if !s.Ok() || !s.IsFullyKnown() {
			return
		}
		rank := s.Rank()
		for _, dim := range s.Dimensions {
			if dim == 0 {
				return
			}
		}
		indices := make([]int, rank)
		for {
			if !yield(indices) {
				return
			}
			axis := rank - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}
