// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int](10)
	assert.Len(t, s, 0)

	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(5))

	s2 := MakeWith(5, 7)
	s3 := s.Sub(s2)
	assert.Len(t, s3, 1)
	assert.True(t, s3.Has(3))
	assert.Equal(t, []int{7}, Sorted(s.Intersect(s2)))

	s.Remove(7, 11)
	assert.True(t, s.Equal(s3))
	assert.False(t, s.Equal(s2))
	assert.False(t, s.Equal(MakeWith(-3)))
}

func TestSorted(t *testing.T) {
	assert.Equal(t, []int{-1, 2, 9, 10}, Sorted(MakeWith(10, 2, -1, 9)))
	assert.Empty(t, Sorted(Make[string]()))
	assert.Equal(t, []string{"a", "b"}, Sorted(MakeWith("b", "a")))
}
