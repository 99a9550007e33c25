// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"cmp"
	"maps"
	"slices"
)

// Unordered set of ids or names.
type Set[T cmp.Ordered] map[T]struct{}

// Create a new set from the given values.
func NewSet[T cmp.Ordered](values ...T) Set[T] {
	s := make(Set[T], len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func (s Set[T]) Add(values ...T) {
	for _, v := range values {
		s[v] = struct{}{}
	}
}

func (s Set[T]) Has(v T) bool {
	_, ok := s[v]
	return ok
}

// Values of the set in ascending order.
func (s Set[T]) Sorted() []T {
	return slices.Sorted(maps.Keys(s))
}

// Values present in both sets.
func (s Set[T]) Intersect(other Set[T]) Set[T] {
	result := Set[T]{}
	for v := range s {
		if other.Has(v) {
			result.Add(v)
		}
	}
	return result
}

// Whether the sets share at least one value.
func (s Set[T]) Overlaps(other Set[T]) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for v := range small {
		if large.Has(v) {
			return true
		}
	}
	return false
}
