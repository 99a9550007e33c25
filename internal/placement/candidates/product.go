// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import "iter"

// Lazily yield every combination which picks one element of each list,
// varying the last list fastest. Yields nothing if any list is empty.
func product[T any](lists [][]T) iter.Seq[[]T] {
	return func(yield func([]T) bool) {
		if len(lists) == 0 {
			return
		}
		for _, list := range lists {
			if len(list) == 0 {
				return
			}
		}
		idx := make([]int, len(lists))
		for {
			combination := make([]T, len(lists))
			for i, j := range idx {
				combination[i] = lists[i][j]
			}
			if !yield(combination) {
				return
			}
			k := len(lists) - 1
			for ; k >= 0; k-- {
				idx[k]++
				if idx[k] < len(lists[k]) {
					break
				}
				idx[k] = 0
			}
			if k < 0 {
				return
			}
		}
	}
}

// Yield all elements of the first sequence, then of the second and so on.
func chain[T any](seqs []iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, seq := range seqs {
			for v := range seq {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// Yield one element of each sequence in turn until all are exhausted.
func roundRobin[T any](seqs []iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		nexts := make([]func() (T, bool), 0, len(seqs))
		for _, seq := range seqs {
			next, stop := iter.Pull(seq)
			defer stop()
			nexts = append(nexts, next)
		}
		for len(nexts) > 0 {
			active := nexts[:0]
			for _, next := range nexts {
				v, ok := next()
				if !ok {
					continue
				}
				if !yield(v) {
					return
				}
				active = append(active, next)
			}
			nexts = active
		}
	}
}

// Yield at most n elements. A negative n means no bound.
func take[T any](seq iter.Seq[T], n int) iter.Seq[T] {
	return func(yield func(T) bool) {
		if n == 0 {
			return
		}
		count := 0
		for v := range seq {
			if !yield(v) {
				return
			}
			count++
			if n > 0 && count >= n {
				return
			}
		}
	}
}
