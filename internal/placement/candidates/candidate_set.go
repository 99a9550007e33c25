// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import (
	"slices"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
)

// Provider serving a resource class for the tree anchored at RootID. For
// providers in the tree this is their own root, for sharing providers it
// is the root of a tree they share with.
type ProviderRoot struct {
	ProviderID int64
	RootID     int64
}

type candidateKey struct {
	ProviderRoot
	ClassID int
}

// Providers which can serve requested resource classes, per tree.
type CandidateSet struct {
	entries map[candidateKey]struct{}
}

func NewCandidateSet() *CandidateSet {
	return &CandidateSet{entries: map[candidateKey]struct{}{}}
}

// Add providers able to serve the resource class.
func (s *CandidateSet) Add(classID int, pairs ...ProviderRoot) {
	for _, pair := range pairs {
		s.entries[candidateKey{ProviderRoot: pair, ClassID: classID}] = struct{}{}
	}
}

func (s *CandidateSet) Len() int {
	return len(s.entries)
}

// Ids of all providers in the set.
func (s *CandidateSet) Providers() placement.Set[int64] {
	result := placement.Set[int64]{}
	for key := range s.entries {
		result.Add(key.ProviderID)
	}
	return result
}

// Ids of all anchor roots in the set.
func (s *CandidateSet) Trees() placement.Set[int64] {
	result := placement.Set[int64]{}
	for key := range s.entries {
		result.Add(key.RootID)
	}
	return result
}

// Providers per anchor root. Sharing providers are listed for every root
// they serve.
func (s *CandidateSet) ProvidersByTree() map[int64][]int64 {
	members := map[int64]placement.Set[int64]{}
	for key := range s.entries {
		if members[key.RootID] == nil {
			members[key.RootID] = placement.Set[int64]{}
		}
		members[key.RootID].Add(key.ProviderID)
	}
	result := make(map[int64][]int64, len(members))
	for root, ids := range members {
		result[root] = ids.Sorted()
	}
	return result
}

// Providers able to serve the resource class for the given root, ordered by id.
func (s *CandidateSet) ProvidersFor(rootID int64, classID int) []int64 {
	var result []int64
	for key := range s.entries {
		if key.RootID == rootID && key.ClassID == classID {
			result = append(result, key.ProviderID)
		}
	}
	slices.Sort(result)
	return result
}

func (s *CandidateSet) filter(keep func(candidateKey) bool) *CandidateSet {
	result := NewCandidateSet()
	for key := range s.entries {
		if keep(key) {
			result.entries[key] = struct{}{}
		}
	}
	return result
}

// Keep the entries whose provider is in ids.
func (s *CandidateSet) FilterByProvider(ids placement.Set[int64]) *CandidateSet {
	return s.filter(func(key candidateKey) bool { return ids.Has(key.ProviderID) })
}

// Keep the entries whose provider is listed for their anchor root.
func (s *CandidateSet) FilterByTreeMembers(members map[int64]placement.Set[int64]) *CandidateSet {
	return s.filter(func(key candidateKey) bool { return members[key.RootID].Has(key.ProviderID) })
}

// Keep the entries whose anchor root is in roots.
func (s *CandidateSet) FilterByTree(roots placement.Set[int64]) *CandidateSet {
	return s.filter(func(key candidateKey) bool { return roots.Has(key.RootID) })
}

// Keep the entries whose provider or anchor root is in ids.
func (s *CandidateSet) FilterByProviderOrTree(ids placement.Set[int64]) *CandidateSet {
	return s.filter(func(key candidateKey) bool { return ids.Has(key.ProviderID) || ids.Has(key.RootID) })
}

// Drop the entries whose provider or anchor root is in ids.
func (s *CandidateSet) FilterByProviderNorTree(ids placement.Set[int64]) *CandidateSet {
	return s.filter(func(key candidateKey) bool { return !ids.Has(key.ProviderID) && !ids.Has(key.RootID) })
}

// Combine with the entries of another resource class, keeping only the
// trees present in both sets.
func (s *CandidateSet) MergeCommonTrees(other *CandidateSet) *CandidateSet {
	common := s.Trees().Intersect(other.Trees())
	result := s.FilterByTree(common)
	for key := range other.entries {
		if common.Has(key.RootID) {
			result.entries[key] = struct{}{}
		}
	}
	return result
}
