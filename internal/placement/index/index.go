// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/go-gorp/gorp"
)

// Trait requirements of a request group or a tree.
type TraitFilter struct {
	// Conjunction of disjunctions: each inner list needs at least one
	// trait present. A list with a single entry is a plain requirement.
	Required [][]int
	// None of these traits may be present.
	Forbidden []int
}

// Whether the filter has no requirements at all.
func (f TraitFilter) Empty() bool {
	return len(f.Required) == 0 && len(f.Forbidden) == 0
}

// Whether the given traits fulfill every required group and contain no
// forbidden trait.
func (f TraitFilter) SatisfiedBy(traits placement.Set[int]) bool {
	return f.RequiredSatisfiedBy(traits) && !f.ForbiddenIn(traits)
}

// Whether every required group has at least one trait in the given set.
func (f TraitFilter) RequiredSatisfiedBy(traits placement.Set[int]) bool {
	for _, anyOf := range f.Required {
		found := false
		for _, id := range anyOf {
			if traits.Has(id) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Whether any forbidden trait is in the given set.
func (f TraitFilter) ForbiddenIn(traits placement.Set[int]) bool {
	for _, id := range f.Forbidden {
		if traits.Has(id) {
			return true
		}
	}
	return false
}

// Selects the provider ids of a single id column.
func selectIDs(exec gorp.SqlExecutor, query string, args map[string]any) (placement.Set[int64], error) {
	var ids []int64
	if _, err := exec.Select(&ids, query, args); err != nil {
		return nil, err
	}
	return placement.NewSet(ids...), nil
}

// Get the trait ids of the given providers. Providers without traits are
// missing in the result.
func TraitsByProvider(exec gorp.SqlExecutor, providerIDs []int64) (map[int64]placement.Set[int], error) {
	result := map[int64]placement.Set[int]{}
	if len(providerIDs) == 0 {
		return result, nil
	}
	args := map[string]any{}
	var rows []placement.ResourceProviderTrait
	query := "SELECT * FROM resource_provider_traits WHERE resource_provider_id IN (" + db.InParams("rp", providerIDs, args) + ")"
	if _, err := exec.Select(&rows, query, args); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if result[row.ResourceProviderID] == nil {
			result[row.ResourceProviderID] = placement.Set[int]{}
		}
		result[row.ResourceProviderID].Add(row.TraitID)
	}
	return result, nil
}

// Get the providers which have at least one of the given traits.
func ProvidersWithAnyTrait(exec gorp.SqlExecutor, traitIDs []int) (placement.Set[int64], error) {
	if len(traitIDs) == 0 {
		return placement.Set[int64]{}, nil
	}
	args := map[string]any{}
	query := "SELECT DISTINCT resource_provider_id FROM resource_provider_traits WHERE trait_id IN (" +
		db.InParams("t", traitIDs, args) + ")"
	return selectIDs(exec, query, args)
}

// Get the providers which by themselves have all required and none of the
// forbidden traits of the filter.
func ProvidersMatchingTraits(exec gorp.SqlExecutor, filter TraitFilter) (placement.Set[int64], error) {
	var result placement.Set[int64]
	for _, anyOf := range filter.Required {
		matching, err := ProvidersWithAnyTrait(exec, anyOf)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = matching
		} else {
			result = result.Intersect(matching)
		}
		if len(result) == 0 {
			return result, nil
		}
	}
	if result == nil {
		all, err := selectIDs(exec, "SELECT id FROM resource_providers", nil)
		if err != nil {
			return nil, err
		}
		result = all
	}
	forbidden, err := ProvidersWithAnyTrait(exec, filter.Forbidden)
	if err != nil {
		return nil, err
	}
	for id := range forbidden {
		delete(result, id)
	}
	return result, nil
}

// Get the root providers which by themselves satisfy the filter.
func RootsWithTraits(exec gorp.SqlExecutor, filter TraitFilter) (placement.Set[int64], error) {
	matching, err := ProvidersMatchingTraits(exec, filter)
	if err != nil || len(matching) == 0 {
		return matching, err
	}
	roots, err := selectIDs(exec, "SELECT id FROM resource_providers WHERE parent_provider_id IS NULL", nil)
	if err != nil {
		return nil, err
	}
	return matching.Intersect(roots), nil
}

// Check trees collectively against the filter.
//
// Trees map each root to the providers which may serve it, sharing
// providers included. Providers with a forbidden trait are dropped first.
// A tree passes if the union of the traits of its remaining providers
// satisfies every required group. This is optimistic: the providers which
// end up in an allocation request may carry fewer traits, which is checked
// again per candidate. Returns the remaining providers of all passing trees.
func TreesSatisfyingTraits(exec gorp.SqlExecutor, trees map[int64][]int64, filter TraitFilter) (map[int64]placement.Set[int64], error) {
	ids := placement.Set[int64]{}
	for _, members := range trees {
		ids.Add(members...)
	}
	traits, err := TraitsByProvider(exec, ids.Sorted())
	if err != nil {
		return nil, err
	}
	result := map[int64]placement.Set[int64]{}
	for root, members := range trees {
		union := placement.Set[int]{}
		kept := placement.Set[int64]{}
		for _, id := range members {
			if filter.ForbiddenIn(traits[id]) {
				continue
			}
			for trait := range traits[id] {
				union.Add(trait)
			}
			kept.Add(id)
		}
		if len(kept) > 0 && filter.RequiredSatisfiedBy(union) {
			result[root] = kept
		}
	}
	return result, nil
}
