// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import (
	"cmp"
	"slices"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
)

// Providers, usages and traits of all trees involved in a search, read
// once after the groups were expanded.
type snapshot struct {
	providers map[int64]store.ProviderInfo
	usages    map[placement.ProviderResourceKey]placement.Usage
	traits    map[int64]placement.Set[int]
}

// Load the snapshot of every tree which anchors a request or contains a
// provider of a request. This covers the own trees of sharing providers.
func loadSnapshot(sc *search, results []groupResult) (*snapshot, error) {
	providerIDs := placement.Set[int64]{}
	roots := placement.Set[int64]{}
	for _, result := range results {
		for _, areq := range result.requests {
			roots.Add(areq.anchorRootID)
			for _, l := range areq.lines {
				providerIDs.Add(l.ProviderID)
			}
		}
	}
	infos, err := store.ProviderInfosByID(sc.tx, providerIDs.Sorted())
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		roots.Add(info.RootProviderID)
	}
	providers, err := store.ProviderInfosInTrees(sc.tx, roots.Sorted())
	if err != nil {
		return nil, err
	}
	all := placement.Set[int64]{}
	for id := range providers {
		all.Add(id)
	}
	usages, err := store.UsagesForProviders(sc.tx, all.Sorted())
	if err != nil {
		return nil, err
	}
	traits, err := sc.traitsOf(all)
	if err != nil {
		return nil, err
	}
	return &snapshot{providers: providers, usages: usages, traits: traits}, nil
}

// Whether any line of the request exceeds the free capacity or the
// max_unit of its inventory.
func (s *snapshot) exceedsCapacity(areq *allocationRequest) bool {
	for _, l := range areq.lines {
		usage, ok := s.usages[l.key()]
		if !ok || usage.Used+l.Amount > usage.Capacity() || l.Amount > usage.MaxUnit {
			return true
		}
	}
	return false
}

// Resolve ids into names.
func (s *snapshot) render(sc *search, areq *allocationRequest, withMappings bool) (rendered, error) {
	r := rendered{roots: placement.NewSet(areq.anchorRootID)}
	r.request.AnchorRootUUID = s.providers[areq.anchorRootID].UUID
	for _, l := range areq.lines {
		class, err := sc.store.ResourceClasses.NameFromID(sc.ctx, l.ClassID)
		if err != nil {
			return r, err
		}
		provider := s.providers[l.ProviderID]
		r.roots.Add(provider.RootProviderID)
		r.request.Resources = append(r.request.Resources, AllocationRequestResource{
			ProviderUUID: provider.UUID, ResourceClass: class, Amount: l.Amount,
		})
	}
	slices.SortFunc(r.request.Resources, compareResources)
	if withMappings {
		r.request.Mappings = make(map[string][]string, len(areq.mappings))
		for suffix, ids := range areq.mappings {
			uuids := make([]string, 0, len(ids))
			for _, id := range ids {
				uuids = append(uuids, s.providers[id].UUID)
			}
			slices.Sort(uuids)
			r.request.Mappings[suffix] = uuids
		}
	}
	return r, nil
}

func compareResources(a, b AllocationRequestResource) int {
	return cmp.Or(
		cmp.Compare(a.ProviderUUID, b.ProviderUUID),
		cmp.Compare(a.ResourceClass, b.ResourceClass),
		cmp.Compare(a.Amount, b.Amount),
	)
}

// Summaries of all providers in the given trees, ordered by uuid.
func (s *snapshot) summaries(sc *search, roots placement.Set[int64]) ([]ProviderSummary, error) {
	resources := map[int64]map[string]ProviderSummaryResource{}
	for key, usage := range s.usages {
		if !roots.Has(s.providers[key.ProviderID].RootProviderID) {
			continue
		}
		class, err := sc.store.ResourceClasses.NameFromID(sc.ctx, key.ClassID)
		if err != nil {
			return nil, err
		}
		if resources[key.ProviderID] == nil {
			resources[key.ProviderID] = map[string]ProviderSummaryResource{}
		}
		resources[key.ProviderID][class] = ProviderSummaryResource{
			Capacity: usage.Capacity(), Used: usage.Used, MaxUnit: usage.MaxUnit,
		}
	}
	summaries := []ProviderSummary{}
	for id, info := range s.providers {
		if !roots.Has(info.RootProviderID) {
			continue
		}
		traits := []string{}
		for _, traitID := range s.traits[id].Sorted() {
			name, err := sc.store.Traits.NameFromID(sc.ctx, traitID)
			if err != nil {
				return nil, err
			}
			traits = append(traits, name)
		}
		slices.Sort(traits)
		summary := ProviderSummary{
			UUID: info.UUID, ParentUUID: info.ParentUUID, RootUUID: info.RootUUID,
			Resources: resources[id], Traits: traits,
		}
		if summary.Resources == nil {
			summary.Resources = map[string]ProviderSummaryResource{}
		}
		summaries = append(summaries, summary)
	}
	slices.SortFunc(summaries, func(a, b ProviderSummary) int { return cmp.Compare(a.UUID, b.UUID) })
	return summaries, nil
}
