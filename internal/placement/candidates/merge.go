// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import (
	"cmp"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/pkg/conf"
)

// Combine the allocation requests of all groups which share an anchor root
// into allocation requests for the whole request. Anchor roots are visited
// in order, or alternately with the breadth-first strategy.
//
// Every group must be represented. With the isolate policy, suffixed groups
// must be served by distinct providers. Combined requests which exceed the
// capacity snapshot are dropped, as are duplicates.
func (g *Generator) merge(results []groupResult, req Request, snapshot *snapshot) []*allocationRequest {
	byAnchor := map[int64][][]*allocationRequest{}
	granular := 0
	for i, result := range results {
		if result.group.UseSameProvider {
			granular++
		}
		for _, areq := range result.requests {
			perGroup, ok := byAnchor[areq.anchorRootID]
			if !ok {
				perGroup = make([][]*allocationRequest, len(results))
				byAnchor[areq.anchorRootID] = perGroup
			}
			perGroup[i] = append(perGroup[i], areq)
		}
	}
	isolate := req.GroupPolicy == GroupPolicyIsolate && granular > 1
	anchors := slices.Sorted(maps.Keys(byAnchor))
	seqs := make([]iter.Seq[*allocationRequest], 0, len(anchors))
	for _, anchor := range anchors {
		seqs = append(seqs, combine(anchor, byAnchor[anchor], isolate, granular, snapshot))
	}
	var combined iter.Seq[*allocationRequest]
	if g.config.AllocationCandidatesGenerationStrategy == conf.GenerationStrategyBreadthFirst {
		combined = roundRobin(seqs)
	} else {
		combined = chain(seqs)
	}
	seen := map[string]struct{}{}
	var merged []*allocationRequest
	for areq := range combined {
		key := areq.dedupKey(req.IncludeMappings)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, areq)
		if limit := g.config.MaxAllocationCandidates; limit > 0 && len(merged) >= limit {
			break
		}
	}
	return merged
}

// Every combination of the group results for one anchor root which keeps
// suffixed groups apart if needed and fits the capacity snapshot.
func combine(anchor int64, perGroup [][]*allocationRequest, isolate bool, granular int, snapshot *snapshot) iter.Seq[*allocationRequest] {
	return func(yield func(*allocationRequest) bool) {
		for combination := range product(perGroup) {
			if isolate && !isolated(combination, granular) {
				continue
			}
			areq := consolidate(anchor, combination)
			if snapshot.exceedsCapacity(areq) {
				slog.Debug("placement: dropped merged candidate exceeding capacity", "anchor", anchor)
				continue
			}
			if !yield(areq) {
				return
			}
		}
	}
}

// Whether the suffixed groups of the combination use distinct providers.
func isolated(combination []*allocationRequest, granular int) bool {
	providers := placement.Set[int64]{}
	for _, areq := range combination {
		if !areq.useSameProvider {
			continue
		}
		for _, l := range areq.lines {
			providers.Add(l.ProviderID)
		}
	}
	return len(providers) == granular
}

// Sum up lines on the same provider and resource class and join the
// mappings of all groups.
func consolidate(anchorRootID int64, combination []*allocationRequest) *allocationRequest {
	amounts := map[placement.ProviderResourceKey]int{}
	mappings := map[string][]int64{}
	useSameProvider := true
	for _, areq := range combination {
		for _, l := range areq.lines {
			amounts[l.key()] += l.Amount
		}
		for suffix, ids := range areq.mappings {
			mappings[suffix] = append(mappings[suffix], ids...)
		}
		useSameProvider = useSameProvider && areq.useSameProvider
	}
	lines := make([]line, 0, len(amounts))
	for key, amount := range amounts {
		lines = append(lines, line{ProviderID: key.ProviderID, ClassID: key.ClassID, Amount: amount})
	}
	slices.SortFunc(lines, func(a, b line) int {
		return cmp.Or(cmp.Compare(a.ProviderID, b.ProviderID), cmp.Compare(a.ClassID, b.ClassID))
	})
	for suffix, ids := range mappings {
		mappings[suffix] = placement.NewSet(ids...).Sorted()
	}
	return &allocationRequest{anchorRootID: anchorRootID, lines: lines, mappings: mappings, useSameProvider: useSameProvider}
}

// Key identifying the multiset of lines and, if requested, the mappings.
// Lines must be sorted.
func (areq *allocationRequest) dedupKey(withMappings bool) string {
	var sb strings.Builder
	for _, l := range areq.lines {
		sb.WriteString(strconv.FormatInt(l.ProviderID, 10))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(l.ClassID))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(l.Amount))
		sb.WriteByte(';')
	}
	if !withMappings {
		return sb.String()
	}
	for _, suffix := range slices.Sorted(maps.Keys(areq.mappings)) {
		sb.WriteString("|" + suffix + "=")
		for _, id := range areq.mappings[suffix] {
			sb.WriteString(strconv.FormatInt(id, 10) + ",")
		}
	}
	return sb.String()
}
