// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/majewsky/gg/option"
)

// Allocation request with names resolved, and the roots it references.
type rendered struct {
	request AllocationRequest
	roots   placement.Set[int64]
}

// Order by anchor root uuid, then by the ordered lines.
func compareRendered(a, b rendered) int {
	return cmp.Or(
		cmp.Compare(a.request.AnchorRootUUID, b.request.AnchorRootUUID),
		slices.CompareFunc(a.request.Resources, b.request.Resources, compareResources),
		cmp.Compare(mappingsKey(a.request.Mappings), mappingsKey(b.request.Mappings)),
	)
}

func mappingsKey(mappings map[string][]string) string {
	var sb strings.Builder
	for _, suffix := range slices.Sorted(maps.Keys(mappings)) {
		sb.WriteString(suffix + "=" + strings.Join(mappings[suffix], ",") + ";")
	}
	return sb.String()
}

// Resolve, order and limit the merged requests and attach the summaries of
// the trees they reference.
func (g *Generator) finish(sc *search, merged []*allocationRequest, snap *snapshot, req Request) (*AllocationCandidates, error) {
	all := make([]rendered, 0, len(merged))
	for _, areq := range merged {
		r, err := snap.render(sc, areq, req.IncludeMappings)
		if err != nil {
			return nil, err
		}
		all = append(all, r)
	}
	slices.SortFunc(all, compareRendered)
	kept := g.limit(all, req.Limit)

	result := &AllocationCandidates{AllocationRequests: make([]AllocationRequest, 0, len(kept))}
	roots := placement.Set[int64]{}
	for _, r := range kept {
		result.AllocationRequests = append(result.AllocationRequests, r.request)
		for root := range r.roots {
			roots.Add(root)
		}
	}
	summaries, err := snap.summaries(sc, roots)
	if err != nil {
		return nil, err
	}
	result.ProviderSummaries = summaries
	return result, nil
}

// Keep at most limit requests, either the first ones or a uniform random
// sample. The sample keeps the order of the input.
func (g *Generator) limit(all []rendered, limit option.Option[int]) []rendered {
	n, ok := limit.Unpack()
	if !ok || n >= len(all) {
		return all
	}
	if !g.config.RandomizeAllocationCandidates {
		return all[:n]
	}
	g.rngMu.Lock()
	picked := g.rng.Perm(len(all))[:n]
	g.rngMu.Unlock()
	slices.Sort(picked)
	result := make([]rendered, 0, n)
	for _, i := range picked {
		result = append(result, all[i])
	}
	return result
}
