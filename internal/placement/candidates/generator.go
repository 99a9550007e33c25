// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import (
	"context"
	"iter"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/index"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/cobaltcore-dev/cortex-placement/pkg/conf"
	"github.com/go-gorp/gorp"
	"github.com/prometheus/client_golang/prometheus"
)

// Generator answers which combinations of providers can satisfy a request.
//
// Each group is searched and expanded on its own. The results of all
// groups are then merged per anchor root, checked against the capacity
// snapshot once more, ordered and limited.
type Generator struct {
	store   *store.Store
	config  conf.PlacementConfig
	monitor Monitor

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Create a new generator on the given store.
func NewGenerator(s *store.Store, config conf.PlacementConfig, monitor Monitor) *Generator {
	return &Generator{
		store:   s,
		config:  config.WithDefaults(),
		monitor: monitor,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// One line of an allocation request, before names are resolved.
type line struct {
	ProviderID int64
	ClassID    int
	Amount     int
}

func (l line) key() placement.ProviderResourceKey {
	return placement.ProviderResourceKey{ProviderID: l.ProviderID, ClassID: l.ClassID}
}

// Allocation request of one group, or of the whole request after merging.
type allocationRequest struct {
	anchorRootID int64
	lines        []line
	// Provider ids per group suffix, ordered.
	mappings        map[string][]int64
	useSameProvider bool
}

// Allocation requests of one group.
type groupResult struct {
	group    RequestGroup
	requests []*allocationRequest
}

// Get the allocation candidates for the request.
//
// Unknown resource classes, traits or in_tree providers are errors, while
// a request that no provider can satisfy yields an empty result.
func (g *Generator) Get(ctx context.Context, req Request) (*AllocationCandidates, error) {
	if g.monitor.RequestTimer != nil {
		timer := prometheus.NewTimer(g.monitor.RequestTimer.WithLabelValues(string(g.config.AllocationCandidatesGenerationStrategy)))
		defer timer.ObserveDuration()
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	var result *AllocationCandidates
	err := g.store.DB.InTransaction(ctx, "allocation_candidates", func(tx gorp.SqlExecutor) error {
		var err error
		result, err = g.generate(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.monitor.observeReturned(len(result.AllocationRequests))
	slog.Info("placement: generated allocation candidates",
		"groups", len(req.Groups), "allocationRequests", len(result.AllocationRequests),
		"providerSummaries", len(result.ProviderSummaries))
	return result, nil
}

func validateRequest(req Request) error {
	if len(req.Groups) == 0 {
		return placement.BadRequest("at least one request group is required")
	}
	suffixes := placement.Set[string]{}
	for _, group := range req.Groups {
		if suffixes.Has(group.Suffix) {
			return placement.BadRequest("duplicate request group suffix %q", group.Suffix)
		}
		suffixes.Add(group.Suffix)
	}
	switch req.GroupPolicy {
	case "", GroupPolicyNone, GroupPolicyIsolate:
	default:
		return placement.BadRequest("invalid group policy %q", req.GroupPolicy)
	}
	if limit, ok := req.Limit.Unpack(); ok && limit < 1 {
		return placement.BadRequest("limit must be a positive integer")
	}
	return nil
}

func emptyResult() *AllocationCandidates {
	return &AllocationCandidates{AllocationRequests: []AllocationRequest{}, ProviderSummaries: []ProviderSummary{}}
}

func (g *Generator) generate(ctx context.Context, tx gorp.SqlExecutor, req Request) (*AllocationCandidates, error) {
	sc, ok, err := newSearch(ctx, tx, g.store, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		slog.Debug("placement: no root provider matches the root traits")
		g.monitor.observeUnsatisfiable(stageSearch)
		return emptyResult(), nil
	}
	results := make([]groupResult, 0, len(req.Groups))
	for _, group := range req.Groups {
		gc, ok, err := sc.newGroupContext(group)
		if err != nil {
			return nil, err
		}
		if !ok {
			g.monitor.observeUnsatisfiable(stageSearch)
			return emptyResult(), nil
		}
		requests, st, err := g.expandGroup(gc)
		if err != nil {
			return nil, err
		}
		if len(requests) == 0 {
			slog.Debug("placement: request group cannot be satisfied", "suffix", group.Suffix, "stage", st)
			g.monitor.observeUnsatisfiable(st)
			return emptyResult(), nil
		}
		results = append(results, groupResult{group: group, requests: requests})
	}
	snapshot, err := loadSnapshot(sc, results)
	if err != nil {
		return nil, err
	}
	merged := g.merge(results, req, snapshot)
	if len(merged) == 0 {
		g.monitor.observeUnsatisfiable(stageMerge)
		return emptyResult(), nil
	}
	return g.finish(sc, merged, snapshot, req)
}

// Generate the allocation requests of a single group, up to the
// configured maximum.
func (g *Generator) expandGroup(gc *groupContext) ([]*allocationRequest, stage, error) {
	var seq iter.Seq[*allocationRequest]
	if gc.spansProviders() {
		cs, err := gc.treeCandidates()
		if err != nil {
			return nil, stageFilter, err
		}
		if cs.Len() == 0 {
			return nil, stageFilter, nil
		}
		if seq, err = gc.treeRequests(cs, g.config.AllocationCandidatesGenerationStrategy); err != nil {
			return nil, stageExpand, err
		}
	} else {
		var err error
		if seq, err = gc.singleProviderRequests(g.config.AllocationCandidatesGenerationStrategy); err != nil {
			return nil, stageExpand, err
		}
	}
	var requests []*allocationRequest
	for areq := range take(seq, g.config.MaxAllocationCandidates) {
		requests = append(requests, areq)
	}
	return requests, stageExpand, nil
}

// Find the trees which can serve every requested resource class, where
// classes may come from different providers of the tree or from sharing
// providers anchored at the tree.
func (gc *groupContext) treeCandidates() (*CandidateSet, error) {
	var cs *CandidateSet
	for i, res := range gc.resources {
		forClass := NewCandidateSet()
		for _, pair := range gc.capacity[res.ClassID] {
			forClass.Add(res.ClassID, pair)
			if !gc.sharing.Has(pair.ProviderID) {
				continue
			}
			// Sharing providers must be members themselves, membership of
			// the anchor root does not extend to them.
			if gc.aggregateMembers != nil && !gc.aggregateMembers.Has(pair.ProviderID) {
				continue
			}
			for anchor := range gc.anchors[pair.ProviderID] {
				forClass.Add(res.ClassID, ProviderRoot{ProviderID: pair.ProviderID, RootID: anchor})
			}
		}
		if gc.treeRootID != 0 {
			forClass = forClass.FilterByTree(placement.NewSet(gc.treeRootID))
		}
		if gc.aggregateMembers != nil {
			forClass = forClass.FilterByProviderOrTree(gc.aggregateMembers)
		}
		if len(gc.forbiddenMembers) > 0 {
			forClass = forClass.FilterByProviderNorTree(gc.forbiddenMembers)
		}
		if i == 0 {
			cs = forClass
		} else {
			cs = cs.MergeCommonTrees(forClass)
		}
		if cs.Len() == 0 {
			slog.Debug("placement: no tree can serve all resource classes", "suffix", gc.group.Suffix, "resourceClass", res.Class)
			return cs, nil
		}
	}
	if gc.roots != nil {
		cs = cs.FilterByTree(gc.roots)
	}
	if gc.traitFilter.Empty() {
		return cs, nil
	}
	passing, err := index.TreesSatisfyingTraits(gc.tx, cs.ProvidersByTree(), gc.traitFilter)
	if err != nil {
		return nil, err
	}
	return cs.FilterByTreeMembers(passing), nil
}

// Expand the trees of the candidate set into allocation requests, either
// tree by tree or alternating between the trees.
func (gc *groupContext) treeRequests(cs *CandidateSet, strategy conf.GenerationStrategy) (iter.Seq[*allocationRequest], error) {
	traits, err := gc.traitsOf(cs.Providers())
	if err != nil {
		return nil, err
	}
	roots := cs.Trees().Sorted()
	seqs := make([]iter.Seq[*allocationRequest], 0, len(roots))
	for _, root := range roots {
		seqs = append(seqs, gc.expandTree(cs, root, traits))
	}
	if strategy == conf.GenerationStrategyBreadthFirst {
		return roundRobin(seqs), nil
	}
	return chain(seqs), nil
}

// Every combination of providers of the tree which serves all resource
// classes and, taken together, has the required traits.
func (gc *groupContext) expandTree(cs *CandidateSet, rootID int64, traits map[int64]placement.Set[int]) iter.Seq[*allocationRequest] {
	options := make([][]line, 0, len(gc.resources))
	for _, res := range gc.resources {
		var forClass []line
		for _, providerID := range cs.ProvidersFor(rootID, res.ClassID) {
			forClass = append(forClass, line{ProviderID: providerID, ClassID: res.ClassID, Amount: res.Amount})
		}
		options = append(options, forClass)
	}
	return func(yield func(*allocationRequest) bool) {
		for lines := range product(options) {
			contributors := placement.Set[int64]{}
			union := placement.Set[int]{}
			for _, l := range lines {
				contributors.Add(l.ProviderID)
				for trait := range traits[l.ProviderID] {
					union.Add(trait)
				}
			}
			if !gc.traitFilter.SatisfiedBy(union) {
				slog.Debug("placement: dropped candidate with inadequate traits", "suffix", gc.group.Suffix, "root", rootID)
				continue
			}
			if !yield(gc.newRequest(rootID, lines, contributors)) {
				return
			}
		}
	}
}

// Providers which can serve all resources of the group by themselves.
// Sharing providers yield one request per tree they share with. Requests
// are produced tree by tree, or alternating between the trees.
func (gc *groupContext) singleProviderRequests(strategy conf.GenerationStrategy) (iter.Seq[*allocationRequest], error) {
	var candidates placement.Set[int64]
	ownRoot := map[int64]int64{}
	for i, res := range gc.resources {
		ids := placement.Set[int64]{}
		for _, pair := range gc.capacity[res.ClassID] {
			ids.Add(pair.ProviderID)
			ownRoot[pair.ProviderID] = pair.RootID
		}
		if i == 0 {
			candidates = ids
		} else {
			candidates = candidates.Intersect(ids)
		}
	}
	if gc.aggregateMembers != nil {
		candidates = candidates.Intersect(gc.aggregateMembers)
	}
	for id := range gc.forbiddenMembers {
		delete(candidates, id)
	}
	traits, err := gc.traitsOf(candidates)
	if err != nil {
		return nil, err
	}
	byRoot := map[int64][]int64{}
	for _, id := range candidates.Sorted() {
		if !gc.traitFilter.SatisfiedBy(traits[id]) {
			continue
		}
		anchors := placement.NewSet(ownRoot[id])
		if gc.sharing.Has(id) {
			for anchor := range gc.anchors[id] {
				anchors.Add(anchor)
			}
		}
		for anchor := range anchors {
			if !gc.rootAllowed(anchor) || (gc.treeRootID != 0 && anchor != gc.treeRootID) {
				continue
			}
			byRoot[anchor] = append(byRoot[anchor], id)
		}
	}
	seqs := make([]iter.Seq[*allocationRequest], 0, len(byRoot))
	for _, root := range slices.Sorted(maps.Keys(byRoot)) {
		seqs = append(seqs, gc.expandSingle(root, byRoot[root]))
	}
	if strategy == conf.GenerationStrategyBreadthFirst {
		return roundRobin(seqs), nil
	}
	return chain(seqs), nil
}

// One request per provider, anchored at the given root.
func (gc *groupContext) expandSingle(rootID int64, providerIDs []int64) iter.Seq[*allocationRequest] {
	return func(yield func(*allocationRequest) bool) {
		for _, id := range providerIDs {
			lines := make([]line, 0, len(gc.resources))
			for _, res := range gc.resources {
				lines = append(lines, line{ProviderID: id, ClassID: res.ClassID, Amount: res.Amount})
			}
			if !yield(gc.newRequest(rootID, lines, placement.NewSet(id))) {
				return
			}
		}
	}
}

func (gc *groupContext) newRequest(anchorRootID int64, lines []line, contributors placement.Set[int64]) *allocationRequest {
	return &allocationRequest{
		anchorRootID:    anchorRootID,
		lines:           lines,
		mappings:        map[string][]int64{gc.group.Suffix: contributors.Sorted()},
		useSameProvider: gc.group.UseSameProvider,
	}
}
