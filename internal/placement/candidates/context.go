// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/index"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/go-gorp/gorp"
)

// Request wide state of one search, shared by all groups.
type search struct {
	ctx   context.Context
	tx    gorp.SqlExecutor
	store *store.Store

	// Providers sharing their inventory via aggregates.
	sharing placement.Set[int64]
	// Anchor roots per sharing provider.
	anchors map[int64]placement.Set[int64]
	// Whether any provider has a parent.
	nested bool
	// Roots allowed as anchors, nil if the request has no root traits.
	roots placement.Set[int64]
	// Trait ids per provider, filled on demand.
	traits map[int64]placement.Set[int]
}

// Load the request wide data. Returns false if the root trait filters
// cannot be satisfied by any root.
func newSearch(ctx context.Context, tx gorp.SqlExecutor, s *store.Store, req Request) (*search, bool, error) {
	sharing, err := index.SharingProviders(tx)
	if err != nil {
		return nil, false, err
	}
	anchors, err := index.AnchorsForSharingProviders(tx, sharing.Sorted())
	if err != nil {
		return nil, false, err
	}
	nested, err := store.NestedProvidersExist(tx)
	if err != nil {
		return nil, false, err
	}
	sc := &search{
		ctx: ctx, tx: tx, store: s,
		sharing: sharing, anchors: anchors, nested: nested,
		traits: map[int64]placement.Set[int]{},
	}
	if len(req.RootRequired) == 0 && len(req.RootForbidden) == 0 {
		return sc, true, nil
	}
	filter, err := sc.resolveTraits(req.RootRequired, req.RootForbidden)
	if err != nil {
		return nil, false, err
	}
	if sc.roots, err = index.RootsWithTraits(tx, filter); err != nil {
		return nil, false, err
	}
	return sc, len(sc.roots) > 0, nil
}

// Resolve trait names into a filter, failing on unknown traits.
func (sc *search) resolveTraits(required [][]string, forbidden []string) (index.TraitFilter, error) {
	var filter index.TraitFilter
	for _, anyOf := range required {
		ids, err := sc.store.Traits.IDsFromNames(sc.ctx, anyOf)
		if err != nil {
			return filter, err
		}
		filter.Required = append(filter.Required, ids)
	}
	ids, err := sc.store.Traits.IDsFromNames(sc.ctx, forbidden)
	if err != nil {
		return filter, err
	}
	filter.Forbidden = ids
	return filter, nil
}

// Get the trait ids of the providers, loading those not seen before.
func (sc *search) traitsOf(ids placement.Set[int64]) (map[int64]placement.Set[int], error) {
	var missing []int64
	for id := range ids {
		if _, ok := sc.traits[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		loaded, err := index.TraitsByProvider(sc.tx, missing)
		if err != nil {
			return nil, err
		}
		for _, id := range missing {
			sc.traits[id] = loaded[id]
		}
	}
	return sc.traits, nil
}

// Whether the root may anchor a candidate.
func (sc *search) rootAllowed(rootID int64) bool {
	return sc.roots == nil || sc.roots.Has(rootID)
}

type resourceAmount struct {
	ClassID int
	Class   string
	Amount  int
}

// Resolved constraints of one request group.
type groupContext struct {
	*search
	group RequestGroup
	// Requested resources ordered by class id.
	resources   []resourceAmount
	traitFilter index.TraitFilter
	// Providers matching member_of, nil if the group has none.
	aggregateMembers placement.Set[int64]
	// Providers excluded by forbidden aggregates.
	forbiddenMembers placement.Set[int64]
	// Root of the in_tree provider, zero if unset.
	treeRootID int64
	// Providers with enough free capacity per class, with their own root.
	capacity map[int][]ProviderRoot
	// Whether a sharing provider can serve one of the resources.
	existsSharing bool
}

// Resolve the constraints of a group. Returns false if the group cannot be
// satisfied, e.g. because a requested aggregate has no members.
func (sc *search) newGroupContext(group RequestGroup) (*groupContext, bool, error) {
	gc := &groupContext{search: sc, group: group, capacity: map[int][]ProviderRoot{}}
	if len(group.Resources) == 0 {
		return nil, false, placement.BadRequest("request group %q has no resources", group.Suffix)
	}
	for class, amount := range group.Resources {
		if amount < 1 {
			return nil, false, placement.BadRequest("amount of %s in request group %q must be positive", class, group.Suffix)
		}
		id, err := sc.store.ResourceClasses.IDFromName(sc.ctx, class)
		if err != nil {
			return nil, false, err
		}
		gc.resources = append(gc.resources, resourceAmount{ClassID: id, Class: class, Amount: amount})
	}
	slices.SortFunc(gc.resources, func(a, b resourceAmount) int { return a.ClassID - b.ClassID })

	var err error
	if gc.traitFilter, err = sc.resolveTraits(group.RequiredTraits, group.ForbiddenTraits); err != nil {
		return nil, false, err
	}
	if group.InTree != "" {
		rp, err := store.ProviderByUUID(sc.tx, group.InTree)
		if err != nil {
			return nil, false, err
		}
		gc.treeRootID = rp.RootProviderID
	}
	if len(group.MemberOf) > 0 {
		for _, anyOf := range group.MemberOf {
			ok, err := index.AnyAggregateHasMembers(sc.tx, anyOf)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				slog.Debug("placement: no provider in requested aggregates", "suffix", group.Suffix, "aggregates", anyOf)
				return gc, false, nil
			}
		}
		if gc.aggregateMembers, err = index.ProvidersMatchingAggregates(sc.tx, group.MemberOf); err != nil {
			return nil, false, err
		}
		if len(gc.aggregateMembers) == 0 {
			return gc, false, nil
		}
	}
	if gc.forbiddenMembers, err = index.ProvidersInAnyAggregate(sc.tx, group.ForbiddenAggregates); err != nil {
		return nil, false, err
	}
	for _, res := range gc.resources {
		pairs, err := gc.providersWithCapacity(res)
		if err != nil {
			return nil, false, err
		}
		if len(pairs) == 0 {
			slog.Debug("placement: no provider with capacity", "suffix", group.Suffix, "resourceClass", res.Class, "amount", res.Amount)
			return gc, false, nil
		}
		gc.capacity[res.ClassID] = pairs
		for _, pair := range pairs {
			if sc.sharing.Has(pair.ProviderID) {
				gc.existsSharing = true
			}
		}
	}
	return gc, true, nil
}

const capacityQuery = `
	SELECT inv.*, COALESCE(u.used, 0) AS used, rp.root_provider_id AS root_provider_id
	FROM inventories inv
	JOIN resource_providers rp ON rp.id = inv.resource_provider_id
	LEFT JOIN (
		SELECT resource_provider_id, SUM(used) AS used
		FROM allocations
		WHERE resource_class_id = :class
		GROUP BY resource_provider_id
	) u ON u.resource_provider_id = inv.resource_provider_id
	WHERE inv.resource_class_id = :class`

// Providers which can take the requested amount on top of their current
// usage, respecting the unit constraints of their inventory.
func (gc *groupContext) providersWithCapacity(res resourceAmount) ([]ProviderRoot, error) {
	var rows []struct {
		placement.Usage
		RootProviderID int64 `db:"root_provider_id"`
	}
	if _, err := gc.tx.Select(&rows, capacityQuery, map[string]any{"class": res.ClassID}); err != nil {
		return nil, err
	}
	var result []ProviderRoot
	for _, row := range rows {
		if gc.treeRootID != 0 && row.RootProviderID != gc.treeRootID {
			continue
		}
		if !row.FitsUnits(res.Amount) || row.Used+res.Amount > row.Capacity() {
			continue
		}
		result = append(result, ProviderRoot{ProviderID: row.ResourceProviderID, RootID: row.RootProviderID})
	}
	slices.SortFunc(result, func(a, b ProviderRoot) int { return cmp.Compare(a.ProviderID, b.ProviderID) })
	return result, nil
}

// Whether the group needs the tree path, i.e. its resources may be spread
// over several providers of a tree or come from sharing providers.
func (gc *groupContext) spansProviders() bool {
	return !gc.group.UseSameProvider && (gc.existsSharing || gc.nested)
}
