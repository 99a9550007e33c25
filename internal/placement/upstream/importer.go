// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
)

// Mirrors the resource providers of an upstream placement service into the
// local store. Providers only known locally are left untouched, since they
// may hold allocations made against this service.
type Importer struct {
	store   *store.Store
	client  Client
	monitor Monitor
}

func NewImporter(s *store.Store, client Client, monitor Monitor) *Importer {
	return &Importer{store: s, client: client, monitor: monitor}
}

// Import periodically until the context is cancelled.
func (i *Importer) Run(ctx context.Context, interval time.Duration) {
	for {
		if err := i.Import(ctx); err != nil {
			slog.Error("upstream: import failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(jobloop.DefaultJitter(interval)):
		}
	}
}

// Fetch all providers upstream and apply them to the local store. A
// provider that cannot be mirrored does not stop the others; all failures
// are returned together.
func (i *Importer) Import(ctx context.Context) error {
	if i.monitor.ImportTimer != nil {
		timer := prometheus.NewTimer(i.monitor.ImportTimer)
		defer timer.ObserveDuration()
	}
	providers, err := i.client.GetAllProviders(ctx)
	if err != nil {
		i.monitor.observeFailure("fetch")
		return fmt.Errorf("failed to fetch upstream providers: %w", err)
	}
	if i.monitor.ProvidersGauge != nil {
		i.monitor.ProvidersGauge.Set(float64(len(providers)))
	}
	var errs []error
	for _, provider := range parentsFirst(providers) {
		if err := i.apply(ctx, provider); err != nil {
			errs = append(errs, fmt.Errorf("resource provider %s: %w", provider.UUID, err))
		}
	}
	slog.Info("upstream: import done", "providers", len(providers), "failed", len(errs))
	return errors.Join(errs...)
}

// Order providers so that every parent comes before its children.
func parentsFirst(providers []Provider) []Provider {
	parents := make(map[string]string, len(providers))
	for _, p := range providers {
		parents[p.UUID] = p.ParentProviderUUID
	}
	depth := func(uuid string) int {
		d := 0
		for seen := 0; parents[uuid] != "" && seen < len(parents); seen++ {
			uuid = parents[uuid]
			d++
		}
		return d
	}
	depths := make(map[string]int, len(providers))
	for _, p := range providers {
		depths[p.UUID] = depth(p.UUID)
	}
	result := slices.Clone(providers)
	slices.SortStableFunc(result, func(a, b Provider) int {
		if depths[a.UUID] != depths[b.UUID] {
			return depths[a.UUID] - depths[b.UUID]
		}
		return strings.Compare(a.UUID, b.UUID)
	})
	return result
}

func (i *Importer) apply(ctx context.Context, provider Provider) error {
	info, err := i.ensureProvider(ctx, provider)
	if err != nil {
		i.monitor.observeFailure("provider")
		return err
	}
	rp := &info.ResourceProvider
	if err := i.applyInventories(ctx, rp, provider); err != nil {
		i.monitor.observeFailure("inventories")
		return err
	}
	if err := i.applyTraits(ctx, rp, provider); err != nil {
		i.monitor.observeFailure("traits")
		return err
	}
	if err := i.applyAggregates(ctx, rp, provider); err != nil {
		i.monitor.observeFailure("aggregates")
		return err
	}
	return nil
}

// Create the provider locally or bring its name and parent up to date.
func (i *Importer) ensureProvider(ctx context.Context, provider Provider) (*store.ProviderInfo, error) {
	info, err := i.store.GetProvider(ctx, provider.UUID)
	if errors.Is(err, placement.ErrNotFound) {
		slog.Info("upstream: creating resource provider", "uuid", provider.UUID, "name", provider.Name)
		return i.store.CreateProvider(ctx, store.ProviderSpec{
			UUID: provider.UUID, Name: provider.Name, ParentUUID: provider.ParentProviderUUID,
		})
	}
	if err != nil {
		return nil, err
	}
	if info.Name == provider.Name && info.ParentUUID == provider.ParentProviderUUID {
		return info, nil
	}
	slog.Info("upstream: updating resource provider", "uuid", provider.UUID, "name", provider.Name, "parent", provider.ParentProviderUUID)
	return i.store.UpdateProvider(ctx, provider.UUID, provider.Name, provider.ParentProviderUUID)
}

func (i *Importer) applyInventories(ctx context.Context, rp *placement.ResourceProvider, provider Provider) error {
	wanted := make([]store.InventorySpec, 0, len(provider.Inventories))
	for _, class := range slices.Sorted(maps.Keys(provider.Inventories)) {
		if _, err := i.store.EnsureResourceClass(ctx, class); err != nil {
			return err
		}
		inv := provider.Inventories[class]
		wanted = append(wanted, store.InventorySpec{
			ResourceClass:   class,
			Total:           inv.Total,
			Reserved:        inv.Reserved,
			MinUnit:         inv.MinUnit,
			MaxUnit:         inv.MaxUnit,
			StepSize:        inv.StepSize,
			AllocationRatio: float64(inv.AllocationRatio),
		}.WithDefaults())
	}
	_, infos, err := i.store.GetInventory(ctx, rp.UUID)
	if err != nil {
		return err
	}
	current := make([]store.InventorySpec, 0, len(infos))
	for _, info := range infos {
		current = append(current, info.Spec())
	}
	slices.SortFunc(current, func(a, b store.InventorySpec) int {
		return strings.Compare(a.ResourceClass, b.ResourceClass)
	})
	if slices.Equal(current, wanted) {
		return nil
	}
	return i.store.SetInventory(ctx, rp, wanted)
}

func (i *Importer) applyTraits(ctx context.Context, rp *placement.ResourceProvider, provider Provider) error {
	for _, name := range provider.Traits {
		if _, err := i.store.EnsureTrait(ctx, name); err != nil {
			return err
		}
	}
	_, current, err := i.store.GetProviderTraits(ctx, rp.UUID)
	if err != nil {
		return err
	}
	if sameElements(current, provider.Traits) {
		return nil
	}
	return i.store.SetProviderTraits(ctx, rp, provider.Traits)
}

func (i *Importer) applyAggregates(ctx context.Context, rp *placement.ResourceProvider, provider Provider) error {
	_, current, err := i.store.GetProviderAggregates(ctx, rp.UUID)
	if err != nil {
		return err
	}
	if sameElements(current, provider.Aggregates) {
		return nil
	}
	return i.store.SetProviderAggregates(ctx, rp, provider.Aggregates)
}

func sameElements(a, b []string) bool {
	return slices.Equal(slices.Compact(slices.Sorted(slices.Values(a))), slices.Compact(slices.Sorted(slices.Values(b))))
}
