// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package allocations

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/cobaltcore-dev/cortex-placement/pkg/conf"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/go-gorp/gorp"
	"github.com/google/uuid"
	"github.com/majewsky/gg/option"
	"github.com/prometheus/client_golang/prometheus"
)

// Committer writes the allocations of consumers.
//
// Conflicting writers are detected through the generations of the
// providers and consumers involved. A commit which only lost the race on
// provider generations is retried with the generations re-read, up to the
// configured number of retries.
type Committer struct {
	store   *store.Store
	config  conf.PlacementConfig
	monitor Monitor

	// Called before each attempt, after the provider generations were read.
	beforeAttempt func(attempt int)
}

// Create a new committer on the given store.
func NewCommitter(s *store.Store, config conf.PlacementConfig, monitor Monitor) *Committer {
	return &Committer{store: s, config: config.WithDefaults(), monitor: monitor}
}

// Allocation line to insert, resolved to ids.
type newAllocation struct {
	consumerUUID string
	store.Line
}

// Replace all allocations of the given consumers in one transaction.
//
// Lines with a zero amount are dropped, consumers left without any
// allocation are deleted. Nothing is written if any line does not fit.
func (c *Committer) ReplaceAll(ctx context.Context, input []ConsumerAllocations) error {
	if c.monitor.CommitTimer != nil {
		timer := prometheus.NewTimer(c.monitor.CommitTimer)
		defer timer.ObserveDuration()
	}
	err := c.replaceAll(ctx, input)
	if err != nil {
		c.monitor.observeFailure(err)
		slog.Warn("placement: allocation commit failed", "consumers", len(input), "error", err)
	}
	return err
}

// Remove all allocations of a consumer, and with them the consumer.
func (c *Committer) DeleteForConsumer(ctx context.Context, consumerUUID string) error {
	current, err := c.store.GetAllocationsByConsumer(ctx, consumerUUID)
	if err != nil {
		return err
	}
	if len(current.Allocations) == 0 {
		return placement.NotFound(placement.KindConsumer, consumerUUID)
	}
	ca := ConsumerAllocations{ConsumerUUID: consumerUUID}
	if current.Consumer != nil {
		ca.ConsumerGeneration = option.Some(current.Consumer.Generation)
	}
	return c.ReplaceAll(ctx, []ConsumerAllocations{ca})
}

func validate(input []ConsumerAllocations) error {
	if len(input) == 0 {
		return placement.BadRequest("at least one consumer is required")
	}
	consumers := placement.Set[string]{}
	for _, ca := range input {
		if _, err := uuid.Parse(ca.ConsumerUUID); err != nil {
			return placement.BadRequest("invalid consumer uuid %q", ca.ConsumerUUID)
		}
		if consumers.Has(ca.ConsumerUUID) {
			return placement.BadRequest("duplicate consumer %s", ca.ConsumerUUID)
		}
		consumers.Add(ca.ConsumerUUID)
		lines := map[[2]string]struct{}{}
		for _, l := range ca.Allocations {
			if l.Used < 0 {
				return placement.BadRequest("negative amount of %s on resource provider %s", l.ResourceClass, l.ProviderUUID)
			}
			key := [2]string{l.ProviderUUID, l.ResourceClass}
			if _, ok := lines[key]; ok {
				return placement.BadRequest("duplicate allocation of %s on resource provider %s for consumer %s",
					l.ResourceClass, l.ProviderUUID, ca.ConsumerUUID)
			}
			lines[key] = struct{}{}
		}
	}
	return nil
}

func consumerUUIDs(input []ConsumerAllocations) []string {
	uuids := make([]string, 0, len(input))
	for _, ca := range input {
		uuids = append(uuids, ca.ConsumerUUID)
	}
	return uuids
}

func (c *Committer) replaceAll(ctx context.Context, input []ConsumerAllocations) error {
	if err := validate(input); err != nil {
		return err
	}
	exec := c.store.DB.WithContext(ctx)
	generations, err := readGenerations(exec, input)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		if c.beforeAttempt != nil {
			c.beforeAttempt(attempt)
		}
		err := c.commit(ctx, input, generations)
		if err == nil {
			slog.Info("placement: committed allocations", "consumers", len(input), "attempts", attempt+1)
			return nil
		}
		var conflict *placement.ConcurrentUpdateError
		if !errors.As(err, &conflict) || !conflict.ProvidersOnly() {
			return err
		}
		if attempt >= c.config.AllocationConflictRetryCount {
			slog.Warn("placement: giving up on allocation commit after generation conflicts", "attempts", attempt+1)
			return err
		}
		stale := slices.Sorted(maps.Keys(conflict.StaleProviders))
		slog.Info("placement: retrying allocation commit", "attempt", attempt+1, "staleProviders", stale)
		c.monitor.observeRetry()
		fresh, err := store.ProviderGenerations(exec, stale)
		if err != nil {
			return err
		}
		maps.Copy(generations, fresh)
	}
}

// Read the generations of every provider the consumers are or will be
// allocated on. The commit expects them to be unchanged.
func readGenerations(exec gorp.SqlExecutor, input []ConsumerAllocations) (map[string]int, error) {
	providers := placement.Set[string]{}
	for _, ca := range input {
		for _, l := range ca.Allocations {
			providers.Add(l.ProviderUUID)
		}
	}
	previous, err := store.AllocationRowsForConsumers(exec, consumerUUIDs(input))
	if err != nil {
		return nil, err
	}
	for _, row := range previous {
		providers.Add(row.ProviderUUID)
	}
	return store.ProviderGenerations(exec, providers.Sorted())
}

func (c *Committer) commit(ctx context.Context, input []ConsumerAllocations, generations map[string]int) error {
	var w consumerWrite
	err := c.store.DB.InTransaction(ctx, "replace_allocations", func(tx gorp.SqlExecutor) error {
		uuids := consumerUUIDs(input)
		consumers, err := store.ConsumersByUUID(tx, uuids)
		if err != nil {
			return err
		}
		for _, ca := range input {
			var existing *store.ConsumerInfo
			if info, ok := consumers[ca.ConsumerUUID]; ok {
				existing = &info
			}
			if err := c.writeConsumer(ctx, tx, ca, existing, &w); err != nil {
				return err
			}
		}

		previous, err := store.AllocationRowsForConsumers(tx, uuids)
		if err != nil {
			return err
		}
		touched := placement.Set[string]{}
		for _, row := range previous {
			touched.Add(row.ProviderUUID)
		}
		providerUUIDs := touched.Sorted()
		for _, ca := range input {
			for _, l := range ca.Allocations {
				providerUUIDs = append(providerUUIDs, l.ProviderUUID)
			}
		}
		providers, err := providersByUUID(tx, providerUUIDs)
		if err != nil {
			return err
		}
		allocations, err := c.resolve(ctx, input, providers)
		if err != nil {
			return err
		}

		if len(previous) > 0 {
			args := map[string]any{}
			query := "DELETE FROM allocations WHERE consumer_id IN (" + db.InParams("c", uuids, args) + ")"
			if _, err := tx.Exec(query, args); err != nil {
				return err
			}
		}
		lines := make([]store.Line, 0, len(allocations))
		for _, a := range allocations {
			lines = append(lines, a.Line)
		}
		if err := store.CheckCapacity(tx, lines); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, a := range allocations {
			if a.Amount == 0 {
				continue
			}
			err := tx.Insert(&placement.Allocation{
				ResourceProviderID: a.ProviderID, ConsumerID: a.consumerUUID, ResourceClassID: a.ClassID,
				Used: a.Amount, CreatedAt: now, UpdatedAt: now,
			})
			if err != nil {
				return err
			}
			touched.Add(a.ProviderUUID)
		}
		return bumpProviders(tx, providers, touched, generations)
	})
	if err == nil && w.createdType {
		c.store.ConsumerTypes.Clear()
	}
	return err
}

// Resolve provider and resource class names of all lines.
func (c *Committer) resolve(ctx context.Context, input []ConsumerAllocations, providers map[string]placement.ResourceProvider) ([]newAllocation, error) {
	var result []newAllocation
	for _, ca := range input {
		for _, l := range ca.Allocations {
			rp, ok := providers[l.ProviderUUID]
			if !ok {
				return nil, placement.NotFound(placement.KindResourceProvider, l.ProviderUUID)
			}
			classID, err := c.store.ResourceClasses.IDFromName(ctx, l.ResourceClass)
			if err != nil {
				return nil, err
			}
			result = append(result, newAllocation{consumerUUID: ca.ConsumerUUID, Line: store.Line{
				ProviderID: rp.ID, ProviderUUID: rp.UUID, ClassID: classID, ResourceClass: l.ResourceClass, Amount: l.Used,
			}})
		}
	}
	return result, nil
}

func providersByUUID(tx gorp.SqlExecutor, uuids []string) (map[string]placement.ResourceProvider, error) {
	result := make(map[string]placement.ResourceProvider, len(uuids))
	if len(uuids) == 0 {
		return result, nil
	}
	args := map[string]any{}
	query := "SELECT * FROM resource_providers WHERE uuid IN (" + db.InParams("rp", placement.NewSet(uuids...).Sorted(), args) + ")"
	var rps []placement.ResourceProvider
	if _, err := tx.Select(&rps, query, args); err != nil {
		return nil, err
	}
	for _, rp := range rps {
		result[rp.UUID] = rp
	}
	return result, nil
}

// Increment the generation of every touched provider, expecting the
// generation read before the transaction. All stale providers are
// reported at once.
func bumpProviders(tx gorp.SqlExecutor, providers map[string]placement.ResourceProvider, touched placement.Set[string], generations map[string]int) error {
	stale := map[string]int{}
	for _, providerUUID := range touched.Sorted() {
		rp := providers[providerUUID]
		if generation, ok := generations[providerUUID]; ok {
			rp.Generation = generation
		}
		err := store.IncrementGeneration(tx, &rp)
		var conflict *placement.ConcurrentUpdateError
		switch {
		case errors.As(err, &conflict):
			maps.Copy(stale, conflict.StaleProviders)
		case err != nil:
			return err
		}
	}
	if len(stale) > 0 {
		return &placement.ConcurrentUpdateError{StaleProviders: stale}
	}
	return nil
}
