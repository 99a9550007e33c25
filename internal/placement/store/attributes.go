// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/attrcache"
	"github.com/go-gorp/gorp"
)

// Custom resource classes and traits share the same lifecycle: names are
// prefixed with CUSTOM_, ids start at placement.MinCustomID and standard
// entries cannot be removed.
type customAttribute struct {
	kind  placement.Kind
	table string
	cache *attrcache.Cache
	// Query counting the rows which reference an entry by :id.
	usageQuery string
}

func (s *Store) resourceClassAttribute() customAttribute {
	return customAttribute{
		kind:       placement.KindResourceClass,
		table:      placement.ResourceClass{}.TableName(),
		cache:      s.ResourceClasses,
		usageQuery: "SELECT COUNT(*) FROM inventories WHERE resource_class_id = :id",
	}
}

func (s *Store) traitAttribute() customAttribute {
	return customAttribute{
		kind:       placement.KindTrait,
		table:      placement.Trait{}.TableName(),
		cache:      s.Traits,
		usageQuery: "SELECT COUNT(*) FROM resource_provider_traits WHERE trait_id = :id",
	}
}

// Insert the entry if it does not exist yet. Returns whether it was created.
func (s *Store) ensureCustom(ctx context.Context, attr customAttribute, name string) (bool, error) {
	if _, err := attr.cache.IDFromName(ctx, name); err == nil {
		return false, nil
	} else if !errors.Is(err, placement.ErrNotFound) {
		return false, err
	}
	if !placement.IsValidCustomName(name) {
		return false, placement.BadRequest("%s name %q must match %s", attr.kind, name, "CUSTOM_[A-Z0-9_]+")
	}
	created := false
	err := s.DB.InTransaction(ctx, "create_"+attr.table, func(tx gorp.SqlExecutor) error {
		exists, err := tx.SelectInt("SELECT COUNT(*) FROM "+attr.table+" WHERE name = :name", map[string]any{"name": name})
		if err != nil || exists > 0 {
			return err
		}
		maxID, err := tx.SelectInt("SELECT COALESCE(MAX(id), 0) FROM " + attr.table)
		if err != nil {
			return err
		}
		id := max(int(maxID)+1, placement.MinCustomID)
		now := timestamp()
		if _, err := tx.Exec(
			"INSERT INTO "+attr.table+" (id, name, created_at, updated_at) VALUES (:id, :name, :now, :now)",
			map[string]any{"id": id, "name": name, "now": now},
		); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		attr.cache.Clear()
		slog.Info("placement: created custom entry", "kind", attr.kind, "name", name)
	}
	return created, nil
}

func (s *Store) createCustom(ctx context.Context, attr customAttribute, name string) error {
	created, err := s.ensureCustom(ctx, attr, name)
	if err != nil {
		return err
	}
	if !created {
		return &placement.ExistsError{Kind: attr.kind, Key: name}
	}
	return nil
}

func (s *Store) deleteCustom(ctx context.Context, attr customAttribute, name string) error {
	if !placement.IsCustom(name) {
		return fmt.Errorf("%w: %s %s", placement.ErrStandardEntry, attr.kind, name)
	}
	id, err := attr.cache.IDFromName(ctx, name)
	if err != nil {
		return err
	}
	err = s.DB.InTransaction(ctx, "delete_"+attr.table, func(tx gorp.SqlExecutor) error {
		args := map[string]any{"id": id}
		n, err := tx.SelectInt(attr.usageQuery, args)
		if err != nil {
			return err
		}
		if n > 0 {
			return &placement.InUseError{Kind: attr.kind, Key: name, Reason: fmt.Sprintf("referenced by %d resource providers", n)}
		}
		_, err = tx.Exec("DELETE FROM "+attr.table+" WHERE id = :id", args)
		return err
	})
	if err != nil {
		return err
	}
	attr.cache.Clear()
	slog.Info("placement: deleted custom entry", "kind", attr.kind, "name", name)
	return nil
}

// List all resource classes ordered by id.
func (s *Store) ListResourceClasses(ctx context.Context) ([]attrcache.Record, error) {
	return s.ResourceClasses.All(ctx)
}

// Create a custom resource class, failing if it exists.
func (s *Store) CreateResourceClass(ctx context.Context, name string) error {
	return s.createCustom(ctx, s.resourceClassAttribute(), name)
}

// Create a custom resource class unless it exists. Returns whether it was created.
func (s *Store) EnsureResourceClass(ctx context.Context, name string) (bool, error) {
	return s.ensureCustom(ctx, s.resourceClassAttribute(), name)
}

// Delete a custom resource class which no inventory references.
func (s *Store) DeleteResourceClass(ctx context.Context, name string) error {
	return s.deleteCustom(ctx, s.resourceClassAttribute(), name)
}

// List all traits ordered by id.
func (s *Store) ListTraits(ctx context.Context) ([]attrcache.Record, error) {
	return s.Traits.All(ctx)
}

// Create a custom trait, failing if it exists.
func (s *Store) CreateTrait(ctx context.Context, name string) error {
	return s.createCustom(ctx, s.traitAttribute(), name)
}

// Create a custom trait unless it exists. Returns whether it was created.
func (s *Store) EnsureTrait(ctx context.Context, name string) (bool, error) {
	return s.ensureCustom(ctx, s.traitAttribute(), name)
}

// Delete a custom trait which no provider carries.
func (s *Store) DeleteTrait(ctx context.Context, name string) error {
	return s.deleteCustom(ctx, s.traitAttribute(), name)
}

var consumerTypePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// Get the id of a consumer type, inserting it within the given transaction
// if it is missing. Callers must clear the consumer type cache after the
// transaction committed when created is true.
func (s *Store) EnsureConsumerType(ctx context.Context, tx gorp.SqlExecutor, name string) (id int, created bool, err error) {
	if !consumerTypePattern.MatchString(name) {
		return 0, false, placement.BadRequest("invalid consumer type %q", name)
	}
	id, err = s.ConsumerTypes.IDFromName(ctx, name)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, placement.ErrNotFound) {
		return 0, false, err
	}
	// Another writer may have inserted it after the cache was filled.
	existing, err := tx.SelectNullInt("SELECT id FROM consumer_types WHERE name = :name", map[string]any{"name": name})
	if err != nil {
		return 0, false, err
	}
	if existing.Valid {
		return int(existing.Int64), true, nil
	}
	now := timestamp()
	ct := &placement.ConsumerType{Name: name, CreatedAt: now, UpdatedAt: now}
	if err := tx.Insert(ct); err != nil {
		return 0, false, err
	}
	return ct.ID, true, nil
}

// Names of the traits of a provider, sorted.
func TraitNamesOfProvider(exec gorp.SqlExecutor, providerID int64) ([]string, error) {
	var names []string
	_, err := exec.Select(&names, `
		SELECT t.name FROM resource_provider_traits rpt
		JOIN traits t ON t.id = rpt.trait_id
		WHERE rpt.resource_provider_id = :id
		ORDER BY t.name`, map[string]any{"id": providerID})
	return names, err
}

// Uuids of the aggregates of a provider, sorted.
func AggregatesOfProvider(exec gorp.SqlExecutor, providerID int64) ([]string, error) {
	var uuids []string
	_, err := exec.Select(&uuids, `
		SELECT a.uuid FROM resource_provider_aggregates rpa
		JOIN placement_aggregates a ON a.id = rpa.aggregate_id
		WHERE rpa.resource_provider_id = :id
		ORDER BY a.uuid`, map[string]any{"id": providerID})
	return uuids, err
}

// Get the id of an aggregate, inserting it if it is missing.
func EnsureAggregate(exec gorp.SqlExecutor, aggregateUUID string) (int64, error) {
	existing, err := exec.SelectNullInt("SELECT id FROM placement_aggregates WHERE uuid = :uuid", map[string]any{"uuid": aggregateUUID})
	if err != nil {
		return 0, err
	}
	if existing.Valid {
		return existing.Int64, nil
	}
	now := timestamp()
	agg := &placement.Aggregate{UUID: aggregateUUID, CreatedAt: now, UpdatedAt: now}
	if err := exec.Insert(agg); err != nil {
		return 0, err
	}
	return agg.ID, nil
}

// Get the traits of a provider.
func (s *Store) GetProviderTraits(ctx context.Context, providerUUID string) (*placement.ResourceProvider, []string, error) {
	exec := s.DB.WithContext(ctx)
	rp, err := ProviderByUUID(exec, providerUUID)
	if err != nil {
		return nil, nil, err
	}
	names, err := TraitNamesOfProvider(exec, rp.ID)
	return rp, names, err
}

// Replace the traits of a provider and increment its generation, which must
// still be the generation of rp.
func (s *Store) SetProviderTraits(ctx context.Context, rp *placement.ResourceProvider, names []string) error {
	ids, err := s.Traits.IDsFromNames(ctx, names)
	if err != nil {
		return err
	}
	updated := *rp
	err = s.DB.InTransaction(ctx, "set_provider_traits", func(tx gorp.SqlExecutor) error {
		if _, err := tx.Exec("DELETE FROM resource_provider_traits WHERE resource_provider_id = :id",
			map[string]any{"id": rp.ID}); err != nil {
			return err
		}
		now := timestamp()
		for _, id := range placement.NewSet(ids...).Sorted() {
			link := &placement.ResourceProviderTrait{ResourceProviderID: rp.ID, TraitID: id, CreatedAt: now, UpdatedAt: now}
			if err := tx.Insert(link); err != nil {
				return err
			}
		}
		return IncrementGeneration(tx, &updated)
	})
	if err != nil {
		return err
	}
	*rp = updated
	return nil
}

// Get the aggregates of a provider.
func (s *Store) GetProviderAggregates(ctx context.Context, providerUUID string) (*placement.ResourceProvider, []string, error) {
	exec := s.DB.WithContext(ctx)
	rp, err := ProviderByUUID(exec, providerUUID)
	if err != nil {
		return nil, nil, err
	}
	uuids, err := AggregatesOfProvider(exec, rp.ID)
	return rp, uuids, err
}

// Replace the aggregates of a provider and increment its generation, which
// must still be the generation of rp.
func (s *Store) SetProviderAggregates(ctx context.Context, rp *placement.ResourceProvider, aggregateUUIDs []string) error {
	for _, aggregateUUID := range aggregateUUIDs {
		if !isUUID(aggregateUUID) {
			return placement.BadRequest("invalid aggregate uuid %q", aggregateUUID)
		}
	}
	updated := *rp
	err := s.DB.InTransaction(ctx, "set_provider_aggregates", func(tx gorp.SqlExecutor) error {
		if _, err := tx.Exec("DELETE FROM resource_provider_aggregates WHERE resource_provider_id = :id",
			map[string]any{"id": rp.ID}); err != nil {
			return err
		}
		now := timestamp()
		for _, aggregateUUID := range placement.NewSet(aggregateUUIDs...).Sorted() {
			aggID, err := EnsureAggregate(tx, aggregateUUID)
			if err != nil {
				return err
			}
			link := &placement.ResourceProviderAggregate{ResourceProviderID: rp.ID, AggregateID: aggID, CreatedAt: now, UpdatedAt: now}
			if err := tx.Insert(link); err != nil {
				return err
			}
		}
		return IncrementGeneration(tx, &updated)
	})
	if err != nil {
		return err
	}
	*rp = updated
	return nil
}
