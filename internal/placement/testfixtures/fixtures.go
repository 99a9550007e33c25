// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package testfixtures

import (
	"testing"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	testlibDB "github.com/cobaltcore-dev/cortex-placement/pkg/db/testing"
)

// Seeded placement database with helpers to build provider trees.
type Env struct {
	Store *store.Store
	t     *testing.T
}

// Set up a fresh, seeded placement database for a test.
func New(t *testing.T) *Env {
	t.Helper()
	dbEnv := testlibDB.SetupDBEnv(t)
	t.Cleanup(dbEnv.Close)
	s := store.New(db.NewDB(dbEnv.DbMap, db.NewDBMonitor(prometheus.NewRegistry())))
	if err := s.CreateSchema(); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	if err := s.EnsureSeeded(t.Context()); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	return &Env{Store: s, t: t}
}

// Deterministic uuid for a fixture name, so that tests can refer to
// providers, consumers and aggregates by name.
func UUID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Create a root provider.
func (e *Env) Root(name string) *store.ProviderInfo {
	e.t.Helper()
	return e.create(name, "")
}

// Create a child provider.
func (e *Env) Child(parent *store.ProviderInfo, name string) *store.ProviderInfo {
	e.t.Helper()
	return e.create(name, parent.UUID)
}

func (e *Env) create(name, parentUUID string) *store.ProviderInfo {
	e.t.Helper()
	info, err := e.Store.CreateProvider(e.t.Context(), store.ProviderSpec{UUID: UUID(name), Name: name, ParentUUID: parentUUID})
	if err != nil {
		e.t.Fatalf("failed to create provider %s: %v", name, err)
	}
	return info
}

// Re-read a provider, e.g. to get its current generation.
func (e *Env) Get(rp *store.ProviderInfo) *store.ProviderInfo {
	e.t.Helper()
	info, err := e.Store.GetProvider(e.t.Context(), rp.UUID)
	if err != nil {
		e.t.Fatalf("failed to get provider %s: %v", rp.Name, err)
	}
	return info
}

// Add or replace the inventory of one resource class. Unset optional
// fields get their defaults, custom classes are created on demand.
func (e *Env) Inventory(rp *store.ProviderInfo, spec store.InventorySpec) {
	e.t.Helper()
	if placement.IsCustom(spec.ResourceClass) {
		if _, err := e.Store.EnsureResourceClass(e.t.Context(), spec.ResourceClass); err != nil {
			e.t.Fatalf("failed to create resource class %s: %v", spec.ResourceClass, err)
		}
	}
	current := e.Get(rp)
	if err := e.Store.UpdateInventory(e.t.Context(), &current.ResourceProvider, spec.WithDefaults()); err != nil {
		e.t.Fatalf("failed to set inventory %s on %s: %v", spec.ResourceClass, rp.Name, err)
	}
}

// Add inventories with default unit constraints, e.g. Totals(rp, "VCPU", 8, "MEMORY_MB", 4096).
func (e *Env) Totals(rp *store.ProviderInfo, classesAndTotals ...any) {
	e.t.Helper()
	for i := 0; i+1 < len(classesAndTotals); i += 2 {
		e.Inventory(rp, store.InventorySpec{
			ResourceClass: classesAndTotals[i].(string),
			Total:         classesAndTotals[i+1].(int),
		})
	}
}

// Replace the traits of a provider. Custom traits are created on demand.
func (e *Env) Traits(rp *store.ProviderInfo, names ...string) {
	e.t.Helper()
	for _, name := range names {
		if placement.IsCustom(name) {
			if _, err := e.Store.EnsureTrait(e.t.Context(), name); err != nil {
				e.t.Fatalf("failed to create trait %s: %v", name, err)
			}
		}
	}
	current := e.Get(rp)
	if err := e.Store.SetProviderTraits(e.t.Context(), &current.ResourceProvider, names); err != nil {
		e.t.Fatalf("failed to set traits on %s: %v", rp.Name, err)
	}
}

// Replace the aggregates of a provider, given by fixture names.
func (e *Env) Aggregates(rp *store.ProviderInfo, names ...string) {
	e.t.Helper()
	uuids := make([]string, 0, len(names))
	for _, name := range names {
		uuids = append(uuids, UUID(name))
	}
	current := e.Get(rp)
	if err := e.Store.SetProviderAggregates(e.t.Context(), &current.ResourceProvider, uuids); err != nil {
		e.t.Fatalf("failed to set aggregates on %s: %v", rp.Name, err)
	}
}

// Insert an allocation without any checks, for a consumer given by name.
func (e *Env) Allocate(rp *store.ProviderInfo, class, consumer string, used int) {
	e.t.Helper()
	classID, err := e.Store.ResourceClasses.IDFromName(e.t.Context(), class)
	if err != nil {
		e.t.Fatalf("failed to resolve %s: %v", class, err)
	}
	now := time.Now().UTC()
	alloc := &placement.Allocation{
		ResourceProviderID: rp.ID, ConsumerID: UUID(consumer), ResourceClassID: classID, Used: used,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := e.Store.DB.Insert(alloc); err != nil {
		e.t.Fatalf("failed to insert allocation: %v", err)
	}
}

// Resolve the ids of traits by name.
func (e *Env) TraitIDs(names ...string) []int {
	e.t.Helper()
	ids, err := e.Store.Traits.IDsFromNames(e.t.Context(), names)
	if err != nil {
		e.t.Fatalf("failed to resolve traits: %v", err)
	}
	return ids
}
