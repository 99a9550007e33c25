// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package attrcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	testlibDB "github.com/cobaltcore-dev/cortex-placement/pkg/db/testing"
	"github.com/go-gorp/gorp"
)

// Executor counting the selects and optionally blocking them until released.
type countingExecutor struct {
	gorp.SqlExecutor
	selects atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (e *countingExecutor) WithContext(ctx context.Context) gorp.SqlExecutor { return e }

func (e *countingExecutor) Select(i any, query string, args ...any) ([]any, error) {
	if e.selects.Add(1) == 1 && e.entered != nil {
		close(e.entered)
		<-e.release
	}
	return e.SqlExecutor.Select(i, query, args...)
}

func setupTraits(t *testing.T, names ...string) *db.DB {
	t.Helper()
	dbEnv := testlibDB.SetupDBEnv(t)
	t.Cleanup(dbEnv.Close)
	database := db.NewDB(dbEnv.DbMap, db.Monitor{})
	if err := placement.CreateSchema(database); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i, name := range names {
		now := time.Now()
		trait := &placement.Trait{ID: i + 1, Name: name, CreatedAt: now, UpdatedAt: now}
		if err := database.Insert(trait); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	return database
}

func TestCache_Lookups(t *testing.T) {
	database := setupTraits(t, "HW_CPU_X86_AVX", "HW_NIC_SRIOV")
	executor := &countingExecutor{SqlExecutor: database.DbMap}
	cache := New(executor, placement.KindTrait, placement.Trait{}.TableName())

	id, err := cache.IDFromName(t.Context(), "HW_NIC_SRIOV")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id != 2 {
		t.Errorf("expected id 2, got %d", id)
	}
	name, err := cache.NameFromID(t.Context(), 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if name != "HW_CPU_X86_AVX" {
		t.Errorf("expected HW_CPU_X86_AVX, got %s", name)
	}
	record, err := cache.AllFromName(t.Context(), "HW_CPU_X86_AVX")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if record.ID != 1 || record.CreatedAt.IsZero() {
		t.Errorf("unexpected record %+v", record)
	}
	if got := executor.selects.Load(); got != 1 {
		t.Errorf("expected a single reload, got %d", got)
	}

	all, err := cache.All(t.Context())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(all) != 2 || all[0].Name != "HW_CPU_X86_AVX" {
		t.Errorf("unexpected records %+v", all)
	}
}

func TestCache_MissReloadsOnceThenFails(t *testing.T) {
	database := setupTraits(t, "HW_CPU_X86_AVX")
	executor := &countingExecutor{SqlExecutor: database.DbMap}
	cache := New(executor, placement.KindTrait, placement.Trait{}.TableName())

	_, err := cache.IDFromName(t.Context(), "CUSTOM_MISSING")
	var notFound *placement.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if notFound.Kind != placement.KindTrait || notFound.Key != "CUSTOM_MISSING" {
		t.Errorf("unexpected error details %+v", notFound)
	}
	if got := executor.selects.Load(); got != 1 {
		t.Errorf("expected a single reload, got %d", got)
	}
	if _, err := cache.NameFromID(t.Context(), 42); !errors.Is(err, placement.ErrNotFound) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestCache_Clear(t *testing.T) {
	database := setupTraits(t, "HW_CPU_X86_AVX")
	cache := New(database.DbMap, placement.KindTrait, placement.Trait{}.TableName())
	if _, err := cache.IDFromName(t.Context(), "HW_CPU_X86_AVX"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	now := time.Now()
	if err := database.Insert(&placement.Trait{ID: 10000, Name: "CUSTOM_GOLD", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := database.Exec("DELETE FROM traits WHERE name = 'HW_CPU_X86_AVX'"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Still served from the cache until it is cleared.
	if _, err := cache.IDFromName(t.Context(), "HW_CPU_X86_AVX"); err != nil {
		t.Fatalf("expected cached value, got %v", err)
	}
	cache.Clear()
	if _, err := cache.IDFromName(t.Context(), "HW_CPU_X86_AVX"); !errors.Is(err, placement.ErrNotFound) {
		t.Fatalf("expected not found after clear, got %v", err)
	}
	id, err := cache.IDFromName(t.Context(), "CUSTOM_GOLD")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id != 10000 {
		t.Errorf("expected id 10000, got %d", id)
	}
}

func TestCache_ConcurrentMissesCoalesce(t *testing.T) {
	database := setupTraits(t, "HW_CPU_X86_AVX")
	executor := &countingExecutor{
		SqlExecutor: database.DbMap,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	cache := New(executor, placement.KindTrait, placement.Trait{}.TableName())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	lookup := func() {
		if _, err := cache.IDFromName(context.Background(), "HW_CPU_X86_AVX"); err != nil {
			errs <- err
		}
	}
	wg.Go(lookup)
	<-executor.entered
	for range 9 {
		wg.Go(lookup)
	}
	time.Sleep(50 * time.Millisecond)
	close(executor.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("expected no error, got %v", err)
	}
	if got := executor.selects.Load(); got != 1 {
		t.Errorf("expected concurrent misses to share one reload, got %d", got)
	}
}
