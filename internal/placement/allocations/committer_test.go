// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package allocations

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/testfixtures"
	"github.com/cobaltcore-dev/cortex-placement/pkg/conf"
	"github.com/cobaltcore-dev/cortex-placement/pkg/monitoring"
	"github.com/majewsky/gg/option"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newCommitter(t *testing.T, env *testfixtures.Env, config conf.PlacementConfig) (*Committer, Monitor) {
	t.Helper()
	monitor := NewCommitterMonitor(monitoring.NewRegistry(conf.MonitoringConfig{}))
	return NewCommitter(env.Store, config, monitor), monitor
}

func usages(t *testing.T, env *testfixtures.Env, rp *store.ProviderInfo) map[string]int {
	t.Helper()
	_, result, err := env.Store.GetUsages(t.Context(), rp.UUID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return result
}

func consumer(t *testing.T, env *testfixtures.Env, name string) *store.ConsumerAllocations {
	t.Helper()
	result, err := env.Store.GetAllocationsByConsumer(t.Context(), testfixtures.UUID(name))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return result
}

func TestReplaceAll_CapacityInvariant(t *testing.T) {
	env := testfixtures.New(t)
	cn1 := env.Root("cn1")
	env.Inventory(cn1, store.InventorySpec{ResourceClass: "VCPU", Total: 24, AllocationRatio: 16})
	c, _ := newCommitter(t, env, conf.PlacementConfig{})

	for i := range 10 {
		err := c.ReplaceAll(t.Context(), []ConsumerAllocations{{
			ConsumerUUID: testfixtures.UUID(fmt.Sprintf("vm%d", i)),
			Allocations:  []Line{{ProviderUUID: cn1.UUID, ResourceClass: "VCPU", Used: 2}},
		}})
		if err != nil {
			t.Fatalf("expected no error for consumer %d, got %v", i, err)
		}
	}
	if got := usages(t, env, cn1)["VCPU"]; got != 20 {
		t.Fatalf("expected 20 VCPU used, got %d", got)
	}
	err := c.ReplaceAll(t.Context(), []ConsumerAllocations{{
		ConsumerUUID: testfixtures.UUID("vm10"),
		Allocations:  []Line{{ProviderUUID: cn1.UUID, ResourceClass: "VCPU", Used: 400}},
	}})
	if !errors.Is(err, placement.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	var capacityErr *placement.CapacityExceededError
	if !errors.As(err, &capacityErr) || capacityErr.ProviderUUID != cn1.UUID || capacityErr.ResourceClass != "VCPU" {
		t.Fatalf("expected details of the exceeded inventory, got %v", err)
	}
	if got := usages(t, env, cn1)["VCPU"]; got != 20 {
		t.Fatalf("expected 20 VCPU used, got %d", got)
	}
	if consumer(t, env, "vm10").Consumer != nil {
		t.Fatal("expected the rejected consumer to not be created")
	}
}

func TestReplaceAll_Idempotent(t *testing.T) {
	env := testfixtures.New(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 8, "MEMORY_MB", 4096)
	c, _ := newCommitter(t, env, conf.PlacementConfig{})
	lines := []Line{
		{ProviderUUID: cn1.UUID, ResourceClass: "VCPU", Used: 4},
		{ProviderUUID: cn1.UUID, ResourceClass: "MEMORY_MB", Used: 1024},
	}
	before := env.Get(cn1).Generation

	for i, expected := range []option.Option[int]{option.None[int](), option.Some(1)} {
		err := c.ReplaceAll(t.Context(), []ConsumerAllocations{{
			ConsumerUUID: testfixtures.UUID("vm1"), ConsumerGeneration: expected, Allocations: lines,
		}})
		if err != nil {
			t.Fatalf("expected no error in round %d, got %v", i, err)
		}
		if got := env.Get(cn1).Generation; got != before+i+1 {
			t.Fatalf("expected provider generation %d, got %d", before+i+1, got)
		}
		result := consumer(t, env, "vm1")
		if result.Consumer == nil || result.Consumer.Generation != i+1 {
			t.Fatalf("expected consumer generation %d, got %+v", i+1, result.Consumer)
		}
		resources := result.Allocations[cn1.UUID].Resources
		if len(resources) != 2 || resources["VCPU"] != 4 || resources["MEMORY_MB"] != 1024 {
			t.Fatalf("expected unchanged allocations, got %v", resources)
		}
		if got := usages(t, env, cn1); got["VCPU"] != 4 || got["MEMORY_MB"] != 1024 {
			t.Fatalf("expected unchanged usages, got %v", got)
		}
	}
}

func TestReplaceAll_Errors(t *testing.T) {
	env := testfixtures.New(t)
	cn1 := env.Root("cn1")
	env.Inventory(cn1, store.InventorySpec{ResourceClass: "VCPU", Total: 16, MinUnit: 2, MaxUnit: 8, StepSize: 2})
	c, monitor := newCommitter(t, env, conf.PlacementConfig{})
	vm1 := testfixtures.UUID("vm1")
	vcpu := func(used int) []Line {
		return []Line{{ProviderUUID: cn1.UUID, ResourceClass: "VCPU", Used: used}}
	}

	tests := []struct {
		name     string
		input    []ConsumerAllocations
		expected error
		reason   string
	}{
		{"no consumers", nil, placement.ErrBadRequest, "bad_request"},
		{"invalid consumer uuid", []ConsumerAllocations{{ConsumerUUID: "vm1", Allocations: vcpu(2)}}, placement.ErrBadRequest, "bad_request"},
		{"duplicate consumer", []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: vcpu(2)}, {ConsumerUUID: vm1, Allocations: vcpu(2)}}, placement.ErrBadRequest, "bad_request"},
		{"duplicate line", []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: append(vcpu(2), vcpu(4)...)}}, placement.ErrBadRequest, "bad_request"},
		{"negative amount", []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: vcpu(-2)}}, placement.ErrBadRequest, "bad_request"},
		{"unknown provider", []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: []Line{{ProviderUUID: testfixtures.UUID("nope"), ResourceClass: "VCPU", Used: 2}}}}, placement.ErrNotFound, "not_found"},
		{"unknown resource class", []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: []Line{{ProviderUUID: cn1.UUID, ResourceClass: "CUSTOM_FOO", Used: 2}}}}, placement.ErrNotFound, "not_found"},
		{"no inventory", []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: []Line{{ProviderUUID: cn1.UUID, ResourceClass: "DISK_GB", Used: 2}}}}, placement.ErrInvalidInventory, "invalid_inventory"},
		{"below min unit", []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: vcpu(1)}}, placement.ErrConstraintsViolated, "constraints_violated"},
		{"above max unit", []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: vcpu(10)}}, placement.ErrConstraintsViolated, "constraints_violated"},
		{"off step", []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: vcpu(3)}}, placement.ErrConstraintsViolated, "constraints_violated"},
		{"new consumer with generation", []ConsumerAllocations{{ConsumerUUID: vm1, ConsumerGeneration: option.Some(0), Allocations: vcpu(2)}}, placement.ErrConcurrentUpdate, "concurrent_update"},
		{"one of two exceeds capacity", []ConsumerAllocations{
			{ConsumerUUID: vm1, Allocations: vcpu(8)},
			{ConsumerUUID: testfixtures.UUID("vm2"), Allocations: vcpu(8)},
			{ConsumerUUID: testfixtures.UUID("vm3"), Allocations: vcpu(2)},
		}, placement.ErrCapacityExceeded, "capacity_exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(monitor.FailureCounter.WithLabelValues(tt.reason))
			err := c.ReplaceAll(t.Context(), tt.input)
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
			if got := testutil.ToFloat64(monitor.FailureCounter.WithLabelValues(tt.reason)); got != before+1 {
				t.Fatalf("expected failure counted as %s", tt.reason)
			}
			if got := usages(t, env, cn1)["VCPU"]; got != 0 {
				t.Fatalf("expected nothing allocated, got %d", got)
			}
		})
	}
}

func TestReplaceAll_ConsumerGenerations(t *testing.T) {
	env := testfixtures.New(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 8)
	c, monitor := newCommitter(t, env, conf.PlacementConfig{})
	vm1 := testfixtures.UUID("vm1")
	lines := []Line{{ProviderUUID: cn1.UUID, ResourceClass: "VCPU", Used: 1}}
	if err := c.ReplaceAll(t.Context(), []ConsumerAllocations{{ConsumerUUID: vm1, Allocations: lines}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	for _, expected := range []option.Option[int]{option.None[int](), option.Some(0), option.Some(2)} {
		err := c.ReplaceAll(t.Context(), []ConsumerAllocations{{ConsumerUUID: vm1, ConsumerGeneration: expected, Allocations: lines}})
		var conflict *placement.ConcurrentUpdateError
		if !errors.As(err, &conflict) || conflict.ProvidersOnly() {
			t.Fatalf("expected consumer conflict for %v, got %v", expected, err)
		}
	}
	if got := testutil.ToFloat64(monitor.ConflictRetryCounter); got != 0 {
		t.Fatalf("expected consumer conflicts to not be retried, got %v retries", got)
	}
	if got := consumer(t, env, "vm1").Consumer.Generation; got != 1 {
		t.Fatalf("expected consumer generation 1, got %d", got)
	}
}

func TestReplaceAll_ProviderConflicts(t *testing.T) {
	env := testfixtures.New(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 8)
	// Another writer changing the provider between reading its generation
	// and committing.
	bump := func() {
		current := env.Get(cn1)
		if err := env.Store.SetProviderTraits(t.Context(), &current.ResourceProvider, []string{"HW_CPU_X86_AVX"}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	t.Run("retried", func(t *testing.T) {
		c, monitor := newCommitter(t, env, conf.PlacementConfig{AllocationConflictRetryCount: 2})
		c.beforeAttempt = func(attempt int) {
			if attempt == 0 {
				bump()
			}
		}
		before := env.Get(cn1).Generation
		err := c.ReplaceAll(t.Context(), []ConsumerAllocations{{
			ConsumerUUID: testfixtures.UUID("vm1"),
			Allocations:  []Line{{ProviderUUID: cn1.UUID, ResourceClass: "VCPU", Used: 2}},
		}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := testutil.ToFloat64(monitor.ConflictRetryCounter); got != 1 {
			t.Fatalf("expected 1 retry, got %v", got)
		}
		if got := env.Get(cn1).Generation; got != before+2 {
			t.Fatalf("expected generation %d, got %d", before+2, got)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		c, monitor := newCommitter(t, env, conf.PlacementConfig{AllocationConflictRetryCount: 2})
		attempts := 0
		c.beforeAttempt = func(int) {
			attempts++
			bump()
		}
		err := c.ReplaceAll(t.Context(), []ConsumerAllocations{{
			ConsumerUUID: testfixtures.UUID("vm2"),
			Allocations:  []Line{{ProviderUUID: cn1.UUID, ResourceClass: "VCPU", Used: 2}},
		}})
		var conflict *placement.ConcurrentUpdateError
		if !errors.As(err, &conflict) || !conflict.ProvidersOnly() {
			t.Fatalf("expected provider conflict, got %v", err)
		}
		if _, ok := conflict.StaleProviders[cn1.UUID]; !ok {
			t.Fatalf("expected %s to be stale, got %v", cn1.UUID, conflict.StaleProviders)
		}
		if attempts != 3 {
			t.Fatalf("expected 3 attempts, got %d", attempts)
		}
		if got := testutil.ToFloat64(monitor.ConflictRetryCounter); got != 2 {
			t.Fatalf("expected 2 retries, got %v", got)
		}
		if consumer(t, env, "vm2").Consumer != nil {
			t.Fatal("expected no consumer after a failed commit")
		}
		if got := usages(t, env, cn1)["VCPU"]; got != 2 {
			t.Fatalf("expected only the first consumer allocated, got %d", got)
		}
	})
}

func TestReplaceAll_MoveAndDelete(t *testing.T) {
	env := testfixtures.New(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 8)
	cn2 := env.Root("cn2")
	env.Totals(cn2, "VCPU", 8)
	c, _ := newCommitter(t, env, conf.PlacementConfig{})
	vm1 := testfixtures.UUID("vm1")

	err := c.ReplaceAll(t.Context(), []ConsumerAllocations{{
		ConsumerUUID: vm1, ConsumerType: "INSTANCE",
		Allocations: []Line{{ProviderUUID: cn1.UUID, ResourceClass: "VCPU", Used: 4}},
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	info := consumer(t, env, "vm1").Consumer
	if info.ProjectExternalID != conf.IncompleteConsumerPlaceholder || info.UserExternalID != conf.IncompleteConsumerPlaceholder {
		t.Fatalf("expected placeholder identity, got %s/%s", info.ProjectExternalID, info.UserExternalID)
	}
	if info.ConsumerType != "INSTANCE" {
		t.Fatalf("expected consumer type INSTANCE, got %q", info.ConsumerType)
	}
	if _, err := env.Store.ConsumerTypes.IDFromName(t.Context(), "INSTANCE"); err != nil {
		t.Fatalf("expected new consumer type to be resolvable, got %v", err)
	}

	// Moving to cn2 changes both providers.
	cn1Before, cn2Before := env.Get(cn1).Generation, env.Get(cn2).Generation
	err = c.ReplaceAll(t.Context(), []ConsumerAllocations{{
		ConsumerUUID: vm1, ConsumerGeneration: option.Some(1), ProjectID: "p1", UserID: "u1",
		Allocations: []Line{
			{ProviderUUID: cn1.UUID, ResourceClass: "VCPU", Used: 0},
			{ProviderUUID: cn2.UUID, ResourceClass: "VCPU", Used: 4},
		},
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if env.Get(cn1).Generation != cn1Before+1 || env.Get(cn2).Generation != cn2Before+1 {
		t.Fatal("expected both provider generations to be incremented")
	}
	if usages(t, env, cn1)["VCPU"] != 0 || usages(t, env, cn2)["VCPU"] != 4 {
		t.Fatal("expected the allocation to move to cn2")
	}
	info = consumer(t, env, "vm1").Consumer
	if info.ProjectExternalID != "p1" || info.UserExternalID != "u1" || info.ConsumerType != "INSTANCE" {
		t.Fatalf("expected updated identity with kept type, got %+v", info)
	}

	if err := c.DeleteForConsumer(t.Context(), vm1); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if consumer(t, env, "vm1").Consumer != nil {
		t.Fatal("expected consumer without allocations to be deleted")
	}
	if usages(t, env, cn2)["VCPU"] != 0 {
		t.Fatal("expected no usage on cn2")
	}
	if err := c.DeleteForConsumer(t.Context(), vm1); !errors.Is(err, placement.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
