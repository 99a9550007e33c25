// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import (
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/testfixtures"
	"github.com/cobaltcore-dev/cortex-placement/pkg/conf"
	"github.com/cobaltcore-dev/cortex-placement/pkg/monitoring"
	"github.com/majewsky/gg/option"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type testEnv struct {
	*testfixtures.Env
	t *testing.T
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return testEnv{Env: testfixtures.New(t), t: t}
}

func (e testEnv) get(config conf.PlacementConfig, req Request) *AllocationCandidates {
	e.t.Helper()
	result, err := NewGenerator(e.Store, config, Monitor{}).Get(e.t.Context(), req)
	if err != nil {
		e.t.Fatalf("expected no error, got %v", err)
	}
	return result
}

// Describe allocation requests by provider names, e.g.
// "cn1: cn1/VCPU=1 ss/DISK_GB=100", in the order they were returned.
func (e testEnv) describe(result *AllocationCandidates) []string {
	e.t.Helper()
	providers, err := e.Store.ListProviders(e.t.Context(), "")
	if err != nil {
		e.t.Fatalf("expected no error, got %v", err)
	}
	names := map[string]string{}
	for _, p := range providers {
		names[p.UUID] = p.Name
	}
	descriptions := make([]string, 0, len(result.AllocationRequests))
	for _, areq := range result.AllocationRequests {
		lines := make([]string, 0, len(areq.Resources))
		for _, res := range areq.Resources {
			lines = append(lines, fmt.Sprintf("%s/%s=%d", names[res.ProviderUUID], res.ResourceClass, res.Amount))
		}
		slices.Sort(lines)
		description := names[areq.AnchorRootUUID] + ": " + strings.Join(lines, " ")
		for _, suffix := range slices.Sorted(maps.Keys(areq.Mappings)) {
			var mapped []string
			for _, uuid := range areq.Mappings[suffix] {
				mapped = append(mapped, names[uuid])
			}
			slices.Sort(mapped)
			description += fmt.Sprintf(" [%s:%s]", suffix, strings.Join(mapped, ","))
		}
		descriptions = append(descriptions, description)
	}
	return descriptions
}

func (e testEnv) summaryNames(result *AllocationCandidates) []string {
	e.t.Helper()
	providers, err := e.Store.ListProviders(e.t.Context(), "")
	if err != nil {
		e.t.Fatalf("expected no error, got %v", err)
	}
	names := map[string]string{}
	for _, p := range providers {
		names[p.UUID] = p.Name
	}
	var got []string
	for _, summary := range result.ProviderSummaries {
		got = append(got, names[summary.UUID])
	}
	slices.Sort(got)
	return got
}

func assertDescriptions(t *testing.T, got, expected []string) {
	t.Helper()
	slices.Sort(got)
	slices.Sort(expected)
	if !slices.Equal(got, expected) {
		t.Fatalf("expected\n  %s\ngot\n  %s", strings.Join(expected, "\n  "), strings.Join(got, "\n  "))
	}
}

func TestGenerator_SharedStorage(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"cn1", "cn2"} {
		cn := env.Root(name)
		env.Totals(cn, "VCPU", 24, "MEMORY_MB", 32768)
		env.Aggregates(cn, "agg1")
	}
	ss := env.Root("ss")
	env.Totals(ss, "DISK_GB", 2000)
	env.Traits(ss, placement.TraitSharesViaAggregate)
	env.Aggregates(ss, "agg1")
	// Not in the aggregate, so it cannot use the shared storage.
	env.Totals(env.Root("cn3"), "VCPU", 24, "MEMORY_MB", 32768)

	result := env.get(conf.PlacementConfig{}, Request{Groups: []RequestGroup{{
		Resources: map[string]int{"VCPU": 1, "MEMORY_MB": 64, "DISK_GB": 100},
	}}})
	assertDescriptions(t, env.describe(result), []string{
		"cn1: cn1/MEMORY_MB=64 cn1/VCPU=1 ss/DISK_GB=100",
		"cn2: cn2/MEMORY_MB=64 cn2/VCPU=1 ss/DISK_GB=100",
	})
	assertDescriptions(t, env.summaryNames(result), []string{"cn1", "cn2", "ss"})
	for _, summary := range result.ProviderSummaries {
		if summary.UUID == ss.UUID {
			if !slices.Contains(summary.Traits, placement.TraitSharesViaAggregate) {
				t.Fatalf("expected sharing trait in summary, got %v", summary.Traits)
			}
			if got := summary.Resources["DISK_GB"]; got.Capacity != 2000 || got.Used != 0 {
				t.Fatalf("expected DISK_GB capacity 2000 used 0, got %+v", got)
			}
		}
	}
}

func TestGenerator_GeneveNIC(t *testing.T) {
	env := newTestEnv(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 16, "MEMORY_MB", 32768)
	pf1 := env.Child(cn1, "cn1_pf1")
	env.Totals(pf1, "SRIOV_NET_VF", 8)
	env.Traits(pf1, "HW_NIC_OFFLOAD_GENEVE")
	pf2 := env.Child(cn1, "cn1_pf2")
	env.Totals(pf2, "SRIOV_NET_VF", 8)
	env.Traits(pf2, "HW_NIC_SRIOV")

	t.Run("suffixed group", func(t *testing.T) {
		result := env.get(conf.PlacementConfig{}, Request{
			Groups: []RequestGroup{
				{Resources: map[string]int{"VCPU": 2, "MEMORY_MB": 1024}},
				{Suffix: "_NIC", Resources: map[string]int{"SRIOV_NET_VF": 1}, RequiredTraits: [][]string{{"HW_NIC_OFFLOAD_GENEVE"}}, UseSameProvider: true},
			},
			IncludeMappings: true,
		})
		assertDescriptions(t, env.describe(result), []string{
			"cn1: cn1/MEMORY_MB=1024 cn1/VCPU=2 cn1_pf1/SRIOV_NET_VF=1 [:cn1] [_NIC:cn1_pf1]",
		})
		assertDescriptions(t, env.summaryNames(result), []string{"cn1", "cn1_pf1", "cn1_pf2"})
	})

	t.Run("unsuffixed group", func(t *testing.T) {
		// The tree as a whole has the trait, so only the per candidate
		// check can drop the combination using pf2.
		result := env.get(conf.PlacementConfig{}, Request{Groups: []RequestGroup{{
			Resources:      map[string]int{"VCPU": 2, "SRIOV_NET_VF": 1},
			RequiredTraits: [][]string{{"HW_NIC_OFFLOAD_GENEVE"}},
		}}})
		assertDescriptions(t, env.describe(result), []string{
			"cn1: cn1/VCPU=2 cn1_pf1/SRIOV_NET_VF=1",
		})
	})

	t.Run("forbidden trait", func(t *testing.T) {
		result := env.get(conf.PlacementConfig{}, Request{Groups: []RequestGroup{{
			Resources:       map[string]int{"VCPU": 2, "SRIOV_NET_VF": 1},
			ForbiddenTraits: []string{"HW_NIC_OFFLOAD_GENEVE"},
		}}})
		assertDescriptions(t, env.describe(result), []string{
			"cn1: cn1/VCPU=2 cn1_pf2/SRIOV_NET_VF=1",
		})
	})
}

func TestGenerator_GroupPolicy(t *testing.T) {
	env := newTestEnv(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 16)
	env.Totals(env.Child(cn1, "pf1"), "SRIOV_NET_VF", 4)
	env.Totals(env.Child(cn1, "pf2"), "SRIOV_NET_VF", 4)
	groups := []RequestGroup{
		{Resources: map[string]int{"VCPU": 1}},
		{Suffix: "1", Resources: map[string]int{"SRIOV_NET_VF": 1}, UseSameProvider: true},
		{Suffix: "2", Resources: map[string]int{"SRIOV_NET_VF": 1}, UseSameProvider: true},
	}

	tests := []struct {
		name     string
		policy   GroupPolicy
		mappings bool
		expected []string
	}{
		{"none", GroupPolicyNone, false, []string{
			"cn1: cn1/VCPU=1 pf1/SRIOV_NET_VF=2",
			"cn1: cn1/VCPU=1 pf1/SRIOV_NET_VF=1 pf2/SRIOV_NET_VF=1",
			"cn1: cn1/VCPU=1 pf2/SRIOV_NET_VF=2",
		}},
		{"none with mappings", GroupPolicyNone, true, []string{
			"cn1: cn1/VCPU=1 pf1/SRIOV_NET_VF=2 [:cn1] [1:pf1] [2:pf1]",
			"cn1: cn1/VCPU=1 pf1/SRIOV_NET_VF=1 pf2/SRIOV_NET_VF=1 [:cn1] [1:pf1] [2:pf2]",
			"cn1: cn1/VCPU=1 pf1/SRIOV_NET_VF=1 pf2/SRIOV_NET_VF=1 [:cn1] [1:pf2] [2:pf1]",
			"cn1: cn1/VCPU=1 pf2/SRIOV_NET_VF=2 [:cn1] [1:pf2] [2:pf2]",
		}},
		{"isolate", GroupPolicyIsolate, false, []string{
			"cn1: cn1/VCPU=1 pf1/SRIOV_NET_VF=1 pf2/SRIOV_NET_VF=1",
		}},
		{"isolate with mappings", GroupPolicyIsolate, true, []string{
			"cn1: cn1/VCPU=1 pf1/SRIOV_NET_VF=1 pf2/SRIOV_NET_VF=1 [:cn1] [1:pf1] [2:pf2]",
			"cn1: cn1/VCPU=1 pf1/SRIOV_NET_VF=1 pf2/SRIOV_NET_VF=1 [:cn1] [1:pf2] [2:pf1]",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := env.get(conf.PlacementConfig{}, Request{Groups: groups, GroupPolicy: tt.policy, IncludeMappings: tt.mappings})
			assertDescriptions(t, env.describe(result), tt.expected)
		})
	}
}

func TestGenerator_Traits(t *testing.T) {
	env := newTestEnv(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 8)
	env.Traits(cn1, "HW_CPU_X86_AVX")
	cn2 := env.Root("cn2")
	env.Totals(cn2, "VCPU", 8)
	env.Traits(cn2, "HW_CPU_X86_AVX2", "HW_CPU_X86_SSE")

	tests := []struct {
		name      string
		required  [][]string
		forbidden []string
		expected  []string
	}{
		{"any of", [][]string{{"HW_CPU_X86_AVX", "HW_CPU_X86_AVX2"}}, nil, []string{"cn1: cn1/VCPU=1", "cn2: cn2/VCPU=1"}},
		{"all of", [][]string{{"HW_CPU_X86_AVX2"}, {"HW_CPU_X86_SSE"}}, nil, []string{"cn2: cn2/VCPU=1"}},
		{"all of unmatched", [][]string{{"HW_CPU_X86_AVX"}, {"HW_CPU_X86_SSE"}}, nil, []string{}},
		{"forbidden", nil, []string{"HW_CPU_X86_SSE"}, []string{"cn1: cn1/VCPU=1"}},
		{"any of with forbidden", [][]string{{"HW_CPU_X86_AVX", "HW_CPU_X86_AVX2"}}, []string{"HW_CPU_X86_AVX"}, []string{"cn2: cn2/VCPU=1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := env.get(conf.PlacementConfig{}, Request{Groups: []RequestGroup{{
				Resources: map[string]int{"VCPU": 1}, RequiredTraits: tt.required, ForbiddenTraits: tt.forbidden,
			}}})
			assertDescriptions(t, env.describe(result), tt.expected)
			if len(tt.expected) == 0 && len(result.ProviderSummaries) != 0 {
				t.Fatalf("expected no summaries, got %d", len(result.ProviderSummaries))
			}
		})
	}
}

func TestGenerator_Aggregates(t *testing.T) {
	env := newTestEnv(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 8)
	env.Aggregates(cn1, "agg1")
	cn2 := env.Root("cn2")
	env.Totals(cn2, "VCPU", 8)
	env.Aggregates(cn2, "agg2")
	env.Totals(env.Root("cn3"), "VCPU", 8)
	agg1, agg2 := testfixtures.UUID("agg1"), testfixtures.UUID("agg2")

	tests := []struct {
		name      string
		memberOf  [][]string
		forbidden []string
		expected  []string
	}{
		{"member of", [][]string{{agg1}}, nil, []string{"cn1: cn1/VCPU=1"}},
		{"member of any", [][]string{{agg1, agg2}}, nil, []string{"cn1: cn1/VCPU=1", "cn2: cn2/VCPU=1"}},
		{"member of all", [][]string{{agg1}, {agg2}}, nil, []string{}},
		{"aggregate without members", [][]string{{testfixtures.UUID("agg3")}}, nil, []string{}},
		{"forbidden", nil, []string{agg1}, []string{"cn2: cn2/VCPU=1", "cn3: cn3/VCPU=1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := env.get(conf.PlacementConfig{}, Request{Groups: []RequestGroup{{
				Resources: map[string]int{"VCPU": 1}, MemberOf: tt.memberOf, ForbiddenAggregates: tt.forbidden,
			}}})
			assertDescriptions(t, env.describe(result), tt.expected)
		})
	}
}

func TestGenerator_NestedMemberOfViaRoot(t *testing.T) {
	env := newTestEnv(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 8)
	env.Aggregates(cn1, "agg1")
	env.Totals(env.Child(cn1, "cn1_pf1"), "SRIOV_NET_VF", 8)
	cn2 := env.Root("cn2")
	env.Totals(cn2, "VCPU", 8)
	env.Totals(env.Child(cn2, "cn2_pf1"), "SRIOV_NET_VF", 8)

	// The child is no member itself but its root is.
	result := env.get(conf.PlacementConfig{}, Request{Groups: []RequestGroup{
		{Suffix: "1", Resources: map[string]int{"SRIOV_NET_VF": 2}, MemberOf: [][]string{{testfixtures.UUID("agg1")}}, UseSameProvider: true},
	}})
	assertDescriptions(t, env.describe(result), []string{"cn1: cn1_pf1/SRIOV_NET_VF=2"})
}

func TestGenerator_InTreeAndRootTraits(t *testing.T) {
	env := newTestEnv(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 8)
	env.Traits(cn1, "CUSTOM_DISABLED")
	cn2 := env.Root("cn2")
	env.Totals(cn2, "VCPU", 8)

	result := env.get(conf.PlacementConfig{}, Request{Groups: []RequestGroup{{
		Resources: map[string]int{"VCPU": 1}, InTree: cn2.UUID,
	}}})
	assertDescriptions(t, env.describe(result), []string{"cn2: cn2/VCPU=1"})

	result = env.get(conf.PlacementConfig{}, Request{
		Groups:        []RequestGroup{{Resources: map[string]int{"VCPU": 1}}},
		RootForbidden: []string{"CUSTOM_DISABLED"},
	})
	assertDescriptions(t, env.describe(result), []string{"cn2: cn2/VCPU=1"})

	result = env.get(conf.PlacementConfig{}, Request{
		Groups:       []RequestGroup{{Resources: map[string]int{"VCPU": 1}}},
		RootRequired: [][]string{{"CUSTOM_DISABLED"}},
	})
	assertDescriptions(t, env.describe(result), []string{"cn1: cn1/VCPU=1"})
}

func TestGenerator_Capacity(t *testing.T) {
	env := newTestEnv(t)
	cn1 := env.Root("cn1")
	env.Inventory(cn1, store.InventorySpec{ResourceClass: "VCPU", Total: 4, MaxUnit: 2, StepSize: 2})
	env.Allocate(cn1, "VCPU", "vm1", 2)
	cn2 := env.Root("cn2")
	env.Totals(cn2, "VCPU", 4)

	tests := []struct {
		name     string
		groups   []RequestGroup
		expected []string
	}{
		{"fits both", []RequestGroup{{Resources: map[string]int{"VCPU": 2}}}, []string{"cn1: cn1/VCPU=2", "cn2: cn2/VCPU=2"}},
		{"exceeds free capacity of cn1", []RequestGroup{{Resources: map[string]int{"VCPU": 4}}}, []string{"cn2: cn2/VCPU=4"}},
		{"violates step size of cn1", []RequestGroup{{Resources: map[string]int{"VCPU": 1}}}, []string{"cn2: cn2/VCPU=1"}},
		{"merged groups exceed capacity", []RequestGroup{
			{Resources: map[string]int{"VCPU": 3}},
			{Suffix: "1", Resources: map[string]int{"VCPU": 3}, UseSameProvider: true},
		}, []string{}},
		{"merged groups exceed max unit", []RequestGroup{
			{Resources: map[string]int{"VCPU": 2}},
			{Suffix: "1", Resources: map[string]int{"VCPU": 2}, UseSameProvider: true},
		}, []string{"cn2: cn2/VCPU=4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := env.get(conf.PlacementConfig{}, Request{Groups: tt.groups})
			assertDescriptions(t, env.describe(result), tt.expected)
		})
	}
}

func TestGenerator_GenerationStrategy(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"cn1", "cn2"} {
		cn := env.Root(name)
		env.Totals(cn, "VCPU", 8)
		env.Totals(env.Child(cn, name+"_pf1"), "SRIOV_NET_VF", 8)
		env.Totals(env.Child(cn, name+"_pf2"), "SRIOV_NET_VF", 8)
	}
	req := Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 1, "SRIOV_NET_VF": 1}}}}

	depthFirst := env.get(conf.PlacementConfig{MaxAllocationCandidates: 2}, req)
	assertDescriptions(t, env.describe(depthFirst), []string{
		"cn1: cn1/VCPU=1 cn1_pf1/SRIOV_NET_VF=1",
		"cn1: cn1/VCPU=1 cn1_pf2/SRIOV_NET_VF=1",
	})
	breadthFirst := env.get(conf.PlacementConfig{
		MaxAllocationCandidates:                2,
		AllocationCandidatesGenerationStrategy: conf.GenerationStrategyBreadthFirst,
	}, req)
	assertDescriptions(t, env.describe(breadthFirst), []string{
		"cn1: cn1/VCPU=1 cn1_pf1/SRIOV_NET_VF=1",
		"cn2: cn2/VCPU=1 cn2_pf1/SRIOV_NET_VF=1",
	})
	unlimited := env.get(conf.PlacementConfig{}, req)
	if len(unlimited.AllocationRequests) != 4 {
		t.Fatalf("expected 4 allocation requests, got %d", len(unlimited.AllocationRequests))
	}
	if len(depthFirst.ProviderSummaries) != 3 || len(unlimited.ProviderSummaries) != 6 {
		t.Fatalf("expected summaries of referenced trees only, got %d and %d",
			len(depthFirst.ProviderSummaries), len(unlimited.ProviderSummaries))
	}
}

func TestGenerator_BreadthFirstCoverage(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"cn1", "cn2", "cn3"} {
		cn := env.Root(name)
		env.Totals(cn, "VCPU", 8)
		env.Totals(env.Child(cn, name+"_pf1"), "SRIOV_NET_VF", 8)
		env.Totals(env.Child(cn, name+"_pf2"), "SRIOV_NET_VF", 8)
	}
	nic := []RequestGroup{
		{Suffix: "_NIC", Resources: map[string]int{"SRIOV_NET_VF": 1}, UseSameProvider: true},
	}
	twoNICs := []RequestGroup{
		{Suffix: "_A", Resources: map[string]int{"SRIOV_NET_VF": 1}, UseSameProvider: true},
		{Suffix: "_B", Resources: map[string]int{"SRIOV_NET_VF": 1}, UseSameProvider: true},
	}

	tests := []struct {
		name     string
		strategy conf.GenerationStrategy
		limit    int
		groups   []RequestGroup
		policy   GroupPolicy
		expected []string
	}{
		{"single provider depth-first", conf.GenerationStrategyDepthFirst, 3, nic, GroupPolicyNone, []string{
			"cn1: cn1_pf1/SRIOV_NET_VF=1",
			"cn1: cn1_pf2/SRIOV_NET_VF=1",
			"cn2: cn2_pf1/SRIOV_NET_VF=1",
		}},
		{"single provider breadth-first", conf.GenerationStrategyBreadthFirst, 3, nic, GroupPolicyNone, []string{
			"cn1: cn1_pf1/SRIOV_NET_VF=1",
			"cn2: cn2_pf1/SRIOV_NET_VF=1",
			"cn3: cn3_pf1/SRIOV_NET_VF=1",
		}},
		{"merged groups depth-first", conf.GenerationStrategyDepthFirst, 6, twoNICs, GroupPolicyNone, []string{
			"cn1: cn1_pf1/SRIOV_NET_VF=2",
			"cn1: cn1_pf1/SRIOV_NET_VF=1 cn1_pf2/SRIOV_NET_VF=1",
			"cn1: cn1_pf2/SRIOV_NET_VF=2",
			"cn2: cn2_pf1/SRIOV_NET_VF=2",
			"cn2: cn2_pf1/SRIOV_NET_VF=1 cn2_pf2/SRIOV_NET_VF=1",
			"cn2: cn2_pf2/SRIOV_NET_VF=2",
		}},
		{"merged groups breadth-first", conf.GenerationStrategyBreadthFirst, 6, twoNICs, GroupPolicyNone, []string{
			"cn1: cn1_pf1/SRIOV_NET_VF=2",
			"cn1: cn1_pf1/SRIOV_NET_VF=1 cn1_pf2/SRIOV_NET_VF=1",
			"cn2: cn2_pf1/SRIOV_NET_VF=2",
			"cn2: cn2_pf1/SRIOV_NET_VF=1 cn2_pf2/SRIOV_NET_VF=1",
			"cn3: cn3_pf1/SRIOV_NET_VF=2",
			"cn3: cn3_pf1/SRIOV_NET_VF=1 cn3_pf2/SRIOV_NET_VF=1",
		}},
		{"isolated groups breadth-first", conf.GenerationStrategyBreadthFirst, 3, twoNICs, GroupPolicyIsolate, []string{
			"cn1: cn1_pf1/SRIOV_NET_VF=1 cn1_pf2/SRIOV_NET_VF=1",
			"cn2: cn2_pf1/SRIOV_NET_VF=1 cn2_pf2/SRIOV_NET_VF=1",
			"cn3: cn3_pf1/SRIOV_NET_VF=1 cn3_pf2/SRIOV_NET_VF=1",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := env.get(conf.PlacementConfig{
				MaxAllocationCandidates:                tt.limit,
				AllocationCandidatesGenerationStrategy: tt.strategy,
			}, Request{Groups: tt.groups, GroupPolicy: tt.policy})
			assertDescriptions(t, env.describe(result), tt.expected)
		})
	}
}

func TestGenerator_SharingProviderFilters(t *testing.T) {
	env := newTestEnv(t)
	cn1 := env.Root("cn1")
	env.Totals(cn1, "VCPU", 8)
	env.Aggregates(cn1, "agg1", "agg2")
	cn2 := env.Root("cn2")
	env.Totals(cn2, "VCPU", 8)
	env.Traits(cn2, "HW_CPU_X86_AVX")
	env.Aggregates(cn2, "agg1")
	ss := env.Root("ss")
	env.Totals(ss, "DISK_GB", 1000)
	env.Traits(ss, placement.TraitSharesViaAggregate, "CUSTOM_SSD")
	env.Aggregates(ss, "agg1")
	agg1, agg2 := testfixtures.UUID("agg1"), testfixtures.UUID("agg2")

	tests := []struct {
		name      string
		memberOf  [][]string
		required  [][]string
		forbidden []string
		expected  []string
	}{
		{"sharing provider in aggregate", [][]string{{agg1}}, nil, nil, []string{
			"cn1: cn1/VCPU=1 ss/DISK_GB=10",
			"cn2: cn2/VCPU=1 ss/DISK_GB=10",
		}},
		// cn1 is in agg2, but ss is not.
		{"sharing provider outside aggregate", [][]string{{agg2}}, nil, nil, []string{}},
		{"sharing provider outside one of the aggregates", [][]string{{agg1}, {agg2}}, nil, nil, []string{}},
		{"trait of sharing provider", nil, [][]string{{"CUSTOM_SSD"}}, nil, []string{
			"cn1: cn1/VCPU=1 ss/DISK_GB=10",
			"cn2: cn2/VCPU=1 ss/DISK_GB=10",
		}},
		{"traits across tree and sharing provider", nil, [][]string{{"HW_CPU_X86_AVX"}, {"CUSTOM_SSD"}}, nil, []string{
			"cn2: cn2/VCPU=1 ss/DISK_GB=10",
		}},
		{"forbidden trait of sharing provider", nil, nil, []string{"CUSTOM_SSD"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := env.get(conf.PlacementConfig{}, Request{Groups: []RequestGroup{{
				Resources:       map[string]int{"VCPU": 1, "DISK_GB": 10},
				MemberOf:        tt.memberOf,
				RequiredTraits:  tt.required,
				ForbiddenTraits: tt.forbidden,
			}}})
			assertDescriptions(t, env.describe(result), tt.expected)
		})
	}
}

func TestGenerator_Limit(t *testing.T) {
	env := newTestEnv(t)
	for i := range 5 {
		env.Totals(env.Root(fmt.Sprintf("cn%d", i)), "VCPU", 8)
	}
	req := Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 1}}}, Limit: option.Some(2)}

	all := env.get(conf.PlacementConfig{}, Request{Groups: req.Groups})
	if len(all.AllocationRequests) != 5 {
		t.Fatalf("expected 5 allocation requests, got %d", len(all.AllocationRequests))
	}
	for i := 1; i < len(all.AllocationRequests); i++ {
		if all.AllocationRequests[i-1].AnchorRootUUID > all.AllocationRequests[i].AnchorRootUUID {
			t.Fatal("expected allocation requests ordered by anchor uuid")
		}
	}

	limited := env.get(conf.PlacementConfig{}, req)
	if len(limited.AllocationRequests) != 2 || len(limited.ProviderSummaries) != 2 {
		t.Fatalf("expected 2 requests and summaries, got %d and %d", len(limited.AllocationRequests), len(limited.ProviderSummaries))
	}
	for i, areq := range limited.AllocationRequests {
		if areq.AnchorRootUUID != all.AllocationRequests[i].AnchorRootUUID {
			t.Fatalf("expected the first requests of the full result, got %s at %d", areq.AnchorRootUUID, i)
		}
	}

	g := NewGenerator(env.Store, conf.PlacementConfig{RandomizeAllocationCandidates: true}, Monitor{})
	g.rng = rand.New(rand.NewPCG(1, 2))
	seen := placement.Set[string]{}
	for range 20 {
		sampled, err := g.Get(t.Context(), req)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(sampled.AllocationRequests) != 2 {
			t.Fatalf("expected 2 requests, got %d", len(sampled.AllocationRequests))
		}
		first, second := sampled.AllocationRequests[0].AnchorRootUUID, sampled.AllocationRequests[1].AnchorRootUUID
		if first >= second {
			t.Fatalf("expected sample to keep the order, got %s before %s", first, second)
		}
		seen.Add(first + second)
	}
	if len(seen) < 2 {
		t.Fatalf("expected different samples, got %v", seen.Sorted())
	}
}

func TestGenerator_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.Totals(env.Root("cn1"), "VCPU", 8)
	g := NewGenerator(env.Store, conf.PlacementConfig{}, Monitor{})

	tests := []struct {
		name     string
		req      Request
		expected error
	}{
		{"no groups", Request{}, placement.ErrBadRequest},
		{"unknown resource class", Request{Groups: []RequestGroup{{Resources: map[string]int{"CUSTOM_FOO": 1}}}}, placement.ErrNotFound},
		{"unknown trait", Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 1}, RequiredTraits: [][]string{{"CUSTOM_FOO"}}}}}, placement.ErrNotFound},
		{"unknown in_tree", Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 1}, InTree: testfixtures.UUID("nope")}}}, placement.ErrNotFound},
		{"zero amount", Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 0}}}}, placement.ErrBadRequest},
		{"duplicate suffix", Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 1}}, {Resources: map[string]int{"VCPU": 1}}}}, placement.ErrBadRequest},
		{"invalid limit", Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 1}}}, Limit: option.Some(0)}, placement.ErrBadRequest},
		{"invalid policy", Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 1}}}, GroupPolicy: "all"}, placement.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Get(t.Context(), tt.req)
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestGenerator_Monitor(t *testing.T) {
	env := newTestEnv(t)
	env.Totals(env.Root("cn1"), "VCPU", 8)
	registry := monitoring.NewRegistry(conf.MonitoringConfig{})
	monitor := NewGeneratorMonitor(registry)
	g := NewGenerator(env.Store, conf.PlacementConfig{}, monitor)

	if _, err := g.Get(t.Context(), Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 1}}}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := g.Get(t.Context(), Request{Groups: []RequestGroup{{Resources: map[string]int{"VCPU": 16}}}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := testutil.ToFloat64(monitor.UnsatisfiableCounter.WithLabelValues(string(stageSearch))); got != 1 {
		t.Fatalf("expected 1 unsatisfiable search, got %v", got)
	}
	if got := testutil.CollectAndCount(monitor.CandidatesReturned); got != 1 {
		t.Fatalf("expected 1 histogram, got %d", got)
	}
}
