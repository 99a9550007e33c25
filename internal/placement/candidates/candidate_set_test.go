// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import (
	"slices"
	"testing"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
)

func TestCandidateSet(t *testing.T) {
	// Trees 1 and 2, provider 10 shares with both.
	vcpu := NewCandidateSet()
	vcpu.Add(0, ProviderRoot{ProviderID: 1, RootID: 1}, ProviderRoot{ProviderID: 2, RootID: 2}, ProviderRoot{ProviderID: 3, RootID: 3})
	disk := NewCandidateSet()
	disk.Add(2, ProviderRoot{ProviderID: 10, RootID: 1}, ProviderRoot{ProviderID: 10, RootID: 2}, ProviderRoot{ProviderID: 10, RootID: 10})

	merged := vcpu.MergeCommonTrees(disk)
	if got := merged.Trees().Sorted(); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("expected trees [1 2], got %v", got)
	}
	if got := merged.Providers().Sorted(); !slices.Equal(got, []int64{1, 2, 10}) {
		t.Fatalf("expected providers [1 2 10], got %v", got)
	}
	if got := merged.ProvidersFor(1, 2); !slices.Equal(got, []int64{10}) {
		t.Fatalf("expected provider 10 for disk in tree 1, got %v", got)
	}

	byProviderOrTree := merged.FilterByProviderOrTree(placement.NewSet[int64](1))
	if got := byProviderOrTree.Len(); got != 2 {
		t.Fatalf("expected entries of tree 1 only, got %d", got)
	}
	norTree := merged.FilterByProviderNorTree(placement.NewSet[int64](10))
	if got := norTree.Providers().Sorted(); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("expected sharing provider to be dropped, got %v", got)
	}
	byProvider := merged.FilterByProvider(placement.NewSet[int64](2, 10))
	if got := byProvider.Trees().Sorted(); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("expected trees [1 2], got %v", got)
	}
	if got := merged.FilterByTree(placement.NewSet[int64](3)).Len(); got != 0 {
		t.Fatalf("expected no entries for tree 3, got %d", got)
	}

	byTree := merged.ProvidersByTree()
	if got := byTree[1]; !slices.Equal(got, []int64{1, 10}) {
		t.Fatalf("expected providers [1 10] for tree 1, got %v", got)
	}
	if got := byTree[2]; !slices.Equal(got, []int64{2, 10}) {
		t.Fatalf("expected providers [2 10] for tree 2, got %v", got)
	}
	// The sharing provider is kept for tree 2 but not for tree 1.
	members := merged.FilterByTreeMembers(map[int64]placement.Set[int64]{
		1: placement.NewSet[int64](1),
		2: placement.NewSet[int64](2, 10),
	})
	if got := members.ProvidersFor(1, 2); len(got) != 0 {
		t.Fatalf("expected no disk provider for tree 1, got %v", got)
	}
	if got := members.ProvidersFor(2, 2); !slices.Equal(got, []int64{10}) {
		t.Fatalf("expected provider 10 for disk in tree 2, got %v", got)
	}
}
