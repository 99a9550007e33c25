// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import "github.com/majewsky/gg/option"

// How providers of different suffixed groups relate to each other.
type GroupPolicy string

const (
	// Suffixed groups may be served by the same provider.
	GroupPolicyNone GroupPolicy = "none"
	// Every suffixed group must be served by a different provider.
	GroupPolicyIsolate GroupPolicy = "isolate"
)

// One group of resources with its trait and aggregate constraints.
type RequestGroup struct {
	// Empty for the unsuffixed group.
	Suffix string
	// Requested amount per resource class name.
	Resources map[string]int
	// Conjunction of disjunctions: every inner list needs one of its traits.
	RequiredTraits  [][]string
	ForbiddenTraits []string
	// Conjunction of disjunctions over aggregate uuids.
	MemberOf            [][]string
	ForbiddenAggregates []string
	// Uuid of a provider whose tree must serve the group, empty for any tree.
	InTree string
	// All resources of the group must come from a single provider. This is
	// the case for suffixed groups.
	UseSameProvider bool
}

// A request for allocation candidates.
type Request struct {
	Groups []RequestGroup
	// Maximum number of allocation requests to return.
	Limit option.Option[int]
	// Only meaningful with more than one suffixed group.
	GroupPolicy GroupPolicy
	// Traits the anchor root provider of a candidate must (not) have.
	RootRequired  [][]string
	RootForbidden []string
	// Whether allocation requests report which group was served by which
	// providers. This also makes candidates that only differ in their
	// mappings distinct.
	IncludeMappings bool
}

// One line of an allocation request.
type AllocationRequestResource struct {
	ProviderUUID  string
	ResourceClass string
	Amount        int
}

// One way to satisfy the whole request.
type AllocationRequest struct {
	AnchorRootUUID string
	Resources      []AllocationRequestResource
	// Provider uuids per group suffix, only set if mappings were requested.
	Mappings map[string][]string
}

// Inventory snapshot of one resource class on a provider.
type ProviderSummaryResource struct {
	Capacity int
	Used     int
	MaxUnit  int
}

// Snapshot of a provider referenced by the allocation requests.
type ProviderSummary struct {
	UUID string
	// Empty for root providers.
	ParentUUID string
	RootUUID   string
	Resources  map[string]ProviderSummaryResource
	Traits     []string
}

// Result of a search for allocation candidates. Both lists are empty if
// the request cannot be satisfied.
type AllocationCandidates struct {
	AllocationRequests []AllocationRequest
	ProviderSummaries  []ProviderSummary
}
