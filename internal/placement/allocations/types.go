// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package allocations

import "github.com/majewsky/gg/option"

// Amount of one resource class a consumer holds on a provider. A zero
// amount removes the allocation.
type Line struct {
	ProviderUUID  string `json:"resource_provider_uuid"`
	ResourceClass string `json:"resource_class"`
	Used          int    `json:"used"`
}

// Desired allocations of one consumer, replacing all allocations the
// consumer currently holds.
type ConsumerAllocations struct {
	ConsumerUUID string
	// Generation the caller read the consumer at, or None if the consumer
	// is expected to not exist yet.
	ConsumerGeneration option.Option[int]
	// External project and user ids. New consumers without them get the
	// configured placeholders, existing consumers keep theirs.
	ProjectID string
	UserID    string
	// Optional, e.g. INSTANCE or MIGRATION.
	ConsumerType string
	Allocations  []Line
}

func (ca ConsumerAllocations) isRemoval() bool {
	for _, l := range ca.Allocations {
		if l.Used > 0 {
			return false
		}
	}
	return true
}
