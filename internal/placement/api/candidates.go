// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement/candidates"
)

type resourcesJSON struct {
	Resources map[string]int `json:"resources"`
}

type allocationRequestJSON struct {
	Allocations map[string]resourcesJSON `json:"allocations"`
	Mappings    map[string][]string      `json:"mappings,omitempty"`
}

type summaryResourceJSON struct {
	Capacity int `json:"capacity"`
	Used     int `json:"used"`
	MaxUnit  int `json:"max_unit"`
}

type providerSummaryJSON struct {
	Resources          map[string]summaryResourceJSON `json:"resources"`
	Traits             []string                       `json:"traits"`
	ParentProviderUUID *string                        `json:"parent_provider_uuid"`
	RootProviderUUID   string                         `json:"root_provider_uuid"`
}

type allocationCandidatesJSON struct {
	AllocationRequests []allocationRequestJSON        `json:"allocation_requests"`
	ProviderSummaries  map[string]providerSummaryJSON `json:"provider_summaries"`
}

func renderCandidates(result *candidates.AllocationCandidates) allocationCandidatesJSON {
	body := allocationCandidatesJSON{
		AllocationRequests: make([]allocationRequestJSON, 0, len(result.AllocationRequests)),
		ProviderSummaries:  make(map[string]providerSummaryJSON, len(result.ProviderSummaries)),
	}
	for _, areq := range result.AllocationRequests {
		rendered := allocationRequestJSON{Allocations: map[string]resourcesJSON{}, Mappings: areq.Mappings}
		for _, res := range areq.Resources {
			alloc, ok := rendered.Allocations[res.ProviderUUID]
			if !ok {
				alloc = resourcesJSON{Resources: map[string]int{}}
				rendered.Allocations[res.ProviderUUID] = alloc
			}
			alloc.Resources[res.ResourceClass] = res.Amount
		}
		body.AllocationRequests = append(body.AllocationRequests, rendered)
	}
	for _, summary := range result.ProviderSummaries {
		rendered := providerSummaryJSON{
			Resources:        make(map[string]summaryResourceJSON, len(summary.Resources)),
			Traits:           summary.Traits,
			RootProviderUUID: summary.RootUUID,
		}
		if summary.ParentUUID != "" {
			parent := summary.ParentUUID
			rendered.ParentProviderUUID = &parent
		}
		for class, res := range summary.Resources {
			rendered.Resources[class] = summaryResourceJSON(res)
		}
		body.ProviderSummaries[summary.UUID] = rendered
	}
	return body
}

// Handle GET /allocation_candidates.
func (httpAPI *httpAPI) GetAllocationCandidates(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/allocation_candidates")
	req, err := parseCandidatesQuery(r.URL.Query())
	if err != nil {
		cb.Fail(err)
		return
	}
	result, err := httpAPI.generator.Get(r.Context(), req)
	if err != nil {
		cb.Fail(err)
		return
	}
	writeJSON(cb, w, http.StatusOK, renderCandidates(result))
}
