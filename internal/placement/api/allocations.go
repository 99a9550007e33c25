// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"maps"
	"net/http"
	"slices"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/allocations"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/majewsky/gg/option"
)

// Allocations of one consumer as sent by the client.
type consumerAllocationsJSON struct {
	Allocations map[string]resourcesJSON `json:"allocations"`
	// Null for consumers which don't exist yet.
	ConsumerGeneration *int   `json:"consumer_generation"`
	ProjectID          string `json:"project_id"`
	UserID             string `json:"user_id"`
	ConsumerType       string `json:"consumer_type,omitempty"`
}

func (body consumerAllocationsJSON) toConsumerAllocations(consumerUUID string) allocations.ConsumerAllocations {
	ca := allocations.ConsumerAllocations{
		ConsumerUUID: consumerUUID,
		ProjectID:    body.ProjectID,
		UserID:       body.UserID,
		ConsumerType: body.ConsumerType,
	}
	if body.ConsumerGeneration != nil {
		ca.ConsumerGeneration = option.Some(*body.ConsumerGeneration)
	}
	for _, providerUUID := range slices.Sorted(maps.Keys(body.Allocations)) {
		for _, class := range slices.Sorted(maps.Keys(body.Allocations[providerUUID].Resources)) {
			ca.Allocations = append(ca.Allocations, allocations.Line{
				ProviderUUID:  providerUUID,
				ResourceClass: class,
				Used:          body.Allocations[providerUUID].Resources[class],
			})
		}
	}
	return ca
}

// Allocations of one consumer as returned to the client.
type consumerAllocationsResponse struct {
	Allocations        map[string]store.ProviderAllocation `json:"allocations"`
	ConsumerGeneration *int                                `json:"consumer_generation,omitempty"`
	ProjectID          string                              `json:"project_id,omitempty"`
	UserID             string                              `json:"user_id,omitempty"`
	ConsumerType       string                              `json:"consumer_type,omitempty"`
}

// Handle POST /allocations, replacing the allocations of several
// consumers at once.
func (httpAPI *httpAPI) PostAllocations(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/allocations")
	var body map[string]consumerAllocationsJSON
	if err := httpAPI.decode(r, &body); err != nil {
		cb.Fail(placement.BadRequest("malformed request body: %s", err))
		return
	}
	input := make([]allocations.ConsumerAllocations, 0, len(body))
	for _, consumerUUID := range slices.Sorted(maps.Keys(body)) {
		input = append(input, body[consumerUUID].toConsumerAllocations(consumerUUID))
	}
	if err := httpAPI.committer.ReplaceAll(r.Context(), input); err != nil {
		cb.Fail(err)
		return
	}
	writeNoContent(cb, w)
}

// Handle PUT /allocations/{consumer_uuid}.
func (httpAPI *httpAPI) PutConsumerAllocations(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/allocations/{consumer_uuid}")
	var body consumerAllocationsJSON
	if err := httpAPI.decode(r, &body); err != nil {
		cb.Fail(placement.BadRequest("malformed request body: %s", err))
		return
	}
	input := []allocations.ConsumerAllocations{body.toConsumerAllocations(r.PathValue("consumer_uuid"))}
	if err := httpAPI.committer.ReplaceAll(r.Context(), input); err != nil {
		cb.Fail(err)
		return
	}
	writeNoContent(cb, w)
}

// Handle GET /allocations/{consumer_uuid}. Unknown consumers have no
// allocations.
func (httpAPI *httpAPI) GetConsumerAllocations(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/allocations/{consumer_uuid}")
	result, err := httpAPI.store.GetAllocationsByConsumer(r.Context(), r.PathValue("consumer_uuid"))
	if err != nil {
		cb.Fail(err)
		return
	}
	body := consumerAllocationsResponse{Allocations: result.Allocations}
	if c := result.Consumer; c != nil {
		body.ConsumerGeneration = &c.Generation
		body.ProjectID = c.ProjectExternalID
		body.UserID = c.UserExternalID
		body.ConsumerType = c.ConsumerType
	}
	writeJSON(cb, w, http.StatusOK, body)
}

// Handle DELETE /allocations/{consumer_uuid}.
func (httpAPI *httpAPI) DeleteConsumerAllocations(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/allocations/{consumer_uuid}")
	if err := httpAPI.committer.DeleteForConsumer(r.Context(), r.PathValue("consumer_uuid")); err != nil {
		cb.Fail(err)
		return
	}
	writeNoContent(cb, w)
}
