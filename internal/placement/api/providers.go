// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"maps"
	"net/http"
	"slices"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
)

type providerListJSON struct {
	ResourceProviders []store.ProviderInfo `json:"resource_providers"`
}

type providerJSON struct {
	UUID               string `json:"uuid"`
	Name               string `json:"name"`
	ParentProviderUUID string `json:"parent_provider_uuid"`
}

type inventoriesJSON struct {
	Generation  *int                           `json:"resource_provider_generation"`
	Inventories map[string]store.InventorySpec `json:"inventories"`
}

type inventoryJSON struct {
	store.InventorySpec
	Generation *int `json:"resource_provider_generation"`
}

type usagesJSON struct {
	Generation int            `json:"resource_provider_generation"`
	Usages     map[string]int `json:"usages"`
}

type providerAllocationsJSON struct {
	Generation  int                      `json:"resource_provider_generation"`
	Allocations map[string]resourcesJSON `json:"allocations"`
}

type traitsJSON struct {
	Generation *int     `json:"resource_provider_generation"`
	Traits     []string `json:"traits"`
}

type aggregatesJSON struct {
	Generation *int     `json:"resource_provider_generation"`
	Aggregates []string `json:"aggregates"`
}

// Get the provider, expecting it at the generation given by the client.
func (httpAPI *httpAPI) providerAt(ctx context.Context, providerUUID string, generation *int) (*placement.ResourceProvider, error) {
	if generation == nil {
		return nil, placement.BadRequest("resource_provider_generation is required")
	}
	info, err := httpAPI.store.GetProvider(ctx, providerUUID)
	if err != nil {
		return nil, err
	}
	rp := info.ResourceProvider
	rp.Generation = *generation
	return &rp, nil
}

// Handle GET /resource_providers, optionally restricted by ?in_tree=.
func (httpAPI *httpAPI) ListProviders(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers")
	providers, err := httpAPI.store.ListProviders(r.Context(), r.URL.Query().Get("in_tree"))
	if err != nil {
		cb.Fail(err)
		return
	}
	if providers == nil {
		providers = []store.ProviderInfo{}
	}
	writeJSON(cb, w, http.StatusOK, providerListJSON{ResourceProviders: providers})
}

// Handle POST /resource_providers.
func (httpAPI *httpAPI) CreateProvider(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers")
	var body providerJSON
	if err := httpAPI.decode(r, &body); err != nil {
		cb.Fail(placement.BadRequest("malformed request body: %s", err))
		return
	}
	info, err := httpAPI.store.CreateProvider(r.Context(), store.ProviderSpec{
		UUID: body.UUID, Name: body.Name, ParentUUID: body.ParentProviderUUID,
	})
	if err != nil {
		cb.Fail(err)
		return
	}
	writeJSON(cb, w, http.StatusOK, info)
}

// Handle GET /resource_providers/{uuid}.
func (httpAPI *httpAPI) GetProvider(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}")
	info, err := httpAPI.store.GetProvider(r.Context(), r.PathValue("uuid"))
	if err != nil {
		cb.Fail(err)
		return
	}
	writeJSON(cb, w, http.StatusOK, info)
}

// Handle PUT /resource_providers/{uuid}, renaming or re-parenting it.
func (httpAPI *httpAPI) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}")
	var body providerJSON
	if err := httpAPI.decode(r, &body); err != nil {
		cb.Fail(placement.BadRequest("malformed request body: %s", err))
		return
	}
	info, err := httpAPI.store.UpdateProvider(r.Context(), r.PathValue("uuid"), body.Name, body.ParentProviderUUID)
	if err != nil {
		cb.Fail(err)
		return
	}
	writeJSON(cb, w, http.StatusOK, info)
}

// Handle DELETE /resource_providers/{uuid}.
func (httpAPI *httpAPI) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}")
	if err := httpAPI.store.DeleteProvider(r.Context(), r.PathValue("uuid")); err != nil {
		cb.Fail(err)
		return
	}
	writeNoContent(cb, w)
}

func (httpAPI *httpAPI) writeInventories(cb MonitoredCallback, w http.ResponseWriter, r *http.Request) {
	rp, infos, err := httpAPI.store.GetInventory(r.Context(), r.PathValue("uuid"))
	if err != nil {
		cb.Fail(err)
		return
	}
	body := inventoriesJSON{Generation: &rp.Generation, Inventories: make(map[string]store.InventorySpec, len(infos))}
	for _, info := range infos {
		body.Inventories[info.ResourceClass] = info.Spec()
	}
	writeJSON(cb, w, http.StatusOK, body)
}

// Handle GET /resource_providers/{uuid}/inventories.
func (httpAPI *httpAPI) GetInventories(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/inventories")
	httpAPI.writeInventories(cb, w, r)
}

// Handle PUT /resource_providers/{uuid}/inventories, replacing all
// inventories of the provider.
func (httpAPI *httpAPI) PutInventories(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/inventories")
	var body inventoriesJSON
	if err := httpAPI.decode(r, &body); err != nil {
		cb.Fail(placement.BadRequest("malformed request body: %s", err))
		return
	}
	rp, err := httpAPI.providerAt(r.Context(), r.PathValue("uuid"), body.Generation)
	if err != nil {
		cb.Fail(err)
		return
	}
	specs := make([]store.InventorySpec, 0, len(body.Inventories))
	for _, class := range slices.Sorted(maps.Keys(body.Inventories)) {
		spec := body.Inventories[class]
		spec.ResourceClass = class
		specs = append(specs, spec.WithDefaults())
	}
	if err := httpAPI.store.SetInventory(r.Context(), rp, specs); err != nil {
		cb.Fail(err)
		return
	}
	httpAPI.writeInventories(cb, w, r)
}

// Handle PUT /resource_providers/{uuid}/inventories/{resource_class}.
func (httpAPI *httpAPI) PutInventory(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/inventories/{resource_class}")
	var body inventoryJSON
	if err := httpAPI.decode(r, &body); err != nil {
		cb.Fail(placement.BadRequest("malformed request body: %s", err))
		return
	}
	rp, err := httpAPI.providerAt(r.Context(), r.PathValue("uuid"), body.Generation)
	if err != nil {
		cb.Fail(err)
		return
	}
	spec := body.InventorySpec
	spec.ResourceClass = r.PathValue("resource_class")
	if err := httpAPI.store.UpdateInventory(r.Context(), rp, spec.WithDefaults()); err != nil {
		cb.Fail(err)
		return
	}
	httpAPI.writeInventories(cb, w, r)
}

// Handle DELETE /resource_providers/{uuid}/inventories/{resource_class}.
// The provider is taken at its current generation.
func (httpAPI *httpAPI) DeleteInventory(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/inventories/{resource_class}")
	info, err := httpAPI.store.GetProvider(r.Context(), r.PathValue("uuid"))
	if err != nil {
		cb.Fail(err)
		return
	}
	if err := httpAPI.store.DeleteInventory(r.Context(), &info.ResourceProvider, r.PathValue("resource_class")); err != nil {
		cb.Fail(err)
		return
	}
	writeNoContent(cb, w)
}

// Handle GET /resource_providers/{uuid}/usages.
func (httpAPI *httpAPI) GetUsages(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/usages")
	rp, usages, err := httpAPI.store.GetUsages(r.Context(), r.PathValue("uuid"))
	if err != nil {
		cb.Fail(err)
		return
	}
	writeJSON(cb, w, http.StatusOK, usagesJSON{Generation: rp.Generation, Usages: usages})
}

// Handle GET /resource_providers/{uuid}/allocations.
func (httpAPI *httpAPI) GetProviderAllocations(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/allocations")
	rp, byConsumer, err := httpAPI.store.GetAllocationsByProvider(r.Context(), r.PathValue("uuid"))
	if err != nil {
		cb.Fail(err)
		return
	}
	body := providerAllocationsJSON{Generation: rp.Generation, Allocations: make(map[string]resourcesJSON, len(byConsumer))}
	for consumerUUID, resources := range byConsumer {
		body.Allocations[consumerUUID] = resourcesJSON{Resources: resources}
	}
	writeJSON(cb, w, http.StatusOK, body)
}

// Handle GET /resource_providers/{uuid}/traits.
func (httpAPI *httpAPI) GetProviderTraits(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/traits")
	rp, traits, err := httpAPI.store.GetProviderTraits(r.Context(), r.PathValue("uuid"))
	if err != nil {
		cb.Fail(err)
		return
	}
	writeJSON(cb, w, http.StatusOK, traitsJSON{Generation: &rp.Generation, Traits: traits})
}

// Handle PUT /resource_providers/{uuid}/traits, replacing all traits of
// the provider.
func (httpAPI *httpAPI) PutProviderTraits(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/traits")
	var body traitsJSON
	if err := httpAPI.decode(r, &body); err != nil {
		cb.Fail(placement.BadRequest("malformed request body: %s", err))
		return
	}
	rp, err := httpAPI.providerAt(r.Context(), r.PathValue("uuid"), body.Generation)
	if err != nil {
		cb.Fail(err)
		return
	}
	if err := httpAPI.store.SetProviderTraits(r.Context(), rp, body.Traits); err != nil {
		cb.Fail(err)
		return
	}
	slices.Sort(body.Traits)
	writeJSON(cb, w, http.StatusOK, traitsJSON{Generation: &rp.Generation, Traits: slices.Compact(body.Traits)})
}

// Handle GET /resource_providers/{uuid}/aggregates.
func (httpAPI *httpAPI) GetProviderAggregates(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/aggregates")
	rp, aggregates, err := httpAPI.store.GetProviderAggregates(r.Context(), r.PathValue("uuid"))
	if err != nil {
		cb.Fail(err)
		return
	}
	writeJSON(cb, w, http.StatusOK, aggregatesJSON{Generation: &rp.Generation, Aggregates: aggregates})
}

// Handle PUT /resource_providers/{uuid}/aggregates, replacing all
// aggregate memberships of the provider.
func (httpAPI *httpAPI) PutProviderAggregates(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_providers/{uuid}/aggregates")
	var body aggregatesJSON
	if err := httpAPI.decode(r, &body); err != nil {
		cb.Fail(placement.BadRequest("malformed request body: %s", err))
		return
	}
	rp, err := httpAPI.providerAt(r.Context(), r.PathValue("uuid"), body.Generation)
	if err != nil {
		cb.Fail(err)
		return
	}
	if err := httpAPI.store.SetProviderAggregates(r.Context(), rp, body.Aggregates); err != nil {
		cb.Fail(err)
		return
	}
	slices.Sort(body.Aggregates)
	writeJSON(cb, w, http.StatusOK, aggregatesJSON{Generation: &rp.Generation, Aggregates: slices.Compact(body.Aggregates)})
}
