// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement/allocations"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/candidates"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/cobaltcore-dev/cortex-placement/pkg/conf"
)

type HTTPAPI interface {
	// Bind the server handlers.
	Init(*http.ServeMux)
}

type httpAPI struct {
	store     *store.Store
	generator *candidates.Generator
	committer *allocations.Committer
	config    conf.APIConfig
	monitor   APIMonitor
}

func NewAPI(config conf.APIConfig, s *store.Store, g *candidates.Generator, c *allocations.Committer, m APIMonitor) HTTPAPI {
	return &httpAPI{store: s, generator: g, committer: c, config: config, monitor: m}
}

// Init the API mux and bind the handlers.
func (httpAPI *httpAPI) Init(mux *http.ServeMux) {
	mux.HandleFunc("GET /allocation_candidates", httpAPI.GetAllocationCandidates)

	mux.HandleFunc("POST /allocations", httpAPI.PostAllocations)
	mux.HandleFunc("GET /allocations/{consumer_uuid}", httpAPI.GetConsumerAllocations)
	mux.HandleFunc("PUT /allocations/{consumer_uuid}", httpAPI.PutConsumerAllocations)
	mux.HandleFunc("DELETE /allocations/{consumer_uuid}", httpAPI.DeleteConsumerAllocations)

	mux.HandleFunc("GET /resource_providers", httpAPI.ListProviders)
	mux.HandleFunc("POST /resource_providers", httpAPI.CreateProvider)
	mux.HandleFunc("GET /resource_providers/{uuid}", httpAPI.GetProvider)
	mux.HandleFunc("PUT /resource_providers/{uuid}", httpAPI.UpdateProvider)
	mux.HandleFunc("DELETE /resource_providers/{uuid}", httpAPI.DeleteProvider)
	mux.HandleFunc("GET /resource_providers/{uuid}/inventories", httpAPI.GetInventories)
	mux.HandleFunc("PUT /resource_providers/{uuid}/inventories", httpAPI.PutInventories)
	mux.HandleFunc("PUT /resource_providers/{uuid}/inventories/{resource_class}", httpAPI.PutInventory)
	mux.HandleFunc("DELETE /resource_providers/{uuid}/inventories/{resource_class}", httpAPI.DeleteInventory)
	mux.HandleFunc("GET /resource_providers/{uuid}/usages", httpAPI.GetUsages)
	mux.HandleFunc("GET /resource_providers/{uuid}/allocations", httpAPI.GetProviderAllocations)
	mux.HandleFunc("GET /resource_providers/{uuid}/traits", httpAPI.GetProviderTraits)
	mux.HandleFunc("PUT /resource_providers/{uuid}/traits", httpAPI.PutProviderTraits)
	mux.HandleFunc("GET /resource_providers/{uuid}/aggregates", httpAPI.GetProviderAggregates)
	mux.HandleFunc("PUT /resource_providers/{uuid}/aggregates", httpAPI.PutProviderAggregates)

	mux.HandleFunc("GET /traits", httpAPI.ListTraits)
	mux.HandleFunc("PUT /traits/{name}", httpAPI.PutTrait)
	mux.HandleFunc("DELETE /traits/{name}", httpAPI.DeleteTrait)
	mux.HandleFunc("GET /resource_classes", httpAPI.ListResourceClasses)
	mux.HandleFunc("PUT /resource_classes/{name}", httpAPI.PutResourceClass)
	mux.HandleFunc("DELETE /resource_classes/{name}", httpAPI.DeleteResourceClass)
}

// Decode the json request body into v. If configured, the body is logged.
func (httpAPI *httpAPI) decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if httpAPI.config.LogRequestBodies {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		slog.Info("request body", "path", r.URL.Path, "body", string(body))
		r.Body = io.NopCloser(bytes.NewBuffer(body))
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// Write v as json with the given status code, then record the response.
func writeJSON(cb MonitoredCallback, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The header is out already, only the metric can tell.
		slog.Error("failed to encode response", "error", err)
		cb.Respond(http.StatusInternalServerError, nil, "failed to encode response")
		return
	}
	cb.Respond(code, nil, "Success")
}

func writeNoContent(cb MonitoredCallback, w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
	cb.Respond(http.StatusNoContent, nil, "Success")
}
