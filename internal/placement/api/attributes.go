// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement/attrcache"
)

type traitListJSON struct {
	Traits []string `json:"traits"`
}

type resourceClassJSON struct {
	Name string `json:"name"`
}

type resourceClassListJSON struct {
	ResourceClasses []resourceClassJSON `json:"resource_classes"`
}

func names(records []attrcache.Record) []string {
	result := make([]string, 0, len(records))
	for _, r := range records {
		result = append(result, r.Name)
	}
	return result
}

// Handle GET /traits.
func (httpAPI *httpAPI) ListTraits(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/traits")
	records, err := httpAPI.store.ListTraits(r.Context())
	if err != nil {
		cb.Fail(err)
		return
	}
	writeJSON(cb, w, http.StatusOK, traitListJSON{Traits: names(records)})
}

// Handle PUT /traits/{name}: 201 if the trait was created, 204 if it
// existed already.
func (httpAPI *httpAPI) PutTrait(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/traits/{name}")
	created, err := httpAPI.store.EnsureTrait(r.Context(), r.PathValue("name"))
	if err != nil {
		cb.Fail(err)
		return
	}
	writeEnsured(cb, w, created)
}

// Handle DELETE /traits/{name}.
func (httpAPI *httpAPI) DeleteTrait(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/traits/{name}")
	if err := httpAPI.store.DeleteTrait(r.Context(), r.PathValue("name")); err != nil {
		cb.Fail(err)
		return
	}
	writeNoContent(cb, w)
}

// Handle GET /resource_classes.
func (httpAPI *httpAPI) ListResourceClasses(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_classes")
	records, err := httpAPI.store.ListResourceClasses(r.Context())
	if err != nil {
		cb.Fail(err)
		return
	}
	body := resourceClassListJSON{ResourceClasses: make([]resourceClassJSON, 0, len(records))}
	for _, name := range names(records) {
		body.ResourceClasses = append(body.ResourceClasses, resourceClassJSON{Name: name})
	}
	writeJSON(cb, w, http.StatusOK, body)
}

// Handle PUT /resource_classes/{name}: 201 if the class was created, 204
// if it existed already.
func (httpAPI *httpAPI) PutResourceClass(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_classes/{name}")
	created, err := httpAPI.store.EnsureResourceClass(r.Context(), r.PathValue("name"))
	if err != nil {
		cb.Fail(err)
		return
	}
	writeEnsured(cb, w, created)
}

// Handle DELETE /resource_classes/{name}.
func (httpAPI *httpAPI) DeleteResourceClass(w http.ResponseWriter, r *http.Request) {
	cb := httpAPI.monitor.Callback(w, r, "/resource_classes/{name}")
	if err := httpAPI.store.DeleteResourceClass(r.Context(), r.PathValue("name")); err != nil {
		cb.Fail(err)
		return
	}
	writeNoContent(cb, w)
}

func writeEnsured(cb MonitoredCallback, w http.ResponseWriter, created bool) {
	if !created {
		writeNoContent(cb, w)
		return
	}
	w.WriteHeader(http.StatusCreated)
	cb.Respond(http.StatusCreated, nil, "Success")
}
