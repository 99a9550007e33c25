// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
)

// Error document in the format of the OpenStack placement API.
type errorResponse struct {
	Errors []errorEntry `json:"errors"`
}

type errorEntry struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func writeError(w http.ResponseWriter, code int, errCode, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := errorResponse{Errors: []errorEntry{{
		Status: code, Title: http.StatusText(code), Detail: detail, Code: errCode,
	}}}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, placement.ErrBadRequest),
		errors.Is(err, placement.ErrInvalidInventoryCapacity),
		errors.Is(err, placement.ErrStandardEntry):
		return http.StatusBadRequest
	case errors.Is(err, placement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, placement.ErrConcurrentUpdate),
		errors.Is(err, placement.ErrExists),
		errors.Is(err, placement.ErrInUse),
		errors.Is(err, placement.ErrCannotDeleteParent),
		errors.Is(err, placement.ErrInvalidInventory),
		errors.Is(err, placement.ErrConstraintsViolated),
		errors.Is(err, placement.ErrCapacityExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	var inUse *placement.InUseError
	switch {
	case errors.Is(err, placement.ErrConcurrentUpdate):
		return "placement.concurrent_update"
	case errors.Is(err, placement.ErrExists):
		return "placement.duplicate_name"
	case errors.As(err, &inUse) && inUse.Kind == placement.KindInventory:
		return "placement.inventory.inuse"
	case errors.Is(err, placement.ErrCannotDeleteParent):
		return "placement.resource_provider.cannot_delete_parent"
	default:
		return "placement.undefined_code"
	}
}
