// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/pkg/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

// Collection of Prometheus metrics to monitor the placement API.
type APIMonitor struct {
	// A histogram to measure how long the API requests take to run.
	APIRequestsTimer *prometheus.HistogramVec
}

// Create a new API monitor and register the necessary Prometheus metrics.
func NewAPIMonitor(registry *monitoring.Registry) APIMonitor {
	apiRequestsTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cortex_placement_api_request_duration_seconds",
		Help:    "Duration of API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status", "error"})
	registry.MustRegister(
		apiRequestsTimer,
	)
	return APIMonitor{
		APIRequestsTimer: apiRequestsTimer,
	}
}

// Helper to respond to the request with the given code and error.
// Adds monitoring for the time it took to handle the request.
type MonitoredCallback struct {
	apiMonitor *APIMonitor
	w          http.ResponseWriter
	r          *http.Request
	pattern    string
	t          time.Time
}

func (m *APIMonitor) Callback(w http.ResponseWriter, r *http.Request, pattern string) MonitoredCallback {
	return MonitoredCallback{apiMonitor: m, w: w, r: r, pattern: pattern, t: time.Now()}
}

// Respond to the request with the given code and error.
// Also log the time it took to handle the request.
func (c MonitoredCallback) Respond(code int, err error, text string) {
	if c.apiMonitor != nil && c.apiMonitor.APIRequestsTimer != nil {
		observer := c.apiMonitor.APIRequestsTimer.WithLabelValues(
			c.r.Method,
			c.pattern,
			strconv.Itoa(code),
			text, // Internal error messages should not face the monitor.
		)
		observer.Observe(time.Since(c.t).Seconds())
	}
	if err == nil {
		return
	}
	if code >= http.StatusInternalServerError {
		slog.Error("failed to handle request", "path", c.pattern, "error", err)
		writeError(c.w, code, "placement.undefined_code", text)
		return
	}
	slog.Info("rejected request", "path", c.pattern, "status", code, "error", err)
	writeError(c.w, code, errorCode(err), err.Error())
}

// Map an error to its status code and to the text recorded in the
// request metrics.
func (c MonitoredCallback) Fail(err error) {
	code := statusCode(err)
	text := http.StatusText(code)
	if code >= http.StatusInternalServerError {
		text = "internal error"
	}
	c.Respond(code, err, text)
}
