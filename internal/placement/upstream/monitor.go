// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"github.com/cobaltcore-dev/cortex-placement/pkg/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

// Collection of Prometheus metrics for the upstream importer.
type Monitor struct {
	// A histogram to measure how long one import takes.
	ImportTimer prometheus.Histogram
	// A gauge with the number of providers seen upstream in the last import.
	ProvidersGauge prometheus.Gauge
	// A counter of providers which could not be mirrored, by what failed.
	FailureCounter *prometheus.CounterVec
}

// Create a new importer monitor and register the necessary Prometheus metrics.
func NewImporterMonitor(registry *monitoring.Registry) Monitor {
	importTimer := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cortex_placement_upstream_import_duration_seconds",
		Help:    "Duration of an import from the upstream placement service",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	providersGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_placement_upstream_providers",
		Help: "Number of resource providers found upstream in the last import",
	})
	failureCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_placement_upstream_failures_total",
		Help: "Number of resource providers which could not be mirrored",
	}, []string{"step"})
	registry.MustRegister(
		importTimer,
		providersGauge,
		failureCounter,
	)
	return Monitor{
		ImportTimer:    importTimer,
		ProvidersGauge: providersGauge,
		FailureCounter: failureCounter,
	}
}

func (m Monitor) observeFailure(step string) {
	if m.FailureCounter != nil {
		m.FailureCounter.WithLabelValues(step).Inc()
	}
}
