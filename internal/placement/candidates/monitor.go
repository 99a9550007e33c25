// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package candidates

import (
	"github.com/cobaltcore-dev/cortex-placement/pkg/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

// Collection of Prometheus metrics for the candidate generator.
type Monitor struct {
	// A histogram to measure how long the generation of candidates takes.
	RequestTimer *prometheus.HistogramVec
	// A histogram to observe how many allocation requests are returned.
	CandidatesReturned prometheus.Histogram
	// A counter to observe requests without candidates, by the stage at
	// which the search ran empty.
	UnsatisfiableCounter *prometheus.CounterVec
}

// Create a new generator monitor and register the necessary Prometheus metrics.
func NewGeneratorMonitor(registry *monitoring.Registry) Monitor {
	requestTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cortex_placement_allocation_candidates_duration_seconds",
		Help:    "Duration of allocation candidate generation",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"strategy"})
	candidatesReturned := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cortex_placement_allocation_candidates_returned",
		Help:    "Number of allocation requests returned per search",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	unsatisfiableCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_placement_allocation_candidates_unsatisfiable_total",
		Help: "Number of searches without any allocation candidate",
	}, []string{"stage"})
	registry.MustRegister(
		requestTimer,
		candidatesReturned,
		unsatisfiableCounter,
	)
	return Monitor{
		RequestTimer:         requestTimer,
		CandidatesReturned:   candidatesReturned,
		UnsatisfiableCounter: unsatisfiableCounter,
	}
}

// Stage of the search at which no candidates were left.
type stage string

const (
	stageSearch stage = "search"
	stageFilter stage = "filter"
	stageExpand stage = "expand"
	stageMerge  stage = "merge"
)

func (m Monitor) observeUnsatisfiable(s stage) {
	if m.UnsatisfiableCounter != nil {
		m.UnsatisfiableCounter.WithLabelValues(string(s)).Inc()
	}
}

func (m Monitor) observeReturned(n int) {
	if m.CandidatesReturned != nil {
		m.CandidatesReturned.Observe(float64(n))
	}
}
