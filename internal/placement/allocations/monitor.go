// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package allocations

import (
	"errors"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/pkg/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

// Collection of Prometheus metrics for allocation commits.
type Monitor struct {
	// A histogram to measure how long a commit takes, including retries.
	CommitTimer prometheus.Histogram
	// A counter to observe how often a commit was retried on a provider
	// generation conflict.
	ConflictRetryCounter prometheus.Counter
	// A counter to observe failed commits by reason.
	FailureCounter *prometheus.CounterVec
}

// Create a new committer monitor and register the necessary Prometheus metrics.
func NewCommitterMonitor(registry *monitoring.Registry) Monitor {
	commitTimer := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cortex_placement_allocation_commit_duration_seconds",
		Help:    "Duration of allocation commits",
		Buckets: prometheus.DefBuckets,
	})
	conflictRetryCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cortex_placement_allocation_conflict_retries_total",
		Help: "Number of allocation commits retried after a generation conflict",
	})
	failureCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_placement_allocation_commit_failures_total",
		Help: "Number of failed allocation commits",
	}, []string{"reason"})
	registry.MustRegister(
		commitTimer,
		conflictRetryCounter,
		failureCounter,
	)
	return Monitor{
		CommitTimer:          commitTimer,
		ConflictRetryCounter: conflictRetryCounter,
		FailureCounter:       failureCounter,
	}
}

func (m Monitor) observeRetry() {
	if m.ConflictRetryCounter != nil {
		m.ConflictRetryCounter.Inc()
	}
}

func (m Monitor) observeFailure(err error) {
	if m.FailureCounter != nil {
		m.FailureCounter.WithLabelValues(failureReason(err)).Inc()
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, placement.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, placement.ErrConstraintsViolated):
		return "constraints_violated"
	case errors.Is(err, placement.ErrInvalidInventory):
		return "invalid_inventory"
	case errors.Is(err, placement.ErrConcurrentUpdate):
		return "concurrent_update"
	case errors.Is(err, placement.ErrNotFound):
		return "not_found"
	case errors.Is(err, placement.ErrBadRequest):
		return "bad_request"
	default:
		return "other"
	}
}
