// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import "github.com/prometheus/client_golang/prometheus"

// Database related metrics.
type Monitor struct {
	connectionAttempts *prometheus.CounterVec
	// An observer that checks how long transactions take to run.
	txTimer *prometheus.HistogramVec
	// Number of transactions that were rolled back, by label.
	txFailures *prometheus.CounterVec
}

func NewDBMonitor(registry prometheus.Registerer) Monitor {
	return Monitor{
		connectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_placement_db_connection_attempts_total",
			Help: "Total number of database connection attempts",
		}, []string{"host", "database"}),
		txTimer: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortex_placement_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"transaction"}),
		txFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_placement_db_transaction_rollbacks_total",
			Help: "Total number of rolled back database transactions",
		}, []string{"transaction"}),
	}
}

func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	m.connectionAttempts.Describe(ch)
	m.txTimer.Describe(ch)
	m.txFailures.Describe(ch)
}

func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	m.connectionAttempts.Collect(ch)
	m.txTimer.Collect(ch)
	m.txFailures.Collect(ch)
}
