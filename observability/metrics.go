// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the proposal pipeline.
//
// # Cardinality
//
// Labels are bounded: action has three values, outcome and status a handful,
// category one per redaction pattern. Nothing user-controlled becomes a
// label value.
type Metrics struct {
	ProposalsTotal    *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	RedactionsTotal   *prometheus.CounterVec
	DuplicatesTotal   prometheus.Counter
	LocksHeld         prometheus.Gauge
	PlanRejectedTotal prometheus.Counter
}

// NewMetrics registers the pipeline instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProposalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_proposals_total",
			Help: "Proposal lifecycle outcomes.",
		}, []string{"outcome"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_step_duration_seconds",
			Help:    "Wall-clock duration of executed plan steps.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"action", "status"}),
		RedactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_redactions_total",
			Help: "Secrets redacted from prompts, by pattern category.",
		}, []string{"category"}),
		DuplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "argus_duplicate_requests_total",
			Help: "Action requests rejected by the idempotency ledger.",
		}),
		LocksHeld: factory.NewGauge(prometheus.GaugeOpts{
			Name: "argus_resource_locks_held",
			Help: "Resource locks currently held by executing steps.",
		}),
		PlanRejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "argus_plans_rejected_total",
			Help: "Generated plans rejected by schema validation.",
		}),
	}
}

// ObserveStep records one executed step. Wired into the executor as its
// Observer callback.
func (m *Metrics) ObserveStep(action, status string, elapsed time.Duration) {
	m.StepDuration.WithLabelValues(action, status).Observe(elapsed.Seconds())
}

// ObserveRedaction counts one redaction in the given category. Wired into
// the redaction store as its Observer callback.
func (m *Metrics) ObserveRedaction(category string) {
	m.RedactionsTotal.WithLabelValues(category).Inc()
}

// SetLocksHeld reports the current lock count. Wired into the lock table's
// OnChange callback.
func (m *Metrics) SetLocksHeld(held int) {
	m.LocksHeld.Set(float64(held))
}
