// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Prometheus instrumentation for the sync pipeline:
// - Webhook intake and normalization outcomes
// - Fan-out results per sync type
// - Dedup / loop-guard / admission drops
// - Remote API errors by bucket
// - Circuit breaker state per server

var (
	// EventsTotal counts webhook messages received on the bus, labeled by the
	// normalization outcome ("accepted", "filtered", "dropped", "invalid").
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_events_total",
			Help: "Total webhook events received, by normalization outcome",
		},
		[]string{"outcome"},
	)

	// SyncsTotal counts completed sync edges by type and status.
	SyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_syncs_total",
			Help: "Total sync attempts that reached a target, by sync type and status",
		},
		[]string{"sync_type", "status"},
	)

	// DuplicateEvents counts events suppressed by the deduplicator or the
	// loop guard, by source ("dedup", "loop_guard").
	DuplicateEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_duplicate_events_total",
			Help: "Events suppressed as duplicates or write echoes",
		},
		[]string{"source"},
	)

	// AdmissionDrops counts events rejected by admission control, by reason
	// ("in_flight_collision", "concurrency_cap").
	AdmissionDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_admission_drops_total",
			Help: "Sync attempts dropped by admission control",
		},
		[]string{"reason"},
	)

	// APIErrors counts outbound media-server API failures by error bucket
	// ("transport", "auth", "not_found", "config").
	APIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_api_errors_total",
			Help: "Outbound media-server API errors by bucket",
		},
		[]string{"server", "bucket"},
	)

	// InFlightSyncs tracks the current number of in-flight sync jobs.
	InFlightSyncs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchsync_in_flight_syncs",
			Help: "Current number of in-flight sync jobs",
		},
	)

	// EventCacheSize tracks the deduplicator's fingerprint cache size.
	EventCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchsync_event_cache_entries",
			Help: "Current number of fingerprints held by the deduplicator",
		},
	)

	// PartialLabelMatches counts server-label resolutions that fell through
	// to partial matching (surfaced on /status; see registry docs).
	PartialLabelMatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchsync_partial_label_matches_total",
			Help: "Server label resolutions that used partial matching",
		},
	)

	// CircuitBreakerState tracks breaker state per server (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchsync_circuit_breaker_state",
			Help: "Circuit breaker state per server (0=closed, 1=half-open, 2=open)",
		},
		[]string{"server"},
	)

	// WriteDuration observes remote state-write latency.
	WriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchsync_write_duration_seconds",
			Help:    "Duration of remote state writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sync_type"},
	)

	// ResolutionCacheHits counts entity-resolution cache hits/misses.
	ResolutionCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_resolution_cache_total",
			Help: "Entity resolution cache lookups by result",
		},
		[]string{"result"},
	)
)

// CounterValue reads a counter's current value. The status endpoint uses
// this to report counters without keeping a second bookkeeping path.
func CounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
