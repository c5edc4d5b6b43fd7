// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/watchsync/internal/metrics"
)

// counters are the live numbers behind the status endpoint. Prometheus
// carries the same data for scraping; these exist so the admin UI can read
// a point-in-time snapshot without parsing the metrics exposition.
type counters struct {
	totalEvents     atomic.Int64
	successfulSyncs atomic.Int64
	failedSyncs     atomic.Int64
	duplicateEvents atomic.Int64

	mu           sync.Mutex
	apiErrors    map[string]int64
	lastSyncTime time.Time
}

func (c *counters) eventAccepted() { c.totalEvents.Add(1) }
func (c *counters) duplicate()     { c.duplicateEvents.Add(1) }

func (c *counters) syncSucceeded() {
	c.successfulSyncs.Add(1)
	c.mu.Lock()
	c.lastSyncTime = time.Now()
	c.mu.Unlock()
}

func (c *counters) syncFailed() { c.failedSyncs.Add(1) }

func (c *counters) apiError(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiErrors == nil {
		c.apiErrors = make(map[string]int64)
	}
	c.apiErrors[bucket]++
}

// Status is the live snapshot served by the status endpoint.
type Status struct {
	Enabled             bool             `json:"enabled"`
	TotalEvents         int64            `json:"total_events"`
	SuccessfulSyncs     int64            `json:"successful_syncs"`
	FailedSyncs         int64            `json:"failed_syncs"`
	DuplicateEvents     int64            `json:"duplicate_events"`
	APIErrors           map[string]int64 `json:"api_errors"`
	LastSyncTime        *time.Time       `json:"last_sync_time,omitempty"`
	InFlight            int              `json:"in_flight"`
	EventCacheSize      int              `json:"event_cache_size"`
	PartialLabelMatches int64            `json:"partial_label_matches"`
}

// Status returns a point-in-time snapshot of the live counters.
func (e *Engine) Status() *Status {
	s := &Status{
		Enabled:         e.enabled,
		TotalEvents:     e.counters.totalEvents.Load(),
		SuccessfulSyncs: e.counters.successfulSyncs.Load(),
		FailedSyncs:     e.counters.failedSyncs.Load(),
		DuplicateEvents: e.counters.duplicateEvents.Load(),
		InFlight:        e.admission.count(),
		EventCacheSize:  e.dedup.Size(),
		APIErrors:       make(map[string]int64),
	}

	e.counters.mu.Lock()
	for k, v := range e.counters.apiErrors {
		s.APIErrors[k] = v
	}
	if !e.counters.lastSyncTime.IsZero() {
		t := e.counters.lastSyncTime
		s.LastSyncTime = &t
	}
	e.counters.mu.Unlock()

	s.PartialLabelMatches = int64(metrics.CounterValue(metrics.PartialLabelMatches))
	return s
}
