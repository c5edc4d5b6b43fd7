// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package engine

import (
	"sync"
	"time"

	"github.com/tomtom215/watchsync/internal/metrics"
)

// admission bounds concurrent sync work. Colliding jobs and jobs over the
// global cap are dropped outright rather than queued, keeping bus latency
// bounded; the webhook sender owns redelivery.
type admission struct {
	mu       sync.Mutex
	inFlight map[string]time.Time
	cap      int
	ttl      time.Duration
}

func newAdmission(limit int, ttl time.Duration) *admission {
	if limit <= 0 {
		limit = 3
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &admission{
		inFlight: make(map[string]time.Time),
		cap:      limit,
		ttl:      ttl,
	}
}

// acquire admits a job key, or reports the drop reason via metrics. Stale
// entries are reaped opportunistically on every call so a leaked key can
// never wedge its (server, user, item) slot for good.
func (a *admission) acquire(key string) bool {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for k, t := range a.inFlight {
		if now.Sub(t) > a.ttl {
			delete(a.inFlight, k)
		}
	}

	if _, exists := a.inFlight[key]; exists {
		metrics.AdmissionDrops.WithLabelValues("in_flight_collision").Inc()
		return false
	}
	if len(a.inFlight) >= a.cap {
		metrics.AdmissionDrops.WithLabelValues("concurrency_cap").Inc()
		return false
	}

	a.inFlight[key] = now
	metrics.InFlightSyncs.Set(float64(len(a.inFlight)))
	return true
}

func (a *admission) release(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, key)
	metrics.InFlightSyncs.Set(float64(len(a.inFlight)))
}

func (a *admission) reap(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, t := range a.inFlight {
		if now.Sub(t) > a.ttl {
			delete(a.inFlight, k)
		}
	}
	metrics.InFlightSyncs.Set(float64(len(a.inFlight)))
}

func (a *admission) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}
