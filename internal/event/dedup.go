// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package event

import (
	"sync"
	"time"

	"github.com/tomtom215/watchsync/internal/metrics"
)

// Deduplicator suppresses repeated webhook deliveries by fingerprint
// within a sliding window. Entries older than twice the window are evicted
// lazily on each check so the cache stays bounded without a background
// goroutine.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration

	// bucketTicks quantizes playback position for fingerprinting.
	bucketTicks int64

	now func() time.Time
}

// NewDeduplicator creates a deduplicator with the given suppression window
// and position bucket width.
func NewDeduplicator(window, positionBucket time.Duration) *Deduplicator {
	return &Deduplicator{
		seen:        make(map[string]time.Time),
		window:      window,
		bucketTicks: positionBucket.Nanoseconds() / 100, // ticks are 100ns units
		now:         time.Now,
	}
}

// IsDuplicate reports whether the event's fingerprint was seen within the
// window. First sightings are recorded.
func (d *Deduplicator) IsDuplicate(ev *NormalizedEvent) bool {
	fp := ev.Fingerprint(d.bucketTicks)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.evictLocked(now)

	if seen, ok := d.seen[fp]; ok && now.Sub(seen) < d.window {
		return true
	}

	d.seen[fp] = now
	metrics.EventCacheSize.Set(float64(len(d.seen)))
	return false
}

// Size returns the current fingerprint count.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// evictLocked drops entries older than 2x the window. Caller holds mu.
func (d *Deduplicator) evictLocked(now time.Time) {
	cutoff := now.Add(-2 * d.window)
	for fp, t := range d.seen {
		if t.Before(cutoff) {
			delete(d.seen, fp)
		}
	}
}
