// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package supervisor

import (
	"context"
	"time"

	"github.com/tomtom215/watchsync/internal/engine"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/resolver"
	"github.com/tomtom215/watchsync/internal/store"
)

// Janitor runs the periodic maintenance work: reaping stale in-flight
// entries, purging expired audit rows, and compacting the resolution
// cache. All of it is best-effort; a failed cycle is logged and retried on
// the next tick.
type Janitor struct {
	engine        *engine.Engine
	store         *store.Store
	cache         *resolver.Cache
	retentionDays int
}

// NewJanitor creates the maintenance service. retentionDays of zero
// disables audit purging.
func NewJanitor(eng *engine.Engine, st *store.Store, cache *resolver.Cache, retentionDays int) *Janitor {
	return &Janitor{
		engine:        eng,
		store:         st,
		cache:         cache,
		retentionDays: retentionDays,
	}
}

// Serve runs maintenance on fixed tickers until the context is cancelled.
// Implements suture.Service.
func (j *Janitor) Serve(ctx context.Context) error {
	reapTicker := time.NewTicker(time.Minute)
	defer reapTicker.Stop()

	dailyTicker := time.NewTicker(24 * time.Hour)
	defer dailyTicker.Stop()

	gcTicker := time.NewTicker(time.Hour)
	defer gcTicker.Stop()

	logging.Info().Int("retention_days", j.retentionDays).Msg("Janitor started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reapTicker.C:
			j.engine.ReapInFlight()
		case <-gcTicker.C:
			if j.cache != nil {
				j.cache.RunGC()
			}
		case <-dailyTicker.C:
			if j.retentionDays > 0 {
				if _, err := j.store.Purge(ctx, j.retentionDays); err != nil {
					logging.Warn().Err(err).Msg("Scheduled audit purge failed")
				}
			}
		}
	}
}

// String names the service in supervisor logs.
func (j *Janitor) String() string { return "janitor" }
