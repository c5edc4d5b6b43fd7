// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/* writer.go - Remote State Writer
 *
 * Applies a normalized event to one (target server, target user, target
 * item) edge. Playback position uses read-merge-write so fields this engine
 * does not own (PlayCount, IsFavorite, Rating, Played) survive the write.
 * Transport failures retry with exponential backoff; everything else fails
 * the edge immediately.
 */

package writer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/emby"
	"github.com/tomtom215/watchsync/internal/event"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/metrics"
	"github.com/tomtom215/watchsync/internal/models"
)

// Writer applies normalized events to target servers.
type Writer struct {
	guard *event.LoopGuard

	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

// New creates a writer. Successful writes are recorded in the loop guard so
// the resulting webhook echoes are suppressed.
func New(guard *event.LoopGuard, sync config.SyncConfig) *Writer {
	return &Writer{
		guard:          guard,
		retryAttempts:  sync.RetryAttempts,
		retryBaseDelay: sync.RetryBaseDelay,
		retryMaxDelay:  sync.RetryMaxDelay,
	}
}

// Apply writes the event's state change to the target, retrying transport
// failures. On success the (user, item, sync type) triple is recorded in
// the loop guard.
func (w *Writer) Apply(ctx context.Context, ev *event.NormalizedEvent, client emby.ClientInterface, targetUserID, targetUserName, targetItemID string) error {
	syncType := ev.SyncType()
	start := time.Now()

	err := w.withRetry(ctx, func() error {
		return w.write(ctx, ev, client, targetUserID, targetItemID)
	})

	metrics.WriteDuration.WithLabelValues(syncType).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	w.guard.Record(targetUserName, targetItemID, syncType)
	return nil
}

// write performs a single attempt.
func (w *Writer) write(ctx context.Context, ev *event.NormalizedEvent, client emby.ClientInterface, targetUserID, targetItemID string) error {
	switch ev.Kind {
	case event.KindPlaybackPauseOrStop:
		return w.writePlayback(ctx, ev, client, targetUserID, targetItemID)
	case event.KindFavorite:
		return client.SetFavorite(ctx, targetUserID, targetItemID, true)
	case event.KindUnfavorite:
		return client.SetFavorite(ctx, targetUserID, targetItemID, false)
	case event.KindMarkPlayed:
		return client.SetPlayed(ctx, targetUserID, targetItemID, true)
	case event.KindMarkUnplayed:
		return client.SetPlayed(ctx, targetUserID, targetItemID, false)
	default:
		return emby.ErrNotFound
	}
}

// writePlayback merges the new position into the target's current UserData
// and verifies the write landed by re-reading.
func (w *Writer) writePlayback(ctx context.Context, ev *event.NormalizedEvent, client emby.ClientInterface, targetUserID, targetItemID string) error {
	item, err := client.GetItem(ctx, targetUserID, targetItemID)
	if err != nil {
		return err
	}

	data := &models.UserData{}
	if item.UserData != nil {
		*data = *item.UserData
	}
	data.PlaybackPositionTicks = ev.PositionTicks
	now := time.Now().UTC()
	data.LastPlayedDate = &now

	if err := client.UpdateUserData(ctx, targetUserID, targetItemID, data); err != nil {
		return err
	}

	// Verification read. A mismatch is logged, not failed: some server
	// versions round the position internally.
	after, err := client.GetItem(ctx, targetUserID, targetItemID)
	if err != nil {
		logging.Debug().Err(err).Str("item_id", targetItemID).Msg("Post-write verification read failed")
		return nil
	}
	if after.UserData != nil {
		delta := after.UserData.PlaybackPositionTicks - ev.PositionTicks
		logging.Debug().
			Str("item_id", targetItemID).
			Int64("wanted_ticks", ev.PositionTicks).
			Int64("got_ticks", after.UserData.PlaybackPositionTicks).
			Int64("delta_ticks", delta).
			Msg("Playback position write verified")
	}
	return nil
}

// withRetry retries op on transport errors with exponential backoff and
// jitter. Non-retryable errors abort immediately.
func (w *Writer) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryBaseDelay
	b.Multiplier = 2
	b.MaxInterval = w.retryMaxDelay
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0

	wrapped := func() error {
		err := op()
		if err != nil && !emby.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.retryAttempts)), ctx))
}
