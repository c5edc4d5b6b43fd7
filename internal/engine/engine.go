// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/* engine.go - Sync Coordinator
 *
 * Subscribes to the webhook topic and drives each event through the
 * pipeline: normalize, loop-guard check, dedup check, group fan-out, and
 * per-target execution. Failures stay local to one (source, target) edge;
 * they never abort sibling edges or the pipeline.
 */

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/emby"
	"github.com/tomtom215/watchsync/internal/event"
	"github.com/tomtom215/watchsync/internal/groups"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/metrics"
	"github.com/tomtom215/watchsync/internal/models"
	"github.com/tomtom215/watchsync/internal/registry"
	"github.com/tomtom215/watchsync/internal/resolver"
	"github.com/tomtom215/watchsync/internal/store"
	"github.com/tomtom215/watchsync/internal/writer"
)

// WebhookTopic is the in-process topic webhook bodies are published on.
const WebhookTopic = "watchsync.webhook"

// Engine coordinates the sync pipeline for every inbound webhook event.
type Engine struct {
	enabled    bool
	normalizer *event.Normalizer
	guard      *event.LoopGuard
	dedup      *event.Deduplicator
	groups     *groups.Resolver
	registry   *registry.Registry
	resolver   *resolver.Resolver
	writer     *writer.Writer
	store      *store.Store
	subscriber message.Subscriber

	admission *admission
	counters  counters
}

// New wires the pipeline together.
func New(cfg *config.Config, reg *registry.Registry, res *resolver.Resolver, st *store.Store, sub message.Subscriber) *Engine {
	guard := event.NewLoopGuard(cfg.LoopGuard.TTL)

	return &Engine{
		enabled:    cfg.Enabled,
		normalizer: event.NewNormalizer(cfg.Sync, reg.Labels()),
		guard:      guard,
		dedup:      event.NewDeduplicator(cfg.Dedup.Window, cfg.Dedup.PositionBucket),
		groups:     groups.NewResolver(cfg.SyncGroups, reg),
		registry:   reg,
		resolver:   res,
		writer:     writer.New(guard, cfg.Sync),
		store:      st,
		subscriber: sub,
		admission:  newAdmission(cfg.Sync.MaxConcurrent, cfg.Sync.InFlightTTL),
	}
}

// Serve consumes the webhook topic until the context is cancelled. Each
// message is handled on its own goroutine; admission control bounds how
// many of them do real work. Implements suture.Service.
func (e *Engine) Serve(ctx context.Context) error {
	msgs, err := e.subscriber.Subscribe(ctx, WebhookTopic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", WebhookTopic, err)
	}

	logging.Info().Bool("enabled", e.enabled).Msg("Sync engine started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			// Ack immediately: excess load is dropped by admission, never
			// queued, and durable redelivery belongs to the webhook sender.
			msg.Ack()
			go e.handle(ctx, msg.Payload)
		}
	}
}

// String names the service in supervisor logs.
func (e *Engine) String() string { return "sync-engine" }

// ReapInFlight removes expired in-flight entries. Called by the janitor in
// addition to the opportunistic reaping on each admission check.
func (e *Engine) ReapInFlight() {
	e.admission.reap(time.Now())
}

// handle processes one raw webhook body end to end.
func (e *Engine) handle(ctx context.Context, payload []byte) {
	if !e.enabled {
		return
	}

	var msg models.WebhookMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.EventsTotal.WithLabelValues("invalid").Inc()
		logging.Debug().Err(err).Msg("Discarding undecodable webhook payload")
		return
	}

	ev, err := e.normalizer.Normalize(&msg)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(normalizeOutcome(err)).Inc()
		return
	}
	metrics.EventsTotal.WithLabelValues("accepted").Inc()
	e.counters.eventAccepted()

	if e.guard.IsEcho(ev.UserName, ev.ItemID, ev.SyncType()) {
		metrics.DuplicateEvents.WithLabelValues("loop_guard").Inc()
		e.counters.duplicate()
		logging.Debug().Str("user", ev.UserName).Str("item", ev.ItemName).
			Msg("Suppressed write echo")
		return
	}

	if e.dedup.IsDuplicate(ev) {
		metrics.DuplicateEvents.WithLabelValues("dedup").Inc()
		e.counters.duplicate()
		return
	}

	targets := e.groups.Targets(ev.ServerLabel, ev.UserName)
	if len(targets) == 0 {
		return
	}

	logging.Info().
		Str("kind", string(ev.Kind)).
		Str("source_server", ev.ServerLabel).
		Str("source_user", ev.UserName).
		Str("item", ev.ItemName).
		Int("targets", len(targets)).
		Msg("Fanning out sync event")

	// Targets run sequentially in group order so a given event's writes
	// land deterministically.
	for _, t := range targets {
		e.syncTarget(ctx, ev, t)
	}
}

// normalizeOutcome maps normalization errors to the events_total label.
func normalizeOutcome(err error) string {
	switch err {
	case event.ErrIgnoredChannel, event.ErrUnsupportedEvent, event.ErrCategoryDisabled:
		return "filtered"
	case event.ErrBelowMinWatchTime:
		return "dropped"
	default:
		return "invalid"
	}
}

// syncTarget drives one (source, target) edge through admission,
// resolution, and the write. Every post-admission outcome is audited.
func (e *Engine) syncTarget(ctx context.Context, ev *event.NormalizedEvent, t groups.Target) {
	key := jobKey(t.ServerLabel, t.UserName, ev.ItemID)
	if !e.admission.acquire(key) {
		return
	}
	defer e.admission.release(key)

	if t.Server == nil {
		e.audit(ctx, ev, t, "",
			fmt.Errorf("server label %q does not resolve to a configured server", t.ServerLabel))
		return
	}

	if !t.Server.Healthy(ctx) {
		e.audit(ctx, ev, t, "", fmt.Errorf("server %s failed health check", t.ServerLabel))
		return
	}

	userID, err := t.Server.ResolveUserID(ctx, t.UserName)
	if err != nil {
		e.countAPIError(t.ServerLabel, err)
		e.audit(ctx, ev, t, "", fmt.Errorf("resolve user %q on %s: %w", t.UserName, t.ServerLabel, err))
		return
	}

	res, err := e.resolver.Resolve(ctx, ev, t.ServerLabel, userID, t.Server.Client)
	if err != nil {
		e.countAPIError(t.ServerLabel, err)
		e.audit(ctx, ev, t, "", fmt.Errorf("resolve item %q on %s: %w", ev.ItemName, t.ServerLabel, err))
		return
	}

	if err := e.writer.Apply(ctx, ev, t.Server.Client, userID, t.UserName, res.ItemID); err != nil {
		e.countAPIError(t.ServerLabel, err)
		e.audit(ctx, ev, t, res.ItemID, err)
		return
	}

	e.audit(ctx, ev, t, res.ItemID, nil)
}

// audit writes the edge outcome to the store and bumps counters. Storage
// failures are logged and absorbed; they must not fail the pipeline.
func (e *Engine) audit(ctx context.Context, ev *event.NormalizedEvent, t groups.Target, targetItemID string, syncErr error) {
	syncType := ev.SyncType()
	rec := &store.SyncRecord{
		Timestamp:     time.Now(),
		SourceServer:  ev.ServerLabel,
		SourceUser:    ev.UserName,
		TargetServer:  t.ServerLabel,
		TargetUser:    t.UserName,
		MediaName:     mediaName(ev),
		MediaType:     ev.ItemType,
		MediaID:       targetItemID,
		PositionTicks: ev.PositionTicks,
		SyncType:      syncType,
		Status:        store.StatusSuccess,
	}

	if syncErr != nil {
		rec.Status = store.StatusError
		rec.ErrorMessage = syncErr.Error()
		metrics.SyncsTotal.WithLabelValues(syncType, "error").Inc()
		e.counters.syncFailed()
		logging.Warn().Err(syncErr).
			Str("target_server", t.ServerLabel).
			Str("target_user", t.UserName).
			Str("item", ev.ItemName).
			Msg("Sync edge failed")
	} else {
		metrics.SyncsTotal.WithLabelValues(syncType, "success").Inc()
		e.counters.syncSucceeded()
		logging.Info().
			Str("target_server", t.ServerLabel).
			Str("target_user", t.UserName).
			Str("item", ev.ItemName).
			Str("sync_type", syncType).
			Msg("Sync edge completed")
	}

	if err := e.store.Append(ctx, rec); err != nil {
		logging.Error().Err(err).Msg("Failed to write audit record")
	}
}

// countAPIError attributes a remote failure to its metrics bucket.
func (e *Engine) countAPIError(server string, err error) {
	bucket := emby.ErrorBucket(err)
	metrics.APIErrors.WithLabelValues(server, bucket).Inc()
	e.counters.apiError(bucket)
}

// mediaName renders the audited display name; episodes carry their series.
func mediaName(ev *event.NormalizedEvent) string {
	if ev.SeriesName != "" && !strings.EqualFold(ev.ItemType, "Series") {
		return ev.SeriesName + " - " + ev.ItemName
	}
	return ev.ItemName
}

func jobKey(serverLabel, userName, itemID string) string {
	return serverLabel + "|" + strings.ToLower(userName) + "|" + itemID
}
