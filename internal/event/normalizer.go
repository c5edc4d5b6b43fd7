// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/* normalizer.go - Webhook Event Normalization
 *
 * Funnels the heterogeneous webhook event names into a single canonical
 * NormalizedEvent so no downstream code ever inspects raw event strings.
 * Filtering (channel, media type, category switches, minimum watch time)
 * happens here, before any remote call is made.
 */

package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/models"
)

// Kind is the canonical event category after normalization.
type Kind string

const (
	KindPlaybackPauseOrStop Kind = "playback_pause_or_stop"
	KindMarkPlayed          Kind = "mark_played"
	KindMarkUnplayed        Kind = "mark_unplayed"
	KindFavorite            Kind = "favorite"
	KindUnfavorite          Kind = "unfavorite"
)

// Sync type strings as recorded in the audit store.
const (
	SyncPlayback     = "playback"
	SyncFavorite     = "favorite"
	SyncNotFavorite  = "not_favorite"
	SyncMarkPlayed   = "mark_played"
	SyncMarkUnplayed = "mark_unplayed"
)

// Normalization outcomes. The coordinator maps these to metrics labels.
var (
	// ErrIgnoredChannel marks messages from channels other than "emby".
	ErrIgnoredChannel = errors.New("event channel ignored")

	// ErrUnsupportedEvent marks raw event names outside the supported set.
	ErrUnsupportedEvent = errors.New("unsupported event name")

	// ErrMissingFields marks payloads without a usable user or item.
	ErrMissingFields = errors.New("payload missing user or item")

	// ErrCategoryDisabled marks events filtered by the sync switches.
	ErrCategoryDisabled = errors.New("sync category disabled")

	// ErrBelowMinWatchTime marks playback events under the watch-time gate.
	ErrBelowMinWatchTime = errors.New("below minimum watch time")
)

// NormalizedEvent is the canonical record every pipeline stage consumes.
type NormalizedEvent struct {
	Kind        Kind
	Channel     string
	ServerLabel string

	UserID   string
	UserName string

	ItemID         string
	ItemName       string
	ItemType       string
	SeriesName     string
	ProductionYear int
	RunTimeTicks   int64
	ProviderIDs    map[string]string

	SessionID     string
	PositionTicks int64
}

// SyncType returns the audit sync_type this event implies.
func (e *NormalizedEvent) SyncType() string {
	switch e.Kind {
	case KindPlaybackPauseOrStop:
		return SyncPlayback
	case KindFavorite:
		return SyncFavorite
	case KindUnfavorite:
		return SyncNotFavorite
	case KindMarkPlayed:
		return SyncMarkPlayed
	case KindMarkUnplayed:
		return SyncMarkUnplayed
	default:
		return string(e.Kind)
	}
}

// Fingerprint returns the dedup fingerprint for this event. Position is
// quantized to bucketTicks so re-emitted events with near-identical
// positions collapse to the same fingerprint.
func (e *NormalizedEvent) Fingerprint(bucketTicks int64) string {
	bucket := int64(0)
	if bucketTicks > 0 {
		bucket = e.PositionTicks / bucketTicks * bucketTicks
	}
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		e.Channel, e.Kind, e.UserID, e.ItemID, e.SessionID, bucket)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Normalizer converts raw webhook messages into NormalizedEvents.
type Normalizer struct {
	sync config.SyncConfig

	// soleLabel is the only configured server label, or "" when more than
	// one server exists. Used as the last-resort label fallback.
	soleLabel string
}

// NewNormalizer builds a normalizer. labels are the configured server
// labels in order.
func NewNormalizer(sync config.SyncConfig, labels []string) *Normalizer {
	n := &Normalizer{sync: sync}
	if len(labels) == 1 {
		n.soleLabel = labels[0]
	}
	return n
}

// Normalize converts a raw message to a NormalizedEvent or reports why the
// message cannot proceed.
func (n *Normalizer) Normalize(msg *models.WebhookMessage) (*NormalizedEvent, error) {
	if msg == nil || !strings.EqualFold(msg.Channel, "emby") {
		return nil, ErrIgnoredChannel
	}

	payload := msg.JSONObject
	if payload == nil || payload.User == nil || payload.Item == nil ||
		payload.User.Name == "" || payload.Item.ID == "" {
		return nil, ErrMissingFields
	}

	kind, err := n.classify(msg.Event, payload)
	if err != nil {
		return nil, err
	}

	ev := &NormalizedEvent{
		Kind:           kind,
		Channel:        strings.ToLower(msg.Channel),
		ServerLabel:    n.serverLabel(msg),
		UserID:         payload.User.ID,
		UserName:       payload.User.Name,
		ItemID:         payload.Item.ID,
		ItemName:       payload.Item.Name,
		ItemType:       payload.Item.Type,
		SeriesName:     payload.Item.SeriesName,
		ProductionYear: payload.Item.ProductionYear,
		RunTimeTicks:   payload.Item.RunTimeTicks,
		ProviderIDs:    payload.Item.ProviderIDs,
		PositionTicks:  resolvePosition(payload),
	}
	if payload.Session != nil {
		ev.SessionID = payload.Session.ID
	}

	if err := n.applyGates(ev, payload); err != nil {
		return nil, err
	}

	return ev, nil
}

// classify maps a raw event name to a Kind. Favorite-shaped events infer
// direction from the item's current UserData.
func (n *Normalizer) classify(event string, payload *models.WebhookPayload) (Kind, error) {
	switch strings.ToLower(event) {
	case "playback.pause", "playback.stop":
		return KindPlaybackPauseOrStop, nil
	case "playback.scrobble", "item.markplayed":
		return KindMarkPlayed, nil
	case "item.markunplayed":
		return KindMarkUnplayed, nil
	case "user.favorite", "item.favorite", "item.rate", "library.new", "library.update":
		if payload.Item.UserData != nil && payload.Item.UserData.IsFavorite {
			return KindFavorite, nil
		}
		return KindUnfavorite, nil
	default:
		return "", ErrUnsupportedEvent
	}
}

// serverLabel applies the label resolution precedence: explicit
// server_name, then Server.Name, then Server.Id, then the sole configured
// server when exactly one exists.
func (n *Normalizer) serverLabel(msg *models.WebhookMessage) string {
	if msg.ServerName != "" {
		return msg.ServerName
	}
	if s := msg.JSONObject.Server; s != nil {
		if s.Name != "" {
			return s.Name
		}
		if s.ID != "" {
			return s.ID
		}
	}
	return n.soleLabel
}

// resolvePosition applies the position precedence: Session, PlaybackInfo,
// then the item's own UserData.
func resolvePosition(payload *models.WebhookPayload) int64 {
	if payload.Session != nil && payload.Session.PositionTicks > 0 {
		return payload.Session.PositionTicks
	}
	if payload.PlaybackInfo != nil && payload.PlaybackInfo.PositionTicks > 0 {
		return payload.PlaybackInfo.PositionTicks
	}
	if payload.Item.UserData != nil {
		return payload.Item.UserData.PlaybackPositionTicks
	}
	return 0
}

// applyGates enforces the media-type switches, the category switches, and
// the minimum watch-time gate.
func (n *Normalizer) applyGates(ev *NormalizedEvent, payload *models.WebhookPayload) error {
	switch ev.Kind {
	case KindPlaybackPauseOrStop:
		if payload.Item.IsMovie() && !n.sync.Movies {
			return ErrCategoryDisabled
		}
		if payload.Item.IsEpisodic() && !n.sync.TV {
			return ErrCategoryDisabled
		}
		if n.belowMinWatchTime(payload) {
			return ErrBelowMinWatchTime
		}
	case KindFavorite, KindUnfavorite:
		if !n.sync.Favorite {
			return ErrCategoryDisabled
		}
	case KindMarkPlayed, KindMarkUnplayed:
		if !n.sync.Played {
			return ErrCategoryDisabled
		}
	}
	return nil
}

// belowMinWatchTime infers the watched duration from PlayDurationTicks,
// falling back to the playback position when the session does not report
// one.
func (n *Normalizer) belowMinWatchTime(payload *models.WebhookPayload) bool {
	if n.sync.MinWatchTime <= 0 {
		return false
	}
	var ticks int64
	if payload.Session != nil && payload.Session.PlayDurationTicks > 0 {
		ticks = payload.Session.PlayDurationTicks
	} else {
		ticks = resolvePosition(payload)
	}
	return ticks/models.TicksPerSecond < int64(n.sync.MinWatchTime)
}
