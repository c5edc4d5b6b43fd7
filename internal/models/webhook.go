// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package models

import (
	"strings"
)

// ============================================================================
// Webhook Payload Models
// ============================================================================
// These structures represent the message delivered by the host's event bus
// for each webhook the media server emits. Only channel "emby" is consumed.

// WebhookMessage is the raw payload published on the event bus.
type WebhookMessage struct {
	Channel    string          `json:"channel"`               // Origin tag, e.g. "emby"
	Event      string          `json:"event"`                 // Raw event name, e.g. "playback.stop"
	ServerName string          `json:"server_name,omitempty"` // Explicit server label, if the sender sets one
	JSONObject *WebhookPayload `json:"json_object,omitempty"` // Structured webhook body
}

// WebhookPayload is the structured body of an Emby webhook.
type WebhookPayload struct {
	User         *WebhookUser         `json:"User,omitempty"`
	Item         *WebhookItem         `json:"Item,omitempty"`
	Session      *WebhookSession      `json:"Session,omitempty"`
	PlaybackInfo *WebhookPlaybackInfo `json:"PlaybackInfo,omitempty"`
	Server       *WebhookServer       `json:"Server,omitempty"`
}

// WebhookUser identifies the user the event belongs to.
type WebhookUser struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// WebhookItem is the media item attached to the event.
type WebhookItem struct {
	ID             string            `json:"Id"`
	Name           string            `json:"Name"`
	Type           string            `json:"Type"` // "Movie", "Episode", "Series"
	SeriesName     string            `json:"SeriesName,omitempty"`
	ProductionYear int               `json:"ProductionYear,omitempty"`
	RunTimeTicks   int64             `json:"RunTimeTicks,omitempty"`
	ProviderIDs    map[string]string `json:"ProviderIds,omitempty"` // Keys include "Tmdb", "Imdb"
	UserData       *UserData         `json:"UserData,omitempty"`
}

// WebhookSession carries playback position for session-scoped events.
type WebhookSession struct {
	ID                string `json:"Id,omitempty"`
	PositionTicks     int64  `json:"PositionTicks,omitempty"`
	PlayDurationTicks int64  `json:"PlayDurationTicks,omitempty"`
}

// WebhookPlaybackInfo is the alternative position carrier some senders use.
type WebhookPlaybackInfo struct {
	PositionTicks int64 `json:"PositionTicks,omitempty"`
}

// WebhookServer identifies the emitting server.
type WebhookServer struct {
	ID   string `json:"Id,omitempty"`
	Name string `json:"Name,omitempty"`
}

// TicksPerSecond converts between Emby ticks (100ns units) and seconds.
const TicksPerSecond int64 = 10_000_000

// ProviderID returns the provider id for the given key with case-insensitive
// key matching ("Tmdb" and "tmdb" are equivalent in the wild).
func (i *WebhookItem) ProviderID(key string) string {
	if i == nil || len(i.ProviderIDs) == 0 {
		return ""
	}
	if v, ok := i.ProviderIDs[key]; ok {
		return v
	}
	for k, v := range i.ProviderIDs {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// IsMovie reports whether the item is a movie.
func (i *WebhookItem) IsMovie() bool {
	return i != nil && strings.EqualFold(i.Type, "Movie")
}

// IsEpisodic reports whether the item is an episode or a series.
func (i *WebhookItem) IsEpisodic() bool {
	if i == nil {
		return false
	}
	return strings.EqualFold(i.Type, "Episode") || strings.EqualFold(i.Type, "Series")
}
