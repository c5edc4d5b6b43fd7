// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package models

import "time"

// UserData is the per-(user,item) mutable record the media server keeps.
// Writes must preserve fields the caller did not intend to modify, so this
// struct always round-trips every field it reads.
type UserData struct {
	PlaybackPositionTicks int64      `json:"PlaybackPositionTicks"`
	PlayCount             int        `json:"PlayCount"`
	Played                bool       `json:"Played"`
	IsFavorite            bool       `json:"IsFavorite"`
	Rating                *float64   `json:"Rating,omitempty"`
	LastPlayedDate        *time.Time `json:"LastPlayedDate,omitempty"`
}

// MediaItem is the remote view of an item on a media server.
type MediaItem struct {
	ID             string            `json:"Id"`
	Name           string            `json:"Name"`
	Type           string            `json:"Type"`
	ProductionYear int               `json:"ProductionYear,omitempty"`
	RunTimeTicks   int64             `json:"RunTimeTicks,omitempty"`
	ProviderIDs    map[string]string `json:"ProviderIds,omitempty"`
	UserData       *UserData         `json:"UserData,omitempty"`
}

// ItemsPage is the standard Emby paged item envelope.
type ItemsPage struct {
	Items            []MediaItem `json:"Items"`
	TotalRecordCount int         `json:"TotalRecordCount"`
}
