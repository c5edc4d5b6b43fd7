// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/emby"
	"github.com/tomtom215/watchsync/internal/event"
	"github.com/tomtom215/watchsync/internal/models"
)

type fakeClient struct {
	emby.ClientInterface

	item     *models.MediaItem
	getErr   error
	updated  *models.UserData
	updErr   error
	updCalls int

	favoriteSet   *bool
	playedSet     *bool
	favoriteCalls int
}

func (f *fakeClient) GetItem(_ context.Context, _, _ string) (*models.MediaItem, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.item, nil
}

func (f *fakeClient) UpdateUserData(_ context.Context, _, _ string, data *models.UserData) error {
	f.updCalls++
	if f.updErr != nil {
		return f.updErr
	}
	copied := *data
	f.updated = &copied
	if f.item != nil {
		f.item.UserData = &copied
	}
	return nil
}

func (f *fakeClient) SetFavorite(_ context.Context, _, _ string, favorite bool) error {
	f.favoriteCalls++
	f.favoriteSet = &favorite
	return nil
}

func (f *fakeClient) SetPlayed(_ context.Context, _, _ string, played bool) error {
	f.playedSet = &played
	return nil
}

func syncCfg() config.SyncConfig {
	return config.SyncConfig{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func playbackEvent(positionTicks int64) *event.NormalizedEvent {
	return &event.NormalizedEvent{
		Kind:          event.KindPlaybackPauseOrStop,
		UserName:      "alice",
		ItemID:        "src-item",
		ItemName:      "The Matrix",
		PositionTicks: positionTicks,
	}
}

func TestPlaybackWritePreservesUserData(t *testing.T) {
	rating := 8.5
	client := &fakeClient{item: &models.MediaItem{
		ID: "tgt-item",
		UserData: &models.UserData{
			PlaybackPositionTicks: 100,
			PlayCount:             7,
			Played:                true,
			IsFavorite:            true,
			Rating:                &rating,
		},
	}}

	guard := event.NewLoopGuard(30 * time.Second)
	w := New(guard, syncCfg())

	wantPos := int64(5000 * models.TicksPerSecond)
	if err := w.Apply(context.Background(), playbackEvent(wantPos), client, "uid", "alice", "tgt-item"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := client.updated
	if got == nil {
		t.Fatal("UpdateUserData never called")
	}
	if got.PlaybackPositionTicks != wantPos {
		t.Errorf("position = %d, want %d", got.PlaybackPositionTicks, wantPos)
	}
	if got.PlayCount != 7 || !got.Played || !got.IsFavorite {
		t.Errorf("merged UserData lost fields: %+v", got)
	}
	if got.Rating == nil || *got.Rating != rating {
		t.Error("merged UserData lost rating")
	}
	if got.LastPlayedDate == nil {
		t.Error("LastPlayedDate not set")
	}
}

func TestSuccessfulWriteRecordsLoopGuard(t *testing.T) {
	client := &fakeClient{item: &models.MediaItem{ID: "tgt-item"}}
	guard := event.NewLoopGuard(30 * time.Second)
	w := New(guard, syncCfg())

	if err := w.Apply(context.Background(), playbackEvent(1000), client, "uid", "alice", "tgt-item"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if !guard.IsEcho("alice", "tgt-item", event.SyncPlayback) {
		t.Fatal("successful write not recorded in loop guard")
	}
}

func TestFavoriteAndPlayedWrites(t *testing.T) {
	tests := []struct {
		kind     event.Kind
		favorite *bool
		played   *bool
	}{
		{kind: event.KindFavorite, favorite: boolPtr(true)},
		{kind: event.KindUnfavorite, favorite: boolPtr(false)},
		{kind: event.KindMarkPlayed, played: boolPtr(true)},
		{kind: event.KindMarkUnplayed, played: boolPtr(false)},
	}

	for _, tt := range tests {
		client := &fakeClient{}
		w := New(event.NewLoopGuard(30*time.Second), syncCfg())
		ev := playbackEvent(0)
		ev.Kind = tt.kind

		if err := w.Apply(context.Background(), ev, client, "uid", "alice", "tgt-item"); err != nil {
			t.Errorf("Apply(%s): %v", tt.kind, err)
			continue
		}
		if tt.favorite != nil && (client.favoriteSet == nil || *client.favoriteSet != *tt.favorite) {
			t.Errorf("%s: favorite = %v, want %v", tt.kind, client.favoriteSet, *tt.favorite)
		}
		if tt.played != nil && (client.playedSet == nil || *client.playedSet != *tt.played) {
			t.Errorf("%s: played = %v, want %v", tt.kind, client.playedSet, *tt.played)
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func TestRetriesTransportErrors(t *testing.T) {
	client := &fakeClient{
		item:   &models.MediaItem{ID: "tgt-item"},
		updErr: &emby.TransportError{Op: "update", StatusCode: 503},
	}
	w := New(event.NewLoopGuard(30*time.Second), syncCfg())

	err := w.Apply(context.Background(), playbackEvent(1000), client, "uid", "alice", "tgt-item")
	if err == nil {
		t.Fatal("expected final error after retries")
	}
	// Initial attempt plus three retries.
	if client.updCalls != 4 {
		t.Fatalf("update attempted %d times, want 4", client.updCalls)
	}
}

func TestDoesNotRetryNotFound(t *testing.T) {
	client := &fakeClient{getErr: emby.ErrNotFound}
	w := New(event.NewLoopGuard(30*time.Second), syncCfg())

	start := time.Now()
	err := w.Apply(context.Background(), playbackEvent(1000), client, "uid", "alice", "tgt-item")
	if !errors.Is(err, emby.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("non-retryable error appears to have been retried with backoff")
	}
}

func TestFailedWriteDoesNotRecordLoopGuard(t *testing.T) {
	client := &fakeClient{getErr: emby.ErrNotFound}
	guard := event.NewLoopGuard(30 * time.Second)
	w := New(guard, syncCfg())

	_ = w.Apply(context.Background(), playbackEvent(1000), client, "uid", "alice", "tgt-item")
	if guard.IsEcho("alice", "tgt-item", event.SyncPlayback) {
		t.Fatal("failed write must not be recorded in loop guard")
	}
}
