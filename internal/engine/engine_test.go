// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/emby"
	"github.com/tomtom215/watchsync/internal/groups"
	"github.com/tomtom215/watchsync/internal/models"
	"github.com/tomtom215/watchsync/internal/registry"
	"github.com/tomtom215/watchsync/internal/resolver"
	"github.com/tomtom215/watchsync/internal/store"
)

// fakeEmby is a minimal in-memory media server shared by engine tests.
type fakeEmby struct {
	emby.ClientInterface
	mu sync.Mutex

	label    string
	users    []emby.User
	items    []models.MediaItem
	userData map[string]*models.UserData // itemID -> state

	updateCalls int
	playedCalls int
}

func newFakeEmby(label string) *fakeEmby {
	return &fakeEmby{
		label:    label,
		users:    []emby.User{{ID: label + "-u1", Name: "alice"}, {ID: label + "-u2", Name: "bob"}},
		userData: make(map[string]*models.UserData),
	}
}

func (f *fakeEmby) GetSystemInfo(_ context.Context) (*emby.SystemInfo, error) {
	return &emby.SystemInfo{ServerName: f.label}, nil
}

func (f *fakeEmby) GetUsers(_ context.Context) ([]emby.User, error) {
	return f.users, nil
}

func (f *fakeEmby) GetItem(_ context.Context, _, itemID string) (*models.MediaItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.ID == itemID {
			copied := it
			if ud, ok := f.userData[itemID]; ok {
				udCopy := *ud
				copied.UserData = &udCopy
			}
			return &copied, nil
		}
	}
	return nil, emby.ErrNotFound
}

func (f *fakeEmby) UpdateUserData(_ context.Context, _, itemID string, data *models.UserData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	copied := *data
	f.userData[itemID] = &copied
	return nil
}

func (f *fakeEmby) SetFavorite(_ context.Context, _, _ string, _ bool) error { return nil }

func (f *fakeEmby) SetPlayed(_ context.Context, _, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playedCalls++
	return nil
}

func (f *fakeEmby) ItemsByProviderID(_ context.Context, provider, id string, _ []string) ([]models.MediaItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MediaItem
	for _, it := range f.items {
		item := models.WebhookItem{ProviderIDs: it.ProviderIDs}
		if item.ProviderID(provider) == id {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeEmby) LibraryItems(_ context.Context, _ []string) ([]models.MediaItem, error) {
	return f.items, nil
}

func (f *fakeEmby) SearchItems(_ context.Context, _, term string, _ []string, _ int) ([]models.MediaItem, error) {
	var out []models.MediaItem
	for _, it := range f.items {
		if it.Name == term {
			out = append(out, it)
		}
	}
	return out, nil
}

type testRig struct {
	engine  *Engine
	store   *store.Store
	serverA *fakeEmby
	serverB *fakeEmby
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	serverA := newFakeEmby("server-a")
	serverB := newFakeEmby("server-b")
	movie := models.MediaItem{
		ID: "a-matrix", Name: "The Matrix", Type: "Movie",
		ProviderIDs: map[string]string{"Tmdb": "603"},
	}
	serverA.items = []models.MediaItem{movie}
	movieB := movie
	movieB.ID = "b-matrix"
	serverB.items = []models.MediaItem{movieB}

	cfg := &config.Config{
		Enabled: true,
		Servers: []config.ServerConfig{
			{Label: "server-a", Host: "http://a", APIKey: "k"},
			{Label: "server-b", Host: "http://b", APIKey: "k"},
		},
		SyncGroups: []config.GroupConfig{{
			Name: "family", Enabled: true,
			Users: []config.GroupUser{
				{Server: "server-a", Username: "alice"},
				{Server: "server-b", Username: "bob"},
			},
		}},
		Sync: config.SyncConfig{
			Movies: true, TV: true, Favorite: true, Played: true,
			MaxConcurrent:  3,
			InFlightTTL:    10 * time.Minute,
			RetryAttempts:  0,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  time.Millisecond,
		},
		Dedup:     config.DedupConfig{Window: 30 * time.Second, PositionBucket: 10 * time.Second},
		LoopGuard: config.LoopGuardConfig{TTL: 30 * time.Second},
	}

	clients := map[string]*fakeEmby{"server-a": serverA, "server-b": serverB}
	reg := registry.New(cfg.Servers, time.Second,
		func(sc config.ServerConfig, _ time.Duration) emby.ClientInterface {
			return clients[sc.Label]
		})

	st, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return &testRig{
		engine:  New(cfg, reg, resolver.New(nil), st, nil),
		store:   st,
		serverA: serverA,
		serverB: serverB,
	}
}

func webhookBody(t *testing.T, serverLabel, userName, event string, positionSeconds int64) []byte {
	t.Helper()
	msg := models.WebhookMessage{
		Channel: "emby",
		Event:   event,
		JSONObject: &models.WebhookPayload{
			User: &models.WebhookUser{ID: "u1", Name: userName},
			Item: &models.WebhookItem{
				ID: "a-matrix", Name: "The Matrix", Type: "Movie",
				ProviderIDs: map[string]string{"Tmdb": "603"},
			},
			Session: &models.WebhookSession{
				ID:                "sess",
				PositionTicks:     positionSeconds * models.TicksPerSecond,
				PlayDurationTicks: positionSeconds * models.TicksPerSecond,
			},
			Server: &models.WebhookServer{Name: serverLabel},
		},
	}
	body, err := json.Marshal(&msg)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

// newGroupsWithGhost points the sync group at a server label that does not
// resolve, so the target edge must be audited as an error.
func newGroupsWithGhost(rig *testRig) *groups.Resolver {
	return groups.NewResolver([]config.GroupConfig{{
		Name: "family", Enabled: true,
		Users: []config.GroupUser{
			{Server: "server-a", Username: "alice"},
			{Server: "ghost-xyz", Username: "bob"},
		},
	}}, rig.engine.registry)
}

func TestFanOutWritesPlaybackToTarget(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.engine.handle(ctx, webhookBody(t, "server-a", "alice", "playback.stop", 600))

	if rig.serverB.updateCalls != 1 {
		t.Fatalf("target update calls = %d, want 1", rig.serverB.updateCalls)
	}
	ud := rig.serverB.userData["b-matrix"]
	if ud == nil || ud.PlaybackPositionTicks != 600*models.TicksPerSecond {
		t.Fatalf("target user data = %+v", ud)
	}
	// The source server must not be written back.
	if rig.serverA.updateCalls != 0 {
		t.Fatal("source server was written")
	}

	page, err := rig.store.Records(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(page.Records))
	}
	rec := page.Records[0]
	if rec.Status != store.StatusSuccess || rec.SyncType != "playback" ||
		rec.TargetServer != "server-b" || rec.TargetUser != "bob" {
		t.Errorf("audit row = %+v", rec)
	}
}

func TestEchoFromTargetIsSuppressed(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.engine.handle(ctx, webhookBody(t, "server-a", "alice", "playback.stop", 600))
	if rig.serverB.updateCalls != 1 {
		t.Fatalf("setup: target update calls = %d", rig.serverB.updateCalls)
	}

	// The write to server-b makes bob's item echo back as a webhook. The
	// loop guard key is (user, source item id, sync type), so the echo
	// carries bob and the target item.
	echo := models.WebhookMessage{
		Channel: "emby",
		Event:   "playback.stop",
		JSONObject: &models.WebhookPayload{
			User: &models.WebhookUser{ID: "u2", Name: "bob"},
			Item: &models.WebhookItem{ID: "b-matrix", Name: "The Matrix", Type: "Movie"},
			Session: &models.WebhookSession{
				PositionTicks:     600 * models.TicksPerSecond,
				PlayDurationTicks: 600 * models.TicksPerSecond,
			},
			Server: &models.WebhookServer{Name: "server-b"},
		},
	}
	body, _ := json.Marshal(&echo)
	rig.engine.handle(ctx, body)

	if rig.serverA.updateCalls != 0 {
		t.Fatal("echo caused a write back to the source server")
	}
}

func TestDuplicateDeliveryFansOutOnce(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	body := webhookBody(t, "server-a", "alice", "playback.stop", 600)
	rig.engine.handle(ctx, body)
	rig.engine.handle(ctx, body)

	if rig.serverB.updateCalls != 1 {
		t.Fatalf("target update calls = %d, want 1 after duplicate delivery", rig.serverB.updateCalls)
	}
}

func TestMarkPlayedFanOut(t *testing.T) {
	rig := newTestRig(t)

	rig.engine.handle(context.Background(), webhookBody(t, "server-a", "alice", "item.markplayed", 0))

	if rig.serverB.playedCalls != 1 {
		t.Fatalf("SetPlayed calls = %d, want 1", rig.serverB.playedCalls)
	}
}

func TestUnresolvableTargetServerIsAudited(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Point the group at a server that does not exist.
	rig.engine.groups = newGroupsWithGhost(rig)

	rig.engine.handle(ctx, webhookBody(t, "server-a", "alice", "playback.stop", 600))

	page, err := rig.store.Records(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].Status != store.StatusError {
		t.Fatalf("audit rows = %+v, want one error row", page.Records)
	}
}

func TestDisabledEngineIgnoresEvents(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.enabled = false

	rig.engine.handle(context.Background(), webhookBody(t, "server-a", "alice", "playback.stop", 600))

	if rig.serverB.updateCalls != 0 {
		t.Fatal("disabled engine performed a sync")
	}
}

func TestStatusSnapshot(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	body := webhookBody(t, "server-a", "alice", "playback.stop", 600)
	rig.engine.handle(ctx, body)
	rig.engine.handle(ctx, body) // duplicate

	s := rig.engine.Status()
	if s.TotalEvents != 2 {
		t.Errorf("TotalEvents = %d, want 2", s.TotalEvents)
	}
	if s.SuccessfulSyncs != 1 {
		t.Errorf("SuccessfulSyncs = %d, want 1", s.SuccessfulSyncs)
	}
	if s.DuplicateEvents != 1 {
		t.Errorf("DuplicateEvents = %d, want 1", s.DuplicateEvents)
	}
	if s.LastSyncTime == nil {
		t.Error("LastSyncTime not set after a successful sync")
	}
}
