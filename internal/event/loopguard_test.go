// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package event

import (
	"testing"
	"time"
)

func TestLoopGuardSuppressesEcho(t *testing.T) {
	now := time.Now()
	g := NewLoopGuard(30 * time.Second)
	g.now = func() time.Time { return now }

	g.Record("alice", "item1", SyncPlayback)

	if !g.IsEcho("alice", "item1", SyncPlayback) {
		t.Fatal("echo within TTL should be suppressed")
	}

	// A hit does not consume the entry: concurrent echoes from several
	// servers must all be absorbed.
	if !g.IsEcho("alice", "item1", SyncPlayback) {
		t.Fatal("second echo within TTL should also be suppressed")
	}
}

func TestLoopGuardExpiresByTTL(t *testing.T) {
	now := time.Now()
	g := NewLoopGuard(30 * time.Second)
	g.now = func() time.Time { return now }

	g.Record("alice", "item1", SyncPlayback)

	now = now.Add(31 * time.Second)
	if g.IsEcho("alice", "item1", SyncPlayback) {
		t.Fatal("entry past TTL should not suppress")
	}
}

func TestLoopGuardKeysOnSyncType(t *testing.T) {
	g := NewLoopGuard(30 * time.Second)
	g.Record("alice", "item1", SyncPlayback)

	if g.IsEcho("alice", "item1", SyncFavorite) {
		t.Fatal("different sync type should not match")
	}
	if g.IsEcho("alice", "item2", SyncPlayback) {
		t.Fatal("different item should not match")
	}
	if g.IsEcho("bob", "item1", SyncPlayback) {
		t.Fatal("different user should not match")
	}
}

func TestLoopGuardUserNameCaseInsensitive(t *testing.T) {
	g := NewLoopGuard(30 * time.Second)
	g.Record("Alice", "item1", SyncPlayback)

	if !g.IsEcho("alice", "item1", SyncPlayback) {
		t.Fatal("user name comparison should be case-insensitive")
	}
}
