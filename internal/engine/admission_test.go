// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package engine

import (
	"testing"
	"time"
)

func TestAdmissionCollision(t *testing.T) {
	a := newAdmission(3, time.Minute)

	if !a.acquire("b|bob|item1") {
		t.Fatal("first acquire should succeed")
	}
	if a.acquire("b|bob|item1") {
		t.Fatal("colliding key should be dropped")
	}

	a.release("b|bob|item1")
	if !a.acquire("b|bob|item1") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestAdmissionConcurrencyCap(t *testing.T) {
	a := newAdmission(3, time.Minute)

	for i, key := range []string{"k1", "k2", "k3"} {
		if !a.acquire(key) {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	if a.acquire("k4") {
		t.Fatal("acquire over the cap should be dropped")
	}

	a.release("k2")
	if !a.acquire("k4") {
		t.Fatal("acquire should succeed after a slot frees up")
	}
}

func TestAdmissionReapsStaleEntries(t *testing.T) {
	a := newAdmission(3, 50*time.Millisecond)

	a.acquire("stale")
	time.Sleep(60 * time.Millisecond)

	// The stale entry no longer collides or counts toward the cap.
	if !a.acquire("stale") {
		t.Fatal("stale entry should have been reaped on acquire")
	}

	a.release("stale")
	a.acquire("old")
	time.Sleep(60 * time.Millisecond)
	a.reap(time.Now())
	if got := a.count(); got != 0 {
		t.Fatalf("count after reap = %d, want 0", got)
	}
}
