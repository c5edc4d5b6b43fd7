// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package event

import (
	"strings"
	"sync"
	"time"
)

// LoopGuard suppresses the engine's own write echoes. Every successful
// remote write records (user, item, sync type); an inbound event matching a
// live entry is a loopback from that write and must not fan out again.
//
// Entries expire by TTL only. A single hit does not remove an entry, since
// several servers may echo the same write concurrently and each echo must
// be absorbed.
type LoopGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration

	now func() time.Time
}

// NewLoopGuard creates a loop guard with the given TTL. The TTL must cover
// the slowest server's webhook latency plus its write-to-webhook loopback.
func NewLoopGuard(ttl time.Duration) *LoopGuard {
	return &LoopGuard{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func guardKey(userName, itemID, syncType string) string {
	return strings.ToLower(userName) + "|" + itemID + "|" + syncType
}

// Record marks a successful write so its echoes are suppressed.
func (g *LoopGuard) Record(userName, itemID, syncType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[guardKey(userName, itemID, syncType)] = g.now()
}

// IsEcho reports whether an inbound event matches a recent write.
func (g *LoopGuard) IsEcho(userName, itemID, syncType string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, t := range g.entries {
		if now.Sub(t) >= g.ttl {
			delete(g.entries, k)
		}
	}

	t, ok := g.entries[guardKey(userName, itemID, syncType)]
	return ok && now.Sub(t) < g.ttl
}
