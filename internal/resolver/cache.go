// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package resolver

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/metrics"
)

// Cache persists entity resolutions across restarts so the expensive
// library-scan path runs at most once per (source item, target server) per
// TTL. Backed by Badger with native key TTLs.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewCache opens the resolution cache at dir. An empty dir opens an
// in-memory store, used by tests.
func NewCache(dir string, ttl time.Duration) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open resolution cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// RunGC triggers one value-log garbage collection cycle. Called
// periodically by the janitor; "nothing to collect" is not an error.
func (c *Cache) RunGC() {
	if err := c.db.RunValueLogGC(0.5); err != nil &&
		!errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		logging.Warn().Err(err).Msg("Resolution cache GC failed")
	}
}

func cacheKey(sourceLabel, itemID, targetLabel string) []byte {
	return []byte(sourceLabel + "|" + itemID + "|" + targetLabel)
}

// get returns a cached resolution, if present and unexpired.
func (c *Cache) get(sourceLabel, itemID, targetLabel string) (*Resolution, bool) {
	var res Resolution
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(sourceLabel, itemID, targetLabel))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &res)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logging.Warn().Err(err).Msg("Resolution cache read failed")
		}
		metrics.ResolutionCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.ResolutionCacheHits.WithLabelValues("hit").Inc()
	return &res, true
}

// put stores a resolution with the cache TTL. Failures are logged and
// swallowed: the cache is an optimization, never a correctness dependency.
func (c *Cache) put(sourceLabel, itemID, targetLabel string, res *Resolution) {
	val, err := json.Marshal(res)
	if err != nil {
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(cacheKey(sourceLabel, itemID, targetLabel), val).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		logging.Warn().Err(err).Msg("Resolution cache write failed")
	}
}
