// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/* resolver.go - Cross-Server Entity Resolution
 *
 * Finds the target server's item id for a source item. The strategies run
 * in strict order and stop at the first hit:
 *
 *   1. TMDB provider id (direct query for movies, library scan for TV)
 *   2. IMDB provider id (same shape)
 *   3. Title + year search, preferring an exact case-insensitive name match
 *
 * Item ids differ across servers even for identical media, so every
 * cross-server write depends on this mapping. Results are cached.
 */

package resolver

import (
	"context"
	"strings"

	"github.com/tomtom215/watchsync/internal/emby"
	"github.com/tomtom215/watchsync/internal/event"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/models"
)

// Resolution is a resolved target item.
type Resolution struct {
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
}

// Resolver maps source items to target-server item ids.
type Resolver struct {
	cache *Cache
}

// New creates a resolver. cache may be nil, which disables caching.
func New(cache *Cache) *Resolver {
	return &Resolver{cache: cache}
}

// Resolve finds the target-server item for the event's source item.
// Returns emby.ErrNotFound when no strategy matches; the caller audits the
// edge and abandons it.
func (r *Resolver) Resolve(ctx context.Context, ev *event.NormalizedEvent, targetLabel, targetUserID string, client emby.ClientInterface) (*Resolution, error) {
	if r.cache != nil {
		if res, ok := r.cache.get(ev.ServerLabel, ev.ItemID, targetLabel); ok {
			return res, nil
		}
	}

	res, err := r.resolve(ctx, ev, targetUserID, client)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.put(ev.ServerLabel, ev.ItemID, targetLabel, res)
	}

	logging.Debug().
		Str("item", ev.ItemName).
		Str("target_server", targetLabel).
		Str("target_item_id", res.ItemID).
		Msg("Resolved item on target server")
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, ev *event.NormalizedEvent, targetUserID string, client emby.ClientInterface) (*Resolution, error) {
	for _, provider := range []string{"Tmdb", "Imdb"} {
		id := providerID(ev.ProviderIDs, provider)
		if id == "" {
			continue
		}
		res, err := r.byProvider(ctx, ev, provider, id, client)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	return r.byTitleYear(ctx, ev, targetUserID, client)
}

// byProvider resolves through an external provider id. Movies support a
// direct indexed query; series and episodes are not reliably indexed by
// provider id on all server versions, so they use a typed library scan.
func (r *Resolver) byProvider(ctx context.Context, ev *event.NormalizedEvent, provider, id string, client emby.ClientInterface) (*Resolution, error) {
	if strings.EqualFold(ev.ItemType, "Movie") {
		items, err := client.ItemsByProviderID(ctx, provider, id, []string{"Movie"})
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			return &Resolution{ItemID: items[0].ID, ItemName: items[0].Name}, nil
		}
		return nil, nil
	}

	items, err := client.LibraryItems(ctx, []string{"Series", "Episode"})
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if matchProviderID(it.ProviderIDs, provider, id) {
			return &Resolution{ItemID: it.ID, ItemName: it.Name}, nil
		}
	}
	return nil, nil
}

// byTitleYear is the last-resort strategy: a per-user search constrained by
// production year when known.
func (r *Resolver) byTitleYear(ctx context.Context, ev *event.NormalizedEvent, targetUserID string, client emby.ClientInterface) (*Resolution, error) {
	includeTypes := []string{"Movie"}
	if !strings.EqualFold(ev.ItemType, "Movie") {
		includeTypes = []string{"Series", "Episode"}
	}

	items, err := client.SearchItems(ctx, targetUserID, ev.ItemName, includeTypes, ev.ProductionYear)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, emby.ErrNotFound
	}

	for _, it := range items {
		if strings.EqualFold(it.Name, ev.ItemName) {
			return &Resolution{ItemID: it.ID, ItemName: it.Name}, nil
		}
	}
	return &Resolution{ItemID: items[0].ID, ItemName: items[0].Name}, nil
}

func providerID(ids map[string]string, key string) string {
	item := models.WebhookItem{ProviderIDs: ids}
	return item.ProviderID(key)
}

func matchProviderID(ids map[string]string, key, want string) bool {
	got := providerID(ids, key)
	return got != "" && got == want
}
