// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package groups resolves sync-group membership into fan-out targets.
package groups

import (
	"strings"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/registry"
)

// Target is one (server, user) pair an event should be propagated to.
// Server is nil when the configured label resolved to no registered server;
// such targets are audited as errors rather than silently dropped.
type Target struct {
	ServerLabel string // label as written in the group config
	UserName    string
	Server      *registry.ServerHandle
}

// Resolver maps a source (server, user) to its fan-out targets.
type Resolver struct {
	groups   []config.GroupConfig
	registry *registry.Registry
}

// NewResolver builds a group resolver. Disabled groups and groups with
// fewer than two users are skipped here, once, instead of on every event.
func NewResolver(groups []config.GroupConfig, reg *registry.Registry) *Resolver {
	active := make([]config.GroupConfig, 0, len(groups))
	for _, g := range groups {
		if !g.Enabled {
			continue
		}
		if len(g.Users) < 2 {
			logging.Warn().Str("group", g.Name).Int("users", len(g.Users)).
				Msg("Sync group has fewer than two users, ignoring")
			continue
		}
		active = append(active, g)
	}
	return &Resolver{groups: active, registry: reg}
}

// Targets returns every other member of every group the source belongs to.
// Membership uses the registry's label-matching rules, so a group may say
// "emby" while the webhook reports the server's display name. Duplicate
// (server, user) pairs across groups collapse to one target.
func (r *Resolver) Targets(sourceLabel, sourceUser string) []Target {
	sourceHandle, _ := r.registry.Get(sourceLabel)

	var out []Target
	seen := make(map[string]struct{})

	for _, g := range r.groups {
		if !r.isMember(g, sourceHandle, sourceLabel, sourceUser) {
			continue
		}
		for _, u := range g.Users {
			h, ok := r.registry.Get(u.Server)
			if r.isSource(h, u, sourceHandle, sourceLabel, sourceUser) {
				continue
			}

			key := u.Server + "|" + strings.ToLower(u.Username)
			if h != nil {
				key = h.Label + "|" + strings.ToLower(u.Username)
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			t := Target{ServerLabel: u.Server, UserName: u.Username}
			if ok {
				t.Server = h
				t.ServerLabel = h.Label
			}
			out = append(out, t)
		}
	}
	return out
}

// isMember reports whether the source (server, user) appears in the group.
func (r *Resolver) isMember(g config.GroupConfig, sourceHandle *registry.ServerHandle, sourceLabel, sourceUser string) bool {
	for _, u := range g.Users {
		h, _ := r.registry.Get(u.Server)
		if r.isSource(h, u, sourceHandle, sourceLabel, sourceUser) {
			return true
		}
	}
	return false
}

// isSource reports whether a group entry denotes the event's source user.
// Server identity is compared by resolved handle when both sides resolve,
// falling back to a case-insensitive label comparison.
func (r *Resolver) isSource(h *registry.ServerHandle, u config.GroupUser, sourceHandle *registry.ServerHandle, sourceLabel, sourceUser string) bool {
	if !strings.EqualFold(u.Username, sourceUser) {
		return false
	}
	if h != nil && sourceHandle != nil {
		return h == sourceHandle
	}
	return strings.EqualFold(u.Server, sourceLabel)
}
