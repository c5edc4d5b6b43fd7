// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package groups

import (
	"testing"
	"time"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/emby"
	"github.com/tomtom215/watchsync/internal/registry"
)

func testRegistry(labels ...string) *registry.Registry {
	servers := make([]config.ServerConfig, len(labels))
	for i, l := range labels {
		servers[i] = config.ServerConfig{Label: l, Host: "http://example", APIKey: "k"}
	}
	return registry.New(servers, time.Second, func(config.ServerConfig, time.Duration) emby.ClientInterface {
		return nil
	})
}

func group(name string, enabled bool, users ...config.GroupUser) config.GroupConfig {
	return config.GroupConfig{Name: name, Enabled: enabled, Users: users}
}

func user(server, name string) config.GroupUser {
	return config.GroupUser{Server: server, Username: name}
}

func TestTargetsBasicFanOut(t *testing.T) {
	reg := testRegistry("server-a", "server-b")
	r := NewResolver([]config.GroupConfig{
		group("family", true,
			user("server-a", "alice"),
			user("server-b", "bob"),
			user("server-b", "carol"),
		),
	}, reg)

	targets := r.Targets("server-a", "alice")
	if len(targets) != 2 {
		t.Fatalf("got %d targets, want 2", len(targets))
	}
	if targets[0].UserName != "bob" || targets[1].UserName != "carol" {
		t.Errorf("targets out of order: %+v", targets)
	}
	for _, tgt := range targets {
		if tgt.Server == nil || tgt.ServerLabel != "server-b" {
			t.Errorf("target %q not resolved to server-b", tgt.UserName)
		}
	}
}

func TestTargetsNonMemberIsNoOp(t *testing.T) {
	reg := testRegistry("server-a", "server-b")
	r := NewResolver([]config.GroupConfig{
		group("family", true, user("server-a", "alice"), user("server-b", "bob")),
	}, reg)

	if targets := r.Targets("server-a", "mallory"); len(targets) != 0 {
		t.Fatalf("non-member produced %d targets", len(targets))
	}
}

func TestTargetsSkipsDisabledAndTinyGroups(t *testing.T) {
	reg := testRegistry("server-a", "server-b")
	r := NewResolver([]config.GroupConfig{
		group("disabled", false, user("server-a", "alice"), user("server-b", "bob")),
		group("solo", true, user("server-a", "alice")),
	}, reg)

	if targets := r.Targets("server-a", "alice"); len(targets) != 0 {
		t.Fatalf("disabled/tiny groups produced %d targets", len(targets))
	}
}

func TestTargetsMatchesLabelsLoosely(t *testing.T) {
	// The group says "emby" while the webhook reports the server label.
	reg := testRegistry("living-room")
	r := NewResolver([]config.GroupConfig{
		group("family", true, user("emby", "alice"), user("emby", "bob")),
	}, reg)

	targets := r.Targets("living-room", "Alice")
	if len(targets) != 1 || targets[0].UserName != "bob" {
		t.Fatalf("targets = %+v, want bob only", targets)
	}
}

func TestTargetsKeepsUnresolvableServers(t *testing.T) {
	reg := testRegistry("server-a")
	r := NewResolver([]config.GroupConfig{
		group("family", true, user("server-a", "alice"), user("ghost-server", "bob")),
	}, reg)

	targets := r.Targets("server-a", "alice")
	if len(targets) != 1 {
		t.Fatalf("got %d targets, want 1", len(targets))
	}
	if targets[0].Server != nil {
		t.Error("unresolvable server should have a nil handle for error auditing")
	}
	if targets[0].ServerLabel != "ghost-server" {
		t.Errorf("label = %q, want configured label preserved", targets[0].ServerLabel)
	}
}

func TestTargetsDeduplicatesAcrossGroups(t *testing.T) {
	reg := testRegistry("server-a", "server-b")
	r := NewResolver([]config.GroupConfig{
		group("one", true, user("server-a", "alice"), user("server-b", "bob")),
		group("two", true, user("server-a", "alice"), user("server-b", "Bob")),
	}, reg)

	targets := r.Targets("server-a", "alice")
	if len(targets) != 1 {
		t.Fatalf("got %d targets, want 1 after dedup", len(targets))
	}
}
