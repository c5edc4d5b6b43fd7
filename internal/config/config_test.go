// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Servers = []ServerConfig{
		{Label: "server-a", Host: "http://a.local:8096", APIKey: "key-a"},
		{Label: "server-b", Host: "http://b.local:8096", APIKey: "key-b"},
	}
	cfg.Admin.APIToken = "token"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Sync.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Sync.MaxConcurrent)
	}
	if cfg.Sync.MinWatchTime != 60 {
		t.Errorf("MinWatchTime = %d, want 60", cfg.Sync.MinWatchTime)
	}
	if cfg.Dedup.Window != 30*time.Second {
		t.Errorf("Dedup.Window = %s, want 30s", cfg.Dedup.Window)
	}
	if cfg.Dedup.PositionBucket != 10*time.Second {
		t.Errorf("Dedup.PositionBucket = %s, want 10s", cfg.Dedup.PositionBucket)
	}
	if cfg.LoopGuard.TTL != 30*time.Second {
		t.Errorf("LoopGuard.TTL = %s, want 30s", cfg.LoopGuard.TTL)
	}
	if cfg.Sync.RetryAttempts != 3 || cfg.Sync.RetryBaseDelay != 2*time.Second || cfg.Sync.RetryMaxDelay != 30*time.Second {
		t.Error("retry defaults do not match 3x / 2s / 30s")
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsDuplicateLabels(t *testing.T) {
	cfg := validConfig()
	cfg.Servers[1].Label = "server-a"
	if err := cfg.Validate(); err == nil {
		t.Fatal("duplicate labels accepted")
	}
}

func TestValidateRejectsOversizedPositionBucket(t *testing.T) {
	cfg := validConfig()
	cfg.Dedup.PositionBucket = 15 * time.Second // loop_guard.ttl/3 is 10s
	if err := cfg.Validate(); err == nil {
		t.Fatal("position bucket above loop_guard.ttl/3 accepted")
	}
}

func TestValidateRequiresAdminCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Admin.APIToken = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("config without any admin credential accepted")
	}

	cfg = validConfig()
	cfg.Admin.PasswordHash = "$2a$10$something"
	cfg.Admin.JWTSecret = ""
	cfg.Admin.APIToken = "token"
	if err := cfg.Validate(); err == nil {
		t.Fatal("password hash without jwt secret accepted")
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchsync.yaml")
	yaml := `
servers:
  - label: server-a
    host: http://a.local:8096
    api_key: key-a
sync_groups:
  - name: family
    enabled: true
    users:
      - server: server-a
        username: alice
      - server: server-a
        username: bob
sync:
  min_watch_time: 120
admin:
  api_token: file-token
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WATCHSYNC_MIN_WATCH_TIME", "240")
	t.Setenv("WATCHSYNC_LOG_LEVEL", "debug")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if len(cfg.Servers) != 1 || cfg.Servers[0].Label != "server-a" {
		t.Errorf("servers = %+v", cfg.Servers)
	}
	if len(cfg.SyncGroups) != 1 || len(cfg.SyncGroups[0].Users) != 2 {
		t.Errorf("groups = %+v", cfg.SyncGroups)
	}
	// Environment overrides the file.
	if cfg.Sync.MinWatchTime != 240 {
		t.Errorf("MinWatchTime = %d, want env override 240", cfg.Sync.MinWatchTime)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want default 3", cfg.Sync.MaxConcurrent)
	}
}

func TestServerByLabel(t *testing.T) {
	cfg := validConfig()

	if _, ok := cfg.ServerByLabel("server-b"); !ok {
		t.Error("exact label not found")
	}
	if _, ok := cfg.ServerByLabel("nope"); ok {
		t.Error("unknown label found")
	}
}
