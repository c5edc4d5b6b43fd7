// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package config defines the WatchSync configuration surface and its loader.
//
// Configuration is layered: struct defaults, then an optional YAML file, then
// environment variables (highest priority). The loaded Config is validated
// once at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for WatchSync.
type Config struct {
	// Enabled is the master switch for the event pipeline. When false the
	// HTTP surface still serves queries but inbound events are ignored.
	Enabled bool `koanf:"enabled"`

	Servers    []ServerConfig `koanf:"servers" validate:"dive"`
	SyncGroups []GroupConfig  `koanf:"sync_groups" validate:"dive"`

	Sync      SyncConfig      `koanf:"sync"`
	Dedup     DedupConfig     `koanf:"dedup"`
	LoopGuard LoopGuardConfig `koanf:"loop_guard"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	HTTP      HTTPConfig      `koanf:"http"`
	Admin     AdminConfig     `koanf:"admin"`
	Audit     AuditConfig     `koanf:"audit"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig identifies one media server by the label used in sync groups.
// The label need not equal the server's self-reported name.
type ServerConfig struct {
	Label  string `koanf:"label" validate:"required"`
	Host   string `koanf:"host" validate:"required,url"`
	APIKey string `koanf:"api_key" validate:"required"`
}

// GroupConfig is one sync group. A group is meaningful only when it is
// enabled and contains at least two users; smaller groups are ignored at
// runtime rather than rejected, so operators can stage configuration.
type GroupConfig struct {
	Name    string      `koanf:"name" validate:"required"`
	Enabled bool        `koanf:"enabled"`
	Users   []GroupUser `koanf:"users" validate:"dive"`
}

// GroupUser is a (server label, username) pair as written by the operator.
type GroupUser struct {
	Server   string `koanf:"server" validate:"required"`
	Username string `koanf:"username" validate:"required"`
}

// SyncConfig controls what gets synchronized and how aggressively.
type SyncConfig struct {
	Movies   bool `koanf:"movies"`   // sync Movie playback events
	TV       bool `koanf:"tv"`       // sync Episode/Series playback events
	Favorite bool `koanf:"favorite"` // sync favorite/unfavorite
	Played   bool `koanf:"played"`   // sync played/unplayed status

	// MinWatchTime is the minimum inferred watched duration in seconds for a
	// playback event to be propagated.
	MinWatchTime int `koanf:"min_watch_time" validate:"min=0"`

	// MaxConcurrent caps the number of in-flight sync jobs.
	MaxConcurrent int `koanf:"max_concurrent" validate:"min=1"`

	// InFlightTTL bounds how long an in-flight entry may linger before the
	// reaper removes it.
	InFlightTTL time.Duration `koanf:"in_flight_ttl"`

	// Retry policy for transport failures on remote writes.
	RetryAttempts  int           `koanf:"retry_attempts" validate:"min=0,max=10"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`

	// HTTPTimeout bounds every outbound media-server call.
	HTTPTimeout time.Duration `koanf:"http_timeout"`
}

// DedupConfig controls webhook fingerprint deduplication.
type DedupConfig struct {
	Window time.Duration `koanf:"window"`
	// PositionBucket quantizes playback position for fingerprinting so that
	// re-emitted events with near-identical positions collapse.
	PositionBucket time.Duration `koanf:"position_bucket"`
}

// LoopGuardConfig controls suppression of the engine's own write echoes.
type LoopGuardConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// DatabaseConfig locates the embedded audit database.
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// CacheConfig locates the entity-resolution cache.
type CacheConfig struct {
	Dir string `koanf:"dir"`
	TTL time.Duration `koanf:"ttl"`
}

// HTTPConfig configures the plugin HTTP surface.
type HTTPConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// AdminConfig configures authentication for the admin/query API.
type AdminConfig struct {
	// PasswordHash is a bcrypt hash; when set, POST /auth/login issues JWTs.
	PasswordHash string `koanf:"password_hash"`
	// APIToken is a static bearer token accepted as an alternative to JWTs.
	APIToken string `koanf:"api_token"`
	// JWTSecret signs session tokens. Required when PasswordHash is set.
	JWTSecret      string        `koanf:"jwt_secret"`
	SessionTimeout time.Duration `koanf:"session_timeout"`
}

// AuditConfig controls audit retention.
type AuditConfig struct {
	// RetentionDays is how long audit rows are kept before the janitor purges
	// them. Zero keeps rows forever. Values are clamped to [1,365] at purge
	// time, matching the manual purge endpoint.
	RetentionDays int `koanf:"retention_days" validate:"min=0,max=365"`
}

// LoggingConfig mirrors the logging package configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks structural validity plus the cross-field constraints the
// sync protocol depends on.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if _, dup := seen[s.Label]; dup {
			return fmt.Errorf("duplicate server label %q", s.Label)
		}
		seen[s.Label] = struct{}{}
	}

	// The dedup bucket must stay small relative to the loop-guard TTL or an
	// echoed write could outlive the guard and bounce back as a fresh event.
	if c.Dedup.PositionBucket > c.LoopGuard.TTL/3 {
		return fmt.Errorf("dedup.position_bucket %s exceeds loop_guard.ttl/3 (%s)",
			c.Dedup.PositionBucket, c.LoopGuard.TTL/3)
	}

	if c.Admin.PasswordHash != "" && c.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret is required when admin.password_hash is set")
	}
	if c.Admin.PasswordHash == "" && c.Admin.APIToken == "" {
		return fmt.Errorf("admin API requires admin.password_hash or admin.api_token")
	}

	return nil
}

// ServerByLabel returns the server config with the exact label, if any.
func (c *Config) ServerByLabel(label string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Label == label {
			return s, true
		}
	}
	return ServerConfig{}, false
}
