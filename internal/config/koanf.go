// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"watchsync.yaml",
	"watchsync.yml",
	"/etc/watchsync/config.yaml",
	"/etc/watchsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "WATCHSYNC_CONFIG"

// defaultConfig returns a Config with all defaults applied. These are
// overridden by the config file and then by environment variables.
func defaultConfig() *Config {
	return &Config{
		Enabled: true,
		Sync: SyncConfig{
			Movies:         true,
			TV:             true,
			Favorite:       true,
			Played:         true,
			MinWatchTime:   60,
			MaxConcurrent:  3,
			InFlightTTL:    10 * time.Minute,
			RetryAttempts:  3,
			RetryBaseDelay: 2 * time.Second,
			RetryMaxDelay:  30 * time.Second,
			HTTPTimeout:    10 * time.Second,
		},
		Dedup: DedupConfig{
			Window:         30 * time.Second,
			PositionBucket: 10 * time.Second,
		},
		LoopGuard: LoopGuardConfig{
			TTL: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "/data/watchsync/watchsync.db",
		},
		Cache: CacheConfig{
			Dir: "/data/watchsync/resolvecache",
			TTL: 24 * time.Hour,
		},
		HTTP: HTTPConfig{
			Host:    "0.0.0.0",
			Port:    8787,
			Timeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			SessionTimeout: 24 * time.Hour,
		},
		Audit: AuditConfig{
			RetentionDays: 0, // keep forever unless the operator opts in
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from defaults, the first config file found, and
// WATCHSYNC_* environment variables, then validates the result.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom loads configuration with an explicit file path ("" skips the file
// layer entirely).
func LoadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, preferring the
// WATCHSYNC_CONFIG override.
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps recognized WATCHSYNC_* environment variables to config
// paths. Unmapped variables are skipped so unrelated environment noise never
// pollutes configuration.
func envTransform(key string) string {
	key = strings.ToLower(key)
	if !strings.HasPrefix(key, "watchsync_") {
		return ""
	}
	key = strings.TrimPrefix(key, "watchsync_")

	envMappings := map[string]string{
		"enabled": "enabled",

		"sync_movies":         "sync.movies",
		"sync_tv":             "sync.tv",
		"sync_favorite":       "sync.favorite",
		"sync_played":         "sync.played",
		"min_watch_time":      "sync.min_watch_time",
		"max_concurrent":      "sync.max_concurrent",
		"in_flight_ttl":       "sync.in_flight_ttl",
		"retry_attempts":      "sync.retry_attempts",
		"retry_base_delay":    "sync.retry_base_delay",
		"retry_max_delay":     "sync.retry_max_delay",
		"http_client_timeout": "sync.http_timeout",

		"dedup_window":          "dedup.window",
		"dedup_position_bucket": "dedup.position_bucket",
		"loop_guard_ttl":        "loop_guard.ttl",

		"db_path":   "database.path",
		"cache_dir": "cache.dir",
		"cache_ttl": "cache.ttl",

		"http_host":    "http.host",
		"http_port":    "http.port",
		"http_timeout": "http.timeout",

		"admin_password_hash": "admin.password_hash",
		"admin_api_token":     "admin.api_token",
		"jwt_secret":          "admin.jwt_secret",
		"session_timeout":     "admin.session_timeout",

		"audit_retention_days": "audit.retention_days",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
