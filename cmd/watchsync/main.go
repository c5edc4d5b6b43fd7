// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/* main.go - WatchSync Entrypoint
 *
 * Startup order matters: configuration and storage must be ready before
 * the registry and engine exist, and the HTTP surface starts last so a
 * webhook can never arrive before the pipeline can handle it.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/watchsync/internal/api"
	"github.com/tomtom215/watchsync/internal/bus"
	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/engine"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/registry"
	"github.com/tomtom215/watchsync/internal/resolver"
	"github.com/tomtom215/watchsync/internal/store"
	"github.com/tomtom215/watchsync/internal/supervisor"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (overrides WATCHSYNC_CONFIG)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("watchsync", Version)
		return
	}

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("WatchSync exited with error")
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	logging.Info().
		Str("version", Version).
		Int("servers", len(cfg.Servers)).
		Int("groups", len(cfg.SyncGroups)).
		Bool("enabled", cfg.Enabled).
		Msg("WatchSync starting")

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	cache, err := resolver.NewCache(cfg.Cache.Dir, cfg.Cache.TTL)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	reg := registry.New(cfg.Servers, cfg.Sync.HTTPTimeout, nil)

	eventBus := bus.New()
	defer func() { _ = eventBus.Close() }()

	eng := engine.New(cfg, reg, resolver.New(cache), st, eventBus)

	router := api.NewRouter(cfg, reg, eng, st, eventBus)

	tree := supervisor.NewTree()
	tree.Add(eng)
	tree.Add(supervisor.NewJanitor(eng, st, cache, cfg.Audit.RetentionDays))
	tree.Add(api.NewServer(cfg.HTTP, router))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	logging.Info().Msg("WatchSync stopped")
	return err
}
