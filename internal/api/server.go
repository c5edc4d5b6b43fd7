// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/logging"
)

// Server runs the HTTP surface as a supervised service.
type Server struct {
	router *Router
	addr   string
}

// NewServer wraps a router into a supervisable HTTP server.
func NewServer(cfg config.HTTPConfig, router *Router) *Server {
	return &Server{
		router: router,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
}

// Serve runs the HTTP server until the context is cancelled, then drains:
// the webhook endpoint starts refusing events while in-flight requests get
// a grace period to finish. Implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.router.SetDraining(true)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return ctx.Err()
	}
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "http-server" }
