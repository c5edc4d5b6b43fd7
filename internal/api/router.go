// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package api serves the plugin HTTP surface: the unauthenticated webhook
// intake, health and Prometheus endpoints, and the bearer-authenticated
// admin/query API.
package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/engine"
	"github.com/tomtom215/watchsync/internal/registry"
	"github.com/tomtom215/watchsync/internal/store"
)

// Router is the assembled HTTP surface.
type Router struct {
	mux      *chi.Mux
	draining atomic.Bool
}

// NewRouter assembles routes and middleware.
func NewRouter(cfg *config.Config, reg *registry.Registry, eng *engine.Engine, st *store.Store, pub message.Publisher) *Router {
	router := &Router{}

	h := &handlers{
		registry:  reg,
		engine:    eng,
		store:     st,
		publisher: pub,
		draining:  &router.draining,
	}
	auth := &authenticator{cfg: cfg.Admin}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.HTTP.Timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Webhook intake. Unauthenticated by design (Emby's webhook sender has
	// no auth support), so rate limiting is the only guard.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))
		r.Post("/webhook", h.handleWebhook)
	})

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(10, time.Minute))
			r.Post("/auth/login", auth.handleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.requireAuth)
			r.Get("/servers", h.handleServers)
			r.Get("/users", h.handleUsers)
			r.Get("/records", h.handleRecords)
			r.Get("/stats", h.handleStats)
			r.Get("/status", h.handleStatus)
			r.Delete("/records/old", h.handlePurge)
		})
	})

	router.mux = r
	return router
}

// Handler returns the root handler.
func (r *Router) Handler() http.Handler { return r.mux }

// SetDraining makes the webhook endpoint refuse new events with a 503.
// Called at shutdown so the sender fails fast and redelivers later.
func (r *Router) SetDraining(v bool) { r.draining.Store(v) }
