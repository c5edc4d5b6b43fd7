// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package api

import (
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/watchsync/internal/engine"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/registry"
	"github.com/tomtom215/watchsync/internal/store"
)

// maxWebhookBody bounds inbound webhook payloads. Emby webhook bodies are
// a few KB; 1 MB leaves generous headroom.
const maxWebhookBody = 1 << 20

type handlers struct {
	registry  *registry.Registry
	engine    *engine.Engine
	store     *store.Store
	publisher message.Publisher
	draining  *atomic.Bool
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleWebhook accepts a raw webhook body and publishes it to the event
// bus. The pipeline does all validation; this handler only guards size and
// shutdown state so the sender gets a fast 202.
func (h *handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty or unreadable body")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	if err := h.publisher.Publish(engine.WebhookTopic, msg); err != nil {
		logging.Error().Err(err).Msg("Failed to publish webhook to event bus")
		writeError(w, http.StatusInternalServerError, "failed to enqueue event")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleHealth reports per-server reachability. Always 200: a dead media
// server is a degraded state, not a dead plugin.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	servers := make(map[string]bool)
	for _, label := range h.registry.Labels() {
		servers[label] = h.registry.Health(r.Context(), label)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC(),
		"servers": servers,
	})
}

// handleServers lists configured server labels.
func (h *handlers) handleServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": h.registry.Labels()})
}

// handleUsers lists users per server, straight from each server.
func (h *handlers) handleUsers(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]string)
	for _, label := range h.registry.Labels() {
		handle, _ := h.registry.Get(label)
		users, err := handle.Client.GetUsers(r.Context())
		if err != nil {
			logging.Warn().Err(err).Str("server", label).Msg("Failed to list users")
			out[label] = nil
			continue
		}
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, u.Name)
		}
		out[label] = names
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

// handleRecords serves paginated audit rows.
func (h *handlers) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	page, err := h.store.Records(r.Context(), limit, offset)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to query sync records")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleStats serves aggregated counters plus the recent daily rollups.
func (h *handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.store.Totals(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to query sync totals")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	daily, err := h.store.DailyStats(r.Context(), 30)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to query daily stats")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"totals": totals,
		"daily":  daily,
	})
}

// handleStatus serves the engine's live counters.
func (h *handlers) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// handlePurge deletes audit rows older than the requested number of days.
func (h *handlers) handlePurge(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days < 1 {
		writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}

	deleted, err := h.store.Purge(r.Context(), days)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to purge sync records")
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
