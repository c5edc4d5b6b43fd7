// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package registry resolves configured server labels to live client handles
// and answers health queries. Every remote call runs through a per-server
// circuit breaker so one dead server cannot slow every fan-out that touches
// it.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/emby"
	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/metrics"
)

// ReservedLabel matches any single configured server. It lets operators
// write "emby" in sync groups when only one server exists.
const ReservedLabel = "emby"

// Partial-match guards: candidates shorter than partialMinLen never match,
// and the shorter of the two labels must cover at least partialMinRatio of
// the longer.
const (
	partialMinLen   = 3
	partialMinRatio = 0.3
)

// ClientFactory builds an Emby client for one server. Swapped in tests.
type ClientFactory func(cfg config.ServerConfig, timeout time.Duration) emby.ClientInterface

// ServerHandle is a resolved, ready-to-call server.
type ServerHandle struct {
	Label  string
	Client emby.ClientInterface

	breaker *gobreaker.CircuitBreaker[any]

	mu      sync.Mutex
	userIDs map[string]string // lowercased username -> server user id
}

// Registry resolves server labels to handles.
type Registry struct {
	handles map[string]*ServerHandle
	order   []string // configuration order, for deterministic iteration
}

// New creates a registry from configured servers. A nil factory uses the
// real Emby client.
func New(servers []config.ServerConfig, timeout time.Duration, factory ClientFactory) *Registry {
	if factory == nil {
		factory = func(cfg config.ServerConfig, timeout time.Duration) emby.ClientInterface {
			return emby.NewClient(cfg.Host, cfg.APIKey, timeout)
		}
	}

	r := &Registry{handles: make(map[string]*ServerHandle, len(servers))}
	for _, s := range servers {
		h := &ServerHandle{
			Label:   s.Label,
			Client:  factory(s, timeout),
			breaker: newBreaker(s.Label),
			userIDs: make(map[string]string),
		}
		r.handles[s.Label] = h
		r.order = append(r.order, s.Label)
	}
	return r
}

// newBreaker builds the per-server circuit breaker. Settings follow the
// health-probe cadence: open after a 60% failure rate across at least five
// calls, retry after 30 seconds.
func newBreaker(label string) *gobreaker.CircuitBreaker[any] {
	metrics.CircuitBreakerState.WithLabelValues(label).Set(0)

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        label,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("server", name).
				Str("from", stateString(from)).
				Str("to", stateString(to)).
				Msg("Server circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Labels returns configured server labels in configuration order.
func (r *Registry) Labels() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get resolves a label to a handle. Resolution order: exact match, the
// reserved "emby" literal when exactly one server is configured, then a
// conservative partial match. Partial matches are logged at debug level so
// a mis-resolved label remains diagnosable.
func (r *Registry) Get(label string) (*ServerHandle, bool) {
	if h, ok := r.handles[label]; ok {
		return h, true
	}

	if strings.EqualFold(label, ReservedLabel) && len(r.order) == 1 {
		return r.handles[r.order[0]], true
	}

	if h := r.partialMatch(label); h != nil {
		return h, true
	}

	return nil, false
}

// partialMatch looks for a case-insensitive substring relation between the
// query and a configured label, requiring minimum length and length ratio.
func (r *Registry) partialMatch(label string) *ServerHandle {
	query := strings.ToLower(label)
	if len(query) < partialMinLen {
		return nil
	}

	for _, cand := range r.order {
		lc := strings.ToLower(cand)
		shorter, longer := query, lc
		if len(shorter) > len(longer) {
			shorter, longer = longer, shorter
		}
		if len(shorter) < partialMinLen {
			continue
		}
		if float64(len(shorter))/float64(len(longer)) < partialMinRatio {
			continue
		}
		if strings.Contains(longer, shorter) {
			logging.Debug().
				Str("query", label).
				Str("matched", cand).
				Str("strategy", "partial").
				Msg("Server label resolved by partial match")
			metrics.PartialLabelMatches.Inc()
			return r.handles[cand]
		}
	}
	return nil
}

// Health probes the server with a system-info call through its breaker.
// Only a successful 200 response counts as healthy.
func (r *Registry) Health(ctx context.Context, label string) bool {
	h, ok := r.Get(label)
	if !ok {
		return false
	}
	return h.Healthy(ctx)
}

// Healthy probes this server through its breaker.
func (h *ServerHandle) Healthy(ctx context.Context) bool {
	_, err := h.breaker.Execute(func() (any, error) {
		return h.Client.GetSystemInfo(ctx)
	})
	if err != nil {
		logging.Debug().Err(err).Str("server", h.Label).Msg("Health check failed")
		return false
	}
	return true
}

// Execute runs a remote call through this server's circuit breaker.
func (h *ServerHandle) Execute(fn func() (any, error)) (any, error) {
	return h.breaker.Execute(fn)
}

// ResolveUserID maps a configured username to the server-assigned user id,
// resolving lazily and caching the answer. Lookup is case-insensitive, as
// Emby usernames are.
func (h *ServerHandle) ResolveUserID(ctx context.Context, username string) (string, error) {
	key := strings.ToLower(username)

	h.mu.Lock()
	if id, ok := h.userIDs[key]; ok {
		h.mu.Unlock()
		return id, nil
	}
	h.mu.Unlock()

	users, err := h.Client.GetUsers(ctx)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range users {
		h.userIDs[strings.ToLower(u.Name)] = u.ID
	}
	if id, ok := h.userIDs[key]; ok {
		return id, nil
	}
	return "", emby.ErrNotFound
}

// InvalidateUser drops a cached user id, forcing re-resolution on next use.
func (h *ServerHandle) InvalidateUser(username string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.userIDs, strings.ToLower(username))
}
