// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package supervisor builds the suture service tree. Every long-running
// component (HTTP server, sync engine, janitor) runs as a supervised
// service so a panic or transient failure restarts just that component.
package supervisor

import (
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/watchsync/internal/logging"
)

// NewTree creates the root supervisor with restart parameters tuned for a
// long-lived plugin process: tolerate bursts of failures, back off rather
// than flap.
func NewTree() *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger()}

	return suture.New("watchsync", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          15 * time.Second,
	})
}
