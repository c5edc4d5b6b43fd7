// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package emby

import (
	"errors"
	"fmt"
)

// Error taxonomy for outbound media-server calls. The retry wrapper in the
// writer package retries transport errors only; everything else fails the
// edge immediately.

var (
	// ErrNotFound marks a 404 or an empty lookup result.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized marks a 401/403 from the media server.
	ErrUnauthorized = errors.New("unauthorized")
)

// TransportError wraps timeouts, connection failures, and 5xx responses.
type TransportError struct {
	Op         string
	StatusCode int // 0 for network-level failures
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: server returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error is a transport failure worth
// retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ErrorBucket maps an error to its metrics bucket.
func ErrorBucket(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsRetryable(err):
		return "transport"
	default:
		return "config"
	}
}
