// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// slogBridge adapts slog records onto the zerolog backend so libraries
// that speak slog (the supervisor's event hook) share the global logger.
type slogBridge struct {
	attrs []slog.Attr
}

// NewSlogLogger returns an slog.Logger backed by the global zerolog logger.
func NewSlogLogger() *slog.Logger {
	return slog.New(&slogBridge{})
}

func (b *slogBridge) Enabled(_ context.Context, level slog.Level) bool {
	return Logger().GetLevel() <= bridgeLevel(level)
}

func (b *slogBridge) Handle(_ context.Context, record slog.Record) error {
	logger := Logger()
	ev := logger.WithLevel(bridgeLevel(record.Level))
	for _, attr := range b.attrs {
		ev = ev.Interface(attr.Key, attr.Value.Any())
	}
	record.Attrs(func(attr slog.Attr) bool {
		ev = ev.Interface(attr.Key, attr.Value.Any())
		return true
	})
	ev.Msg(record.Message)
	return nil
}

func (b *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(b.attrs)+len(attrs))
	merged = append(merged, b.attrs...)
	merged = append(merged, attrs...)
	return &slogBridge{attrs: merged}
}

func (b *slogBridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}
	// Group nesting is flattened; the supervisor hook does not use groups.
	return b
}

func bridgeLevel(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
