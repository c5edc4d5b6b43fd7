// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package bus provides the in-process event bus connecting webhook intake
// to the sync engine. Overload is handled by the engine's admission
// control, not by queue depth, so the buffer stays small.
package bus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchsync/internal/logging"
)

// New creates the in-process pub/sub channel. The returned value serves as
// both publisher and subscriber.
func New() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, &loggerAdapter{})
}

// loggerAdapter bridges watermill's logger onto zerolog.
type loggerAdapter struct {
	fields watermill.LogFields
}

var _ watermill.LoggerAdapter = (*loggerAdapter)(nil)

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.event(logging.Error().Err(err), fields).Msg(msg)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.event(logging.Debug(), fields).Msg(msg) // watermill "info" is wire noise
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.event(logging.Debug(), fields).Msg(msg)
}

func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.event(logging.Trace(), fields).Msg(msg)
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{fields: l.fields.Add(fields)}
}

func (l *loggerAdapter) event(ev *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range l.fields {
		ev = ev.Interface(k, v)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}
