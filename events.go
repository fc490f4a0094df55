package goSession

import (
	"io"
	"log/slog"

	"github.com/MrEthical07/goSession/internal/events"
)

// Event is a session lifecycle notification delivered to an EventSink.
type Event = events.Event

// EventSink receives lifecycle events from the dispatcher goroutine. Emit must
// not block for long; a slow sink fills the buffer and, with DropIfFull,
// events are counted as dropped.
type EventSink = events.Sink

// Lifecycle event types.
const (
	EventSessionCreated   = events.TypeCreated
	EventSessionDeleted   = events.TypeDeleted
	EventSessionExpired   = events.TypeExpired
	EventSessionIDChanged = events.TypeIDChanged
)

// Causes carried by deleted and expired events.
const (
	CauseExplicit     = events.CauseExplicit
	CausePassive      = events.CausePassive
	CauseSweep        = events.CauseSweep
	CauseNotification = events.CauseNotification
)

type (
	NoOpSink       = events.NoOpSink
	ChannelSink    = events.ChannelSink
	JSONWriterSink = events.JSONWriterSink
	SlogSink       = events.SlogSink
)

func NewChannelSink(buffer int) *ChannelSink {
	return events.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return events.NewJSONWriterSink(w)
}

// NewSlogSink logs each event at Info.
func NewSlogSink(logger *slog.Logger) SlogSink {
	return SlogSink{Logger: logger, Level: slog.LevelInfo}
}
