package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TypeCreated   = "session_created"
	TypeDeleted   = "session_deleted"
	TypeExpired   = "session_expired"
	TypeIDChanged = "session_id_changed"
)

// Causes attached to expired and deleted events.
const (
	CauseExplicit     = "explicit"
	CausePassive      = "passive"
	CauseSweep        = "sweep"
	CauseNotification = "notification"
)

// Event is a session lifecycle notification.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       string            `json:"event_type"`
	SessionID  string            `json:"session_id"`
	PreviousID string            `json:"previous_id,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.writer.Write(data)
}

// SlogSink logs every event at the given level.
type SlogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (s SlogSink) Emit(ctx context.Context, event Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, s.Level, "goSession: "+event.Type,
		"session_id", event.SessionID,
		"previous_id", event.PreviousID,
		"cause", event.Cause,
	)
}
