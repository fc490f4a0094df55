// Package events implements async delivery of session lifecycle events.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, slog, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full semantics.
//   - [Event]: created, deleted, expired and id-changed notifications.
//
// This package owns buffering and sink delivery. It does not decide which events
// to emit; that belongs to the engine. It must not import goSession or any
// sibling internal package.
package events
