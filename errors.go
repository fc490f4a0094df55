package goSession

import (
	"errors"

	"github.com/MrEthical07/goSession/session"
	"github.com/MrEthical07/goSession/store"
)

var (
	// ErrSessionNotFound is returned for a missing, expired or vanished session.
	// Callers cannot tell these cases apart.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionConflict is returned when every regenerated id collided.
	ErrSessionConflict = errors.New("session id conflict: retries exhausted")
	// ErrIndeterminate is returned when a write may or may not have reached the
	// store. The engine never retries it.
	ErrIndeterminate = store.ErrIndeterminate
	// ErrStoreUnavailable is returned for definite store failures.
	ErrStoreUnavailable = store.ErrUnavailable
	// ErrIndexMaintenance is returned when the record was persisted but one or
	// more index writes failed. The index heals on the next flush or expiry.
	ErrIndexMaintenance = errors.New("session index maintenance failed")
	// ErrIDGeneration is returned when the id generator fails.
	ErrIDGeneration = errors.New("session id generation failed")
	// ErrEngineNotReady is returned by an engine that was closed or built
	// without a store.
	ErrEngineNotReady = errors.New("session engine not ready")
	// ErrHandleDetached is returned when a handle is passed to an engine that
	// did not produce it.
	ErrHandleDetached = errors.New("session handle does not belong to this engine")
	// ErrUnsupportedValue is returned by Session.Set for attribute values the
	// configured codec would not hand back unchanged.
	ErrUnsupportedValue = session.ErrUnsupportedValue
	// ErrEngineStarted is returned by a second Start.
	ErrEngineStarted = errors.New("session engine already started")
)
