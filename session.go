package goSession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goSession/session"
)

// Session is a handle on one session record. Reads are served from memory;
// writes are tracked and reach the store on Save, or before each mutating call
// returns when the engine runs in FlushImmediate.
//
// A Session belongs to one request flow and is not safe for concurrent use.
// Concurrent flows on the same id each hold their own handle; partial updates
// keep their writes to disjoint attributes from clobbering each other.
type Session struct {
	engine  *Engine
	tracker *session.Tracker
	// known holds the index memberships believed to be in the store.
	known map[string]string
	gone  bool
}

// ID returns the current session id. After ChangeID this is the new id even
// before the rotation is flushed.
func (s *Session) ID() string { return s.tracker.ID() }

// CreationTime returns when the session was created.
func (s *Session) CreationTime() time.Time { return s.tracker.CreationTime() }

// LastAccessedTime returns the last touch, the base of idle expiry.
func (s *Session) LastAccessedTime() time.Time { return s.tracker.LastAccessedTime() }

// MaxInactiveInterval returns the idle timeout. A value <= 0 means the session
// never expires.
func (s *Session) MaxInactiveInterval() time.Duration { return s.tracker.MaxInactiveInterval() }

// IsNew reports whether the session has not been persisted yet.
func (s *Session) IsNew() bool { return s.tracker.IsNew() }

// Gone reports whether the record was found deleted during a flush or the
// session was invalidated. A gone handle never writes again.
func (s *Session) Gone() bool { return s.gone }

// IsExpired reports whether the session is idle past its interval according to
// the engine clock.
func (s *Session) IsExpired() bool {
	rec := s.tracker.Record()
	return rec.IsExpired(s.engine.clock.Now())
}

// AttributeNames lists the attributes currently present.
func (s *Session) AttributeNames() []string { return s.tracker.AttributeNames() }

// Get returns the attribute stored under name.
func (s *Session) Get(name string) (any, bool) { return s.tracker.Get(name) }

// Set stores value under name. A nil value, typed nil pointers included,
// removes the attribute. Values the configured codec cannot return unchanged
// fail with ErrUnsupportedValue and leave the handle untouched.
func (s *Session) Set(ctx context.Context, name string, value any) error {
	if !session.IsNull(value) {
		if err := s.engine.codec.Check(value); err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
	}
	s.tracker.Set(name, value)
	return s.afterMutation(ctx)
}

// Remove deletes the attribute stored under name.
func (s *Session) Remove(ctx context.Context, name string) error {
	s.tracker.Remove(name)
	return s.afterMutation(ctx)
}

// Touch sets the last access time to now.
func (s *Session) Touch(ctx context.Context) error {
	s.tracker.Touch(s.engine.clock.Now())
	return s.afterMutation(ctx)
}

// SetMaxInactiveInterval changes the idle timeout. d <= 0 disables expiry.
func (s *Session) SetMaxInactiveInterval(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = session.NeverExpires
	}
	s.tracker.SetMaxInactiveInterval(d)
	return s.afterMutation(ctx)
}

// ChangeID assigns a fresh id and returns it. The record moves to the new id on
// the next flush; until then the store still holds it under the old one.
func (s *Session) ChangeID(ctx context.Context) (string, error) {
	rec := s.tracker.Record()
	id, err := s.engine.ids.Regenerate(&rec)
	if err != nil {
		return "", err
	}
	s.tracker.ChangeID(id)
	return id, s.afterMutation(ctx)
}

// Invalidate deletes the session from the store and marks the handle gone.
func (s *Session) Invalidate(ctx context.Context) error {
	if s.gone {
		return nil
	}
	if s.tracker.IsNew() {
		s.gone = true
		return nil
	}
	err := s.engine.DeleteSession(ctx, s.tracker.OriginalID())
	if err != nil && !errors.Is(err, ErrIndexMaintenance) {
		return err
	}
	s.gone = true
	return err
}

func (s *Session) afterMutation(ctx context.Context) error {
	if s.engine.config.Session.FlushMode != FlushImmediate {
		return nil
	}
	return s.engine.flush(ctx, s)
}
