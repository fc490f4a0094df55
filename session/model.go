package session

import (
	"maps"
	"time"
)

// NeverExpires is the max inactive interval of a record that is never expired.
// Any interval <= 0 is treated the same way.
const NeverExpires time.Duration = -1

// Record is the durable session entity.
//
// Attribute values are opaque; an absent key and a nil value are equivalent.
type Record struct {
	ID                  string
	CreationTime        time.Time
	LastAccessedTime    time.Time
	MaxInactiveInterval time.Duration
	Attributes          map[string]any
}

// NewRecord returns a record created at now with the given id and interval.
func NewRecord(id string, now time.Time, maxInactive time.Duration) Record {
	return Record{
		ID:                  id,
		CreationTime:        now,
		LastAccessedTime:    now,
		MaxInactiveInterval: maxInactive,
		Attributes:          map[string]any{},
	}
}

// Expires reports whether the record is subject to expiration at all.
func (r *Record) Expires() bool {
	return r.MaxInactiveInterval > 0
}

// ExpiresAt returns the instant at which the record becomes expired. The second
// return value is false for records that never expire.
func (r *Record) ExpiresAt() (time.Time, bool) {
	if !r.Expires() {
		return time.Time{}, false
	}
	return r.LastAccessedTime.Add(r.MaxInactiveInterval), true
}

// IsExpired reports whether now - LastAccessedTime >= MaxInactiveInterval. The
// boundary is inclusive.
func (r *Record) IsExpired(now time.Time) bool {
	expiresAt, ok := r.ExpiresAt()
	if !ok {
		return false
	}
	return !now.Before(expiresAt)
}

// Clone returns a copy whose attribute map can be mutated independently. Values
// themselves are shared.
func (r Record) Clone() Record {
	out := r
	if r.Attributes == nil {
		out.Attributes = map[string]any{}
	} else {
		out.Attributes = maps.Clone(r.Attributes)
	}
	return out
}
