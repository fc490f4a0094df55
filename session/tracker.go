package session

import (
	"maps"
	"time"
)

// Tracker wraps a Record and records every change made through it since the
// last successful flush.
//
// A Tracker is owned by a single logical flow; it is not safe for concurrent use.
type Tracker struct {
	record     Record
	originalID string
	isNew      bool
	states     map[string]AttributeState
	metadata   MetadataFlags
}

// NewTracker wraps a record that has never been persisted.
func NewTracker(rec Record) *Tracker {
	t := &Tracker{
		record:     rec.Clone(),
		originalID: rec.ID,
		isNew:      true,
		states:     map[string]AttributeState{},
	}
	for k := range t.record.Attributes {
		t.states[k] = Added
	}
	return t
}

// LoadTracker wraps a record materialized from a store read.
func LoadTracker(rec Record) *Tracker {
	return &Tracker{
		record:     rec.Clone(),
		originalID: rec.ID,
		states:     map[string]AttributeState{},
	}
}

// ID returns the current logical id.
func (t *Tracker) ID() string { return t.record.ID }

// OriginalID returns the id under which the record currently exists in the store.
func (t *Tracker) OriginalID() string { return t.originalID }

// IsNew reports whether the record has never been persisted.
func (t *Tracker) IsNew() bool { return t.isNew }

// Rotated reports whether ChangeID was called since the last persist.
func (t *Tracker) Rotated() bool { return !t.isNew && t.record.ID != t.originalID }

// CreationTime returns the record creation time.
func (t *Tracker) CreationTime() time.Time { return t.record.CreationTime }

// LastAccessedTime returns the last access time.
func (t *Tracker) LastAccessedTime() time.Time { return t.record.LastAccessedTime }

// MaxInactiveInterval returns the current max inactive interval.
func (t *Tracker) MaxInactiveInterval() time.Duration { return t.record.MaxInactiveInterval }

// Record returns a copy of the current record.
func (t *Tracker) Record() Record { return t.record.Clone() }

// AttributeNames returns the names of all present attributes.
func (t *Tracker) AttributeNames() []string {
	names := make([]string, 0, len(t.record.Attributes))
	for k := range t.record.Attributes {
		names = append(names, k)
	}
	return names
}

// State returns the state of key.
func (t *Tracker) State(key string) AttributeState { return t.states[key] }

// Get returns the value stored under key. A present, untouched key is marked Read.
func (t *Tracker) Get(key string) (any, bool) {
	v, ok := t.record.Attributes[key]
	if !ok {
		return nil, false
	}
	if t.states[key] == Unchanged {
		t.states[key] = Read
	}
	return v, true
}

// Set stores value under key. A null value (see IsNull) behaves as Remove.
// Setting the value a key already holds still marks it written.
func (t *Tracker) Set(key string, value any) {
	if IsNull(value) {
		t.Remove(key)
		return
	}

	_, present := t.record.Attributes[key]
	switch st := t.states[key]; {
	case st == Added:
	case present || st == Removed:
		t.states[key] = Updated
	default:
		t.states[key] = Added
	}
	if t.isNew {
		t.states[key] = Added
	}
	t.record.Attributes[key] = value
}

// Remove deletes key. The removal is recorded even when key is absent.
func (t *Tracker) Remove(key string) {
	delete(t.record.Attributes, key)
	t.states[key] = Removed
}

// Touch sets the last access time.
func (t *Tracker) Touch(now time.Time) {
	t.record.LastAccessedTime = now
	t.metadata.LastAccessedTime = true
}

// SetMaxInactiveInterval sets the max inactive interval. d <= 0 means never expire.
func (t *Tracker) SetMaxInactiveInterval(d time.Duration) {
	t.record.MaxInactiveInterval = d
	t.metadata.MaxInactiveInterval = true
}

// ChangeID changes the logical id. OriginalID keeps pointing at the persisted key
// until MarkPersisted.
func (t *Tracker) ChangeID(newID string) {
	t.record.ID = newID
	t.metadata.ID = true
	if t.isNew {
		t.originalID = newID
	}
}

// Metadata returns the metadata change flags.
func (t *Tracker) Metadata() MetadataFlags { return t.metadata }

// Dirty reports whether anything is pending.
func (t *Tracker) Dirty() bool {
	return t.snapshotState().Dirty()
}

// SnapshotFlushSet returns the flush set for policy without clearing tracker state.
func (t *Tracker) SnapshotFlushSet(policy SavePolicy) FlushSet {
	return ComputeFlushSet(t.snapshotState(), policy)
}

// ClearChangeFlags resets every attribute to Unchanged and every metadata flag to
// false. It must only be called after a successful flush.
func (t *Tracker) ClearChangeFlags() {
	clear(t.states)
	t.metadata = MetadataFlags{}
}

// MarkPersisted records that the current record now exists in the store under
// its current id.
func (t *Tracker) MarkPersisted() {
	t.isNew = false
	t.originalID = t.record.ID
	t.ClearChangeFlags()
}

func (t *Tracker) snapshotState() TrackerState {
	return TrackerState{
		Attributes:          t.record.Attributes,
		States:              t.states,
		Metadata:            t.metadata,
		IsNew:               t.isNew,
		Rotated:             t.Rotated(),
		LastAccessedTime:    t.record.LastAccessedTime,
		MaxInactiveInterval: t.record.MaxInactiveInterval,
	}
}

// Snapshot returns an independent copy of the tracker state.
func (t *Tracker) Snapshot() TrackerState {
	s := t.snapshotState()
	s.Attributes = maps.Clone(s.Attributes)
	s.States = maps.Clone(s.States)
	return s
}
