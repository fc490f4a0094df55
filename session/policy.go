package session

import (
	"sort"
	"time"
)

// TrackerState is the input of the save policy function.
type TrackerState struct {
	Attributes          map[string]any
	States              map[string]AttributeState
	Metadata            MetadataFlags
	IsNew               bool
	Rotated             bool
	LastAccessedTime    time.Time
	MaxInactiveInterval time.Duration
}

// Dirty reports whether any attribute or metadata change is pending.
func (s TrackerState) Dirty() bool {
	if s.IsNew || s.Rotated || s.Metadata.Any() {
		return true
	}
	for _, st := range s.States {
		if st != Unchanged {
			return true
		}
	}
	return false
}

// MetadataPatch carries the metadata fields that must be written. Nil fields are
// left untouched.
type MetadataPatch struct {
	LastAccessedTime    *time.Time
	MaxInactiveInterval *time.Duration
}

// Empty reports whether the patch writes nothing.
func (m MetadataPatch) Empty() bool {
	return m.LastAccessedTime == nil && m.MaxInactiveInterval == nil
}

// FlushSet is the exact set of writes needed to persist pending changes.
type FlushSet struct {
	Upserts  map[string]any
	Removals []string
	Metadata MetadataPatch
}

// Empty reports whether the flush set writes nothing.
func (f FlushSet) Empty() bool {
	return len(f.Upserts) == 0 && len(f.Removals) == 0 && f.Metadata.Empty()
}

// Keys returns the sorted attribute names touched by the flush set.
func (f FlushSet) Keys() []string {
	keys := make([]string, 0, len(f.Upserts)+len(f.Removals))
	for k := range f.Upserts {
		keys = append(keys, k)
	}
	keys = append(keys, f.Removals...)
	sort.Strings(keys)
	return keys
}

// ComputeFlushSet derives the flush set for policy from state. It has no side
// effects; the returned maps and slices are not shared with state.
//
// Metadata patches are included under every policy whenever they are dirty.
func ComputeFlushSet(state TrackerState, policy SavePolicy) FlushSet {
	fs := FlushSet{Upserts: map[string]any{}}

	for key, st := range state.States {
		switch st {
		case Added, Updated:
			if v, ok := state.Attributes[key]; ok {
				fs.Upserts[key] = v
			}
		case Removed:
			fs.Removals = append(fs.Removals, key)
		case Read:
			if policy != SaveOnGetAttribute {
				continue
			}
			if v, ok := state.Attributes[key]; ok {
				fs.Upserts[key] = v
			}
		}
	}

	if policy == SaveAlways && state.Dirty() {
		for key, v := range state.Attributes {
			fs.Upserts[key] = v
		}
	}

	if state.Metadata.LastAccessedTime {
		t := state.LastAccessedTime
		fs.Metadata.LastAccessedTime = &t
	}
	if state.Metadata.MaxInactiveInterval {
		d := state.MaxInactiveInterval
		fs.Metadata.MaxInactiveInterval = &d
	}

	sort.Strings(fs.Removals)
	return fs
}
