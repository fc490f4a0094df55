package session

import (
	"errors"
	"strings"
)

// AttributeState is the change state of one attribute within a flush window.
type AttributeState uint8

const (
	// Unchanged means the attribute was neither read nor written.
	Unchanged AttributeState = iota
	// Added means the attribute did not exist in the store before this window.
	Added
	// Updated means an existing attribute was overwritten.
	Updated
	// Removed means the attribute was deleted (or set to nil).
	Removed
	// Read means the attribute was only read.
	Read
)

func (s AttributeState) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Read:
		return "read"
	default:
		return "unknown"
	}
}

// Written reports whether the state is one of Added, Updated, Removed.
func (s AttributeState) Written() bool {
	return s == Added || s == Updated || s == Removed
}

// MetadataFlags records which metadata fields changed since the last flush.
type MetadataFlags struct {
	ID                  bool
	LastAccessedTime    bool
	MaxInactiveInterval bool
}

// Any reports whether at least one flag is set.
func (m MetadataFlags) Any() bool {
	return m.ID || m.LastAccessedTime || m.MaxInactiveInterval
}

// SavePolicy selects which attribute states count toward the flush set.
type SavePolicy uint8

const (
	// SaveOnSetAttribute flushes only added, updated and removed attributes.
	SaveOnSetAttribute SavePolicy = iota
	// SaveOnGetAttribute additionally flushes attributes that were only read.
	SaveOnGetAttribute
	// SaveAlways flushes every present attribute whenever the tracker is dirty.
	SaveAlways
)

// ErrUnknownSavePolicy is returned by ParseSavePolicy for unrecognized names.
var ErrUnknownSavePolicy = errors.New("unknown save policy")

func (p SavePolicy) String() string {
	switch p {
	case SaveOnSetAttribute:
		return "on_set_attribute"
	case SaveOnGetAttribute:
		return "on_get_attribute"
	case SaveAlways:
		return "always"
	default:
		return "unknown"
	}
}

// ParseSavePolicy maps a policy name (case-insensitive, "-" or "_" separated) to
// a SavePolicy.
func ParseSavePolicy(name string) (SavePolicy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_") {
	case "on_set_attribute", "":
		return SaveOnSetAttribute, nil
	case "on_get_attribute":
		return SaveOnGetAttribute, nil
	case "always":
		return SaveAlways, nil
	default:
		return 0, ErrUnknownSavePolicy
	}
}

// Valid reports whether p is one of the defined policies.
func (p SavePolicy) Valid() bool {
	return p <= SaveAlways
}
