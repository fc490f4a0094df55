package store

import (
	"context"
	"time"

	"github.com/MrEthical07/goSession/index"
	"github.com/MrEthical07/goSession/session"
)

// RecordStore persists session records.
//
// Every method may block on network I/O and must honor ctx cancellation.
type RecordStore interface {
	// CreateRecord stores a new record. It fails with ErrConflict if the id exists.
	CreateRecord(ctx context.Context, rec *session.Record) error
	// FetchRecord loads a record or fails with ErrNotFound.
	FetchRecord(ctx context.Context, id string) (*session.Record, error)
	// ApplyDelta writes upserts, removes removals and applies meta to an existing
	// record. It fails with ErrNotFound if the id no longer exists.
	ApplyDelta(ctx context.Context, id string, upserts map[string]any, removals []string, meta session.MetadataPatch) error
	// DeleteRecord removes a record. Deleting an absent id is not an error.
	DeleteRecord(ctx context.Context, id string) error
	// SweepExpired returns the ids of records expired at or before before. Stores
	// with native expiry may return nothing and push notifications instead.
	SweepExpired(ctx context.Context, before time.Time) ([]string, error)
}

// IndexStore persists secondary-index memberships together with the reverse
// mapping needed to drop every membership of a session by id.
type IndexStore interface {
	// AddIndex adds sessionID to entry. Adding an existing membership is not an error.
	AddIndex(ctx context.Context, sessionID string, entry index.Entry) error
	// RemoveIndex removes sessionID from entry. Removing an absent membership is not an error.
	RemoveIndex(ctx context.Context, sessionID string, entry index.Entry) error
	// RemoveAllIndexes removes every membership of sessionID.
	RemoveAllIndexes(ctx context.Context, sessionID string) error
	// FindByIndex returns the ids currently holding entry.
	FindByIndex(ctx context.Context, entry index.Entry) ([]string, error)
	// IndexMemberships returns the last known memberships of sessionID.
	IndexMemberships(ctx context.Context, sessionID string) (map[string]string, error)
}

// Adapter is the full contract a store binding provides.
type Adapter interface {
	RecordStore
	IndexStore
}

// Subscription is a live stream of expiry notifications. Expired is closed after
// Close returns.
type Subscription interface {
	Expired() <-chan string
	Close() error
}

// ExpiryNotifier is implemented by bindings whose store expires records natively
// and can report each expired id out of band.
type ExpiryNotifier interface {
	SubscribeExpired(ctx context.Context) (Subscription, error)
}
