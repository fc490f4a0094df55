// Package memstore is an in-process store binding. Records are kept as encoded
// blobs and overwritten whole, which makes it the reference binding for stores
// without partial updates and the default test double.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MrEthical07/goSession/index"
	"github.com/MrEthical07/goSession/session"
	"github.com/MrEthical07/goSession/store"
)

// Store is a concurrency-safe in-memory adapter.
type Store struct {
	codec session.Codec

	mu       sync.RWMutex
	records  map[string][]byte
	indexes  map[index.Entry]map[string]struct{}
	reverse  map[string]map[string]string
	watchers map[*subscription]struct{}
}

// New returns an empty store encoding attribute values with codec. A nil codec
// selects session.DefaultCodec.
func New(codec session.Codec) *Store {
	if codec == nil {
		codec = session.DefaultCodec()
	}
	return &Store{
		codec:    codec,
		records:  map[string][]byte{},
		indexes:  map[index.Entry]map[string]struct{}{},
		reverse:  map[string]map[string]string{},
		watchers: map[*subscription]struct{}{},
	}
}

var (
	_ store.Adapter        = (*Store)(nil)
	_ store.ExpiryNotifier = (*Store)(nil)
)

func (s *Store) CreateRecord(ctx context.Context, rec *session.Record) error {
	if err := ctx.Err(); err != nil {
		return store.WriteError(err)
	}
	blob, err := session.Encode(rec, s.codec)
	if err != nil {
		return fmt.Errorf("memstore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return store.ErrConflict
	}
	s.records[rec.ID] = blob
	return nil
}

func (s *Store) FetchRecord(ctx context.Context, id string) (*session.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ReadError(err)
	}
	s.mu.RLock()
	blob, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return session.Decode(blob, s.codec)
}

// ApplyDelta decodes the current blob, applies the delta and writes the result
// back. The whole cycle holds the write lock, so concurrent deltas serialize.
func (s *Store) ApplyDelta(ctx context.Context, id string, upserts map[string]any, removals []string, meta session.MetadataPatch) error {
	if err := ctx.Err(); err != nil {
		return store.WriteError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	rec, err := session.Decode(blob, s.codec)
	if err != nil {
		return err
	}

	for k, v := range upserts {
		rec.Attributes[k] = v
	}
	for _, k := range removals {
		delete(rec.Attributes, k)
	}
	if meta.LastAccessedTime != nil {
		rec.LastAccessedTime = *meta.LastAccessedTime
	}
	if meta.MaxInactiveInterval != nil {
		rec.MaxInactiveInterval = *meta.MaxInactiveInterval
	}

	next, err := session.Encode(rec, s.codec)
	if err != nil {
		return fmt.Errorf("memstore: %w", err)
	}
	s.records[id] = next
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return store.WriteError(err)
	}
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) SweepExpired(ctx context.Context, before time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ReadError(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, blob := range s.records {
		rec, err := session.Decode(blob, s.codec)
		if err != nil {
			return nil, err
		}
		if rec.IsExpired(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) AddIndex(ctx context.Context, sessionID string, entry index.Entry) error {
	if err := ctx.Err(); err != nil {
		return store.WriteError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.reverse[sessionID][entry.Name]; ok && prev != entry.Value {
		delete(s.indexes[index.Entry{Name: entry.Name, Value: prev}], sessionID)
	}
	if s.indexes[entry] == nil {
		s.indexes[entry] = map[string]struct{}{}
	}
	s.indexes[entry][sessionID] = struct{}{}
	if s.reverse[sessionID] == nil {
		s.reverse[sessionID] = map[string]string{}
	}
	s.reverse[sessionID][entry.Name] = entry.Value
	return nil
}

func (s *Store) RemoveIndex(ctx context.Context, sessionID string, entry index.Entry) error {
	if err := ctx.Err(); err != nil {
		return store.WriteError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropMembership(entry, sessionID)
	if s.reverse[sessionID][entry.Name] == entry.Value {
		delete(s.reverse[sessionID], entry.Name)
		if len(s.reverse[sessionID]) == 0 {
			delete(s.reverse, sessionID)
		}
	}
	return nil
}

func (s *Store) RemoveAllIndexes(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return store.WriteError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, value := range s.reverse[sessionID] {
		s.dropMembership(index.Entry{Name: name, Value: value}, sessionID)
	}
	delete(s.reverse, sessionID)
	return nil
}

func (s *Store) dropMembership(entry index.Entry, sessionID string) {
	ids := s.indexes[entry]
	delete(ids, sessionID)
	if len(ids) == 0 {
		delete(s.indexes, entry)
	}
}

func (s *Store) FindByIndex(ctx context.Context, entry index.Entry) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ReadError(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.indexes[entry]))
	for id := range s.indexes[entry] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) IndexMemberships(ctx context.Context, sessionID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ReadError(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.reverse[sessionID]))
	for name, value := range s.reverse[sessionID] {
		out[name] = value
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Evict drops a record the way a native TTL would and notifies subscribers.
// Index memberships are left for the notification consumer to clean up.
func (s *Store) Evict(id string) bool {
	s.mu.Lock()
	_, ok := s.records[id]
	delete(s.records, id)
	watchers := make([]*subscription, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	for _, w := range watchers {
		w.publish(id)
	}
	return true
}

// SubscribeExpired streams ids dropped through Evict.
func (s *Store) SubscribeExpired(ctx context.Context) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		owner: s,
		ch:    make(chan string, 64),
	}
	s.mu.Lock()
	s.watchers[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

var errSubscriptionClosed = errors.New("memstore: subscription closed")

type subscription struct {
	owner *Store

	mu     sync.Mutex
	ch     chan string
	closed bool
}

func (s *subscription) Expired() <-chan string { return s.ch }

func (s *subscription) publish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- id:
	default:
		// Slow consumer; stale memberships are also healed on lookup.
	}
}

func (s *subscription) Close() error {
	s.owner.mu.Lock()
	delete(s.owner.watchers, s)
	s.owner.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriptionClosed
	}
	s.closed = true
	close(s.ch)
	return nil
}
