// Package redisstore binds the session store contract to Redis.
//
// Layout under Options.Prefix (default "gosession"):
//
//	<prefix>:sessions:<id>        hash: metadata fields plus attr:<name> values
//	<prefix>:sessions:<id>:idx    hash: reverse index mapping name -> value
//	<prefix>:index:<name>:<value> set of session ids
//	<prefix>:expirations          zset of session ids scored by expiry (unix ms)
//
// Record keys carry a native TTL equal to their remaining lifetime; the reverse
// mapping outlives them by Options.ExpiryGrace so expiry handling can still find
// the memberships to drop.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goSession/index"
	"github.com/MrEthical07/goSession/session"
	"github.com/MrEthical07/goSession/store"
)

const (
	fieldCreationTime        = "creationTime"
	fieldLastAccessedTime    = "lastAccessedTime"
	fieldMaxInactiveInterval = "maxInactiveInterval"
	attrFieldPrefix          = "attr:"

	// DefaultPrefix is the key namespace used when Options.Prefix is empty.
	DefaultPrefix = "gosession"
	// DefaultExpiryGrace is how long reverse index keys outlive their record.
	DefaultExpiryGrace = 5 * time.Minute
)

// Options configures a Store.
type Options struct {
	Prefix      string
	Codec       session.Codec
	ExpiryGrace time.Duration
	// Now supplies the clock used to turn absolute expiry instants into TTLs.
	Now func() time.Time
}

// Store is a Redis-backed adapter.
type Store struct {
	redis       redis.UniversalClient
	prefix      string
	codec       session.Codec
	grace       time.Duration
	now         func() time.Time
	sessionsKey string
	indexKey    string
}

var (
	_ store.Adapter        = (*Store)(nil)
	_ store.ExpiryNotifier = (*Store)(nil)
)

// New creates a Store over client.
func New(client redis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Codec == nil {
		opts.Codec = session.DefaultCodec()
	}
	if opts.ExpiryGrace <= 0 {
		opts.ExpiryGrace = DefaultExpiryGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		redis:       client,
		prefix:      opts.Prefix,
		codec:       opts.Codec,
		grace:       opts.ExpiryGrace,
		now:         opts.Now,
		sessionsKey: opts.Prefix + ":sessions:",
		indexKey:    opts.Prefix + ":index:",
	}
}

func (s *Store) recordKey(id string) string { return s.sessionsKey + id }

func (s *Store) reverseKey(id string) string { return s.sessionsKey + id + ":idx" }

func (s *Store) expirationsKey() string { return s.prefix + ":expirations" }

func (s *Store) entryKey(e index.Entry) string { return s.indexKey + e.Name + ":" + e.Value }

// sessionIDFromKey maps an expired key back to its session id. Reverse index
// keys and foreign keys report false.
func (s *Store) sessionIDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, s.sessionsKey)
	if !ok || id == "" || strings.HasSuffix(id, ":idx") {
		return "", false
	}
	return id, true
}

// CreateRecord writes every field of rec in one script call and fails with
// store.ErrConflict if the key exists.
//
//	Performance: 1 EVALSHA.
func (s *Store) CreateRecord(ctx context.Context, rec *session.Record) error {
	args := []any{expiresAtMillis(rec), s.now().UnixMilli(), rec.ID}
	args = append(args,
		fieldCreationTime, rec.CreationTime.UnixMilli(),
		fieldLastAccessedTime, rec.LastAccessedTime.UnixMilli(),
		fieldMaxInactiveInterval, intervalMillis(rec.MaxInactiveInterval),
	)
	for k, v := range rec.Attributes {
		if v == nil {
			continue
		}
		data, err := s.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("redisstore: attribute %q: %w", k, err)
		}
		args = append(args, attrFieldPrefix+k, data)
	}

	created, err := createRecordLua.Run(ctx, s.redis, []string{s.recordKey(rec.ID), s.expirationsKey()}, args...).Int64()
	if err != nil {
		return store.WriteError(err)
	}
	if created == 0 {
		return store.ErrConflict
	}
	return nil
}

// FetchRecord loads the record hash.
//
//	Performance: 1 HGETALL.
func (s *Store) FetchRecord(ctx context.Context, id string) (*session.Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, store.ReadError(err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}

	rec := &session.Record{ID: id, Attributes: make(map[string]any, len(fields))}
	for field, raw := range fields {
		switch {
		case field == fieldCreationTime:
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", session.ErrCorruptRecord, field, err)
			}
			rec.CreationTime = time.UnixMilli(ms)
		case field == fieldLastAccessedTime:
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", session.ErrCorruptRecord, field, err)
			}
			rec.LastAccessedTime = time.UnixMilli(ms)
		case field == fieldMaxInactiveInterval:
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", session.ErrCorruptRecord, field, err)
			}
			rec.MaxInactiveInterval = intervalFromMillis(ms)
		case strings.HasPrefix(field, attrFieldPrefix):
			v, err := s.codec.Unmarshal([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", session.ErrCorruptRecord, field, err)
			}
			rec.Attributes[strings.TrimPrefix(field, attrFieldPrefix)] = v
		}
	}
	return rec, nil
}

// ApplyDelta writes only the touched fields. Concurrent deltas on different
// attributes of the same id do not clobber each other.
//
//	Performance: 1 EVALSHA.
func (s *Store) ApplyDelta(ctx context.Context, id string, upserts map[string]any, removals []string, meta session.MetadataPatch) error {
	set := make([]any, 0, 2*len(upserts)+4)
	for k, v := range upserts {
		data, err := s.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("redisstore: attribute %q: %w", k, err)
		}
		set = append(set, attrFieldPrefix+k, data)
	}
	if meta.LastAccessedTime != nil {
		set = append(set, fieldLastAccessedTime, meta.LastAccessedTime.UnixMilli())
	}
	if meta.MaxInactiveInterval != nil {
		set = append(set, fieldMaxInactiveInterval, intervalMillis(*meta.MaxInactiveInterval))
	}

	metaChanged := "0"
	if !meta.Empty() {
		metaChanged = "1"
	}

	args := make([]any, 0, 5+len(set)+len(removals))
	args = append(args, id, s.now().UnixMilli(), s.grace.Milliseconds(), metaChanged, len(set))
	args = append(args, set...)
	for _, k := range removals {
		args = append(args, attrFieldPrefix+k)
	}

	keys := []string{s.recordKey(id), s.expirationsKey(), s.reverseKey(id)}
	applied, err := applyDeltaLua.Run(ctx, s.redis, keys, args...).Int64()
	if err != nil {
		return store.WriteError(err)
	}
	if applied == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteRecord removes the record and its expiry bookkeeping. Index
// memberships are dropped separately through RemoveAllIndexes.
//
//	Performance: 1 MULTI/EXEC round trip.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(id))
		pipe.ZRem(ctx, s.expirationsKey(), id)
		return nil
	})
	if err != nil {
		return store.WriteError(err)
	}
	return nil
}

// SweepExpired returns ids whose recorded expiry is at or before before. It
// catches records whose keyspace notification was missed.
//
//	Performance: 1 ZRANGEBYSCORE.
func (s *Store) SweepExpired(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := s.redis.ZRangeByScore(ctx, s.expirationsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, store.ReadError(err)
	}
	return ids, nil
}

func (s *Store) AddIndex(ctx context.Context, sessionID string, entry index.Entry) error {
	keys := []string{s.entryKey(entry), s.reverseKey(sessionID), s.recordKey(sessionID)}
	err := addIndexLua.Run(ctx, s.redis, keys, sessionID, entry.Name, entry.Value, s.grace.Milliseconds(), s.indexKey).Err()
	if err != nil {
		return store.WriteError(err)
	}
	return nil
}

func (s *Store) RemoveIndex(ctx context.Context, sessionID string, entry index.Entry) error {
	keys := []string{s.entryKey(entry), s.reverseKey(sessionID)}
	if err := removeIndexLua.Run(ctx, s.redis, keys, sessionID, entry.Name, entry.Value).Err(); err != nil {
		return store.WriteError(err)
	}
	return nil
}

// RemoveAllIndexes drops every membership listed in the reverse mapping of
// sessionID, then the mapping itself.
//
//	Performance: 1 EVALSHA.
func (s *Store) RemoveAllIndexes(ctx context.Context, sessionID string) error {
	err := removeAllIndexesLua.Run(ctx, s.redis, []string{s.reverseKey(sessionID)}, sessionID, s.indexKey).Err()
	if err != nil {
		return store.WriteError(err)
	}
	return nil
}

func (s *Store) FindByIndex(ctx context.Context, entry index.Entry) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.entryKey(entry)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, store.ReadError(err)
	}
	return ids, nil
}

func (s *Store) IndexMemberships(ctx context.Context, sessionID string) (map[string]string, error) {
	members, err := s.redis.HGetAll(ctx, s.reverseKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]string{}, nil
		}
		return nil, store.ReadError(err)
	}
	return members, nil
}

func expiresAtMillis(rec *session.Record) int64 {
	at, ok := rec.ExpiresAt()
	if !ok {
		return 0
	}
	return at.UnixMilli()
}

func intervalMillis(d time.Duration) int64 {
	if d <= 0 {
		return -1
	}
	return d.Milliseconds()
}

func intervalFromMillis(ms int64) time.Duration {
	if ms <= 0 {
		return session.NeverExpires
	}
	return time.Duration(ms) * time.Millisecond
}
