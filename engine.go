package goSession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goSession/index"
	"github.com/MrEthical07/goSession/internal/events"
	"github.com/MrEthical07/goSession/internal/expiry"
	"github.com/MrEthical07/goSession/session"
	"github.com/MrEthical07/goSession/store"
	"github.com/MrEthical07/goSession/store/redisstore"
)

// Engine creates, loads, persists and expires sessions over one store binding.
// Its methods are safe for concurrent use; the handles it returns are not.
type Engine struct {
	config     Config
	store      store.Adapter
	maintainer *index.Maintainer
	clock      Clock
	ids        IDGenerator
	codec      session.Codec
	events     *events.Dispatcher
	metrics    *Metrics
	logger     *slog.Logger

	// redis is set when the engine was built WithRedis, for keyspace setup.
	redis redis.UniversalClient

	mu       sync.Mutex
	started  bool
	sweeper  *expiry.Sweeper
	listener *expiry.Listener
	closed   atomic.Bool
}

// Start launches the active expiration paths enabled in Config.Expiration. It
// must be called at most once; an engine that is never started still expires
// sessions passively on read.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrEngineStarted
	}

	cfg := e.config.Expiration
	if cfg.ListenNotifications {
		notifier, ok := e.store.(store.ExpiryNotifier)
		if !ok {
			e.logger.Warn("goSession: store does not publish expiry notifications, listener not started")
		} else {
			if e.redis != nil && e.config.Redis.EnableKeyspaceNotifications {
				if err := redisstore.EnableKeyspaceNotifications(ctx, e.redis); err != nil {
					return err
				}
			}
			l := expiry.NewListener(notifier, e.handleNotification, cfg.NotificationTimeout, e.logger)
			if err := l.Start(ctx); err != nil {
				return err
			}
			e.listener = l
		}
	}

	if cfg.SweepEnabled {
		e.sweeper = expiry.NewSweeper(expiry.SweeperConfig{
			Interval: cfg.SweepInterval,
			Timeout:  cfg.SweepTimeout,
			Jitter:   cfg.SweepJitter,
		}, e.SweepExpired, e.logger)
		e.sweeper.Start()
	}

	e.started = true
	return nil
}

// Close stops the expiration paths and drains queued events. Every later
// operation fails with ErrEngineNotReady.
func (e *Engine) Close() error {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	sweeper, listener := e.sweeper, e.listener
	e.mu.Unlock()

	var err error
	if sweeper != nil {
		sweeper.Stop()
	}
	if listener != nil {
		err = listener.Stop()
	}
	e.events.Close()
	return err
}

// EventsDropped returns the number of lifecycle events lost to a full buffer.
func (e *Engine) EventsDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.events.Dropped()
}

// MetricsSnapshot copies the engine counters. It is empty when metrics are
// disabled.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, typ, id, previous, cause string) {
	e.events.Emit(ctx, events.Event{
		Timestamp:  e.clock.Now(),
		Type:       typ,
		SessionID:  id,
		PreviousID: previous,
		Cause:      cause,
	})
}

func (e *Engine) countWriteError(err error) {
	if errors.Is(err, store.ErrIndeterminate) {
		e.metrics.Inc(MetricIndeterminateWrite)
	}
}

/*
====================================
LIFECYCLE
====================================
*/

// CreateSession returns a new session with the default interval. Under
// FlushOnSave nothing is written until Save.
func (e *Engine) CreateSession(ctx context.Context) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	id, err := e.ids.Generate()
	if err != nil {
		return nil, err
	}

	interval := e.config.Session.DefaultMaxInactiveInterval
	if interval <= 0 {
		interval = session.NeverExpires
	}
	rec := session.NewRecord(id, e.clock.Now(), interval)
	s := &Session{
		engine:  e,
		tracker: session.NewTracker(rec),
		known:   map[string]string{},
	}

	if e.config.Session.FlushMode == FlushImmediate {
		if err := e.flush(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GetSession loads the session stored under id. Missing and expired sessions
// both yield ErrSessionNotFound; an expired one is deleted on the way out.
func (e *Engine) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	s, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.config.Session.TouchOnAccess {
		s.tracker.Touch(e.clock.Now())
		if e.config.Session.FlushMode == FlushImmediate {
			if err := e.flush(ctx, s); err != nil {
				return nil, err
			}
			if s.gone {
				return nil, ErrSessionNotFound
			}
		}
	}
	return s, nil
}

func (e *Engine) load(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		e.metrics.Inc(MetricSessionMiss)
		return nil, ErrSessionNotFound
	}

	rec, err := e.store.FetchRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		e.metrics.Inc(MetricSessionMiss)
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if rec.IsExpired(e.clock.Now()) {
		e.metrics.Inc(MetricSessionMiss)
		if err := e.expire(ctx, id, events.CausePassive); err != nil {
			// The record is gone; only its index entries linger.
			if !errors.Is(err, ErrIndexMaintenance) {
				return nil, err
			}
			e.logger.Warn("goSession: passive expiry cleanup failed", "session_id", id, "error", err)
		}
		return nil, ErrSessionNotFound
	}

	e.metrics.Inc(MetricSessionLoaded)
	return &Session{
		engine:  e,
		tracker: session.LoadTracker(*rec),
		known:   e.memberships(ctx, rec),
	}, nil
}

// memberships returns what the store holds for rec, falling back to what the
// resolvers derive when the store cannot be asked.
func (e *Engine) memberships(ctx context.Context, rec *session.Record) map[string]string {
	if !e.maintainer.Enabled() {
		return map[string]string{}
	}
	known, err := e.store.IndexMemberships(ctx, rec.ID)
	if err != nil {
		e.logger.Warn("goSession: reading index memberships failed, deriving from record",
			"session_id", rec.ID,
			"error", err,
		)
		return e.maintainer.Known(rec)
	}
	return known
}

// Save flushes every pending change of s. Saving a clean handle issues no store
// call. If the record was deleted concurrently Save returns nil and s.Gone
// reports true.
func (e *Engine) Save(ctx context.Context, s *Session) error {
	if err := e.ready(); err != nil {
		return err
	}
	if s == nil || s.engine != e {
		return ErrHandleDetached
	}
	return e.flush(ctx, s)
}

// DeleteSession removes the record and every index membership of id. Deleting
// an unknown id is not an error.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.store.DeleteRecord(ctx, id); err != nil {
		e.countWriteError(err)
		return err
	}
	var purgeErr error
	if err := e.maintainer.Purge(ctx, id); err != nil {
		e.metrics.Inc(MetricIndexWriteFailure)
		purgeErr = fmt.Errorf("%w: %v", ErrIndexMaintenance, err)
	}
	e.metrics.Inc(MetricSessionDeleted)
	e.emit(ctx, events.TypeDeleted, id, "", events.CauseExplicit)
	return purgeErr
}

/*
====================================
FLUSH
====================================
*/

func (e *Engine) flush(ctx context.Context, s *Session) error {
	if s.gone {
		return nil
	}
	if err := e.ready(); err != nil {
		return err
	}

	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
		defer func() { e.metrics.Observe(MetricFlushLatency, time.Since(start)) }()
	}

	switch {
	case s.tracker.IsNew():
		return e.flushNew(ctx, s)
	case s.tracker.Rotated():
		return e.flushRotation(ctx, s)
	default:
		return e.flushDelta(ctx, s)
	}
}

// createWithRetry stores rec, regenerating its id on conflict. The tracker
// follows every regenerated id.
func (e *Engine) createWithRetry(ctx context.Context, s *Session, rec *session.Record) error {
	for attempt := 0; ; attempt++ {
		err := e.store.CreateRecord(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			e.countWriteError(err)
			return err
		}

		e.metrics.Inc(MetricCreateConflict)
		if attempt >= e.config.Session.MaxCreateRetries {
			return ErrSessionConflict
		}
		id, gerr := e.ids.Regenerate(rec)
		if gerr != nil {
			return gerr
		}
		rec.ID = id
		s.tracker.ChangeID(id)
	}
}

func (e *Engine) flushNew(ctx context.Context, s *Session) error {
	rec := s.tracker.Record()
	if err := e.createWithRetry(ctx, s, &rec); err != nil {
		return err
	}
	s.tracker.MarkPersisted()
	e.metrics.Inc(MetricFlush)
	e.metrics.Inc(MetricSessionCreated)
	e.emit(ctx, events.TypeCreated, rec.ID, "", "")

	return e.syncIndexes(ctx, s, nil, &rec)
}

// flushRotation moves the record to its new id: create the new key with the
// full record first, then drop the old one. A crash in between leaves both,
// never neither. A record deleted elsewhere since the load is not revived
// under the new id; the handle turns gone instead.
func (e *Engine) flushRotation(ctx context.Context, s *Session) error {
	oldID := s.tracker.OriginalID()
	if _, err := e.store.FetchRecord(ctx, oldID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		s.gone = true
		e.metrics.Inc(MetricFlushGone)
		if perr := e.maintainer.Purge(ctx, oldID); perr != nil {
			e.metrics.Inc(MetricIndexWriteFailure)
			e.logger.Warn("goSession: purging indexes of vanished session failed", "session_id", oldID, "error", perr)
		}
		return nil
	}

	rec := s.tracker.Record()
	if err := e.createWithRetry(ctx, s, &rec); err != nil {
		return err
	}

	deleteErr := e.store.DeleteRecord(ctx, oldID)
	if deleteErr != nil {
		e.countWriteError(deleteErr)
		e.logger.Warn("goSession: deleting rotated session id failed",
			"session_id", rec.ID,
			"previous_id", oldID,
			"error", deleteErr,
		)
	}
	s.tracker.MarkPersisted()
	e.metrics.Inc(MetricFlush)
	e.metrics.Inc(MetricSessionIDChanged)
	e.emit(ctx, events.TypeIDChanged, rec.ID, oldID, "")

	if err := e.maintainer.Purge(ctx, oldID); err != nil {
		e.metrics.Inc(MetricIndexWriteFailure)
		e.logger.Warn("goSession: purging indexes of rotated session id failed",
			"previous_id", oldID,
			"error", err,
		)
	}
	indexErr := e.syncIndexes(ctx, s, nil, &rec)
	if deleteErr != nil {
		return deleteErr
	}
	return indexErr
}

func (e *Engine) flushDelta(ctx context.Context, s *Session) error {
	fs := s.tracker.SnapshotFlushSet(e.config.Session.SavePolicy)
	if fs.Empty() {
		e.metrics.Inc(MetricFlushNoop)
		s.tracker.ClearChangeFlags()
		return nil
	}

	id := s.tracker.OriginalID()
	err := e.store.ApplyDelta(ctx, id, fs.Upserts, fs.Removals, fs.Metadata)
	if errors.Is(err, store.ErrNotFound) {
		s.gone = true
		e.metrics.Inc(MetricFlushGone)
		if perr := e.maintainer.Purge(ctx, id); perr != nil {
			e.metrics.Inc(MetricIndexWriteFailure)
			e.logger.Warn("goSession: purging indexes of vanished session failed", "session_id", id, "error", perr)
		}
		return nil
	}
	if err != nil {
		e.countWriteError(err)
		return err
	}

	rec := s.tracker.Record()
	s.tracker.ClearChangeFlags()
	e.metrics.Inc(MetricFlush)

	if len(fs.Upserts) == 0 && len(fs.Removals) == 0 {
		return nil
	}
	return e.syncIndexes(ctx, s, s.known, &rec)
}

func (e *Engine) syncIndexes(ctx context.Context, s *Session, previous map[string]string, rec *session.Record) error {
	if !e.maintainer.Enabled() {
		return nil
	}
	known, err := e.maintainer.Sync(ctx, rec.ID, previous, rec)
	s.known = known
	if err != nil {
		e.metrics.Inc(MetricIndexWriteFailure)
		e.logger.Warn("goSession: index sync failed", "session_id", rec.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrIndexMaintenance, err)
	}
	return nil
}

/*
====================================
INDEX LOOKUP
====================================
*/

// FindByIndex returns every live session holding value under the index name,
// keyed by id. Lookups do not touch the sessions they return. Memberships
// pointing at missing or expired records are cleaned up along the way.
func (e *Engine) FindByIndex(ctx context.Context, name, value string) (map[string]*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	entry := index.Entry{Name: name, Value: value}
	ids, err := e.store.FindByIndex(ctx, entry)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Session, len(ids))
	for _, id := range ids {
		s, err := e.load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			if perr := e.maintainer.Purge(ctx, id); perr != nil {
				e.logger.Warn("goSession: removing stale index membership failed",
					"session_id", id,
					"index", entry.String(),
					"error", perr,
				)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = s
	}
	return out, nil
}

// FindByPrincipalName looks sessions up through the principal name index.
func (e *Engine) FindByPrincipalName(ctx context.Context, principal string) (map[string]*Session, error) {
	return e.FindByIndex(ctx, index.PrincipalNameIndex, principal)
}

/*
====================================
EXPIRATION
====================================
*/

func (e *Engine) expire(ctx context.Context, id, cause string) error {
	if err := e.store.DeleteRecord(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	var purgeErr error
	if err := e.maintainer.Purge(ctx, id); err != nil {
		e.metrics.Inc(MetricIndexWriteFailure)
		purgeErr = fmt.Errorf("%w: %v", ErrIndexMaintenance, err)
	}

	switch cause {
	case events.CausePassive:
		e.metrics.Inc(MetricSessionExpiredPassive)
	case events.CauseSweep:
		e.metrics.Inc(MetricSessionExpiredSweep)
	case events.CauseNotification:
		e.metrics.Inc(MetricSessionExpiredNotification)
	}
	e.emit(ctx, events.TypeExpired, id, "", cause)
	return purgeErr
}

// SweepExpired deletes every session the store reports as expired at the
// current time and returns how many were removed. The background sweeper calls
// it on a schedule; it may also be called directly.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.metrics.Inc(MetricSweepRun)

	ids, err := e.store.SweepExpired(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}

	var (
		removed int
		errs    []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := e.expire(ctx, id, events.CauseSweep); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// handleNotification reacts to a record the store already expired natively.
// Deleting again is a no-op for the record itself but clears any bookkeeping
// the store keeps beside it, so the sweeper does not report the id a second time.
func (e *Engine) handleNotification(ctx context.Context, id string) {
	if e.closed.Load() {
		return
	}
	if err := e.expire(ctx, id, events.CauseNotification); err != nil {
		e.logger.Warn("goSession: expiry notification cleanup failed", "session_id", id, "error", err)
	}
}
