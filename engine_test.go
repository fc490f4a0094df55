package goSession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goSession/index"
	"github.com/MrEthical07/goSession/session"
	"github.com/MrEthical07/goSession/store"
	"github.com/MrEthical07/goSession/store/memstore"
)

/*
====================================
TEST DOUBLES
====================================
*/

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type delta struct {
	id       string
	upserts  map[string]any
	removals []string
	meta     session.MetadataPatch
}

// countingStore wraps the in-memory binding, counts every call and can inject
// failures.
type countingStore struct {
	*memstore.Store

	mu        sync.Mutex
	calls     map[string]int
	deltas    []delta
	createErr []error
	indexErr  error
	deleteErr error
}

func newCountingStore(codec session.Codec) *countingStore {
	return &countingStore{
		Store: memstore.New(codec),
		calls: map[string]int{},
	}
}

func (c *countingStore) count(op string) {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()
}

func (c *countingStore) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Writes returns the number of record writes, excluding index maintenance.
func (c *countingStore) Writes() int {
	return c.Calls("create") + c.Calls("apply") + c.Calls("delete")
}

func (c *countingStore) Reset() {
	c.mu.Lock()
	clear(c.calls)
	c.deltas = nil
	c.mu.Unlock()
}

func (c *countingStore) LastDelta() delta {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deltas) == 0 {
		return delta{}
	}
	return c.deltas[len(c.deltas)-1]
}

func (c *countingStore) CreateRecord(ctx context.Context, rec *session.Record) error {
	c.count("create")
	c.mu.Lock()
	var injected error
	if len(c.createErr) > 0 {
		injected, c.createErr = c.createErr[0], c.createErr[1:]
	}
	c.mu.Unlock()
	if injected != nil {
		return injected
	}
	return c.Store.CreateRecord(ctx, rec)
}

func (c *countingStore) FetchRecord(ctx context.Context, id string) (*session.Record, error) {
	c.count("fetch")
	return c.Store.FetchRecord(ctx, id)
}

func (c *countingStore) ApplyDelta(ctx context.Context, id string, upserts map[string]any, removals []string, meta session.MetadataPatch) error {
	c.count("apply")
	c.mu.Lock()
	c.deltas = append(c.deltas, delta{id: id, upserts: upserts, removals: removals, meta: meta})
	c.mu.Unlock()
	return c.Store.ApplyDelta(ctx, id, upserts, removals, meta)
}

func (c *countingStore) DeleteRecord(ctx context.Context, id string) error {
	c.count("delete")
	c.mu.Lock()
	injected := c.deleteErr
	c.mu.Unlock()
	if injected != nil {
		return injected
	}
	return c.Store.DeleteRecord(ctx, id)
}

func (c *countingStore) AddIndex(ctx context.Context, sessionID string, entry index.Entry) error {
	c.count("add_index")
	if c.indexErr != nil {
		return c.indexErr
	}
	return c.Store.AddIndex(ctx, sessionID, entry)
}

func (c *countingStore) RemoveIndex(ctx context.Context, sessionID string, entry index.Entry) error {
	c.count("remove_index")
	if c.indexErr != nil {
		return c.indexErr
	}
	return c.Store.RemoveIndex(ctx, sessionID, entry)
}

func (c *countingStore) RemoveAllIndexes(ctx context.Context, sessionID string) error {
	c.count("purge_index")
	if c.indexErr != nil {
		return c.indexErr
	}
	return c.Store.RemoveAllIndexes(ctx, sessionID)
}

type sequenceIDs struct {
	mu  sync.Mutex
	ids []string
	n   int
}

func (g *sequenceIDs) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) > 0 {
		id := g.ids[0]
		g.ids = g.ids[1:]
		return id, nil
	}
	g.n++
	return fmt.Sprintf("generated-%d", g.n), nil
}

func (g *sequenceIDs) Regenerate(*session.Record) (string, error) {
	return g.Generate()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type testEngine struct {
	*Engine
	store *countingStore
	clock *fakeClock
	sink  *ChannelSink
}

func newTestEngine(t *testing.T, mutate func(*Config), extra ...func(*Builder)) *testEngine {
	t.Helper()
	cfg := defaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	codec, err := session.LookupCodec(cfg.Session.AttributeCodec)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	st := newCountingStore(codec)
	clock := newFakeClock()
	sink := NewChannelSink(64)
	b := New().
		WithConfig(cfg).
		WithStore(st).
		WithClock(clock).
		WithLogger(quietLogger()).
		WithResolvers(index.PrincipalNameResolver{}).
		WithEventSink(sink)
	for _, fn := range extra {
		fn(b)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return &testEngine{Engine: engine, store: st, clock: clock, sink: sink}
}

func (te *testEngine) nextEvent(t *testing.T, typ string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-te.sink.Events():
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func lookupIDs(t *testing.T, e *Engine, principal string) []string {
	t.Helper()
	found, err := e.FindByPrincipalName(context.Background(), principal)
	if err != nil {
		t.Fatalf("find by principal failed: %v", err)
	}
	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

/*
====================================
WRITE COUNTS
====================================
*/

func TestOnSaveScenarioIssuesOneWritePerSave(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, err := te.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_ = s.Set(ctx, "theme", "dark")
	_ = s.Set(ctx, "cart", "3 items")
	if te.store.Writes() != 0 {
		t.Fatalf("expected no writes before Save, got %d", te.store.Writes())
	}
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if te.store.Calls("create") != 1 || te.store.Writes() != 1 {
		t.Fatalf("expected exactly one create, got %v", te.store.calls)
	}

	te.store.Reset()
	te.clock.Advance(time.Minute)
	loaded, err := te.GetSession(ctx, s.ID())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	_ = loaded.Set(ctx, "theme", "light")
	_ = loaded.Remove(ctx, "cart")
	if err := te.Save(ctx, loaded); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if te.store.Calls("apply") != 1 || te.store.Writes() != 1 {
		t.Fatalf("expected exactly one partial update, got %v", te.store.calls)
	}

	d := te.store.LastDelta()
	if len(d.upserts) != 1 || d.upserts["theme"] != "light" {
		t.Fatalf("unexpected upserts %v", d.upserts)
	}
	if len(d.removals) != 1 || d.removals[0] != "cart" {
		t.Fatalf("unexpected removals %v", d.removals)
	}
	if d.meta.LastAccessedTime == nil || !d.meta.LastAccessedTime.Equal(te.clock.Now()) {
		t.Fatalf("expected touched lastAccessedTime in the same write, got %v", d.meta.LastAccessedTime)
	}
}

func TestImmediateModeWritesPerMutation(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Session.FlushMode = FlushImmediate
		c.Session.TouchOnAccess = false
	})
	ctx := context.Background()

	s, err := te.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if te.store.Calls("create") != 1 {
		t.Fatalf("expected create on CreateSession, got %v", te.store.calls)
	}
	if err := s.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.Set(ctx, "b", "2"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if te.store.Calls("apply") != 2 {
		t.Fatalf("expected one write per mutation, got %v", te.store.calls)
	}
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if te.store.Writes() != 3 {
		t.Fatalf("Save after immediate flushes must not write, got %v", te.store.calls)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	policies := []session.SavePolicy{session.SaveOnSetAttribute, session.SaveOnGetAttribute, session.SaveAlways}
	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			te := newTestEngine(t, func(c *Config) { c.Session.SavePolicy = policy })
			ctx := context.Background()

			s, _ := te.CreateSession(ctx)
			_ = s.Set(ctx, "k", "v")
			if err := te.Save(ctx, s); err != nil {
				t.Fatalf("save failed: %v", err)
			}
			before := te.store.Writes()
			if err := te.Save(ctx, s); err != nil {
				t.Fatalf("second save failed: %v", err)
			}
			if te.store.Writes() != before {
				t.Fatalf("second save wrote again: %v", te.store.calls)
			}
		})
	}
}

func TestOnGetAttributePolicyFlushesReads(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Session.SavePolicy = session.SaveOnGetAttribute
		c.Session.TouchOnAccess = false
	})
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, "a", "1")
	_ = s.Set(ctx, "b", "2")
	_ = te.Save(ctx, s)

	loaded, err := te.GetSession(ctx, s.ID())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	loaded.Get("a")
	if err := te.Save(ctx, loaded); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	d := te.store.LastDelta()
	if len(d.upserts) != 1 || d.upserts["a"] != "1" {
		t.Fatalf("expected only the read attribute written back, got %v", d.upserts)
	}
}

/*
====================================
ROUND TRIP AND CONCURRENCY
====================================
*/

func TestRoundTripPreservesRecord(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, "name", "alice")
	_ = s.Set(ctx, "visits", 3)
	_ = s.Set(ctx, "admin", true)
	_ = s.Set(ctx, "scores", []int{7, 9})
	_ = s.SetMaxInactiveInterval(ctx, 10*time.Minute)
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := te.GetSession(ctx, s.ID())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.IsNew() {
		t.Fatal("loaded session must not be new")
	}
	if !loaded.CreationTime().Equal(s.CreationTime()) {
		t.Fatalf("creation time changed: %v vs %v", loaded.CreationTime(), s.CreationTime())
	}
	if loaded.MaxInactiveInterval() != 10*time.Minute {
		t.Fatalf("unexpected interval %v", loaded.MaxInactiveInterval())
	}
	for name, want := range map[string]any{"name": "alice", "visits": 3, "admin": true, "scores": []int{7, 9}} {
		got, ok := loaded.Get(name)
		if !ok || !reflect.DeepEqual(got, want) {
			t.Fatalf("attribute %s: got %#v (%v), want %#v", name, got, ok, want)
		}
	}
}

func TestConcurrentHandlesWriteDisjointAttributes(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, "seed", "x")
	_ = te.Save(ctx, s)

	a, _ := te.GetSession(ctx, s.ID())
	b, _ := te.GetSession(ctx, s.ID())
	_ = a.Set(ctx, "from_a", "1")
	_ = b.Set(ctx, "from_b", "2")
	if err := te.Save(ctx, a); err != nil {
		t.Fatalf("save a failed: %v", err)
	}
	if err := te.Save(ctx, b); err != nil {
		t.Fatalf("save b failed: %v", err)
	}

	final, err := te.GetSession(ctx, s.ID())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	for _, name := range []string{"seed", "from_a", "from_b"} {
		if _, ok := final.Get(name); !ok {
			t.Fatalf("attribute %s lost", name)
		}
	}
}

func TestSaveAfterConcurrentDeleteMarksGone(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = te.Save(ctx, s)

	stale, _ := te.GetSession(ctx, s.ID())
	if err := te.DeleteSession(ctx, s.ID()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_ = stale.Set(ctx, "late", "write")
	if err := te.Save(ctx, stale); err != nil {
		t.Fatalf("save of vanished session must not fail, got %v", err)
	}
	if !stale.Gone() {
		t.Fatal("expected handle to report Gone")
	}
	if te.store.Len() != 0 {
		t.Fatal("vanished session was resurrected")
	}
	if ids := lookupIDs(t, te.Engine, "alice"); len(ids) != 0 {
		t.Fatalf("expected no index membership left, got %v", ids)
	}
	if _, err := te.GetSession(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	fresh, _ := te.CreateSession(ctx)
	if err := fresh.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate of unsaved session failed: %v", err)
	}
	if te.store.Writes() != 0 || !fresh.Gone() {
		t.Fatalf("unsaved session should vanish without store calls, got %v", te.store.calls)
	}

	s, _ := te.CreateSession(ctx)
	_ = te.Save(ctx, s)
	if err := s.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if _, err := te.GetSession(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found after invalidate, got %v", err)
	}
	ev := te.nextEvent(t, EventSessionDeleted)
	if ev.SessionID != s.ID() || ev.Cause != CauseExplicit {
		t.Fatalf("unexpected delete event %+v", ev)
	}
}

/*
====================================
ROTATION AND CONFLICTS
====================================
*/

func TestChangeIDRotatesRecordAndIndexes(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = s.Set(ctx, "cart", "full")
	_ = te.Save(ctx, s)
	oldID := s.ID()

	newID, err := s.ChangeID(ctx)
	if err != nil {
		t.Fatalf("change id failed: %v", err)
	}
	if newID == oldID || s.ID() != newID {
		t.Fatalf("expected a fresh id, got %q (old %q)", newID, oldID)
	}
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if _, err := te.GetSession(ctx, oldID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old id must be gone, got %v", err)
	}
	moved, err := te.GetSession(ctx, newID)
	if err != nil {
		t.Fatalf("get new id failed: %v", err)
	}
	if v, _ := moved.Get("cart"); v != "full" {
		t.Fatalf("attributes lost in rotation: %v", v)
	}
	if !moved.CreationTime().Equal(s.CreationTime()) {
		t.Fatal("rotation must keep the creation time")
	}
	if ids := lookupIDs(t, te.Engine, "alice"); len(ids) != 1 || ids[0] != newID {
		t.Fatalf("expected index to point at %s only, got %v", newID, ids)
	}

	ev := te.nextEvent(t, EventSessionIDChanged)
	if ev.SessionID != newID || ev.PreviousID != oldID {
		t.Fatalf("unexpected id change event %+v", ev)
	}
	if err := te.Save(ctx, s); err != nil || te.store.Calls("create") != 2 {
		t.Fatalf("re-saving a rotated session must not rotate again: %v, %v", err, te.store.calls)
	}
}

func TestChangeIDBeforeFirstSave(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	newID, _ := s.ChangeID(ctx)
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if te.store.Calls("create") != 1 || te.store.Calls("delete") != 0 {
		t.Fatalf("unsaved rotation should create once under the new id, got %v", te.store.calls)
	}
	if _, err := te.GetSession(ctx, newID); err != nil {
		t.Fatalf("get failed: %v", err)
	}
}

func TestCreateConflictRegeneratesID(t *testing.T) {
	ids := &sequenceIDs{ids: []string{"taken", "taken", "free"}}
	te := newTestEngine(t, nil, func(b *Builder) { b.WithIDGenerator(ids) })
	ctx := context.Background()

	first, _ := te.CreateSession(ctx)
	if err := te.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	second, _ := te.CreateSession(ctx)
	if err := te.Save(ctx, second); err != nil {
		t.Fatalf("save with conflict failed: %v", err)
	}
	if second.ID() != "free" {
		t.Fatalf("expected regenerated id, got %q", second.ID())
	}
	if te.metrics.Value(MetricCreateConflict) != 1 {
		t.Fatalf("expected one conflict, got %d", te.metrics.Value(MetricCreateConflict))
	}
	if _, err := te.GetSession(ctx, "taken"); err != nil {
		t.Fatalf("first session must be untouched: %v", err)
	}
}

func TestCreateConflictRetriesExhausted(t *testing.T) {
	ids := &sequenceIDs{ids: []string{"taken", "taken", "taken"}}
	te := newTestEngine(t, func(c *Config) { c.Session.MaxCreateRetries = 1 }, func(b *Builder) { b.WithIDGenerator(ids) })
	ctx := context.Background()

	first, _ := te.CreateSession(ctx)
	_ = te.Save(ctx, first)

	second, _ := te.CreateSession(ctx)
	if err := te.Save(ctx, second); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if !second.IsNew() {
		t.Fatal("failed create must leave the handle new")
	}
}

/*
====================================
INDEXES
====================================
*/

func TestIndexFollowsAttributeChanges(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = te.Save(ctx, s)
	if ids := lookupIDs(t, te.Engine, "alice"); len(ids) != 1 {
		t.Fatalf("expected one alice session, got %v", ids)
	}

	loaded, _ := te.GetSession(ctx, s.ID())
	_ = loaded.Set(ctx, index.PrincipalNameAttribute, "bob")
	if err := te.Save(ctx, loaded); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if ids := lookupIDs(t, te.Engine, "alice"); len(ids) != 0 {
		t.Fatalf("alice must no longer match, got %v", ids)
	}
	if ids := lookupIDs(t, te.Engine, "bob"); len(ids) != 1 || ids[0] != s.ID() {
		t.Fatalf("expected bob to match %s, got %v", s.ID(), ids)
	}

	loaded, _ = te.GetSession(ctx, s.ID())
	_ = loaded.Remove(ctx, index.PrincipalNameAttribute)
	_ = te.Save(ctx, loaded)
	if ids := lookupIDs(t, te.Engine, "bob"); len(ids) != 0 {
		t.Fatalf("removed attribute must drop the membership, got %v", ids)
	}
}

func TestFindByIndexDoesNotTouch(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = te.Save(ctx, s)
	te.store.Reset()

	te.clock.Advance(time.Minute)
	found, err := te.FindByPrincipalName(ctx, "alice")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	got := found[s.ID()]
	if got == nil {
		t.Fatalf("expected %s in results", s.ID())
	}
	if !got.LastAccessedTime().Equal(s.LastAccessedTime()) {
		t.Fatal("lookup must not touch sessions")
	}
	if te.store.Writes() != 0 {
		t.Fatalf("lookup must not write, got %v", te.store.calls)
	}
}

func TestFindByIndexHealsStaleMemberships(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = te.Save(ctx, s)

	// Drop the record behind the engine's back.
	if err := te.store.Store.DeleteRecord(ctx, s.ID()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ids := lookupIDs(t, te.Engine, "alice"); len(ids) != 0 {
		t.Fatalf("expected stale membership to be skipped, got %v", ids)
	}
	members, err := te.store.IndexMemberships(ctx, s.ID())
	if err != nil {
		t.Fatalf("memberships failed: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected stale membership to be purged, got %v", members)
	}
}

func TestResolverFailureStillWritesRecord(t *testing.T) {
	failing := index.ResolverFunc(func(*session.Record) (map[string]string, error) {
		return nil, errors.New("resolver broken")
	})
	te := newTestEngine(t, nil, func(b *Builder) { b.WithResolvers(failing) })
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, "k", "v")
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("resolver failure must not fail Save, got %v", err)
	}
	if _, err := te.GetSession(ctx, s.ID()); err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if te.metrics.Value(MetricResolverFailure) == 0 {
		t.Fatal("expected resolver failure to be counted")
	}
}

func TestIndexWriteFailureReportsMaintenanceError(t *testing.T) {
	te := newTestEngine(t, nil)
	te.store.indexErr = errors.New("index down")
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	err := te.Save(ctx, s)
	if !errors.Is(err, ErrIndexMaintenance) {
		t.Fatalf("expected index maintenance error, got %v", err)
	}
	if s.IsNew() {
		t.Fatal("record write succeeded, handle must be persisted")
	}
	if _, err := te.GetSession(ctx, s.ID()); err != nil {
		t.Fatalf("record must be readable: %v", err)
	}
}

/*
====================================
EXPIRATION
====================================
*/

func TestPassiveExpirationBoundary(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Session.TouchOnAccess = false })
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = te.Save(ctx, s)

	te.clock.Advance(30*time.Minute - time.Millisecond)
	if _, err := te.GetSession(ctx, s.ID()); err != nil {
		t.Fatalf("session one millisecond before expiry must load: %v", err)
	}

	te.clock.Advance(time.Millisecond)
	if _, err := te.GetSession(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session at exactly the interval must be expired, got %v", err)
	}
	if te.store.Len() != 0 {
		t.Fatal("expired record must be deleted")
	}
	members, _ := te.store.IndexMemberships(ctx, s.ID())
	if len(members) != 0 {
		t.Fatalf("expired session memberships left: %v", members)
	}
	ev := te.nextEvent(t, EventSessionExpired)
	if ev.SessionID != s.ID() || ev.Cause != CausePassive {
		t.Fatalf("unexpected expiry event %+v", ev)
	}
}

func TestTouchExtendsLifetime(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = te.Save(ctx, s)

	for i := 0; i < 3; i++ {
		te.clock.Advance(20 * time.Minute)
		loaded, err := te.GetSession(ctx, s.ID())
		if err != nil {
			t.Fatalf("round %d: get failed: %v", i, err)
		}
		if err := te.Save(ctx, loaded); err != nil {
			t.Fatalf("round %d: save failed: %v", i, err)
		}
	}
}

func TestNeverExpiringSession(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Session.TouchOnAccess = false })
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.SetMaxInactiveInterval(ctx, 0)
	_ = te.Save(ctx, s)

	te.clock.Advance(365 * 24 * time.Hour)
	if _, err := te.GetSession(ctx, s.ID()); err != nil {
		t.Fatalf("never-expiring session must load: %v", err)
	}
	if n, err := te.SweepExpired(ctx); err != nil || n != 0 {
		t.Fatalf("sweep must skip never-expiring sessions, got %d, %v", n, err)
	}
}

func TestSweepExpired(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	short, _ := te.CreateSession(ctx)
	_ = short.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = te.Save(ctx, short)

	long, _ := te.CreateSession(ctx)
	_ = long.SetMaxInactiveInterval(ctx, 2*time.Hour)
	_ = te.Save(ctx, long)

	te.clock.Advance(time.Hour)
	n, err := te.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired session, got %d", n)
	}
	if te.store.Len() != 1 {
		t.Fatalf("expected the long session to survive, store has %d", te.store.Len())
	}
	if ids := lookupIDs(t, te.Engine, "alice"); len(ids) != 0 {
		t.Fatalf("swept session still indexed: %v", ids)
	}
	ev := te.nextEvent(t, EventSessionExpired)
	if ev.SessionID != short.ID() || ev.Cause != CauseSweep {
		t.Fatalf("unexpected expiry event %+v", ev)
	}
}

func TestNotificationPathPurgesIndexes(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Expiration.SweepEnabled = false
		c.Expiration.ListenNotifications = true
	})
	ctx := context.Background()
	if err := te.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := te.Start(ctx); !errors.Is(err, ErrEngineStarted) {
		t.Fatalf("expected second start to fail, got %v", err)
	}

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = te.Save(ctx, s)

	if !te.store.Evict(s.ID()) {
		t.Fatal("evict found nothing")
	}
	ev := te.nextEvent(t, EventSessionExpired)
	if ev.SessionID != s.ID() || ev.Cause != CauseNotification {
		t.Fatalf("unexpected expiry event %+v", ev)
	}

	members, _ := te.store.IndexMemberships(ctx, s.ID())
	if len(members) != 0 {
		t.Fatalf("notification path left memberships: %v", members)
	}
	if te.metrics.Value(MetricSessionExpiredNotification) != 1 {
		t.Fatal("expected the notification to be counted")
	}
}

/*
====================================
ERRORS
====================================
*/

func TestGetUnknownSession(t *testing.T) {
	te := newTestEngine(t, nil)
	for _, id := range []string{"", "missing"} {
		if _, err := te.GetSession(context.Background(), id); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("id %q: expected not found, got %v", id, err)
		}
	}
}

func TestIndeterminateWriteIsSurfaced(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = te.Save(ctx, s)
	_ = s.Set(ctx, "k", "v")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := te.Save(canceled, s); !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("expected indeterminate, got %v", err)
	}
	if te.metrics.Value(MetricIndeterminateWrite) != 1 {
		t.Fatal("expected indeterminate write to be counted")
	}

	// Pending changes survive; the caller decides whether to retry.
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	loaded, _ := te.GetSession(ctx, s.ID())
	if v, _ := loaded.Get("k"); v != "v" {
		t.Fatalf("expected retried write to land, got %v", v)
	}
}

func TestDetachedHandleRejected(t *testing.T) {
	a := newTestEngine(t, nil)
	b := newTestEngine(t, nil)
	s, _ := a.CreateSession(context.Background())
	if err := b.Save(context.Background(), s); !errors.Is(err, ErrHandleDetached) {
		t.Fatalf("expected detached handle error, got %v", err)
	}
	if err := b.Save(context.Background(), nil); !errors.Is(err, ErrHandleDetached) {
		t.Fatalf("expected detached handle error for nil, got %v", err)
	}
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	te := newTestEngine(t, nil)
	if err := te.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := te.CreateSession(context.Background()); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if err := te.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestCreateFailureKeepsHandleNew(t *testing.T) {
	te := newTestEngine(t, nil)
	te.store.createErr = []error{store.ErrUnavailable}
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, "k", "v")
	if err := te.Save(ctx, s); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if !s.IsNew() {
		t.Fatal("failed create must leave the handle new")
	}
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if _, err := te.GetSession(ctx, s.ID()); err != nil {
		t.Fatalf("get after retry failed: %v", err)
	}
}

/*
====================================
CODECS AND RELOADS
====================================
*/

type accountContext struct {
	Name  string
	Roles []string
}

func (a accountContext) PrincipalName() string { return a.Name }

func init() {
	session.RegisterType(accountContext{})
}

func TestSecurityContextIndexSurvivesReload(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	if err := s.Set(ctx, index.SecurityContextAttribute, accountContext{Name: "alice", Roles: []string{"admin"}}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := te.GetSession(ctx, s.ID())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	v, _ := loaded.Get(index.SecurityContextAttribute)
	if got, ok := v.(accountContext); !ok || got.Name != "alice" {
		t.Fatalf("security context came back as %#v", v)
	}
	_ = loaded.Set(ctx, "theme", "dark")
	if err := te.Save(ctx, loaded); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if ids := lookupIDs(t, te.Engine, "alice"); len(ids) != 1 || ids[0] != s.ID() {
		t.Fatalf("principal membership lost after an unrelated write: %v", ids)
	}
}

func TestSecurityContextMapIndexSurvivesReload(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Session.AttributeCodec = "json" })
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	if err := s.Set(ctx, index.SecurityContextAttribute, accountContext{Name: "alice"}); !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("json engine must refuse a struct context, got %v", err)
	}
	if err := s.Set(ctx, index.SecurityContextAttribute, map[string]any{"Name": "alice"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	_ = te.Save(ctx, s)

	loaded, _ := te.GetSession(ctx, s.ID())
	_ = loaded.Set(ctx, "theme", "dark")
	if err := te.Save(ctx, loaded); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if ids := lookupIDs(t, te.Engine, "alice"); len(ids) != 1 || ids[0] != s.ID() {
		t.Fatalf("principal membership lost after an unrelated write: %v", ids)
	}
}

func TestSetRejectsValuesTheCodecWouldChange(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Session.AttributeCodec = "json" })
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, "count", float64(1))
	if err := s.Set(ctx, "count", 5); !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("expected ErrUnsupportedValue for an int under json, got %v", err)
	}
	if v, _ := s.Get("count"); v != float64(1) {
		t.Fatalf("rejected Set must leave the attribute alone, got %#v", v)
	}
	if err := te.Save(ctx, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, _ := te.GetSession(ctx, s.ID())
	if v, _ := loaded.Get("count"); v != float64(1) {
		t.Fatalf("stored count changed: %#v", v)
	}
}

func TestSetTypedNilRemovesAttribute(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, "profile", "full")
	_ = te.Save(ctx, s)

	loaded, _ := te.GetSession(ctx, s.ID())
	var profile *accountContext
	if err := loaded.Set(ctx, "profile", profile); err != nil {
		t.Fatalf("set of nil pointer failed: %v", err)
	}
	if err := te.Save(ctx, loaded); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if d := te.store.LastDelta(); len(d.removals) != 1 || d.removals[0] != "profile" {
		t.Fatalf("expected a removal of profile, got %+v", d)
	}
	again, _ := te.GetSession(ctx, s.ID())
	if _, ok := again.Get("profile"); ok {
		t.Fatal("profile should be gone")
	}
}

/*
====================================
FAILURE PATHS
====================================
*/

func TestPassiveExpiryDeleteFailureIsReported(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Session.TouchOnAccess = false })
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = te.Save(ctx, s)

	te.clock.Advance(31 * time.Minute)
	te.store.mu.Lock()
	te.store.deleteErr = store.ErrUnavailable
	te.store.mu.Unlock()

	if _, err := te.GetSession(ctx, s.ID()); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected the delete failure, got %v", err)
	}
	if te.store.Len() != 1 {
		t.Fatal("record should still be stored")
	}

	te.store.mu.Lock()
	te.store.deleteErr = nil
	te.store.mu.Unlock()
	if _, err := te.GetSession(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found once the store recovers, got %v", err)
	}
	if te.store.Len() != 0 {
		t.Fatal("expired record must be deleted")
	}
}

func TestPassiveExpiryIndexFailureIsAMiss(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Session.TouchOnAccess = false })
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = te.Save(ctx, s)

	te.clock.Advance(31 * time.Minute)
	te.store.mu.Lock()
	te.store.indexErr = store.ErrUnavailable
	te.store.mu.Unlock()

	if _, err := te.GetSession(ctx, s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if te.store.Len() != 0 {
		t.Fatal("expired record must be deleted")
	}
}

func TestChangeIDOfDeletedSessionDoesNotRevive(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	s, _ := te.CreateSession(ctx)
	_ = s.Set(ctx, index.PrincipalNameAttribute, "alice")
	_ = te.Save(ctx, s)

	stale, _ := te.GetSession(ctx, s.ID())
	if err := te.DeleteSession(ctx, s.ID()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	newID, err := stale.ChangeID(ctx)
	if err != nil {
		t.Fatalf("change id failed: %v", err)
	}
	if err := te.Save(ctx, stale); err != nil {
		t.Fatalf("save of vanished session must not fail, got %v", err)
	}
	if !stale.Gone() {
		t.Fatal("expected handle to report Gone")
	}
	if te.store.Len() != 0 {
		t.Fatalf("rotation revived a deleted session")
	}
	if _, err := te.GetSession(ctx, newID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found under the new id, got %v", err)
	}
	if ids := lookupIDs(t, te.Engine, "alice"); len(ids) != 0 {
		t.Fatalf("expected no index membership left, got %v", ids)
	}
}

/*
====================================
FLUSH MODE EQUIVALENCE
====================================
*/

// replayScript runs the same mutations and clock steps against te. Save is a
// no-op for handles that already flushed each mutation.
func replayScript(t *testing.T, te *testEngine) string {
	t.Helper()
	ctx := context.Background()
	step := func(what string, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s failed: %v", what, err)
		}
	}

	s, err := te.CreateSession(ctx)
	step("create", err)
	step("set principal", s.Set(ctx, index.PrincipalNameAttribute, "alice"))
	step("set cart", s.Set(ctx, "cart", []string{"book"}))
	step("set theme", s.Set(ctx, "theme", "dark"))
	step("save", te.Save(ctx, s))

	te.clock.Advance(2 * time.Minute)
	step("set cart", s.Set(ctx, "cart", []string{"book", "pen"}))
	step("remove theme", s.Remove(ctx, "theme"))
	step("touch", s.Touch(ctx))
	step("set interval", s.SetMaxInactiveInterval(ctx, 10*time.Minute))
	_, err = s.ChangeID(ctx)
	step("change id", err)
	step("set principal", s.Set(ctx, index.PrincipalNameAttribute, "bob"))
	step("save", te.Save(ctx, s))
	return s.ID()
}

func TestFlushModesReachTheSameState(t *testing.T) {
	type outcome struct {
		record   *session.Record
		members  map[string]string
		alice    []string
		bob      []string
		leftover int
	}

	run := func(t *testing.T, mode FlushMode) outcome {
		te := newTestEngine(t, func(c *Config) {
			c.Session.FlushMode = mode
			c.Session.TouchOnAccess = false
		}, func(b *Builder) { b.WithIDGenerator(&sequenceIDs{}) })
		ctx := context.Background()

		id := replayScript(t, te)
		rec, err := te.store.FetchRecord(ctx, id)
		if err != nil {
			t.Fatalf("%s: fetch failed: %v", mode, err)
		}
		members, err := te.store.IndexMemberships(ctx, id)
		if err != nil {
			t.Fatalf("%s: memberships failed: %v", mode, err)
		}
		stale, _ := te.store.IndexMemberships(ctx, "generated-1")
		return outcome{
			record:   rec,
			members:  members,
			alice:    lookupIDs(t, te.Engine, "alice"),
			bob:      lookupIDs(t, te.Engine, "bob"),
			leftover: te.store.Len() - 1 + len(stale),
		}
	}

	onSave := run(t, FlushOnSave)
	immediate := run(t, FlushImmediate)

	if !reflect.DeepEqual(onSave.record, immediate.record) {
		t.Fatalf("records differ:\n on save:   %+v\n immediate: %+v", onSave.record, immediate.record)
	}
	if onSave.record.MaxInactiveInterval != 10*time.Minute {
		t.Fatalf("unexpected interval %v", onSave.record.MaxInactiveInterval)
	}
	if _, ok := onSave.record.Attributes["theme"]; ok {
		t.Fatal("removed attribute survived")
	}
	if !reflect.DeepEqual(onSave.members, immediate.members) {
		t.Fatalf("memberships differ: %v vs %v", onSave.members, immediate.members)
	}
	if !reflect.DeepEqual(onSave.alice, immediate.alice) || len(onSave.alice) != 0 {
		t.Fatalf("stale principal lookups: %v vs %v", onSave.alice, immediate.alice)
	}
	if !reflect.DeepEqual(onSave.bob, immediate.bob) || len(onSave.bob) != 1 {
		t.Fatalf("principal lookups differ: %v vs %v", onSave.bob, immediate.bob)
	}
	if onSave.leftover != 0 || immediate.leftover != 0 {
		t.Fatalf("rotation left old state behind: %d, %d", onSave.leftover, immediate.leftover)
	}
}
