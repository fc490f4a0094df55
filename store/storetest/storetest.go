// Package storetest holds the behavioral contract every store binding must pass.
// Binding tests call Run with a factory returning a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/MrEthical07/goSession/index"
	"github.com/MrEthical07/goSession/session"
	"github.com/MrEthical07/goSession/store"
)

// Factory returns an empty adapter. Cleanup is registered on t.
type Factory func(t *testing.T) store.Adapter

// Run executes the contract against adapters built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Adapter)
	}{
		{"CreateFetch", testCreateFetch},
		{"CreateConflict", testCreateConflict},
		{"FetchMissing", testFetchMissing},
		{"ApplyDeltaPartial", testApplyDeltaPartial},
		{"ApplyDeltaMissing", testApplyDeltaMissing},
		{"ApplyDeltaMetadata", testApplyDeltaMetadata},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"SweepExpired", testSweepExpired},
		{"IndexLifecycle", testIndexLifecycle},
		{"IndexMove", testIndexMove},
		{"RemoveAllIndexesIdempotent", testRemoveAllIndexesIdempotent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// Now is the wall-clock base used by the contract, truncated to the millisecond
// precision every binding persists.
func Now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

func sampleRecord(id string, now time.Time) *session.Record {
	rec := session.NewRecord(id, now, 30*time.Minute)
	rec.Attributes["role"] = "member"
	rec.Attributes["theme"] = "dark"
	return &rec
}

func mustCreate(t *testing.T, s store.Adapter, rec *session.Record) {
	t.Helper()
	if err := s.CreateRecord(context.Background(), rec); err != nil {
		t.Fatalf("create %s failed: %v", rec.ID, err)
	}
}

func mustFetch(t *testing.T, s store.Adapter, id string) *session.Record {
	t.Helper()
	rec, err := s.FetchRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("fetch %s failed: %v", id, err)
	}
	return rec
}

func testCreateFetch(t *testing.T, s store.Adapter) {
	now := Now()
	mustCreate(t, s, sampleRecord("sid-1", now))

	got := mustFetch(t, s, "sid-1")
	if got.ID != "sid-1" {
		t.Fatalf("expected id sid-1, got %q", got.ID)
	}
	if !got.CreationTime.Equal(now) || !got.LastAccessedTime.Equal(now) {
		t.Fatalf("timestamps not preserved: %v %v", got.CreationTime, got.LastAccessedTime)
	}
	if got.MaxInactiveInterval != 30*time.Minute {
		t.Fatalf("expected 30m interval, got %v", got.MaxInactiveInterval)
	}
	if got.Attributes["role"] != "member" || got.Attributes["theme"] != "dark" {
		t.Fatalf("attributes not preserved: %v", got.Attributes)
	}
}

func testCreateConflict(t *testing.T, s store.Adapter) {
	now := Now()
	mustCreate(t, s, sampleRecord("sid-1", now))

	dup := sampleRecord("sid-1", now)
	dup.Attributes["role"] = "admin"
	if err := s.CreateRecord(context.Background(), dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := mustFetch(t, s, "sid-1"); got.Attributes["role"] != "member" {
		t.Fatalf("conflicting create must not overwrite, got %v", got.Attributes)
	}
}

func testFetchMissing(t *testing.T, s store.Adapter) {
	if _, err := s.FetchRecord(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testApplyDeltaPartial(t *testing.T, s store.Adapter) {
	ctx := context.Background()
	mustCreate(t, s, sampleRecord("sid-1", Now()))

	if err := s.ApplyDelta(ctx, "sid-1", map[string]any{"role": "admin", "cart": "3 items"}, []string{"theme"}, session.MetadataPatch{}); err != nil {
		t.Fatalf("apply delta failed: %v", err)
	}

	got := mustFetch(t, s, "sid-1")
	if got.Attributes["role"] != "admin" || got.Attributes["cart"] != "3 items" {
		t.Fatalf("upserts not applied: %v", got.Attributes)
	}
	if _, ok := got.Attributes["theme"]; ok {
		t.Fatalf("removal not applied: %v", got.Attributes)
	}
	if len(got.Attributes) != 2 {
		t.Fatalf("expected two attributes, got %v", got.Attributes)
	}
}

func testApplyDeltaMissing(t *testing.T, s store.Adapter) {
	err := s.ApplyDelta(context.Background(), "missing", map[string]any{"role": "admin"}, nil, session.MetadataPatch{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.FetchRecord(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("apply delta must not create records, got %v", err)
	}
}

func testApplyDeltaMetadata(t *testing.T, s store.Adapter) {
	ctx := context.Background()
	now := Now()
	mustCreate(t, s, sampleRecord("sid-1", now))

	later := now.Add(5 * time.Minute)
	interval := time.Hour
	if err := s.ApplyDelta(ctx, "sid-1", nil, nil, session.MetadataPatch{LastAccessedTime: &later, MaxInactiveInterval: &interval}); err != nil {
		t.Fatalf("apply delta failed: %v", err)
	}

	got := mustFetch(t, s, "sid-1")
	if !got.LastAccessedTime.Equal(later) {
		t.Fatalf("expected last accessed %v, got %v", later, got.LastAccessedTime)
	}
	if got.MaxInactiveInterval != time.Hour {
		t.Fatalf("expected 1h interval, got %v", got.MaxInactiveInterval)
	}
	if !got.CreationTime.Equal(now) {
		t.Fatalf("creation time must not change, got %v", got.CreationTime)
	}
	if got.Attributes["role"] != "member" {
		t.Fatalf("metadata-only delta must keep attributes, got %v", got.Attributes)
	}
}

func testDeleteIdempotent(t *testing.T, s store.Adapter) {
	ctx := context.Background()
	mustCreate(t, s, sampleRecord("sid-1", Now()))

	if err := s.DeleteRecord(ctx, "sid-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.DeleteRecord(ctx, "sid-1"); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}
	if _, err := s.FetchRecord(ctx, "sid-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func testSweepExpired(t *testing.T, s store.Adapter) {
	ctx := context.Background()
	now := Now()

	stale := session.NewRecord("stale", now.Add(-2*time.Hour), time.Hour)
	fresh := session.NewRecord("fresh", now, time.Hour)
	forever := session.NewRecord("forever", now.Add(-48*time.Hour), session.NeverExpires)
	for _, rec := range []*session.Record{&stale, &fresh, &forever} {
		mustCreate(t, s, rec)
	}

	ids, err := s.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("expected only stale, got %v", ids)
	}

	if err := s.DeleteRecord(ctx, "stale"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	ids, err = s.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("deleted record must not be swept again, got %v", ids)
	}
}

func testIndexLifecycle(t *testing.T, s store.Adapter) {
	ctx := context.Background()
	alice := index.Entry{Name: index.PrincipalNameIndex, Value: "alice"}
	for _, id := range []string{"sid-1", "sid-2"} {
		mustCreate(t, s, sampleRecord(id, Now()))
		if err := s.AddIndex(ctx, id, alice); err != nil {
			t.Fatalf("add index failed: %v", err)
		}
	}
	if err := s.AddIndex(ctx, "sid-1", alice); err != nil {
		t.Fatalf("repeated add must be idempotent, got %v", err)
	}

	ids, err := s.FindByIndex(ctx, alice)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "sid-1" || ids[1] != "sid-2" {
		t.Fatalf("expected sid-1 and sid-2, got %v", ids)
	}

	members, err := s.IndexMemberships(ctx, "sid-1")
	if err != nil {
		t.Fatalf("memberships failed: %v", err)
	}
	if len(members) != 1 || members[index.PrincipalNameIndex] != "alice" {
		t.Fatalf("unexpected memberships %v", members)
	}

	if err := s.RemoveIndex(ctx, "sid-1", alice); err != nil {
		t.Fatalf("remove index failed: %v", err)
	}
	if err := s.RemoveIndex(ctx, "sid-1", alice); err != nil {
		t.Fatalf("repeated remove must be idempotent, got %v", err)
	}
	ids, err = s.FindByIndex(ctx, alice)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sid-2" {
		t.Fatalf("expected only sid-2, got %v", ids)
	}
}

func testIndexMove(t *testing.T, s store.Adapter) {
	ctx := context.Background()
	mustCreate(t, s, sampleRecord("sid-1", Now()))
	a := index.Entry{Name: index.PrincipalNameIndex, Value: "A"}
	b := index.Entry{Name: index.PrincipalNameIndex, Value: "B"}

	if err := s.AddIndex(ctx, "sid-1", a); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := s.RemoveIndex(ctx, "sid-1", a); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := s.AddIndex(ctx, "sid-1", b); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if ids, _ := s.FindByIndex(ctx, a); len(ids) != 0 {
		t.Fatalf("expected A empty, got %v", ids)
	}
	if ids, _ := s.FindByIndex(ctx, b); len(ids) != 1 || ids[0] != "sid-1" {
		t.Fatalf("expected B to hold sid-1, got %v", ids)
	}
	members, err := s.IndexMemberships(ctx, "sid-1")
	if err != nil {
		t.Fatalf("memberships failed: %v", err)
	}
	if members[index.PrincipalNameIndex] != "B" {
		t.Fatalf("expected reverse mapping B, got %v", members)
	}
}

func testRemoveAllIndexesIdempotent(t *testing.T, s store.Adapter) {
	ctx := context.Background()
	mustCreate(t, s, sampleRecord("sid-1", Now()))
	entries := []index.Entry{
		{Name: index.PrincipalNameIndex, Value: "alice"},
		{Name: "tenant", Value: "t1"},
	}
	for _, e := range entries {
		if err := s.AddIndex(ctx, "sid-1", e); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		if err := s.RemoveAllIndexes(ctx, "sid-1"); err != nil {
			t.Fatalf("remove all (pass %d) failed: %v", i, err)
		}
	}
	for _, e := range entries {
		if ids, _ := s.FindByIndex(ctx, e); len(ids) != 0 {
			t.Fatalf("expected %s empty, got %v", e, ids)
		}
	}
	members, err := s.IndexMemberships(ctx, "sid-1")
	if err != nil {
		t.Fatalf("memberships failed: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no memberships, got %v", members)
	}
	if err := s.RemoveAllIndexes(ctx, "never-indexed"); err != nil {
		t.Fatalf("purging unknown id must be a no-op, got %v", err)
	}
}
