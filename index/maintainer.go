package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"

	"github.com/MrEthical07/goSession/session"
)

// ErrIndexWrite is returned when the store rejected an index add or remove.
var ErrIndexWrite = errors.New("index write failed")

// Store is the subset of a store binding the maintainer writes through. Add and
// remove must be idempotent.
type Store interface {
	AddIndex(ctx context.Context, sessionID string, entry Entry) error
	RemoveIndex(ctx context.Context, sessionID string, entry Entry) error
	RemoveAllIndexes(ctx context.Context, sessionID string) error
}

// Diff compares two memberships and returns what must be added and removed.
// Unchanged pairs appear in neither slice. Both slices are sorted by name.
func Diff(previous, next map[string]string) (adds, removes []Entry) {
	for name, old := range previous {
		if cur, ok := next[name]; !ok || cur != old {
			removes = append(removes, Entry{Name: name, Value: old})
		}
	}
	for name, cur := range next {
		if old, ok := previous[name]; !ok || old != cur {
			adds = append(adds, Entry{Name: name, Value: cur})
		}
	}
	sortEntries(adds)
	sortEntries(removes)
	return adds, removes
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Value < entries[j].Value
	})
}

// Maintainer keeps index memberships consistent with record content.
type Maintainer struct {
	resolver        *Delegating
	store           Store
	logger          *slog.Logger
	onResolverError func(error)
}

// NewMaintainer builds a maintainer writing through store.
func NewMaintainer(store Store, logger *slog.Logger, resolvers ...Resolver) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		resolver: NewDelegating(resolvers...),
		store:    store,
		logger:   logger,
	}
}

// OnResolverError registers a hook invoked for each resolver failure.
func (m *Maintainer) OnResolverError(fn func(error)) {
	m.onResolverError = fn
}

// Enabled reports whether any resolver is configured.
func (m *Maintainer) Enabled() bool {
	return m != nil && m.resolver.Len() > 0
}

// Known resolves the memberships implied by a freshly loaded record. Failed
// resolvers contribute nothing.
func (m *Maintainer) Known(rec *session.Record) map[string]string {
	if !m.Enabled() {
		return map[string]string{}
	}
	res := m.resolver.ResolveAll(rec)
	m.report(rec.ID, res.Errors)
	return res.Values
}

// Sync recomputes memberships for rec, diffs them against previous and writes the
// difference under sessionID. It returns the memberships now believed to be in the
// store; on a write failure that is previous with every successful write applied.
func (m *Maintainer) Sync(ctx context.Context, sessionID string, previous map[string]string, rec *session.Record) (map[string]string, error) {
	if !m.Enabled() {
		return map[string]string{}, nil
	}

	res := m.resolver.ResolveAll(rec)
	m.report(sessionID, res.Errors)

	next := maps.Clone(res.Values)
	if res.PreserveAll {
		for name, v := range previous {
			if _, ok := next[name]; !ok {
				next[name] = v
			}
		}
	} else {
		for _, name := range res.Preserve {
			if _, produced := next[name]; produced {
				continue
			}
			if v, ok := previous[name]; ok {
				next[name] = v
			}
		}
	}

	adds, removes := Diff(previous, next)
	applied := maps.Clone(previous)
	if applied == nil {
		applied = map[string]string{}
	}

	for _, e := range removes {
		if err := m.store.RemoveIndex(ctx, sessionID, e); err != nil {
			return applied, fmt.Errorf("%w: remove %s: %w", ErrIndexWrite, e, err)
		}
		delete(applied, e.Name)
	}
	for _, e := range adds {
		if err := m.store.AddIndex(ctx, sessionID, e); err != nil {
			return applied, fmt.Errorf("%w: add %s: %w", ErrIndexWrite, e, err)
		}
		applied[e.Name] = e.Value
	}

	return applied, nil
}

// Purge removes every membership of sessionID without needing the record.
func (m *Maintainer) Purge(ctx context.Context, sessionID string) error {
	if m == nil || m.store == nil {
		return nil
	}
	if err := m.store.RemoveAllIndexes(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: purge: %w", ErrIndexWrite, err)
	}
	return nil
}

func (m *Maintainer) report(sessionID string, errs []error) {
	for _, err := range errs {
		m.logger.Warn("goSession: index resolver failed, keeping previous values",
			"session_id", sessionID,
			"error", err,
		)
		if m.onResolverError != nil {
			m.onResolverError(err)
		}
	}
}
