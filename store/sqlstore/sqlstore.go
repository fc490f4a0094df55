// Package sqlstore binds the session store contract to a relational database
// through gorm. Attributes live in their own rows, so deltas touch only the
// rows they name.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MrEthical07/goSession/index"
	"github.com/MrEthical07/goSession/session"
	"github.com/MrEthical07/goSession/store"
)

// Store is a gorm-backed adapter.
type Store struct {
	db    *gorm.DB
	codec session.Codec
}

var _ store.Adapter = (*Store)(nil)

// New returns a Store over db and migrates its tables. A nil codec selects session.DefaultCodec.
func New(ctx context.Context, db *gorm.DB, codec session.Codec) (*Store, error) {
	if codec == nil {
		codec = session.DefaultCodec()
	}
	s := &Store{db: db, codec: codec}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the session tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&sessionRow{}, &attributeRow{}, &indexRow{}); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) CreateRecord(ctx context.Context, rec *session.Record) error {
	row := sessionRow{
		ID:                  rec.ID,
		CreationTime:        rec.CreationTime.UnixMilli(),
		LastAccessedTime:    rec.LastAccessedTime.UnixMilli(),
		MaxInactiveInterval: intervalMillis(rec.MaxInactiveInterval),
		ExpiryTime:          expiryMillis(rec.LastAccessedTime, rec.MaxInactiveInterval),
	}
	attrs, err := s.encodeAttributes(rec.ID, rec.Attributes)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&sessionRow{}).Where("id = ?", rec.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return store.ErrConflict
		}
		if err := gorm.G[sessionRow](tx).Create(ctx, &row); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return store.ErrConflict
			}
			return err
		}
		if len(attrs) > 0 {
			if err := tx.Create(&attrs).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return classifyWrite(err)
}

func (s *Store) FetchRecord(ctx context.Context, id string) (*session.Record, error) {
	row, err := gorm.G[sessionRow](s.db).Where("id = ?", id).First(ctx)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ReadError(err)
	}
	attrs, err := gorm.G[attributeRow](s.db).Where("session_id = ?", id).Find(ctx)
	if err != nil {
		return nil, store.ReadError(err)
	}

	rec := &session.Record{
		ID:                  id,
		CreationTime:        time.UnixMilli(row.CreationTime),
		LastAccessedTime:    time.UnixMilli(row.LastAccessedTime),
		MaxInactiveInterval: intervalFromMillis(row.MaxInactiveInterval),
		Attributes:          make(map[string]any, len(attrs)),
	}
	for _, a := range attrs {
		v, err := s.codec.Unmarshal(a.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %q: %v", session.ErrCorruptRecord, a.Name, err)
		}
		rec.Attributes[a.Name] = v
	}
	return rec, nil
}

// ApplyDelta upserts and deletes only the named attribute rows and patches the
// session row when metadata changed.
func (s *Store) ApplyDelta(ctx context.Context, id string, upserts map[string]any, removals []string, meta session.MetadataPatch) error {
	attrs, err := s.encodeAttributes(id, upserts)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := gorm.G[sessionRow](tx).Where("id = ?", id).First(ctx)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}

		if len(attrs) > 0 {
			upsert := clause.OnConflict{
				Columns:   []clause.Column{{Name: "session_id"}, {Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"value"}),
			}
			if err := tx.Clauses(upsert).Create(&attrs).Error; err != nil {
				return err
			}
		}
		if len(removals) > 0 {
			if err := tx.Where("session_id = ? AND name IN ?", id, removals).Delete(&attributeRow{}).Error; err != nil {
				return err
			}
		}
		if meta.Empty() {
			return nil
		}

		last := time.UnixMilli(row.LastAccessedTime)
		interval := intervalFromMillis(row.MaxInactiveInterval)
		if meta.LastAccessedTime != nil {
			last = *meta.LastAccessedTime
		}
		if meta.MaxInactiveInterval != nil {
			interval = *meta.MaxInactiveInterval
		}
		return tx.Model(&sessionRow{}).Where("id = ?", id).Updates(map[string]any{
			"last_accessed_time":    last.UnixMilli(),
			"max_inactive_interval": intervalMillis(interval),
			"expiry_time":           expiryMillis(last, interval),
		}).Error
	})
	return classifyWrite(err)
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&attributeRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&sessionRow{}).Error
	})
	return classifyWrite(err)
}

func (s *Store) SweepExpired(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("expiry_time IS NOT NULL AND expiry_time <= ?", before.UnixMilli()).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, store.ReadError(err)
	}
	return ids, nil
}

// AddIndex sets the membership of sessionID under entry.Name to entry.Value,
// replacing any previous value for that name.
func (s *Store) AddIndex(ctx context.Context, sessionID string, entry index.Entry) error {
	row := indexRow{SessionID: sessionID, Name: entry.Name, Value: entry.Value}
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}
	return classifyWrite(s.db.WithContext(ctx).Clauses(upsert).Create(&row).Error)
}

func (s *Store) RemoveIndex(ctx context.Context, sessionID string, entry index.Entry) error {
	_, err := gorm.G[indexRow](s.db).
		Where("session_id = ? AND name = ? AND value = ?", sessionID, entry.Name, entry.Value).
		Delete(ctx)
	return classifyWrite(err)
}

func (s *Store) RemoveAllIndexes(ctx context.Context, sessionID string) error {
	_, err := gorm.G[indexRow](s.db).Where("session_id = ?", sessionID).Delete(ctx)
	return classifyWrite(err)
}

func (s *Store) FindByIndex(ctx context.Context, entry index.Entry) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&indexRow{}).
		Where("name = ? AND value = ?", entry.Name, entry.Value).
		Order("session_id").
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, store.ReadError(err)
	}
	return ids, nil
}

func (s *Store) IndexMemberships(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := gorm.G[indexRow](s.db).Where("session_id = ?", sessionID).Find(ctx)
	if err != nil {
		return nil, store.ReadError(err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Value
	}
	return out, nil
}

func (s *Store) encodeAttributes(id string, attrs map[string]any) ([]attributeRow, error) {
	rows := make([]attributeRow, 0, len(attrs))
	for name, v := range attrs {
		if v == nil {
			continue
		}
		data, err := s.codec.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: attribute %q: %w", name, err)
		}
		rows = append(rows, attributeRow{SessionID: id, Name: name, Value: data})
	}
	return rows, nil
}

func classifyWrite(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
		return err
	default:
		return store.WriteError(err)
	}
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

func expiryMillis(last time.Time, interval time.Duration) *int64 {
	if interval <= 0 {
		return nil
	}
	at := last.Add(interval).UnixMilli()
	return &at
}
