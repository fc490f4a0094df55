package sqlstore

// sessionRow holds record metadata. Timestamps and the interval are unix
// milliseconds; ExpiryTime is nil for records that never expire.
type sessionRow struct {
	ID                  string `gorm:"primaryKey;size:128"`
	CreationTime        int64  `gorm:"not null"`
	LastAccessedTime    int64  `gorm:"not null"`
	MaxInactiveInterval int64  `gorm:"not null"`
	ExpiryTime          *int64 `gorm:"index"`
}

func (sessionRow) TableName() string { return "gosession_sessions" }

// attributeRow holds one codec-encoded attribute value.
type attributeRow struct {
	SessionID string `gorm:"primaryKey;size:128"`
	Name      string `gorm:"primaryKey;size:255"`
	Value     []byte `gorm:"not null"`
}

func (attributeRow) TableName() string { return "gosession_attributes" }

// indexRow is both the forward index (looked up by name and value) and the
// reverse mapping (keyed by session and name).
type indexRow struct {
	SessionID string `gorm:"primaryKey;size:128"`
	Name      string `gorm:"primaryKey;size:255;index:idx_gosession_index_lookup,priority:1"`
	Value     string `gorm:"not null;size:512;index:idx_gosession_index_lookup,priority:2"`
}

func (indexRow) TableName() string { return "gosession_indexes" }
