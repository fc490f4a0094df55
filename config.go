package goSession

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goSession/session"
)

// Config holds every engine setting. Build copies it; later changes to the
// caller's value have no effect.
type Config struct {
	Session    SessionConfig
	Expiration ExpirationConfig
	Redis      RedisConfig
	Events     EventsConfig
	Metrics    MetricsConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// FlushMode decides when pending changes reach the store.
type FlushMode uint8

const (
	// FlushOnSave defers every write to an explicit Save.
	FlushOnSave FlushMode = iota
	// FlushImmediate writes after every mutating call, before it returns.
	FlushImmediate
)

func (m FlushMode) String() string {
	switch m {
	case FlushOnSave:
		return "on_save"
	case FlushImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("FlushMode(%d)", uint8(m))
	}
}

// ParseFlushMode maps "on_save" and "immediate" to a FlushMode. An empty name
// selects FlushOnSave.
func ParseFlushMode(name string) (FlushMode, error) {
	switch name {
	case "", "on_save":
		return FlushOnSave, nil
	case "immediate":
		return FlushImmediate, nil
	default:
		return 0, fmt.Errorf("unknown flush mode %q", name)
	}
}

// SessionConfig controls handle defaults and write behavior.
type SessionConfig struct {
	// DefaultMaxInactiveInterval applies to new sessions. <= 0 never expires.
	DefaultMaxInactiveInterval time.Duration
	SavePolicy                 session.SavePolicy
	FlushMode                  FlushMode
	// TouchOnAccess updates lastAccessedTime on every GetSession.
	TouchOnAccess bool
	// MaxCreateRetries bounds id regeneration after a create conflict.
	MaxCreateRetries int
	// AttributeCodec names the codec attribute values are persisted with:
	// "gob" (default, keeps Go types), "proto" or "json". Session.Set rejects
	// values the codec cannot return unchanged.
	AttributeCodec string
}

/*
====================================
EXPIRATION CONFIG
====================================
*/

// ExpirationConfig controls the active expiration paths. Passive expiration on
// read is always on.
type ExpirationConfig struct {
	SweepEnabled  bool
	SweepInterval time.Duration
	SweepTimeout  time.Duration
	SweepJitter   time.Duration

	// ListenNotifications subscribes to the store's native expiry stream when
	// the store offers one.
	ListenNotifications bool
	NotificationTimeout time.Duration
}

/*
====================================
REDIS CONFIG
====================================
*/

// RedisConfig applies when the engine is built WithRedis.
type RedisConfig struct {
	Prefix      string
	ExpiryGrace time.Duration
	// EnableKeyspaceNotifications issues CONFIG SET notify-keyspace-events at Start.
	EnableKeyspaceNotifications bool
}

/*
====================================
EVENTS CONFIG
====================================
*/

// EventsConfig controls lifecycle event delivery.
type EventsConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the settings used when Builder.WithConfig is not called.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			DefaultMaxInactiveInterval: 30 * time.Minute,
			SavePolicy:                 session.SaveOnSetAttribute,
			FlushMode:                  FlushOnSave,
			TouchOnAccess:              true,
			MaxCreateRetries:           3,
			AttributeCodec:             "gob",
		},
		Expiration: ExpirationConfig{
			SweepEnabled:        true,
			SweepInterval:       time.Minute,
			SweepTimeout:        30 * time.Second,
			SweepJitter:         5 * time.Second,
			ListenNotifications: false,
			NotificationTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Prefix:      "gosession",
			ExpiryGrace: 5 * time.Minute,
		},
		Events: EventsConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Session
	if !c.Session.SavePolicy.Valid() {
		return errors.New("Session SavePolicy is invalid")
	}
	if c.Session.FlushMode != FlushOnSave && c.Session.FlushMode != FlushImmediate {
		return errors.New("Session FlushMode is invalid")
	}
	if c.Session.MaxCreateRetries < 0 {
		return errors.New("Session MaxCreateRetries must be >= 0")
	}
	if c.Session.MaxCreateRetries > 16 {
		return errors.New("Session MaxCreateRetries must be <= 16")
	}
	if _, err := session.LookupCodec(c.Session.AttributeCodec); err != nil {
		return errors.New("Session AttributeCodec must be 'gob', 'proto' or 'json'")
	}

	// Expiration
	if c.Expiration.SweepEnabled {
		if c.Expiration.SweepInterval <= 0 {
			return errors.New("Expiration SweepInterval must be > 0 when sweeping is enabled")
		}
		if c.Expiration.SweepTimeout <= 0 {
			return errors.New("Expiration SweepTimeout must be > 0 when sweeping is enabled")
		}
		if c.Expiration.SweepJitter < 0 {
			return errors.New("Expiration SweepJitter must be >= 0")
		}
		if c.Expiration.SweepJitter >= c.Expiration.SweepInterval {
			return errors.New("Expiration SweepJitter must be smaller than SweepInterval")
		}
	}
	if c.Expiration.ListenNotifications && c.Expiration.NotificationTimeout <= 0 {
		return errors.New("Expiration NotificationTimeout must be > 0 when listening for notifications")
	}

	// Redis
	if c.Redis.Prefix == "" {
		return errors.New("Redis Prefix must not be empty")
	}
	if c.Redis.ExpiryGrace < 0 {
		return errors.New("Redis ExpiryGrace must be >= 0")
	}

	// Events
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return errors.New("Events BufferSize must be > 0 when events are enabled")
	}

	return nil
}
