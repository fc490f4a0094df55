package goSession

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/MrEthical07/goSession/index"
	"github.com/MrEthical07/goSession/internal/events"
	"github.com/MrEthical07/goSession/session"
	"github.com/MrEthical07/goSession/store"
	"github.com/MrEthical07/goSession/store/redisstore"
	"github.com/MrEthical07/goSession/store/sqlstore"
)

// Builder assembles an Engine. A Builder is single-use.
type Builder struct {
	config Config

	store store.Adapter
	redis redis.UniversalClient
	db    *gorm.DB

	resolvers []index.Resolver
	clock     Clock
	ids       IDGenerator
	sink      EventSink
	logger    *slog.Logger

	built bool
}

// New starts a Builder with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. Call it before the With* toggles
// that adjust single fields.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore uses an already constructed binding. Its codec should match
// Session.AttributeCodec, which decides what Set accepts.
func (b *Builder) WithStore(s store.Adapter) *Builder {
	b.store = s
	return b
}

// WithRedis builds the Redis binding from Config.Redis at Build time.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithSQL builds the relational binding at Build time and migrates its tables.
func (b *Builder) WithSQL(db *gorm.DB) *Builder {
	b.db = db
	return b
}

// WithResolvers sets the index resolvers. Their order decides which resolver
// wins a name collision.
func (b *Builder) WithResolvers(resolvers ...index.Resolver) *Builder {
	b.resolvers = append([]index.Resolver(nil), resolvers...)
	return b
}

// WithClock replaces the system clock, which is truncated to milliseconds.
func (b *Builder) WithClock(c Clock) *Builder {
	b.clock = c
	return b
}

// WithIDGenerator replaces the default UUIDv7 generator.
func (b *Builder) WithIDGenerator(g IDGenerator) *Builder {
	b.ids = g
	return b
}

// WithEventSink sets the sink lifecycle events are delivered to and enables
// event dispatch.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.sink = sink
	b.config.Events.Enabled = sink != nil
	return b
}

// WithLogger sets the logger; slog.Default is used otherwise.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetricsEnabled toggles the engine counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the flush latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns the engine. Exactly one of
// WithStore, WithRedis or WithSQL must have been called. Background expiration
// does not run until Engine.Start.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configured := 0
	for _, set := range []bool{b.store != nil, b.redis != nil, b.db != nil} {
		if set {
			configured++
		}
	}
	switch {
	case configured == 0:
		return nil, errors.New("session store required: use WithStore, WithRedis or WithSQL")
	case configured > 1:
		return nil, errors.New("only one session store may be configured")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := b.clock
	if clock == nil {
		clock = systemClock{}
	}
	ids := b.ids
	if ids == nil {
		ids = UUIDGenerator{}
	}

	codec, err := session.LookupCodec(cfg.Session.AttributeCodec)
	if err != nil {
		return nil, err
	}

	adapter := b.store
	switch {
	case b.redis != nil:
		adapter = redisstore.New(b.redis, redisstore.Options{
			Prefix:      cfg.Redis.Prefix,
			Codec:       codec,
			ExpiryGrace: cfg.Redis.ExpiryGrace,
			Now:         clock.Now,
		})
	case b.db != nil:
		sqlStore, err := sqlstore.New(context.Background(), b.db, codec)
		if err != nil {
			return nil, err
		}
		adapter = sqlStore
	}

	metrics := NewMetrics(cfg.Metrics)
	maintainer := index.NewMaintainer(adapter, logger, b.resolvers...)
	maintainer.OnResolverError(func(error) { metrics.Inc(MetricResolverFailure) })

	engine := &Engine{
		config:     cfg,
		store:      adapter,
		maintainer: maintainer,
		clock:      clock,
		ids:        ids,
		codec:      codec,
		metrics:    metrics,
		logger:     logger,
		redis:      b.redis,
		events: events.NewDispatcher(events.Config{
			Enabled:    cfg.Events.Enabled,
			BufferSize: cfg.Events.BufferSize,
			DropIfFull: cfg.Events.DropIfFull,
		}, b.sink),
	}

	b.built = true
	return engine, nil
}
