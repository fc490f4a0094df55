package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/index"
	"github.com/MrEthical07/goSession/store/memstore"
)

func main() {
	var (
		backend     = flag.String("backend", "redis", "store binding: redis, sql or memory")
		sessions    = flag.Int("sessions", 10000, "number of sessions to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		sqlDSN      = flag.String("sql-dsn", "file:gosession-loadtest?mode=memory&cache=shared", "sqlite DSN for -backend=sql")
		prefix      = flag.String("prefix", "gosession", "redis key prefix")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		log.Error("sessions, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	cfg := goSession.DefaultConfig()
	cfg.Redis.Prefix = *prefix
	cfg.Expiration.SweepEnabled = false

	builder := goSession.New().
		WithConfig(cfg).
		WithLogger(log).
		WithResolvers(index.PrincipalNameResolver{})

	cleanup, err := attachBackend(builder, *backend, *redisAddr, *sqlDSN, log)
	if err != nil {
		log.Error("backend setup failed", "backend", *backend, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	engine, err := builder.Build()
	if err != nil {
		log.Error("engine build failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	ids := make([]string, *sessions)
	log.Info("seeding sessions", "count", *sessions, "backend", *backend)
	startSeed := time.Now()
	for i := range ids {
		s, err := engine.CreateSession(ctx)
		if err == nil {
			_ = s.Set(ctx, index.PrincipalNameAttribute, fmt.Sprintf("user-%d", i%100))
			err = engine.Save(ctx, s)
		}
		if err != nil {
			log.Error("seed failed", "error", err)
			os.Exit(1)
		}
		ids[i] = s.ID()
	}
	log.Info("seeded", "elapsed", time.Since(startSeed).Round(time.Millisecond))

	locks := make([]sync.Mutex, len(ids))

	requestStats := runPhase(*ops, *concurrency, func(r *rand.Rand, i int) error {
		idx := r.Intn(len(ids))
		locks[idx].Lock()
		defer locks[idx].Unlock()
		s, err := engine.GetSession(ctx, ids[idx])
		if err != nil {
			return err
		}
		if err := s.Set(ctx, "counter", float64(i)); err != nil {
			return err
		}
		return engine.Save(ctx, s)
	})

	rotateStats := runPhase(*ops/10+1, *concurrency, func(r *rand.Rand, _ int) error {
		idx := r.Intn(len(ids))
		locks[idx].Lock()
		defer locks[idx].Unlock()
		s, err := engine.GetSession(ctx, ids[idx])
		if err != nil {
			return err
		}
		if _, err := s.ChangeID(ctx); err != nil {
			return err
		}
		if err := engine.Save(ctx, s); err != nil {
			return err
		}
		ids[idx] = s.ID()
		return nil
	})

	lookupStats := runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		_, err := engine.FindByPrincipalName(ctx, fmt.Sprintf("user-%d", r.Intn(100)))
		return err
	})

	fmt.Println("---- results ----")
	printStats("request", requestStats)
	printStats("rotate", rotateStats)
	printStats("lookup", lookupStats)
	printSnapshot(engine.MetricsSnapshot())
}

func attachBackend(b *goSession.Builder, backend, redisAddr, dsn string, log *slog.Logger) (func(), error) {
	switch backend {
	case "memory":
		b.WithStore(memstore.New(nil))
		return func() {}, nil
	case "sql":
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		b.WithSQL(db)
		log.Info("using sqlite", "dsn", dsn)
		return func() { _ = sqlDB.Close() }, nil
	case "redis":
		addr := redisAddr
		if addr == "" {
			addr = os.Getenv("REDIS_ADDR")
		}
		if addr != "" {
			client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
			b.WithRedis(client)
			log.Info("using redis", "addr", addr)
			return func() { _ = client.Close() }, nil
		}
		mr, err := miniredis.Run()
		if err != nil {
			return nil, err
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		b.WithRedis(client)
		log.Info("using miniredis", "addr", mr.Addr())
		return func() {
			_ = client.Close()
			mr.Close()
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func runPhase(ops, concurrency int, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func printSnapshot(snap goSession.MetricsSnapshot) {
	ids := make([]goSession.MetricID, 0, len(snap.Counters))
	for id := range snap.Counters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Println("---- engine counters ----")
	for _, id := range ids {
		if v := snap.Counters[id]; v > 0 {
			fmt.Printf("%-30s %d\n", id, v)
		}
	}
}
