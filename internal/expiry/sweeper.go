package expiry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goSession/internal"
)

// SweepFunc removes expired sessions and reports how many it handled.
type SweepFunc func(ctx context.Context) (int, error)

// SweeperConfig controls the sweep schedule.
type SweeperConfig struct {
	Interval time.Duration
	// Timeout bounds a single sweep.
	Timeout time.Duration
	// Jitter spreads sweeps of several instances sharing one store.
	Jitter time.Duration
}

// Sweeper runs a SweepFunc on a fixed schedule until stopped.
type Sweeper struct {
	cfg    SweeperConfig
	sweep  SweepFunc
	logger *slog.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	runs      atomic.Uint64
}

func NewSweeper(cfg SweeperConfig, sweep SweepFunc, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:    cfg,
		sweep:  sweep,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Start launches the background loop. Extra calls are ignored.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

// Runs reports how many sweeps completed, successful or not.
func (s *Sweeper) Runs() uint64 {
	return s.runs.Load()
}

// RunOnce performs one sweep bounded by the configured timeout.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	defer s.runs.Add(1)
	return s.sweep(ctx)
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
			n, err := s.RunOnce(context.Background())
			if err != nil {
				s.logger.Warn("goSession: expiry sweep failed", "error", err, "expired", n)
			} else if n > 0 {
				s.logger.Debug("goSession: expiry sweep", "expired", n)
			}
			timer.Reset(s.nextDelay())
		}
	}
}

func (s *Sweeper) nextDelay() time.Duration {
	d := s.cfg.Interval
	if j, err := internal.Jitter(s.cfg.Jitter); err == nil {
		d += j
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
