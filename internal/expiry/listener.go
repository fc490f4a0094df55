package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrEthical07/goSession/store"
)

// ErrListenerStarted is returned by a second Start.
var ErrListenerStarted = errors.New("expiry listener already started")

// HandleFunc reacts to one natively expired session id.
type HandleFunc func(ctx context.Context, sessionID string)

// Listener consumes a store's expiry notifications and hands each id to a
// HandleFunc, one at a time.
type Listener struct {
	notifier store.ExpiryNotifier
	handle   HandleFunc
	logger   *slog.Logger
	timeout  time.Duration

	mu  sync.Mutex
	sub store.Subscription
	wg  sync.WaitGroup
}

func NewListener(notifier store.ExpiryNotifier, handle HandleFunc, timeout time.Duration, logger *slog.Logger) *Listener {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		notifier: notifier,
		handle:   handle,
		logger:   logger,
		timeout:  timeout,
	}
}

// Start subscribes and begins consuming in the background.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return ErrListenerStarted
	}

	sub, err := l.notifier.SubscribeExpired(ctx)
	if err != nil {
		return err
	}
	l.sub = sub

	l.wg.Add(1)
	go l.consume(sub)
	return nil
}

func (l *Listener) consume(sub store.Subscription) {
	defer l.wg.Done()
	for id := range sub.Expired() {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		l.handle(ctx, id)
		cancel()
	}
}

// Stop closes the subscription and waits for the consumer to drain.
func (l *Listener) Stop() error {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	l.wg.Wait()
	if err != nil {
		l.logger.Warn("goSession: closing expiry subscription failed", "error", err)
	}
	return err
}
