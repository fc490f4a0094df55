package redisstore

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goSession/store"
)

// ExpiredEventPattern matches expired keyevent channels on every database.
const ExpiredEventPattern = "__keyevent@*__:expired"

// EnableKeyspaceNotifications turns on expired keyevent notifications on the
// server. Managed Redis offerings often forbid CONFIG; in that case configure
// notify-keyspace-events out of band or rely on the sweeper.
func EnableKeyspaceNotifications(ctx context.Context, client redis.UniversalClient) error {
	if err := client.ConfigSet(ctx, "notify-keyspace-events", "Egx").Err(); err != nil {
		return store.WriteError(err)
	}
	return nil
}

// SubscribeExpired listens for expired record keys under this store's prefix
// and streams their session ids.
func (s *Store) SubscribeExpired(ctx context.Context) (store.Subscription, error) {
	ps := s.redis.PSubscribe(ctx, ExpiredEventPattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, store.ReadError(err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan string, 256),
		done: make(chan struct{}),
	}
	go sub.run(s, ps.Channel())
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan string
	done chan struct{}
	once sync.Once
	err  error
}

func (sub *subscription) run(s *Store, in <-chan *redis.Message) {
	defer close(sub.out)
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			id, ok := s.sessionIDFromKey(msg.Payload)
			if !ok {
				continue
			}
			select {
			case sub.out <- id:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *subscription) Expired() <-chan string { return sub.out }

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		close(sub.done)
		sub.err = sub.ps.Close()
	})
	return sub.err
}
