package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis shares thread feeds between server instances over redis pub/sub
type Redis struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedis(ctx context.Context, addr string, log *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Redis{rdb: rdb, log: log}, nil
}

func channel(thread int64) string {
	return "thread:" + strconv.FormatInt(thread, 10)
}

func (f *Redis) Publish(ctx context.Context, thread int64, m Message) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, channel(thread), buf).Err()
}

func (f *Redis) Subscribe(ctx context.Context, thread int64) (<-chan Message, func(), error) {
	pubsub := f.rdb.Subscribe(ctx, channel(thread))
	// wait for the confirmation, so no message published after return is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to thread %d: %w", thread, err)
	}

	ch := make(chan Message, bufferSize)
	done := make(chan struct{})
	go f.relay(thread, pubsub.Channel(), ch, done)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return ch, cancel, nil
}

// relay decodes messages of in into out until in closes or done is closed
func (f *Redis) relay(thread int64, in <-chan *redis.Message, out chan<- Message, done <-chan struct{}) {
	defer close(out)
	for {
		var msg *redis.Message
		select {
		case m, ok := <-in:
			if !ok {
				return
			}
			msg = m
		case <-done:
			return
		}

		var m Message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			f.log.Warn("malformed feed message", "thread", thread, "err", err)
			continue
		}
		select {
		case out <- m:
		case <-done:
			return
		}
	}
}

func (f *Redis) Close() error {
	return f.rdb.Close()
}
