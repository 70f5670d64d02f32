package watchbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamLen = 1000

// RedisWatchBus uses Redis Streams to implement WatchBus. Each key maps to a
// capped stream so watchers in other processes see the same events.
type RedisWatchBus struct {
	client  *redis.Client
	prefix  string
	maxLen  int64
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// RedisOption configures a RedisWatchBus.
type RedisOption func(*RedisWatchBus)

// WithStreamPrefix sets the prefix of stream names.
func WithStreamPrefix(p string) RedisOption {
	return func(b *RedisWatchBus) {
		b.prefix = p
	}
}

// WithMaxLen caps each stream at roughly n entries.
func WithMaxLen(n int64) RedisOption {
	return func(b *RedisWatchBus) {
		b.maxLen = n
	}
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client, opts ...RedisOption) *RedisWatchBus {
	b := &RedisWatchBus{
		client:  client,
		prefix:  "docsync:events:",
		maxLen:  defaultStreamLen,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisWatchBus) stream(key string) string { return b.prefix + key }

// Publish appends a message to the stream of key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(key),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch reads messages appended to the stream after the call.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	stream := b.stream(key)
	lastID := "0"
	last, err := b.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		lastID = last[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 16)
	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		defer b.forget(key, ch)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Block:   time.Second,
				Count:   16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err != redis.Nil {
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case ch <- []byte(v):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// Unwatch stops watching the given key and channel. The channel is closed by
// the reader goroutine once it exits.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	if cancel := b.forget(key, ch); cancel != nil {
		cancel()
	}
	return nil
}

func (b *RedisWatchBus) forget(key string, ch chan []byte) context.CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.cancels[key]
	if !ok {
		return nil
	}
	cancel := m[ch]
	delete(m, ch)
	if len(m) == 0 {
		delete(b.cancels, key)
	}
	return cancel
}
