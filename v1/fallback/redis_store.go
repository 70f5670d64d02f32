package fallback

import (
	"context"
	stdErrors "errors"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-docsync/v1/cache"
	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store using a Redis backend. Values live in a single
// hash so Keys does not need to scan the keyspace.
type RedisStore[T any] struct {
	client  *redis.Client
	hash    string
	timeout time.Duration
	codec   cache.Codec
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	hash    string
	timeout time.Duration
	codec   cache.Codec
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithHash sets the Redis hash holding the entries.
func WithHash(name string) RedisOption {
	return func(o *redisStoreOptions) {
		o.hash = name
	}
}

// WithCodec sets the value codec. JSON is the default.
func WithCodec(c cache.Codec) RedisOption {
	return func(o *redisStoreOptions) {
		o.codec = c
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore[T any](client *redis.Client, opts ...RedisOption) *RedisStore[T] {
	o := redisStoreOptions{hash: "docsync:fallback", timeout: defaultRedisOpTimeout, codec: cache.JSONCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore[T]{client: client, hash: o.hash, timeout: o.timeout, codec: o.codec}
}

func mapRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return docerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return docerrors.ErrConnectionClosed
	}
	return err
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.HGet(cctx, s.hash, key).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapRedisErr(err)
	}
	var v T
	if err := s.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore[T]) Set(ctx context.Context, key string, value T) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.HSet(cctx, s.hash, key, data).Err(); err != nil {
		return mapRedisErr(err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapRedisErr(s.client.HDel(cctx, s.hash, key).Err())
}

// Keys implements Store.Keys.
func (s *RedisStore[T]) Keys(ctx context.Context) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	keys, err := s.client.HKeys(cctx, s.hash).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	sort.Strings(keys)
	return keys, nil
}
