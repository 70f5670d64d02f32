package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache implements Cache using dgraph-io/ristretto. It suits clients
// holding many resources where the memory tier needs admission control.
type RistrettoCache[T any] struct {
	c    *ristretto.Cache
	cost func(T) int64
}

// RistrettoOption configures a RistrettoCache.
type RistrettoOption[T any] func(*ristrettoSettings[T])

type ristrettoSettings[T any] struct {
	cfg  ristretto.Config
	cost func(T) int64
}

// WithRistretto applies a custom ristretto configuration. A nil cfg keeps the
// defaults.
func WithRistretto[T any](cfg *ristretto.Config) RistrettoOption[T] {
	return func(s *ristrettoSettings[T]) {
		if cfg == nil {
			return
		}
		s.cfg = *cfg
	}
}

// WithCost sets the function weighing each value against MaxCost. Every
// value costs 1 by default, which makes MaxCost an entry count.
func WithCost[T any](fn func(T) int64) RistrettoOption[T] {
	return func(s *ristrettoSettings[T]) {
		s.cost = fn
	}
}

// NewRistretto returns a Cache backed by ristretto.
func NewRistretto[T any](opts ...RistrettoOption[T]) (*RistrettoCache[T], error) {
	s := ristrettoSettings[T]{
		cfg: ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     1 << 10,
			BufferItems: 64,
		},
		cost: func(T) int64 { return 1 },
	}
	for _, opt := range opts {
		opt(&s)
	}
	rc, err := ristretto.NewCache(&s.cfg)
	if err != nil {
		return nil, err
	}
	return &RistrettoCache[T]{c: rc, cost: s.cost}, nil
}

// Get implements Cache.Get.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	v, ok := r.c.Get(key)
	if !ok {
		return zero, false, nil
	}
	val, ok := v.(T)
	return val, ok, nil
}

// Set implements Cache.Set.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	r.c.SetWithTTL(key, value, r.cost(value), ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *RistrettoCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Close releases resources held by the cache.
func (r *RistrettoCache[T]) Close() {
	r.c.Close()
}
