package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-docsync/v1/metrics"
)

// ResilientCache keeps a broken memory table from failing document reads.
// Errors of the wrapped cache become misses and skipped writes; each one is
// logged and counted in docsync_cache_degraded_total by operation.
// Cancellations are passed over silently.
type ResilientCache[T any] struct {
	inner  Cache[T]
	logger *slog.Logger
}

// NewResilient wraps inner. A nil logger uses slog.Default.
func NewResilient[T any](inner Cache[T], logger *slog.Logger) *ResilientCache[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientCache[T]{inner: inner, logger: logger}
}

func (r *ResilientCache[T]) degrade(op, key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	metrics.CacheDegradedCounter.WithLabelValues(op).Inc()
	r.logger.Warn("docsync: memory table degraded", "op", op, "key", key, "error", err)
}

// Get returns a miss when the wrapped cache fails.
func (r *ResilientCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	val, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		r.degrade("get", key, err)
		var zero T
		return zero, false, nil
	}
	return val, ok, nil
}

// Set skips the write when the wrapped cache fails.
func (r *ResilientCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.degrade("set", key, err)
	}
	return nil
}

// Invalidate implements Cache.Invalidate. A failed invalidation leaves a
// possibly stale entry behind, so it is retried once before giving up.
func (r *ResilientCache[T]) Invalidate(ctx context.Context, key string) error {
	err := r.inner.Invalidate(ctx, key)
	if err != nil && ctx.Err() == nil {
		err = r.inner.Invalidate(ctx, key)
	}
	if err != nil {
		r.degrade("invalidate", key, err)
	}
	return nil
}
