package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-docsync/v1/cache")

// Cache defines the basic operations for a cache layer.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key. A non-positive TTL keeps the
	// entry until it is replaced or invalidated.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is an in-memory cache with optional TTL and LRU bound.
// Expired entries are dropped when they are next touched.
type InMemoryCache[T any] struct {
	mu         sync.RWMutex
	items      map[string]item[T]
	order      *list.List
	hits       atomic.Uint64
	misses     atomic.Uint64
	maxEntries int
	now        func() time.Time

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	latencyHist     prometheus.Histogram
	traceEnabled    bool
}

type item[T any] struct {
	value     T
	expiresAt time.Time
	element   *list.Element
}

func (it item[T]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithMaxEntries bounds the number of entries; the least recently used entry
// is dropped first. A non-positive value means unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithClock replaces the time source used for expiry.
func WithClock[T any](now func() time.Time) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.now = now
	}
}

// WithMetrics registers hit, miss, eviction and latency collectors. The name
// distinguishes several caches on one registry.
func WithMetrics[T any](reg prometheus.Registerer, name string) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		labels := prometheus.Labels{"cache": name}
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "docsync_cache_hits_total",
			Help:        "Total number of cache hits",
			ConstLabels: labels,
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "docsync_cache_misses_total",
			Help:        "Total number of cache misses",
			ConstLabels: labels,
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "docsync_cache_evictions_total",
			Help:        "Total number of cache evictions",
			ConstLabels: labels,
		})
		c.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "docsync_cache_latency_seconds",
			Help:        "Latency of cache operations",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter, c.latencyHist)
	}
}

// WithTracing enables OpenTelemetry spans for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.traceEnabled = true
	}
}

// NewInMemory returns a new InMemoryCache.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	c := &InMemoryCache[T]{
		items: make(map[string]item[T]),
		order: list.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// observe starts a span and latency measurement for op. The returned func
// records the outcome.
func (c *InMemoryCache[T]) observe(ctx context.Context, op string) (context.Context, func(result string)) {
	if !c.traceEnabled && c.latencyHist == nil {
		return ctx, func(string) {}
	}
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, op)
	}
	start := time.Now()
	return ctx, func(result string) {
		latency := time.Since(start)
		if c.latencyHist != nil {
			c.latencyHist.Observe(latency.Seconds())
		}
		if span != nil {
			span.SetAttributes(
				attribute.Int64("docsync.cache.latency_ms", latency.Milliseconds()),
				attribute.String("docsync.cache.result", result),
			)
			span.End()
		}
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	ctx, done := c.observe(ctx, "Cache.Get")
	if err := ctx.Err(); err != nil {
		done("error")
		return zero, false, err
	}
	c.mu.Lock()
	it, ok := c.items[key]
	if ok && it.expired(c.now()) {
		c.drop(key, it)
		ok = false
	}
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		inc(c.missCounter)
		done("miss")
		return zero, false, nil
	}
	c.order.MoveToFront(it.element)
	c.mu.Unlock()
	c.hits.Add(1)
	inc(c.hitCounter)
	done("hit")
	return it.value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, done := c.observe(ctx, "Cache.Set")
	if err := ctx.Err(); err != nil {
		done("error")
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		c.items[key] = it
		c.order.MoveToFront(it.element)
	} else {
		elem := c.order.PushFront(key)
		c.items[key] = item[T]{value: value, expiresAt: exp, element: elem}
		if c.maxEntries > 0 && len(c.items) > c.maxEntries {
			if tail := c.order.Back(); tail != nil {
				k := tail.Value.(string)
				c.drop(k, c.items[k])
			}
		}
	}
	c.mu.Unlock()
	done("ok")
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, done := c.observe(ctx, "Cache.Invalidate")
	if err := ctx.Err(); err != nil {
		done("error")
		return err
	}
	c.mu.Lock()
	if it, ok := c.items[key]; ok {
		c.drop(key, it)
	}
	c.mu.Unlock()
	done("ok")
	return nil
}

// drop removes key. The caller holds mu.
func (c *InMemoryCache[T]) drop(key string, it item[T]) {
	c.order.Remove(it.element)
	delete(c.items, key)
	inc(c.evictionCounter)
}

// Keys returns the live keys, most recently used first.
func (c *InMemoryCache[T]) Keys() []string {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		k := e.Value.(string)
		if !c.items[k].expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Close drops all entries.
func (c *InMemoryCache[T]) Close() {
	c.mu.Lock()
	c.items = make(map[string]item[T])
	c.order.Init()
	c.mu.Unlock()
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
