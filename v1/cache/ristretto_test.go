package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newRistrettoCache[T any](t *testing.T, opts ...RistrettoOption[T]) *RistrettoCache[T] {
	t.Helper()
	c, err := NewRistretto[T](opts...)
	if err != nil {
		t.Fatalf("NewRistretto: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestRistrettoCacheGetSetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newRistrettoCache[string](t)

	if err := c.Set(ctx, "foo", "bar", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := c.Get(ctx, "foo"); err != nil || !ok || v != "bar" {
		t.Fatalf("Get: expected bar, got %v err %v", v, err)
	}
	if err := c.Invalidate(ctx, "foo"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, err := c.Get(ctx, "foo"); ok || err != nil {
		t.Fatal("expected miss after invalidate")
	}
}

func TestRistrettoCacheExpiration(t *testing.T) {
	ctx := context.Background()
	c := newRistrettoCache[string](t)

	if err := c.Set(ctx, "foo", "bar", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok, err := c.Get(ctx, "foo"); ok || err != nil {
		t.Fatal("expected key to expire")
	}
}

func TestRistrettoCacheCustomCost(t *testing.T) {
	ctx := context.Background()
	calls := 0
	c := newRistrettoCache[[]byte](t, WithCost(func(b []byte) int64 {
		calls++
		return int64(len(b))
	}))
	if err := c.Set(ctx, "doc", []byte("abc"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cost function to be used, calls=%d", calls)
	}
}

func TestRistrettoCacheContext(t *testing.T) {
	c := newRistrettoCache[string](t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Set(ctx, "a", "b", 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
	if _, _, err := c.Get(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
	if err := c.Invalidate(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
}
