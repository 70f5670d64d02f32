package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

func TestBreakerContract(t *testing.T) {
	exerciseCAS(t, NewBreaker(NewInMemory(), 3, time.Minute))
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	inner := NewInMemory()
	cb := NewBreaker(inner, 2, time.Minute)
	now := time.Unix(0, 0)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	inner.Fail(errors.New("offline"))
	for i := 0; i < 2; i++ {
		if _, err := cb.Metadata(ctx, "/d.json"); err == nil {
			t.Fatal("expected failure")
		}
	}
	if cb.Healthy() {
		t.Fatal("breaker should be open")
	}
	calls := inner.Calls("/d.json")
	_, err := cb.Download(ctx, "/d.json")
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, docerrors.ErrTransport) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if inner.Calls("/d.json") != calls {
		t.Fatal("open breaker must not reach the backend")
	}

	// The trial call after the cooldown fails: open again.
	now = now.Add(time.Minute)
	if _, err := cb.Metadata(ctx, "/d.json"); errors.Is(err, ErrCircuitOpen) || err == nil {
		t.Fatalf("expected the trial call to reach the backend, got %v", err)
	}
	if _, err := cb.Metadata(ctx, "/d.json"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}

	inner.Fail(nil)
	now = now.Add(time.Minute)
	if _, err := cb.Metadata(ctx, "/d.json"); !errors.Is(err, docerrors.ErrNotFound) {
		t.Fatalf("trial call: %v", err)
	}
	if !cb.Healthy() {
		t.Fatal("breaker should be closed after a good trial call")
	}
}

func TestBreakerIgnoresAnswers(t *testing.T) {
	inner := NewInMemory()
	cb := NewBreaker(inner, 1, time.Minute)
	ctx := context.Background()
	if _, err := cb.Upload(ctx, "/d.json", []byte(`{}`), PutOptions{Mode: CreateOnly}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := cb.Upload(ctx, "/d.json", []byte(`{}`), PutOptions{Mode: CreateOnly}); !errors.Is(err, docerrors.ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if _, err := cb.Download(ctx, "/missing.json"); !errors.Is(err, docerrors.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if !cb.Healthy() {
		t.Fatal("conflicts and misses must not open the breaker")
	}
}
