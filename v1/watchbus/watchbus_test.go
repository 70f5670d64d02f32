package watchbus

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-docsync/v1/identity"
)

func receive(t *testing.T, ch chan []byte) Event {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		ev, err := Decode(msg)
		if err != nil {
			t.Fatalf("decode %s: %v", msg, err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "notes")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	other, err := bus.Watch(ctx, "todo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	owner := identity.Owner{Username: "ada", Role: "editor"}
	if err := Emit(ctx, bus, Event{Kind: LockAcquired, Resource: "notes", LockID: "l1", Owner: &owner}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	ev := receive(t, ch)
	if ev.Kind != LockAcquired || ev.LockID != "l1" || ev.Owner == nil || ev.Owner.Username != "ada" || ev.At.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case msg := <-other:
		t.Fatalf("unexpected delivery to other key: %s", msg)
	default:
	}

	if err := bus.Unwatch(ctx, "notes", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
	if bus.Watchers("notes") != 0 {
		t.Fatal("expected no watchers left")
	}
}

func TestInMemoryWatchBusContextCancel(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := bus.Watch(ctx, "notes"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	for i := 0; i < 100 && bus.Watchers("notes") != 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.Watchers("notes") != 0 {
		t.Fatal("expected watcher removed on cancel")
	}
}

func TestEmitNilBus(t *testing.T) {
	if err := Emit(context.Background(), nil, Event{Kind: DocumentUpdated, Resource: "notes"}); err != nil {
		t.Fatalf("expected nil bus to drop events, got %v", err)
	}
}
