package watchbus

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisWatchBus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewRedisWatchBus(client)
	ctx := context.Background()

	// Events emitted before Watch are not replayed.
	if err := Emit(ctx, bus, Event{Kind: DocumentUpdated, Resource: "notes", Revision: "0"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	ch, err := bus.Watch(ctx, "notes")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := Emit(ctx, bus, Event{Kind: DocumentChanged, Resource: "notes", Revision: "7"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	ev := receive(t, ch)
	if ev.Kind != DocumentChanged || ev.Revision != "7" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !mr.Exists("docsync:events:notes") {
		t.Fatal("expected stream key")
	}

	if err := bus.Unwatch(ctx, "notes", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	for range ch {
	}
}
