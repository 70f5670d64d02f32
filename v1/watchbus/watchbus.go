// Package watchbus carries docsync notifications: document updates, remote
// changes and lock status. Delivery is fire-and-forget; slow watchers miss
// events rather than blocking publishers.
package watchbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mirkobrombin/go-docsync/v1/identity"
)

// Event kinds.
const (
	DocumentUpdated = "document.updated"
	DocumentChanged = "document.changed"
	LockAcquired    = "lock.acquired"
	LockBusy        = "lock.busy"
	LockLost        = "lock.lost"
	LockReleased    = "lock.released"
)

// Event is a single notification about a resource.
type Event struct {
	Kind     string          `json:"kind"`
	Resource string          `json:"resource"`
	Revision string          `json:"revision,omitempty"`
	LockID   string          `json:"lockId,omitempty"`
	Owner    *identity.Owner `json:"owner,omitempty"`
	At       time.Time       `json:"at"`
}

// WatchBus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// Emit encodes ev and publishes it under its resource key. A nil bus drops
// the event.
func Emit(ctx context.Context, bus WatchBus, ev Event) error {
	if bus == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, ev.Resource, data)
}

// Decode parses a message produced by Emit.
func Decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}
