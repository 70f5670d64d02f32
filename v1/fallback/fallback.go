// Package fallback provides the durable local key-value store that keeps the
// last known payload, lock and registry so reads survive remote outages.
package fallback

import (
	"context"
	"sort"
	"sync"
)

// Key scheme used by docsync components.
const (
	KindData = "data"
	KindLock = "lock"

	RegistryKey = "docsync:registry"
)

// Key returns the durable key for a resource of the given kind.
func Key(kind, resource string) string {
	return "docsync:" + kind + ":" + resource
}

// Store persists values across process restarts.
//
// T represents the type of values stored.
type Store[T any] interface {
	// Get retrieves the value for a key. The boolean reports presence.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for a key.
	Set(ctx context.Context, key string, value T) error
	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists stored keys in lexical order.
	Keys(ctx context.Context) ([]string, error)
}

// InMemoryStore is a Store backed by a map. It is durable only for the life
// of the process and is meant for tests and ephemeral clients.
type InMemoryStore[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{items: make(map[string]T)}
}

// Get implements Store.Get.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok, nil
}

// Set implements Store.Set.
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value T) error {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore[T]) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Keys implements Store.Keys.
func (s *InMemoryStore[T]) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
