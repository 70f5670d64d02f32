package watchbus

import (
	"context"
	"sync"
)

const inMemoryBuffer = 16

// InMemoryWatchBus delivers events between clients of one process. A
// watcher whose buffer is full misses the event.
type InMemoryWatchBus struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{subs: make(map[string]map[chan []byte]struct{})}
}

// Publish implements WatchBus.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[key] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch implements WatchBus. The channel is closed by Unwatch or when ctx
// ends.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, inMemoryBuffer)
	b.mu.Lock()
	set, ok := b.subs[key]
	if !ok {
		set = make(map[chan []byte]struct{})
		b.subs[key] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus. Unknown channels are ignored.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[key]
	if _, ok := set[ch]; !ok {
		return nil
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Watchers reports the number of watchers of key.
func (b *InMemoryWatchBus) Watchers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}
