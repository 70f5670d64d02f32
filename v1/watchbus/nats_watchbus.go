package watchbus

import (
	"context"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
)

const flushTimeout = 2 * time.Second

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan []byte
}

// NATSWatchBus implements WatchBus over NATS subjects. Each key gets one
// subject subscription shared by all local watchers.
type NATSWatchBus struct {
	conn   *nats.Conn
	prefix string
	mu     sync.Mutex
	subs   map[string]*natsSubscription
}

// NewNATSWatchBus returns a bus publishing on subjects "<prefix><key>". An
// empty prefix uses "docsync.".
func NewNATSWatchBus(conn *nats.Conn, prefix string) *NATSWatchBus {
	if prefix == "" {
		prefix = "docsync."
	}
	return &NATSWatchBus{conn: conn, prefix: prefix, subs: make(map[string]*natsSubscription)}
}

// Publish implements WatchBus.Publish.
func (b *NATSWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(b.prefix+key, data)
}

// Watch implements WatchBus.Watch. The subscription is flushed before
// returning so messages published afterwards are delivered.
func (b *NATSWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(b.prefix+key, func(m *nats.Msg) {
			b.mu.Lock()
			defer b.mu.Unlock()
			s := b.subs[key]
			if s == nil {
				return
			}
			for _, c := range s.chans {
				select {
				case c <- m.Data:
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	if err := b.conn.FlushTimeout(flushTimeout); err != nil {
		_ = b.Unwatch(context.Background(), key, ch)
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *NATSWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}
