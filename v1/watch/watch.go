// Package watch polls the revision of shared documents and reports changes.
//
// Each watched resource gets one task that asks the backend only for the
// current revision. The first poll records it; every later difference
// refreshes the document store, calls the OnChange callback and publishes a
// document.changed event. Poll failures are logged and retried on the next
// tick.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-docsync/v1/backend"
	"github.com/mirkobrombin/go-docsync/v1/docstore"
	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
	"github.com/mirkobrombin/go-docsync/v1/metrics"
	"github.com/mirkobrombin/go-docsync/v1/registry"
	"github.com/mirkobrombin/go-docsync/v1/watchbus"
)

// Interval bounds.
const (
	MinInterval     = 3 * time.Second
	MaxInterval     = 120 * time.Second
	DefaultInterval = 10 * time.Second
)

// Change is passed to OnChange after the store has been refreshed.
type Change struct {
	Resource string
	Revision string
}

// Options configure one watch.
type Options struct {
	Interval time.Duration
	OnChange func(Change)
}

type task struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
	// notifying is set while OnChange runs on the task goroutine.
	notifying atomic.Bool
}

// halt stops the task and waits for it to exit. Called while OnChange is
// running (for instance from OnChange itself) it only signals the stop; the
// task exits once the callback returns.
func (t *task) halt() {
	t.once.Do(func() { close(t.stop) })
	if t.notifying.Load() {
		return
	}
	<-t.done
}

func (t *task) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Watcher runs the polling tasks of one client.
type Watcher struct {
	registry *registry.Registry
	backend  backend.Backend
	store    *docstore.Store
	bus      watchbus.WatchBus
	logger   *slog.Logger
	floor    time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithBus publishes document.changed events on bus.
func WithBus(bus watchbus.WatchBus) Option {
	return func(w *Watcher) { w.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMinInterval lowers the interval floor. Tests use it to poll fast.
func WithMinInterval(d time.Duration) Option {
	return func(w *Watcher) { w.floor = d }
}

// New returns a Watcher that refreshes store when a revision changes.
func New(reg *registry.Registry, b backend.Backend, store *docstore.Store, opts ...Option) *Watcher {
	w := &Watcher{
		registry: reg,
		backend:  b,
		store:    store,
		logger:   slog.Default(),
		floor:    MinInterval,
		tasks:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ClampInterval bounds d to [floor, MaxInterval]; zero selects DefaultInterval.
func ClampInterval(d, floor time.Duration) time.Duration {
	switch {
	case d == 0:
		d = DefaultInterval
	case d > MaxInterval:
		d = MaxInterval
	}
	if d < floor {
		d = floor
	}
	return d
}

// Watch starts polling key, replacing any previous watch of it.
func (w *Watcher) Watch(ctx context.Context, key string, opts Options) error {
	res, err := w.registry.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if res.DB.Path == "" {
		return fmt.Errorf("%q has no store path to poll: %w", key, docerrors.ErrReadOnly)
	}
	interval := ClampInterval(opts.Interval, w.floor)

	t := &task{stop: make(chan struct{}), done: make(chan struct{})}
	w.mu.Lock()
	prev := w.tasks[key]
	w.tasks[key] = t
	w.mu.Unlock()
	if prev != nil {
		prev.halt()
	} else {
		metrics.WatcherGauge.Inc()
	}

	p := &poller{w: w, task: t, key: key, path: res.DB.Path, onChange: opts.OnChange, timeout: interval}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		p.tick()
		for {
			select {
			case <-ticker.C:
				if t.stopped() {
					return
				}
				p.tick()
			case <-t.stop:
				return
			}
		}
	}()
	return nil
}

// Unwatch stops polling key. It is a no-op for keys not watched.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	t, ok := w.tasks[key]
	delete(w.tasks, key)
	w.mu.Unlock()
	if ok {
		t.halt()
		metrics.WatcherGauge.Dec()
	}
}

// Active lists the watched keys.
func (w *Watcher) Active() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.tasks))
	for k := range w.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close stops every task.
func (w *Watcher) Close() {
	for _, key := range w.Active() {
		w.Unwatch(key)
	}
}

type poller struct {
	w        *Watcher
	task     *task
	key      string
	path     string
	onChange func(Change)
	timeout  time.Duration

	primed bool
	last   string
}

func (p *poller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	rev, err := p.w.backend.Metadata(ctx, p.path)
	if errors.Is(err, docerrors.ErrNotFound) {
		rev, err = "", nil
	}
	if err != nil {
		p.w.logger.Warn("docsync: watch poll failed", "resource", p.key, "error", err)
		return
	}
	if !p.primed {
		p.primed, p.last = true, rev
		return
	}
	if rev == p.last {
		return
	}
	p.last = rev
	metrics.WatchChangeCounter.Inc()

	if p.w.store != nil {
		if _, err := p.w.store.Refresh(ctx, p.key); err != nil {
			p.w.logger.Warn("docsync: watch refresh failed", "resource", p.key, "error", err)
		}
	}
	if p.onChange != nil {
		p.task.notifying.Store(true)
		p.onChange(Change{Resource: p.key, Revision: rev})
		p.task.notifying.Store(false)
	}
	if err := watchbus.Emit(ctx, p.w.bus, watchbus.Event{
		Kind:     watchbus.DocumentChanged,
		Resource: p.key,
		Revision: rev,
	}); err != nil {
		p.w.logger.Debug("docsync: event publish failed", "resource", p.key, "error", err)
	}
}
