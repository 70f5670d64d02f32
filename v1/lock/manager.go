package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-docsync/v1/backend"
	"github.com/mirkobrombin/go-docsync/v1/cache"
	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
	"github.com/mirkobrombin/go-docsync/v1/fallback"
	"github.com/mirkobrombin/go-docsync/v1/identity"
	"github.com/mirkobrombin/go-docsync/v1/metrics"
	"github.com/mirkobrombin/go-docsync/v1/registry"
	"github.com/mirkobrombin/go-docsync/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-docsync/v1/lock")

type lease struct {
	path     string
	lock     Lock
	revision string
	ttl      time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (l *lease) halt() {
	l.once.Do(func() { close(l.stop) })
}

// Manager acquires, renews and releases leases for one client.
type Manager struct {
	registry *registry.Registry
	backend  backend.Backend
	memory   cache.Cache[Entry]
	durable  fallback.Store[Entry]
	bus      watchbus.WatchBus
	identity identity.Provider
	logger   *slog.Logger
	clock    Clock
	period   time.Duration

	mu   sync.Mutex
	held map[string]*lease
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithHeartbeatPeriod fixes the renewal period instead of deriving it from
// the TTL.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(m *Manager) { m.period = d }
}

// WithBus publishes lock events on bus.
func WithBus(bus watchbus.WatchBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithDurable keeps the last seen lease of each resource in s.
func WithDurable(s fallback.Store[Entry]) Option {
	return func(m *Manager) { m.durable = s }
}

// WithIdentity sets the owner used when Acquire is given none.
func WithIdentity(p identity.Provider) Option {
	return func(m *Manager) { m.identity = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager returns a Manager storing leases in b at the lock paths of reg.
func NewManager(reg *registry.Registry, b backend.Backend, opts ...Option) *Manager {
	m := &Manager{
		registry: reg,
		backend:  b,
		memory:   cache.NewInMemory[Entry](),
		identity: identity.Static{Username: "anonymous", Role: "editor"},
		logger:   slog.Default(),
		clock:    realClock{},
		held:     make(map[string]*lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lockPath(ctx context.Context, key string) (string, error) {
	res, err := m.registry.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if res.Lock.Path == "" {
		return "", fmt.Errorf("%q lock: %w", key, docerrors.ErrReadOnly)
	}
	return res.Lock.Path, nil
}

// read fetches the stored lease. A missing lease reads as free with no
// revision; an undecodable one reads as free with its revision so it can be
// replaced.
func (m *Manager) read(ctx context.Context, key, path string) (Lock, string, error) {
	obj, err := m.backend.Download(ctx, path)
	if errors.Is(err, docerrors.ErrNotFound) {
		return Lock{Resource: key}, "", nil
	}
	if err != nil {
		return Lock{}, "", docerrors.Transport("download", path, err)
	}
	var l Lock
	if err := json.Unmarshal(obj.Content, &l); err != nil {
		m.logger.Warn("docsync: unreadable lock replaced", "resource", key, "error", err)
		return Lock{Resource: key}, obj.Revision, nil
	}
	m.remember(ctx, key, Entry{Lock: l, Revision: obj.Revision, FetchedAt: m.clock.Now()})
	return l, obj.Revision, nil
}

func (m *Manager) write(ctx context.Context, key, path string, l Lock, rev string) (string, error) {
	content, err := json.Marshal(l)
	if err != nil {
		return "", err
	}
	newRev, err := m.backend.Upload(ctx, path, content, backend.Match(rev))
	if err != nil {
		if errors.Is(err, docerrors.ErrConflict) {
			metrics.ConflictCounter.WithLabelValues("lock").Inc()
		}
		return "", docerrors.Transport("upload", path, err)
	}
	m.remember(ctx, key, Entry{Lock: l, Revision: newRev, FetchedAt: m.clock.Now()})
	return newRev, nil
}

func (m *Manager) remember(ctx context.Context, key string, e Entry) {
	_ = m.memory.Set(ctx, key, e, 0)
	if m.durable == nil {
		return
	}
	if err := m.durable.Set(ctx, fallback.Key(fallback.KindLock, key), e); err != nil {
		m.logger.Warn("docsync: lock cache write failed", "resource", key, "error", err)
	}
}

func (m *Manager) emit(ctx context.Context, kind string, l Lock, rev string) {
	owner := l.Owner
	ev := watchbus.Event{Kind: kind, Resource: l.Resource, LockID: l.LockID, Revision: rev, At: m.clock.Now().UTC()}
	if !owner.IsZero() {
		ev.Owner = &owner
	}
	if err := watchbus.Emit(ctx, m.bus, ev); err != nil {
		m.logger.Debug("docsync: event publish failed", "kind", kind, "resource", l.Resource, "error", err)
	}
}

// Acquire claims the lease of key for owner, waiting up to opts.Wait while
// another client holds it. A zero owner is replaced by the configured
// identity. Acquiring a lease this client already holds returns it as is.
func (m *Manager) Acquire(ctx context.Context, key string, owner identity.Owner, opts AcquireOptions) (Handle, error) {
	ctx, span := tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(attribute.String("docsync.resource", key)))
	defer span.End()
	h, err := m.acquire(ctx, key, owner, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("docsync.lock_id", h.LockID))
	}
	return h, err
}

func (m *Manager) acquire(ctx context.Context, key string, owner identity.Owner, opts AcquireOptions) (Handle, error) {
	path, err := m.lockPath(ctx, key)
	if err != nil {
		return Handle{}, err
	}
	if h, ok := m.handle(key); ok {
		return h, nil
	}
	if owner.IsZero() {
		if owner, err = m.identity.Owner(ctx); err != nil {
			return Handle{}, fmt.Errorf("docsync: identity: %w", err)
		}
	}
	ttl := ClampTTL(opts.TTL)
	retry := opts.RetryDelay
	if retry <= 0 {
		retry = DefaultRetryDelay
	}
	deadline := m.clock.Now().Add(opts.Wait)
	announced, raced := false, false

	for {
		cur, rev, err := m.read(ctx, key, path)
		if err == nil {
			now := m.clock.Now()
			if cur.Free(now) {
				l := Lock{
					Schema:      Schema,
					Resource:    key,
					LockID:      uuid.NewString(),
					Owner:       owner,
					AcquiredAt:  now.UnixMilli(),
					HeartbeatAt: now.UnixMilli(),
					ExpiresAt:   now.Add(ttl).UnixMilli(),
					TTLSec:      int(ttl / time.Second),
				}
				newRev, werr := m.write(ctx, key, path, l, rev)
				if werr == nil {
					m.start(key, &lease{path: path, lock: l, revision: newRev, ttl: ttl})
					metrics.LockAcquireCounter.WithLabelValues(metrics.OutcomeAcquired).Inc()
					m.emit(ctx, watchbus.LockAcquired, l, newRev)
					return Handle{Resource: key, LockID: l.LockID, ExpiresAt: l.Expires()}, nil
				}
				switch {
				case errors.Is(werr, docerrors.ErrConflict) && !raced:
					// Another client changed the lease first; look again.
					raced = true
					continue
				case errors.Is(werr, docerrors.ErrConflict):
					if opts.Wait <= 0 {
						metrics.LockAcquireCounter.WithLabelValues(metrics.OutcomeBusy).Inc()
						return Handle{}, fmt.Errorf("%q claimed concurrently: %w", key, docerrors.ErrLockBusy)
					}
				default:
					err = werr
				}
			} else if !announced {
				announced = true
				m.emit(ctx, watchbus.LockBusy, cur, rev)
			}
			if err == nil && opts.Wait <= 0 {
				metrics.LockAcquireCounter.WithLabelValues(metrics.OutcomeBusy).Inc()
				return Handle{}, fmt.Errorf("%q held by %s until %s: %w",
					key, cur.Owner.Username, cur.Expires().UTC().Format(time.RFC3339), docerrors.ErrLockBusy)
			}
		}
		if err != nil {
			m.logger.Warn("docsync: lock poll failed", "resource", key, "error", err)
			if opts.Wait <= 0 {
				metrics.LockAcquireCounter.WithLabelValues(metrics.OutcomeError).Inc()
				return Handle{}, err
			}
		}

		now := m.clock.Now()
		if !now.Before(deadline) {
			metrics.LockAcquireCounter.WithLabelValues(metrics.OutcomeTimeout).Inc()
			return Handle{}, fmt.Errorf("%q after %s: %w", key, opts.Wait, docerrors.ErrLockTimeout)
		}
		delay := retry
		if left := deadline.Sub(now); left < delay {
			delay = left
		}
		if err := m.clock.Sleep(ctx, delay); err != nil {
			return Handle{}, err
		}
		raced = false
	}
}

func (m *Manager) handle(key string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.held[key]
	if !ok || !m.clock.Now().Before(l.lock.Expires()) {
		return Handle{}, false
	}
	return Handle{Resource: key, LockID: l.lock.LockID, ExpiresAt: l.lock.Expires()}, true
}

func (m *Manager) start(key string, l *lease) {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	period := m.period
	if period <= 0 {
		period = HeartbeatPeriod(l.ttl)
	}
	m.mu.Lock()
	if prev, ok := m.held[key]; ok {
		prev.halt()
	}
	m.held[key] = l
	m.mu.Unlock()

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), period)
				_ = m.renew(ctx, key, l)
				cancel()
			case <-l.stop:
				return
			}
		}
	}()
}

// detach forgets the lease of key if it is still l and stops its task.
func (m *Manager) detach(key string, l *lease) {
	m.mu.Lock()
	if m.held[key] == l {
		delete(m.held, key)
	}
	m.mu.Unlock()
	l.halt()
}

// Heartbeat renews the lease of key now. It returns ErrLockRequired when the
// lease is not held or turns out to have been reclaimed.
func (m *Manager) Heartbeat(ctx context.Context, key string) error {
	m.mu.Lock()
	l, ok := m.held[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%q: %w", key, docerrors.ErrLockRequired)
	}
	return m.renew(ctx, key, l)
}

func (m *Manager) renew(ctx context.Context, key string, l *lease) error {
	cur, rev, err := m.read(ctx, key, l.path)
	if err != nil {
		metrics.HeartbeatCounter.WithLabelValues(metrics.OutcomeError).Inc()
		m.logger.Warn("docsync: heartbeat read failed", "resource", key, "error", err)
		return err
	}
	m.mu.Lock()
	mine := l.lock
	m.mu.Unlock()
	if cur.LockID != mine.LockID {
		m.detach(key, l)
		metrics.HeartbeatCounter.WithLabelValues(metrics.OutcomeLost).Inc()
		metrics.LockLostCounter.Inc()
		m.logger.Warn("docsync: lock lost", "resource", key, "lockId", mine.LockID, "holder", cur.LockID)
		m.emit(ctx, watchbus.LockLost, mine, rev)
		return fmt.Errorf("%q lost to %q: %w", key, cur.LockID, docerrors.ErrLockRequired)
	}
	now := m.clock.Now()
	cur.HeartbeatAt = now.UnixMilli()
	cur.ExpiresAt = now.Add(l.ttl).UnixMilli()
	newRev, err := m.write(ctx, key, l.path, cur, rev)
	if err != nil {
		metrics.HeartbeatCounter.WithLabelValues(metrics.OutcomeError).Inc()
		m.logger.Warn("docsync: heartbeat write failed", "resource", key, "error", err)
		return err
	}
	m.mu.Lock()
	l.lock, l.revision = cur, newRev
	m.mu.Unlock()
	metrics.HeartbeatCounter.WithLabelValues(metrics.OutcomeOK).Inc()
	return nil
}

// Release gives up the lease of key. Local state is always cleared; store
// failures are logged and left to the lease expiry.
func (m *Manager) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	l, ok := m.held[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.detach(key, l)
	<-l.done

	cur, rev, err := m.read(ctx, key, l.path)
	if err != nil {
		m.logger.Warn("docsync: release read failed", "resource", key, "error", err)
		return nil
	}
	if cur.LockID != l.lock.LockID {
		return nil
	}
	now := m.clock.Now()
	cur.HeartbeatAt = now.UnixMilli()
	cur.ExpiresAt = 0
	newRev, err := m.write(ctx, key, l.path, cur, rev)
	if err != nil {
		m.logger.Warn("docsync: release write failed", "resource", key, "error", err)
		return nil
	}
	m.emit(ctx, watchbus.LockReleased, cur, newRev)
	return nil
}

// ReleaseAll releases every lease this client holds.
func (m *Manager) ReleaseAll(ctx context.Context) {
	for _, key := range m.Held() {
		_ = m.Release(ctx, key)
	}
}

// IsHolding reports, without I/O, whether this client holds an unexpired
// lease on key.
func (m *Manager) IsHolding(key string) bool {
	_, ok := m.handle(key)
	return ok
}

// Held lists the resources this client holds leases on.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.held))
	for k := range m.held {
		keys = append(keys, k)
	}
	return keys
}

// Status reports the lease of key as stored remotely, or as last seen when
// the store cannot be reached.
func (m *Manager) Status(ctx context.Context, key string) (Status, error) {
	path, err := m.lockPath(ctx, key)
	if err != nil {
		return Status{}, err
	}
	now := m.clock.Now()
	st := Status{Source: "remote"}
	cur, rev, err := m.read(ctx, key, path)
	if err != nil {
		m.logger.Warn("docsync: lock status read failed", "resource", key, "error", err)
		e, ok := m.cached(ctx, key)
		if !ok {
			return Status{Source: "none", Mine: m.IsHolding(key)}, nil
		}
		cur, rev, st.Source = e.Lock, e.Revision, e.source
	}
	st.Lock, st.Revision = cur, rev
	st.Held = !cur.Free(now)
	if h, ok := m.handle(key); ok && h.LockID == cur.LockID {
		st.Mine = true
	}
	return st, nil
}

type cachedEntry struct {
	Entry
	source string
}

func (m *Manager) cached(ctx context.Context, key string) (cachedEntry, bool) {
	if e, ok, err := m.memory.Get(ctx, key); err == nil && ok {
		return cachedEntry{Entry: e, source: "memory"}, true
	}
	if m.durable != nil {
		if e, ok, err := m.durable.Get(ctx, fallback.Key(fallback.KindLock, key)); err == nil && ok {
			return cachedEntry{Entry: e, source: "localCache"}, true
		}
	}
	return cachedEntry{}, false
}

// Close stops every heartbeat task without releasing the leases.
func (m *Manager) Close() {
	m.mu.Lock()
	leases := make([]*lease, 0, len(m.held))
	for k, l := range m.held {
		leases = append(leases, l)
		delete(m.held, k)
	}
	m.mu.Unlock()
	for _, l := range leases {
		l.halt()
		<-l.done
	}
}
