// Package docstore reads and writes the shared JSON document of a resource.
//
// Reads walk an ordered chain of tiers (memory, remote store, HTTP mirror,
// durable local cache, empty document) and always return a document unless
// the resource key itself is invalid or unknown. Writes are conditional on
// the revision the caller read and, by default, on holding the resource lock.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-docsync/v1/backend"
	"github.com/mirkobrombin/go-docsync/v1/cache"
	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
	"github.com/mirkobrombin/go-docsync/v1/fallback"
	"github.com/mirkobrombin/go-docsync/v1/fetch"
	"github.com/mirkobrombin/go-docsync/v1/identity"
	"github.com/mirkobrombin/go-docsync/v1/metrics"
	"github.com/mirkobrombin/go-docsync/v1/registry"
	"github.com/mirkobrombin/go-docsync/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-docsync/v1/docstore")

// LockChecker reports whether this client holds the lock of a resource.
type LockChecker interface {
	IsHolding(key string) bool
}

// ReadOptions tune Read.
type ReadOptions struct {
	// PreferCache serves the memory table first when it holds the resource.
	PreferCache bool
}

// WriteOptions tune Write.
type WriteOptions struct {
	// Revision is the token of the version the write replaces. When empty,
	// the revision cached by this client's last read or write is used.
	Revision string
	// RequireLock defaults to true.
	RequireLock *bool
	// Unconditional overwrites whatever is stored, ignoring revisions.
	Unconditional bool
}

// Result is a document together with where it came from.
type Result struct {
	Payload  *Payload
	Revision string
	Source   Source
}

// Store is the document store of one client.
type Store struct {
	registry *registry.Registry
	backend  backend.Backend
	memory   cache.Cache[Entry]
	maxAge   time.Duration
	durable  fallback.Store[Entry]
	mirror   fetch.Fetcher
	locks    LockChecker
	bus      watchbus.WatchBus
	identity identity.Provider
	logger   *slog.Logger
	now      func() time.Time
	tiers    []Tier
}

// Option configures a Store.
type Option func(*Store)

// WithMemory replaces the in-process memory table.
func WithMemory(c cache.Cache[Entry]) Option {
	return func(s *Store) { s.memory = c }
}

// WithMemoryTTL bounds how long a document stays in the memory table. Once
// it lapses, PreferCache reads go back to the store and writes without an
// explicit revision are create-only again. Zero keeps entries until replaced.
func WithMemoryTTL(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithDurable sets the persisted local fallback.
func WithDurable(d fallback.Store[Entry]) Option {
	return func(s *Store) { s.durable = d }
}

// WithMirror enables the read-only HTTP mirror tier for resources whose
// locator carries a URL.
func WithMirror(f fetch.Fetcher) Option {
	return func(s *Store) { s.mirror = f }
}

// WithLockChecker sets what Write consults when a lock is required.
func WithLockChecker(l LockChecker) Option {
	return func(s *Store) { s.locks = l }
}

// WithBus publishes document.updated events on bus.
func WithBus(bus watchbus.WatchBus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithIdentity sets who writes are attributed to.
func WithIdentity(p identity.Provider) Option {
	return func(s *Store) { s.identity = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source used for stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store resolving resources through reg and persisting them in b.
func New(reg *registry.Registry, b backend.Backend, opts ...Option) *Store {
	s := &Store{
		registry: reg,
		backend:  b,
		identity: identity.Static{Username: "anonymous", Role: "editor"},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.memory == nil {
		s.memory = cache.NewInMemory[Entry]()
	}
	s.tiers = []Tier{
		memoryTier{c: s.memory},
		remoteTier{b: s.backend, memory: s.memory, now: s.now},
		mirrorTier{f: s.mirror, now: s.now},
		localCacheTier{s: s.durable},
		emptyTier{now: s.now},
	}
	return s
}

// Read returns the document of key from the first tier able to serve it.
func (s *Store) Read(ctx context.Context, key string, opts ReadOptions) (Result, error) {
	ctx, span := tracer.Start(ctx, "docstore.Read", trace.WithAttributes(attribute.String("docsync.resource", key)))
	defer span.End()

	res, err := s.registry.Lookup(ctx, key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	req := Request{Key: key, Resource: res, PreferCache: opts.PreferCache}
	for i := 0; i < len(s.tiers); i++ {
		t := s.tiers[i]
		e, err := t.Read(ctx, req)
		switch {
		case errors.Is(err, errSkip):
			continue
		case errors.Is(err, docerrors.ErrNotFound):
			// The store has no document: go straight to the empty one.
			i = len(s.tiers) - 2
			continue
		case err != nil:
			s.logger.Warn("docsync: read tier failed", "resource", key, "source", t.Source(), "error", err)
			continue
		}
		e.Payload = Normalize(key, e.Payload)
		e.Payload.Meta.StoreVersion = e.Revision
		s.remember(ctx, key, e, t.Source())
		metrics.ReadCounter.WithLabelValues(string(t.Source())).Inc()
		span.SetAttributes(attribute.String("docsync.source", string(t.Source())))
		return Result{Payload: e.Payload.Clone(), Revision: e.Revision, Source: t.Source()}, nil
	}
	return Result{Payload: Normalize(key, nil), Source: SourceEmpty}, nil
}

// Refresh reads key bypassing the memory table.
func (s *Store) Refresh(ctx context.Context, key string) (Result, error) {
	return s.Read(ctx, key, ReadOptions{})
}

// remember refreshes the caches after a read served by source.
func (s *Store) remember(ctx context.Context, key string, e Entry, source Source) {
	switch source {
	case SourceMemory, SourceEmpty:
		return
	case SourceLocalCache:
		_ = s.memory.Set(ctx, key, e, s.maxAge)
		return
	}
	_ = s.memory.Set(ctx, key, e, s.maxAge)
	s.persist(ctx, key, e)
}

func (s *Store) persist(ctx context.Context, key string, e Entry) {
	if s.durable == nil {
		return
	}
	if err := s.durable.Set(ctx, fallback.Key(fallback.KindData, key), e); err != nil {
		s.logger.Warn("docsync: local cache write failed", "resource", key, "error", err)
	}
}

// Write stores p as the document of key.
//
// The upload is a compare-and-swap against opts.Revision, or the revision
// this client last saw. With no revision known the document is only created,
// never overwritten, unless opts.Unconditional is set. A rejected swap
// returns a *ConflictError and leaves the caches untouched.
func (s *Store) Write(ctx context.Context, key string, p *Payload, opts WriteOptions) (Result, error) {
	ctx, span := tracer.Start(ctx, "docstore.Write", trace.WithAttributes(attribute.String("docsync.resource", key)))
	defer span.End()
	result, err := s.write(ctx, key, p, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (s *Store) write(ctx context.Context, key string, p *Payload, opts WriteOptions) (Result, error) {
	res, err := s.registry.Lookup(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if res.DB.Path == "" {
		return Result{}, fmt.Errorf("%q: %w", key, docerrors.ErrReadOnly)
	}
	if opts.RequireLock == nil || *opts.RequireLock {
		if s.locks == nil || !s.locks.IsHolding(key) {
			return Result{}, fmt.Errorf("%q: %w", key, docerrors.ErrLockRequired)
		}
	}
	owner, err := s.identity.Owner(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("docsync: identity: %w", err)
	}

	doc := Normalize(key, p.Clone())
	doc.Meta.UpdatedAt = s.now().UTC().Format(time.RFC3339Nano)
	doc.Meta.UpdatedBy = owner.Username
	doc.Meta.UpdatedRole = owner.Role
	content, err := encode(doc)
	if err != nil {
		return Result{}, fmt.Errorf("docsync: encode %s: %w", key, err)
	}

	put := backend.PutOptions{Mode: backend.Unconditional}
	if !opts.Unconditional {
		token := opts.Revision
		if token == "" {
			if e, ok, _ := s.memory.Get(ctx, key); ok {
				token = e.Revision
			}
		}
		put = backend.Match(token)
	}

	rev, err := s.backend.Upload(ctx, res.DB.Path, content, put)
	if err != nil {
		if errors.Is(err, docerrors.ErrConflict) {
			metrics.ConflictCounter.WithLabelValues("document").Inc()
		}
		return Result{}, docerrors.Transport("upload", res.DB.Path, err)
	}

	doc.Meta.StoreVersion = rev
	e := Entry{Payload: doc, Revision: rev, FetchedAt: s.now()}
	_ = s.memory.Set(ctx, key, e, s.maxAge)
	s.persist(ctx, key, e)
	metrics.WriteCounter.Inc()

	if err := watchbus.Emit(ctx, s.bus, watchbus.Event{
		Kind:     watchbus.DocumentUpdated,
		Resource: key,
		Revision: rev,
		Owner:    &owner,
		At:       s.now().UTC(),
	}); err != nil {
		s.logger.Debug("docsync: event publish failed", "resource", key, "error", err)
	}
	return Result{Payload: doc.Clone(), Revision: rev, Source: SourceRemote}, nil
}

// Cached returns the document held in the memory table, if any.
func (s *Store) Cached(ctx context.Context, key string) (Result, bool) {
	e, ok, err := s.memory.Get(ctx, key)
	if err != nil || !ok {
		return Result{}, false
	}
	return Result{Payload: e.Payload.Clone(), Revision: e.Revision, Source: SourceMemory}, true
}

// Warmup copies every registered resource found in the durable fallback
// into the memory table and returns how many were loaded.
func (s *Store) Warmup(ctx context.Context) (int, error) {
	if s.durable == nil {
		return 0, nil
	}
	if _, err := s.registry.Load(ctx); err != nil && !errors.Is(err, docerrors.ErrRegistryUnavailable) {
		return 0, err
	}
	n := 0
	for _, key := range s.registry.Keys() {
		e, ok, err := s.durable.Get(ctx, fallback.Key(fallback.KindData, key))
		if err != nil {
			return n, err
		}
		if !ok || e.Payload == nil {
			continue
		}
		e.Payload = Normalize(key, e.Payload)
		if err := s.memory.Set(ctx, key, e, s.maxAge); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Bool returns a pointer to v, for WriteOptions.RequireLock.
func Bool(v bool) *bool { return &v }
