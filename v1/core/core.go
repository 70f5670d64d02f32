// Package core ties the registry, document store, lock manager and watcher
// of one client together and runs exclusive read-modify-write transactions.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-docsync/v1/backend"
	"github.com/mirkobrombin/go-docsync/v1/docstore"
	"github.com/mirkobrombin/go-docsync/v1/fallback"
	"github.com/mirkobrombin/go-docsync/v1/fetch"
	"github.com/mirkobrombin/go-docsync/v1/identity"
	"github.com/mirkobrombin/go-docsync/v1/lock"
	"github.com/mirkobrombin/go-docsync/v1/registry"
	"github.com/mirkobrombin/go-docsync/v1/watch"
	"github.com/mirkobrombin/go-docsync/v1/watchbus"
)

// releaseTimeout bounds the release at the end of a transaction, which runs
// even when the caller's context is already done.
const releaseTimeout = 15 * time.Second

// ErrNilMutator is returned by Transaction when no mutator is given.
var ErrNilMutator = errors.New("docsync: nil mutator")

// Mutator edits the document inside a transaction. Returning a nil payload
// keeps the one passed in, which may have been changed in place.
type Mutator func(*docstore.Payload) (*docstore.Payload, error)

// TxOptions tune Transaction.
type TxOptions struct {
	TTL        time.Duration
	Wait       time.Duration
	RetryDelay time.Duration
	// Owner of the lease; the client identity when zero.
	Owner identity.Owner
}

type config struct {
	bus          watchbus.WatchBus
	identity     identity.Provider
	logger       *slog.Logger
	mirror       fetch.Fetcher
	dataFallback fallback.Store[docstore.Entry]
	lockFallback fallback.Store[lock.Entry]
	storeOpts    []docstore.Option
	lockOpts     []lock.Option
	watchOpts    []watch.Option
}

// Option configures a Client.
type Option func(*config)

// WithBus publishes every component's events on bus.
func WithBus(bus watchbus.WatchBus) Option {
	return func(c *config) { c.bus = bus }
}

// WithIdentity sets who owns leases and is stamped on writes.
func WithIdentity(p identity.Provider) Option {
	return func(c *config) { c.identity = p }
}

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMirror enables the HTTP mirror read tier.
func WithMirror(f fetch.Fetcher) Option {
	return func(c *config) { c.mirror = f }
}

// WithFallback persists the last seen documents and leases.
func WithFallback(data fallback.Store[docstore.Entry], locks fallback.Store[lock.Entry]) Option {
	return func(c *config) {
		c.dataFallback = data
		c.lockFallback = locks
	}
}

// WithStoreOptions passes extra options to the document store.
func WithStoreOptions(opts ...docstore.Option) Option {
	return func(c *config) { c.storeOpts = append(c.storeOpts, opts...) }
}

// WithLockOptions passes extra options to the lock manager.
func WithLockOptions(opts ...lock.Option) Option {
	return func(c *config) { c.lockOpts = append(c.lockOpts, opts...) }
}

// WithWatchOptions passes extra options to the watcher.
func WithWatchOptions(opts ...watch.Option) Option {
	return func(c *config) { c.watchOpts = append(c.watchOpts, opts...) }
}

// Client is one participant editing shared documents.
type Client struct {
	registry *registry.Registry
	backend  backend.Backend
	store    *docstore.Store
	locks    *lock.Manager
	watcher  *watch.Watcher
	bus      watchbus.WatchBus
	logger   *slog.Logger
}

// New assembles a Client resolving resources through reg and storing
// documents and leases in b.
func New(reg *registry.Registry, b backend.Backend, opts ...Option) *Client {
	cfg := config{
		identity: identity.Static{Username: "anonymous", Role: "editor"},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	lockOpts := []lock.Option{lock.WithBus(cfg.bus), lock.WithIdentity(cfg.identity), lock.WithLogger(cfg.logger)}
	if cfg.lockFallback != nil {
		lockOpts = append(lockOpts, lock.WithDurable(cfg.lockFallback))
	}
	locks := lock.NewManager(reg, b, append(lockOpts, cfg.lockOpts...)...)

	storeOpts := []docstore.Option{
		docstore.WithLockChecker(locks),
		docstore.WithBus(cfg.bus),
		docstore.WithIdentity(cfg.identity),
		docstore.WithLogger(cfg.logger),
	}
	if cfg.dataFallback != nil {
		storeOpts = append(storeOpts, docstore.WithDurable(cfg.dataFallback))
	}
	if cfg.mirror != nil {
		storeOpts = append(storeOpts, docstore.WithMirror(cfg.mirror))
	}
	store := docstore.New(reg, b, append(storeOpts, cfg.storeOpts...)...)

	watchOpts := []watch.Option{watch.WithBus(cfg.bus), watch.WithLogger(cfg.logger)}
	watcher := watch.New(reg, b, store, append(watchOpts, cfg.watchOpts...)...)

	return &Client{
		registry: reg,
		backend:  b,
		store:    store,
		locks:    locks,
		watcher:  watcher,
		bus:      cfg.bus,
		logger:   cfg.logger,
	}
}

// Registry returns the resource registry the client resolves keys with.
func (c *Client) Registry() *registry.Registry { return c.registry }

// Store returns the document store behind Read and Write.
func (c *Client) Store() *docstore.Store { return c.store }

// Locks returns the lease manager behind Acquire and Release.
func (c *Client) Locks() *lock.Manager { return c.locks }

// Watcher returns the change watcher behind Watch and Unwatch.
func (c *Client) Watcher() *watch.Watcher { return c.watcher }

// Bus returns the event bus, or nil when the client publishes no events.
func (c *Client) Bus() watchbus.WatchBus { return c.bus }

// Read returns the document of key.
func (c *Client) Read(ctx context.Context, key string, opts docstore.ReadOptions) (docstore.Result, error) {
	return c.store.Read(ctx, key, opts)
}

// Write stores p as the document of key.
func (c *Client) Write(ctx context.Context, key string, p *docstore.Payload, opts docstore.WriteOptions) (docstore.Result, error) {
	return c.store.Write(ctx, key, p, opts)
}

// Acquire claims the lease of key as the client identity.
func (c *Client) Acquire(ctx context.Context, key string, opts lock.AcquireOptions) (lock.Handle, error) {
	return c.locks.Acquire(ctx, key, identity.Owner{}, opts)
}

// Release gives up the lease of key.
func (c *Client) Release(ctx context.Context, key string) error {
	return c.locks.Release(ctx, key)
}

// IsHolding reports whether this client holds the lease of key.
func (c *Client) IsHolding(key string) bool {
	return c.locks.IsHolding(key)
}

// Watch starts polling key for changes.
func (c *Client) Watch(ctx context.Context, key string, opts watch.Options) error {
	return c.watcher.Watch(ctx, key, opts)
}

// Unwatch stops polling key.
func (c *Client) Unwatch(key string) {
	c.watcher.Unwatch(key)
}

// Transaction runs fn on the freshest document of key while holding its
// lease and writes the result back against the revision it read.
//
// A lease acquired here is released on every exit, including a panic in fn,
// which is re-raised afterwards. A lease the client already held is kept. A
// concurrent unconditional write surfaces as a conflict.
func (c *Client) Transaction(ctx context.Context, key string, fn Mutator, opts TxOptions) (docstore.Result, error) {
	if fn == nil {
		return docstore.Result{}, ErrNilMutator
	}
	held := c.locks.IsHolding(key)
	if !held {
		if _, err := c.locks.Acquire(ctx, key, opts.Owner, lock.AcquireOptions{
			TTL:        opts.TTL,
			Wait:       opts.Wait,
			RetryDelay: opts.RetryDelay,
		}); err != nil {
			return docstore.Result{}, err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := c.locks.Release(rctx, key); err != nil {
				c.logger.Warn("docsync: transaction release failed", "resource", key, "error", err)
			}
		}()
	}

	cur, err := c.store.Read(ctx, key, docstore.ReadOptions{})
	if err != nil {
		return docstore.Result{}, err
	}
	next, err := fn(cur.Payload)
	if err != nil {
		return docstore.Result{}, fmt.Errorf("docsync: mutator on %q: %w", key, err)
	}
	if next == nil {
		next = cur.Payload
	}
	return c.store.Write(ctx, key, next, docstore.WriteOptions{
		Revision:    cur.Revision,
		RequireLock: docstore.Bool(true),
	})
}

// Close stops watching, releases every lease and stops the heartbeat tasks.
func (c *Client) Close(ctx context.Context) {
	c.watcher.Close()
	c.locks.ReleaseAll(ctx)
	c.locks.Close()
}
