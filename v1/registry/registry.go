// Package registry resolves resource keys to the store locations of their
// document and lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
	"github.com/mirkobrombin/go-docsync/v1/fallback"
)

// Registry holds the resolved resource table. The table is loaded once and
// kept until Reload; concurrent loads share one fetch.
type Registry struct {
	source  Source
	durable fallback.Store[Table]
	logger  *slog.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	table  Table
	loaded bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithDurable keeps the last fetched table in s and uses it when the source
// cannot be reached.
func WithDurable(s fallback.Store[Table]) Option {
	return func(r *Registry) {
		r.durable = s
	}
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Registry reading from src.
func New(src Source, opts ...Option) *Registry {
	r := &Registry{source: src, logger: slog.Default(), table: Table{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load returns the table, fetching it on first use. When neither the source
// nor the durable copy is available the table is empty, every key resolves
// as unknown, and the returned error wraps ErrRegistryUnavailable. The next
// Load tries again.
func (r *Registry) Load(ctx context.Context) (Table, error) {
	r.mu.RLock()
	if r.loaded {
		t := r.table
		r.mu.RUnlock()
		return t, nil
	}
	r.mu.RUnlock()
	return r.load(ctx)
}

// Reload fetches the table again regardless of what is held.
func (r *Registry) Reload(ctx context.Context) (Table, error) {
	return r.load(ctx)
}

func (r *Registry) load(ctx context.Context) (Table, error) {
	v, err, _ := r.group.Do("load", func() (any, error) {
		t, err := r.fetch(ctx)
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			if !r.loaded {
				r.table = Table{}
			}
			return r.table, err
		}
		r.table = t
		r.loaded = true
		return t, nil
	})
	return v.(Table), err
}

func (r *Registry) fetch(ctx context.Context) (Table, error) {
	t, err := r.source.Fetch(ctx)
	if err == nil {
		if r.durable != nil {
			if derr := r.durable.Set(ctx, fallback.RegistryKey, t); derr != nil {
				r.logger.Warn("docsync: registry cache write failed", "error", derr)
			}
		}
		return t, nil
	}
	r.logger.Warn("docsync: registry fetch failed", "source", r.source.String(), "error", err)
	if r.durable != nil {
		cached, ok, derr := r.durable.Get(ctx, fallback.RegistryKey)
		if derr == nil && ok {
			for k, res := range cached {
				res.Key = k
				cached[k] = res
			}
			return cached, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", docerrors.ErrRegistryUnavailable, err)
}

// Resolve looks key up in the table held in memory. It never fetches.
func (r *Registry) Resolve(key string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.table[key]
	return res, ok
}

// Lookup loads the table if needed and resolves key. Unknown keys, including
// every key while the registry is unavailable, report ErrUnknownResource.
func (r *Registry) Lookup(ctx context.Context, key string) (Resource, error) {
	if !ValidKey(key) {
		return Resource{}, fmt.Errorf("%q: %w", key, docerrors.ErrInvalidKey)
	}
	if _, err := r.Load(ctx); err != nil && !errors.Is(err, docerrors.ErrRegistryUnavailable) {
		return Resource{}, err
	}
	res, ok := r.Resolve(key)
	if !ok {
		return Resource{}, fmt.Errorf("%q: %w", key, docerrors.ErrUnknownResource)
	}
	return res, nil
}

// Keys lists the loaded resource keys in lexical order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.table))
	for k := range r.table {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// WatchFile reloads the table whenever the backing file changes. It requires
// a File source and blocks until ctx is done.
func (r *Registry) WatchFile(ctx context.Context) error {
	fs, ok := r.source.(*FileSource)
	if !ok {
		return fmt.Errorf("registry: source %s is not a file", r.source)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// Editors often replace the file, so watch the directory.
	if err := w.Add(filepath.Dir(fs.Path)); err != nil {
		return err
	}
	target := filepath.Clean(fs.Path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if _, err := r.Reload(ctx); err != nil {
				r.logger.Warn("docsync: registry reload failed", "path", fs.Path, "error", err)
				continue
			}
			r.logger.Info("docsync: registry reloaded", "path", fs.Path, "resources", len(r.Keys()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("docsync: registry watch error", "error", err)
		}
	}
}
