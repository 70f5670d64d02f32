// Package presets assembles ready-made clients for common deployments.
package presets

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-docsync/v1/backend"
	"github.com/mirkobrombin/go-docsync/v1/cache"
	"github.com/mirkobrombin/go-docsync/v1/core"
	"github.com/mirkobrombin/go-docsync/v1/docstore"
	"github.com/mirkobrombin/go-docsync/v1/fallback"
	"github.com/mirkobrombin/go-docsync/v1/lock"
	"github.com/mirkobrombin/go-docsync/v1/registry"
	"github.com/mirkobrombin/go-docsync/v1/watchbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the stored documents and leases.
	Prefix string
	// Timeout bounds each backend call; see backend.ClampTimeout.
	Timeout time.Duration
}

// NewRedis returns a client keeping documents, leases, the local fallback and
// the event stream in one Redis deployment. The memory table is ristretto.
func NewRedis(reg *registry.Registry, opts RedisOptions, extra ...core.Option) (*core.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	var bopts []backend.RedisOption
	if opts.Prefix != "" {
		bopts = append(bopts, backend.WithRedisPrefix(opts.Prefix))
	}
	b := backend.NewBreaker(backend.NewTimed(backend.NewRedis(client, bopts...), opts.Timeout), 5, 30*time.Second)

	memory, err := cache.NewRistretto[docstore.Entry]()
	if err != nil {
		return nil, fmt.Errorf("presets: memory table: %w", err)
	}

	c := core.New(reg, b, append([]core.Option{
		core.WithBus(watchbus.NewRedisWatchBus(client)),
		core.WithFallback(
			fallback.NewRedisStore[docstore.Entry](client),
			fallback.NewRedisStore[lock.Entry](client),
		),
		core.WithStoreOptions(docstore.WithMemory(cache.NewResilient[docstore.Entry](memory, nil))),
	}, extra...)...)
	return c, nil
}

// S3Options configures an S3 bucket client.
type S3Options struct {
	Bucket string
	Prefix string
	Region string
	// FallbackDir, when set, keeps the last seen documents and leases on disk.
	FallbackDir string
	Timeout     time.Duration
}

// NewS3 returns a client storing documents and leases in an S3 bucket with
// conditional writes, using the default AWS credential chain.
func NewS3(ctx context.Context, reg *registry.Registry, opts S3Options, extra ...core.Option) (*core.Client, error) {
	s3b, err := backend.NewS3FromConfig(ctx, opts.Bucket, opts.Prefix, opts.Region)
	if err != nil {
		return nil, err
	}
	base := []core.Option{}
	if opts.FallbackDir != "" {
		fb, err := DirFallback(opts.FallbackDir)
		if err != nil {
			return nil, err
		}
		base = append(base, fb)
	}
	return core.New(reg, backend.NewTimed(s3b, opts.Timeout), append(base, extra...)...), nil
}

// DirFallback returns an option persisting documents and leases below dir.
func DirFallback(dir string) (core.Option, error) {
	data, err := fallback.NewDirStore[docstore.Entry](dir)
	if err != nil {
		return nil, fmt.Errorf("presets: fallback dir: %w", err)
	}
	locks, err := fallback.NewDirStore[lock.Entry](dir)
	if err != nil {
		return nil, fmt.Errorf("presets: fallback dir: %w", err)
	}
	return core.WithFallback(data, locks), nil
}

// NewInMemoryStandalone returns a client that runs entirely in-memory with
// no external dependencies, along with its backend so other clients can share
// it. Useful for local development and tests.
func NewInMemoryStandalone(reg *registry.Registry, extra ...core.Option) (*core.Client, *backend.InMemory) {
	b := backend.NewInMemory()
	return NewInMemoryShared(reg, b, extra...), b
}

// NewInMemoryShared returns an in-memory client on an existing backend.
func NewInMemoryShared(reg *registry.Registry, b *backend.InMemory, extra ...core.Option) *core.Client {
	return core.New(reg, b, append([]core.Option{
		core.WithBus(watchbus.NewInMemory()),
		core.WithFallback(fallback.NewInMemoryStore[docstore.Entry](), fallback.NewInMemoryStore[lock.Entry]()),
	}, extra...)...)
}
