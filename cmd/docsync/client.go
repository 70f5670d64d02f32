package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-docsync/v1/backend"
	"github.com/mirkobrombin/go-docsync/v1/cache"
	"github.com/mirkobrombin/go-docsync/v1/core"
	"github.com/mirkobrombin/go-docsync/v1/docstore"
	"github.com/mirkobrombin/go-docsync/v1/fallback"
	"github.com/mirkobrombin/go-docsync/v1/fetch"
	"github.com/mirkobrombin/go-docsync/v1/identity"
	"github.com/mirkobrombin/go-docsync/v1/presets"
	"github.com/mirkobrombin/go-docsync/v1/registry"
	"github.com/mirkobrombin/go-docsync/v1/watchbus"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// session is everything a subcommand needs. closers run in reverse order.
type session struct {
	cfg     Config
	client  *core.Client
	reg     *registry.Registry
	metrics *prometheus.Registry
	closers []func()
}

func (e *session) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *session) redis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     e.cfg.Redis.Addr,
		Password: e.cfg.Redis.Password,
		DB:       e.cfg.Redis.DB,
	})
}

func openBackend(ctx context.Context, e *session) (backend.Backend, error) {
	cfg := e.cfg
	var b backend.Backend
	switch cfg.Backend {
	case "memory":
		b = backend.NewInMemory()
	case "redis":
		client := e.redis()
		e.closers = append(e.closers, func() { _ = client.Close() })
		var opts []backend.RedisOption
		if cfg.Redis.Prefix != "" {
			opts = append(opts, backend.WithRedisPrefix(cfg.Redis.Prefix))
		}
		b = backend.NewRedis(client, opts...)
	case "s3":
		s3b, err := backend.NewS3FromConfig(ctx, cfg.S3.Bucket, cfg.S3.Prefix, cfg.S3.Region)
		if err != nil {
			return nil, err
		}
		b = s3b
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		e.closers = append(e.closers, func() { _ = client.Close() })
		b = backend.NewGCS(client, cfg.GCS.Bucket, cfg.GCS.Prefix)
	case "consul":
		cb, err := backend.NewConsulFromAddress(cfg.Consul.Address, cfg.Consul.Datacenter, cfg.Consul.Token, cfg.Consul.Prefix)
		if err != nil {
			return nil, err
		}
		b = cb
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return backend.NewBreaker(backend.NewTimed(b, cfg.Timeout), breakerThreshold, breakerCooldown), nil
}

func openBus(e *session) (watchbus.WatchBus, error) {
	switch e.cfg.Bus {
	case "redis":
		client := e.redis()
		e.closers = append(e.closers, func() { _ = client.Close() })
		return watchbus.NewRedisWatchBus(client), nil
	case "nats":
		conn, err := nats.Connect(e.cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		e.closers = append(e.closers, conn.Close)
		return watchbus.NewNATSWatchBus(conn, ""), nil
	case "kafka":
		var opts []watchbus.KafkaOption
		if e.cfg.KafkaTopic != "" {
			opts = append(opts, watchbus.WithTopic(e.cfg.KafkaTopic))
		}
		kb, err := watchbus.DialKafka(e.cfg.KafkaBrokers, nil, opts...)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		e.closers = append(e.closers, func() { _ = kb.Close() })
		return kb, nil
	default:
		return watchbus.NewInMemory(), nil
	}
}

func openRegistry(e *session, f fetch.Fetcher) (*registry.Registry, error) {
	var src registry.Source
	if strings.HasPrefix(e.cfg.Registry, "http://") || strings.HasPrefix(e.cfg.Registry, "https://") {
		src = registry.URL(f, e.cfg.Registry)
	} else {
		src = registry.File(e.cfg.Registry)
	}
	opts := []registry.Option{registry.WithLogger(slog.Default())}
	if e.cfg.FallbackDir != "" {
		durable, err := fallback.NewDirStore[registry.Table](e.cfg.FallbackDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, registry.WithDurable(durable))
	}
	return registry.New(src, opts...), nil
}

// open assembles the client described by cfg.
func open(ctx context.Context, cfg Config) (*session, error) {
	e := &session{cfg: cfg, metrics: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	f := fetch.NewHTTP(fetch.WithTimeout(backend.ClampTimeout(cfg.Timeout)))
	reg, err := openRegistry(e, f)
	if err != nil {
		return nil, err
	}
	b, err := openBackend(ctx, e)
	if err != nil {
		return nil, err
	}
	bus, err := openBus(e)
	if err != nil {
		return nil, err
	}
	owner, err := identity.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	memory := cache.NewInMemory[docstore.Entry](
		cache.WithMetrics[docstore.Entry](e.metrics, "documents"),
		cache.WithTracing[docstore.Entry](),
	)
	opts := []core.Option{
		core.WithBus(bus),
		core.WithIdentity(identity.Static(owner)),
		core.WithLogger(slog.Default()),
		core.WithMirror(f),
		core.WithStoreOptions(docstore.WithMemory(memory), docstore.WithMemoryTTL(cfg.CacheTTL)),
	}
	if cfg.FallbackDir != "" {
		fb, err := presets.DirFallback(cfg.FallbackDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fb)
	}
	e.reg = reg
	e.client = core.New(reg, b, opts...)
	e.closers = append(e.closers, func() {
		e.client.Close(context.WithoutCancel(ctx))
		memory.Close()
	})
	ok = true
	return e, nil
}
