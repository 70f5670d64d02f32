package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is read from an optional YAML file, then DOCSYNC_* environment
// variables, then global flags, each layer overriding the previous one.
type Config struct {
	// Backend is memory, redis, s3, gcs or consul.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Registry is an http(s) URL or a file path.
	Registry    string        `yaml:"registry" env:"REGISTRY"`
	FallbackDir string        `yaml:"fallback_dir" env:"FALLBACK_DIR"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// Bus is memory, redis, nats or kafka.
	Bus          string   `yaml:"bus" env:"BUS"`
	NATSURL      string   `yaml:"nats_url" env:"NATS_URL"`
	KafkaBrokers []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `yaml:"kafka_topic" env:"KAFKA_TOPIC"`
	LogLevel     string   `yaml:"log_level" env:"LOG_LEVEL"`
	Addr         string   `yaml:"addr" env:"ADDR"`
	Trace        bool     `yaml:"trace" env:"TRACE"`

	Redis  RedisConfig  `yaml:"redis" envPrefix:"REDIS_"`
	S3     S3Config     `yaml:"s3" envPrefix:"S3_"`
	GCS    GCSConfig    `yaml:"gcs" envPrefix:"GCS_"`
	Consul ConsulConfig `yaml:"consul" envPrefix:"CONSUL_"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type S3Config struct {
	Bucket string `yaml:"bucket" env:"BUCKET"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
	Region string `yaml:"region" env:"REGION"`
}

type GCSConfig struct {
	Bucket string `yaml:"bucket" env:"BUCKET"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

type ConsulConfig struct {
	Address    string `yaml:"address" env:"ADDRESS"`
	Datacenter string `yaml:"datacenter" env:"DATACENTER"`
	Token      string `yaml:"token" env:"TOKEN"`
	Prefix     string `yaml:"prefix" env:"PREFIX"`
}

func defaultConfig() Config {
	return Config{
		Backend:  "memory",
		Registry: "registry.json",
		Bus:      "memory",
		LogLevel: "info",
		Addr:     ":8080",
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Consul:   ConsulConfig{Address: "127.0.0.1:8500"},
	}
}

type globalFlags struct {
	fs          *flag.FlagSet
	config      string
	backend     string
	registry    string
	fallbackDir string
	bus         string
	logLevel    string
	timeout     time.Duration
	trace       bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{fs: flag.NewFlagSet("docsync", flag.ContinueOnError)}
	g.fs.StringVar(&g.config, "config", os.Getenv("DOCSYNC_CONFIG"), "YAML config file")
	g.fs.StringVar(&g.backend, "backend", "", "object store: memory, redis, s3, gcs or consul")
	g.fs.StringVar(&g.registry, "registry", "", "registry URL or file")
	g.fs.StringVar(&g.fallbackDir, "fallback-dir", "", "directory for the offline cache")
	g.fs.StringVar(&g.bus, "bus", "", "event bus: memory, redis, nats or kafka")
	g.fs.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	g.fs.DurationVar(&g.timeout, "timeout", 0, "per-request timeout")
	g.fs.BoolVar(&g.trace, "trace", false, "print trace spans to stderr")
	return g
}

// load builds the configuration for the parsed flags.
func (g *globalFlags) load() (Config, error) {
	cfg := defaultConfig()
	if g.config != "" {
		data, err := os.ReadFile(g.config)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", g.config, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "DOCSYNC_"}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	g.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = g.backend
		case "registry":
			cfg.Registry = g.registry
		case "fallback-dir":
			cfg.FallbackDir = g.fallbackDir
		case "bus":
			cfg.Bus = g.bus
		case "log-level":
			cfg.LogLevel = g.logLevel
		case "timeout":
			cfg.Timeout = g.timeout
		case "trace":
			cfg.Trace = g.trace
		}
	})
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case "memory", "redis", "consul":
	case "s3", "gcs":
		bucket := c.S3.Bucket
		if c.Backend == "gcs" {
			bucket = c.GCS.Bucket
		}
		if bucket == "" {
			return fmt.Errorf("backend %s needs a bucket", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Bus {
	case "memory", "redis":
	case "nats":
		if c.NATSURL == "" {
			return errors.New("bus nats needs nats_url")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return errors.New("bus kafka needs kafka_brokers")
		}
	default:
		return fmt.Errorf("unknown bus %q", c.Bus)
	}
	if c.Registry == "" {
		return errors.New("no registry configured")
	}
	return nil
}
