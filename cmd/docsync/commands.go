package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-docsync/v1/core"
	"github.com/mirkobrombin/go-docsync/v1/docstore"
	"github.com/mirkobrombin/go-docsync/v1/lock"
	"github.com/mirkobrombin/go-docsync/v1/metrics"
	"github.com/mirkobrombin/go-docsync/v1/watch"
	"github.com/mirkobrombin/go-docsync/v1/watchbus"
)

type command func(ctx context.Context, e *session, args []string, out io.Writer) error

var commands = map[string]command{
	"read":   cmdRead,
	"write":  cmdWrite,
	"append": cmdAppend,
	"lock":   cmdLock,
	"status": cmdStatus,
	"watch":  cmdWatch,
	"serve":  cmdServe,
}

func parse(name string, fs *flag.FlagSet, args []string, positional int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != positional {
		return nil, fmt.Errorf("%s takes %d argument(s): %w", name, positional, errUsage)
	}
	return fs.Args(), nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type readOutput struct {
	Source   docstore.Source   `json:"source"`
	Revision string            `json:"revision,omitempty"`
	Payload  *docstore.Payload `json:"payload"`
}

func cmdRead(ctx context.Context, e *session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	cached := fs.Bool("cache", false, "serve from the memory table first")
	rest, err := parse("read", fs, args, 1)
	if err != nil {
		return err
	}
	res, err := e.client.Read(ctx, rest[0], docstore.ReadOptions{PreferCache: *cached})
	if err != nil {
		return err
	}
	return printJSON(out, readOutput{Source: res.Source, Revision: res.Revision, Payload: res.Payload})
}

func txFlags(fs *flag.FlagSet) *core.TxOptions {
	opts := &core.TxOptions{}
	fs.DurationVar(&opts.TTL, "ttl", lock.DefaultTTL, "lease TTL")
	fs.DurationVar(&opts.Wait, "wait", 30*time.Second, "how long to wait for the lock")
	return opts
}

func cmdWrite(ctx context.Context, e *session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	opts := txFlags(fs)
	rest, err := parse("write", fs, args, 2)
	if err != nil {
		return err
	}
	var data []byte
	if rest[1] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(rest[1])
	}
	if err != nil {
		return err
	}
	p, err := docstore.Decode(rest[0], data)
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	res, err := e.client.Transaction(ctx, rest[0], func(*docstore.Payload) (*docstore.Payload, error) {
		return p, nil
	}, *opts)
	if err != nil {
		return err
	}
	return printJSON(out, readOutput{Source: res.Source, Revision: res.Revision, Payload: res.Payload})
}

func cmdAppend(ctx context.Context, e *session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	opts := txFlags(fs)
	rest, err := parse("append", fs, args, 2)
	if err != nil {
		return err
	}
	var row docstore.Row
	if err := json.Unmarshal([]byte(rest[1]), &row); err != nil {
		return fmt.Errorf("row must be a JSON object: %w", err)
	}
	res, err := e.client.Transaction(ctx, rest[0], func(p *docstore.Payload) (*docstore.Payload, error) {
		p.DB = append(p.DB, row)
		p.Counter++
		return nil, nil
	}, *opts)
	if err != nil {
		return err
	}
	return printJSON(out, readOutput{Source: res.Source, Revision: res.Revision, Payload: res.Payload})
}

func cmdLock(ctx context.Context, e *session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	ttl := fs.Duration("ttl", lock.DefaultTTL, "lease TTL")
	wait := fs.Duration("wait", 0, "how long to wait for the lock")
	rest, err := parse("lock", fs, args, 1)
	if err != nil {
		return err
	}
	key := rest[0]
	h, err := e.client.Acquire(ctx, key, lock.AcquireOptions{TTL: *ttl, Wait: *wait})
	if err != nil {
		return err
	}
	if err := printJSON(out, h); err != nil {
		return err
	}
	slog.Info("holding lock, interrupt to release", "resource", key, "lockId", h.LockID)
	<-ctx.Done()
	return e.client.Release(context.WithoutCancel(ctx), key)
}

func cmdStatus(ctx context.Context, e *session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	rest, err := parse("status", fs, args, 1)
	if err != nil {
		return err
	}
	st, err := e.client.Locks().Status(ctx, rest[0])
	if err != nil {
		return err
	}
	return printJSON(out, st)
}

func cmdWatch(ctx context.Context, e *session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	interval := fs.Duration("interval", watch.DefaultInterval, "poll interval")
	rest, err := parse("watch", fs, args, 1)
	if err != nil {
		return err
	}
	changes := make(chan watch.Change, 16)
	err = e.client.Watch(ctx, rest[0], watch.Options{Interval: *interval, OnChange: func(c watch.Change) {
		select {
		case changes <- c:
		default:
			slog.Warn("docsync: change dropped, output too slow", "resource", c.Resource)
		}
	}})
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-changes:
			res, ok := e.client.Store().Cached(ctx, c.Resource)
			if !ok {
				continue
			}
			if err := printJSON(out, readOutput{Source: res.Source, Revision: c.Revision, Payload: res.Payload}); err != nil {
				return err
			}
		}
	}
}

func docsHandler(e *session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/docs/")
		res, err := e.client.Read(r.Context(), key, docstore.ReadOptions{PreferCache: r.URL.Query().Has("cache")})
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if res.Revision != "" {
			w.Header().Set("ETag", `"`+res.Revision+`"`)
		}
		_ = printJSON(w, readOutput{Source: res.Source, Revision: res.Revision, Payload: res.Payload})
	}
}

func cmdServe(ctx context.Context, e *session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", e.cfg.Addr, "listen address")
	interval := fs.Duration("interval", watch.DefaultInterval, "poll interval of the served documents")
	if _, err := parse("serve", fs, args, 0); err != nil {
		return err
	}
	metrics.RegisterCoreMetrics(e.metrics)

	if _, err := e.reg.Load(ctx); err != nil {
		slog.Warn("docsync: registry not loaded", "error", err)
	}
	for _, key := range e.reg.Keys() {
		if err := e.client.Watch(ctx, key, watch.Options{Interval: *interval}); err != nil {
			slog.Warn("docsync: not watching", "resource", key, "error", err)
		}
	}
	if !strings.Contains(e.cfg.Registry, "://") {
		go func() {
			if err := e.reg.WatchFile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("docsync: registry file watch stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/events", watchbus.SSEHandler(e.client.Bus()))
	mux.Handle("/ws", watchbus.WebSocketHandler(e.client.Bus()))
	mux.Handle("/docs/", docsHandler(e))
	mux.Handle("/metrics", promhttp.HandlerFor(e.metrics, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("docsync serving", "addr", *addr, "resources", len(e.reg.Keys()))
	fmt.Fprintf(out, "listening on %s\n", *addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
