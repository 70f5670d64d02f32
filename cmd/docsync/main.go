// Command docsync reads, edits, locks and watches shared JSON documents.
//
// Usage:
//
//	docsync [global flags] <command> [flags] [key] [args]
//
// Commands: read, write, append, lock, status, watch, serve.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const usage = `usage: docsync [global flags] <command> [flags] <key> [args]

commands:
  read [-cache] <key>                   print the document
  write [-ttl] [-wait] <key> <file|->   replace the document under the lock
  append [-ttl] [-wait] <key> <json>    append a row and bump the counter under the lock
  lock [-ttl] [-wait] <key>             hold the lock until interrupted
  status <key>                          print the lock
  watch [-interval] <key>               print changes until interrupted
  serve [-addr] [-interval]             serve /events, /ws, /docs/{key} and /metrics

global flags:
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			slog.Error("docsync failed", "error", err)
		}
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      l,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))
	return nil
}

func setupTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	g := newGlobalFlags()
	g.fs.Usage = func() {
		fmt.Fprint(g.fs.Output(), usage)
		g.fs.PrintDefaults()
	}
	if err := g.fs.Parse(args); err != nil {
		return err
	}
	rest := g.fs.Args()
	if len(rest) == 0 {
		g.fs.Usage()
		return errUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		g.fs.Usage()
		return fmt.Errorf("unknown command %q: %w", rest[0], errUsage)
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if err := setupLogging(strings.ToUpper(cfg.LogLevel)); err != nil {
		return err
	}
	if cfg.Trace {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()
	}

	e, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return cmd(ctx, e, rest[1:], stdout)
}
