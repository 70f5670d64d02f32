// Package fetch retrieves JSON documents over plain HTTP. It backs the
// registry URL source and the read-only mirror tier of the document store.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

const (
	defaultTimeout = 12 * time.Second
	maxBodyBytes   = 32 << 20
)

// Fetcher performs a GET and returns the body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTP implements Fetcher with net/http.
type HTTP struct {
	client  *http.Client
	timeout time.Duration
}

// Option configures HTTP.
type Option func(*HTTP)

// WithClient sets the underlying http.Client.
func WithClient(c *http.Client) Option {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHTTP returns an HTTP fetcher.
func NewHTTP(opts ...Option) *HTTP {
	h := &HTTP{client: http.DefaultClient, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Fetch implements Fetcher. Responses are requested uncached; a 404 maps to
// ErrNotFound and every other failure to a TransportError.
func (h *HTTP) Fetch(ctx context.Context, url string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = docerrors.ErrTimeout
		}
		return nil, docerrors.Transport("fetch", url, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, docerrors.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, docerrors.Transport("fetch", url, fmt.Errorf("unexpected status %s", resp.Status))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, docerrors.Transport("fetch", url, err)
	}
	return body, nil
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, url string) ([]byte, error)

// Fetch implements Fetcher.
func (f Func) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }
