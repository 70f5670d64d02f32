package backend

import (
	"context"
	"errors"
	"time"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

const (
	DefaultTimeout = 12 * time.Second
	MinTimeout     = 2 * time.Second
	MaxTimeout     = 60 * time.Second
)

// ClampTimeout applies the default and bounds to a per-request timeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// Timed bounds every call of the wrapped Backend and converts failures into
// the error taxonomy. Not-found and conflict results pass through untouched.
type Timed struct {
	inner   Backend
	timeout time.Duration
}

// NewTimed wraps b with a clamped per-call timeout.
func NewTimed(b Backend, timeout time.Duration) *Timed {
	return &Timed{inner: b, timeout: ClampTimeout(timeout)}
}

// Unwrap returns the wrapped backend.
func (t *Timed) Unwrap() Backend { return t.inner }

func (t *Timed) mapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = docerrors.ErrTimeout
	}
	return docerrors.Transport(op, path, err)
}

// Download implements Backend.
func (t *Timed) Download(ctx context.Context, path string) (Object, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	o, err := t.inner.Download(cctx, path)
	return o, t.mapErr("download", path, err)
}

// Upload implements Backend.
func (t *Timed) Upload(ctx context.Context, path string, content []byte, opts PutOptions) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	rev, err := t.inner.Upload(cctx, path, content, opts)
	return rev, t.mapErr("upload", path, err)
}

// Metadata implements Backend.
func (t *Timed) Metadata(ctx context.Context, path string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	rev, err := t.inner.Metadata(cctx, path)
	return rev, t.mapErr("metadata", path, err)
}
