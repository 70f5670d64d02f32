package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

// ErrCircuitOpen is returned, wrapped in a TransportError, while the breaker
// refuses calls.
var ErrCircuitOpen = errors.New("docsync: circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Backend with a circuit breaker. After threshold
// consecutive transport failures it fails every call immediately for
// cooldown, then lets a single trial call through. Not-found and conflict results
// are answers, not failures, and never trip it.
type Breaker struct {
	inner     Backend
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	lastFail time.Time
}

// NewBreaker wraps b. A threshold below 1 is treated as 1.
func NewBreaker(b Backend, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{inner: b, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Healthy reports whether calls currently go through.
func (cb *Breaker) Healthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != stateOpen || cb.now().Sub(cb.lastFail) >= cb.cooldown
}

func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.now().Sub(cb.lastFail) >= cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
	}
	// Half-open: a trial call is already in flight.
	return false
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		// The caller gave up; the store said nothing.
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		return
	}
	if err == nil || errors.Is(err, docerrors.ErrNotFound) || errors.Is(err, docerrors.ErrConflict) {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = cb.now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

func (cb *Breaker) open(op, path string) error {
	return docerrors.Transport(op, path, ErrCircuitOpen)
}

// Download implements Backend.
func (cb *Breaker) Download(ctx context.Context, path string) (Object, error) {
	if !cb.allow() {
		return Object{}, cb.open("download", path)
	}
	o, err := cb.inner.Download(ctx, path)
	cb.record(err)
	return o, err
}

// Upload implements Backend.
func (cb *Breaker) Upload(ctx context.Context, path string, content []byte, opts PutOptions) (string, error) {
	if !cb.allow() {
		return "", cb.open("upload", path)
	}
	rev, err := cb.inner.Upload(ctx, path, content, opts)
	cb.record(err)
	return rev, err
}

// Metadata implements Backend.
func (cb *Breaker) Metadata(ctx context.Context, path string) (string, error) {
	if !cb.allow() {
		return "", cb.open("metadata", path)
	}
	rev, err := cb.inner.Metadata(ctx, path)
	cb.record(err)
	return rev, err
}
