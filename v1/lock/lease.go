package lock

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-docsync/v1/identity"
)

// Schema tags every lock object written by this package.
const Schema = "docsync.lock/v1"

// TTL bounds and defaults.
const (
	MinTTL            = 30 * time.Second
	MaxTTL            = 600 * time.Second
	DefaultTTL        = 120 * time.Second
	DefaultRetryDelay = time.Second
	minHeartbeat      = 10 * time.Second
)

// Lock is the stored lease. Times are unix milliseconds.
type Lock struct {
	Schema      string         `json:"schema"`
	Resource    string         `json:"resource"`
	LockID      string         `json:"lockId"`
	Owner       identity.Owner `json:"owner"`
	AcquiredAt  int64          `json:"acquiredAt"`
	HeartbeatAt int64          `json:"heartbeatAt"`
	ExpiresAt   int64          `json:"expiresAt"`
	TTLSec      int            `json:"ttlSec"`
}

// Free reports whether the lease can be claimed at now.
func (l Lock) Free(now time.Time) bool {
	return l.LockID == "" || l.ExpiresAt <= now.UnixMilli()
}

// Expires returns the expiry as a time.
func (l Lock) Expires() time.Time {
	return time.UnixMilli(l.ExpiresAt)
}

// ClampTTL bounds ttl to [MinTTL, MaxTTL]; zero selects DefaultTTL.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	}
	return ttl
}

// HeartbeatPeriod returns how often a lease of ttl is renewed.
func HeartbeatPeriod(ttl time.Duration) time.Duration {
	if p := ttl / 2; p > minHeartbeat {
		return p
	}
	return minHeartbeat
}

// Clock abstracts time for the acquisition loop and lease stamps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entry is what the lock caches hold per resource.
type Entry struct {
	Lock      Lock      `json:"lock"`
	Revision  string    `json:"revision,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Handle describes a lease held by this client.
type Handle struct {
	Resource  string
	LockID    string
	ExpiresAt time.Time
}

// AcquireOptions tune Acquire.
type AcquireOptions struct {
	// TTL of the lease, clamped to [MinTTL, MaxTTL].
	TTL time.Duration
	// Wait is the total time to wait for a held lease. Zero or less fails
	// immediately with ErrLockBusy.
	Wait time.Duration
	// RetryDelay between polls of a held lease.
	RetryDelay time.Duration
}

// Status is a read-only view of a resource's lease.
type Status struct {
	Lock     Lock
	Revision string
	// Held reports an unexpired lease owned by anyone.
	Held bool
	// Mine reports that this client holds it.
	Mine bool
	// Source is "remote", "memory", "localCache" or "none".
	Source string
}
