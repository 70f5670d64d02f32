// Package errors defines the error taxonomy shared by every docsync
// component. Backends and managers convert vendor failures into these values
// at their package boundary so callers only ever match with errors.Is/As.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTransport marks network or timeout failures on any remote call.
	ErrTransport = errors.New("docsync: transport failure")
	// ErrNotFound is returned by backends when a path holds no object.
	ErrNotFound = errors.New("docsync: not found")
	// ErrConflict is returned when a compare-and-swap write is rejected.
	ErrConflict = errors.New("docsync: revision conflict")
	// ErrUnknownResource is returned when the registry has no entry for a key.
	ErrUnknownResource = errors.New("docsync: unknown resource")
	// ErrInvalidKey is returned for an empty or malformed resource key.
	ErrInvalidKey = errors.New("docsync: invalid resource key")
	// ErrLockRequired is returned when a write needs a lock the caller does not hold.
	ErrLockRequired = errors.New("docsync: lock required")
	// ErrLockBusy is returned when the lock is held and the caller did not want to wait.
	ErrLockBusy = errors.New("docsync: lock busy")
	// ErrLockTimeout is returned when the lock stayed held for the whole wait budget.
	ErrLockTimeout = errors.New("docsync: lock wait timeout")
	// ErrRegistryUnavailable is returned when no registry could be fetched or recovered.
	ErrRegistryUnavailable = errors.New("docsync: registry unavailable")
	// ErrReadOnly is returned when writing through a locator that only has a mirror URL.
	ErrReadOnly = errors.New("docsync: resource is read-only")
)

// ConflictError describes a rejected conditional write.
type ConflictError struct {
	Path     string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("docsync: revision conflict on %s: object already exists", e.Path)
	}
	return fmt.Sprintf("docsync: revision conflict on %s: expected %q", e.Path, e.Expected)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransportError wraps a failed remote call.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("docsync: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Transport wraps err as a TransportError unless it already carries one of the
// taxonomy sentinels that must stay distinguishable (not found, conflict).
func Transport(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrTransport) {
		return err
	}
	return &TransportError{Op: op, Path: path, Err: err}
}
