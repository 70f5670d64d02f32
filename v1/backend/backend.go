// Package backend abstracts the path-addressed object store that holds
// documents and lock files. Every implementation offers get, metadata and a
// put with optimistic concurrency expressed through opaque revision tokens.
package backend

import (
	"context"
	"strings"
)

// Mode selects the precondition applied by Upload.
type Mode int

const (
	// Unconditional overwrites whatever is stored (last writer wins).
	Unconditional Mode = iota
	// CreateOnly succeeds only when the path holds no object.
	CreateOnly
	// IfRevision succeeds only when the stored revision equals PutOptions.Revision.
	IfRevision
)

func (m Mode) String() string {
	switch m {
	case CreateOnly:
		return "create-only"
	case IfRevision:
		return "if-revision"
	default:
		return "unconditional"
	}
}

// PutOptions configures Upload.
type PutOptions struct {
	Mode     Mode
	Revision string
}

// Match returns options for a compare-and-swap against rev. An empty rev
// means the object must not exist yet.
func Match(rev string) PutOptions {
	if rev == "" {
		return PutOptions{Mode: CreateOnly}
	}
	return PutOptions{Mode: IfRevision, Revision: rev}
}

// Object is a downloaded payload and the revision it was read at.
type Object struct {
	Content  []byte
	Revision string
}

// Backend is the object storage used for documents and locks.
type Backend interface {
	// Download returns the object at path. It returns errors.ErrNotFound
	// when nothing is stored there.
	Download(ctx context.Context, path string) (Object, error)
	// Upload stores content at path under the given precondition and returns
	// the new revision. A failed precondition yields an *errors.ConflictError.
	Upload(ctx context.Context, path string, content []byte, opts PutOptions) (string, error)
	// Metadata returns only the current revision of path.
	Metadata(ctx context.Context, path string) (string, error)
}

// objectKey turns a registry path into a store key below prefix.
func objectKey(prefix, path string) string {
	path = strings.TrimLeft(path, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}
