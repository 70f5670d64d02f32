package backend

import (
	"context"
	"strconv"
	"sync"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

type memObject struct {
	content []byte
	rev     string
}

// InMemory is a Backend backed by a map. Revisions come from a counter shared
// by all paths so a token never repeats.
type InMemory struct {
	mu      sync.Mutex
	objects map[string]memObject
	seq     uint64
	fail    error
	calls   map[string]int
}

// NewInMemory returns an empty InMemory backend.
func NewInMemory() *InMemory {
	return &InMemory{objects: make(map[string]memObject), calls: make(map[string]int)}
}

// Fail makes every following call return err until Fail(nil) is called.
func (m *InMemory) Fail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Calls reports how many operations touched path.
func (m *InMemory) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// Download implements Backend.
func (m *InMemory) Download(ctx context.Context, path string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[path]++
	if m.fail != nil {
		return Object{}, m.fail
	}
	o, ok := m.objects[path]
	if !ok {
		return Object{}, docerrors.ErrNotFound
	}
	return Object{Content: append([]byte(nil), o.content...), Revision: o.rev}, nil
}

// Upload implements Backend.
func (m *InMemory) Upload(ctx context.Context, path string, content []byte, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[path]++
	if m.fail != nil {
		return "", m.fail
	}
	cur, exists := m.objects[path]
	switch opts.Mode {
	case CreateOnly:
		if exists {
			return "", &docerrors.ConflictError{Path: path, Current: cur.rev}
		}
	case IfRevision:
		if !exists || cur.rev != opts.Revision {
			return "", &docerrors.ConflictError{Path: path, Expected: opts.Revision, Current: cur.rev}
		}
	}
	m.seq++
	rev := strconv.FormatUint(m.seq, 10)
	m.objects[path] = memObject{content: append([]byte(nil), content...), rev: rev}
	return rev, nil
}

// Metadata implements Backend.
func (m *InMemory) Metadata(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[path]++
	if m.fail != nil {
		return "", m.fail
	}
	o, ok := m.objects[path]
	if !ok {
		return "", docerrors.ErrNotFound
	}
	return o.rev, nil
}
