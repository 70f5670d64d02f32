package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-docsync/v1/backend"
	"github.com/mirkobrombin/go-docsync/v1/cache"
	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
	"github.com/mirkobrombin/go-docsync/v1/fallback"
	"github.com/mirkobrombin/go-docsync/v1/fetch"
	"github.com/mirkobrombin/go-docsync/v1/registry"
)

// Source names the tier that served a read.
type Source string

const (
	SourceMemory     Source = "memory"
	SourceRemote     Source = "remote"
	SourceMirror     Source = "httpMirror"
	SourceLocalCache Source = "localCache"
	SourceEmpty      Source = "empty"
)

// errSkip marks a tier that does not apply to a request.
var errSkip = errors.New("docstore: tier skipped")

// Request is what a tier needs to serve a read.
type Request struct {
	Key         string
	Resource    registry.Resource
	PreferCache bool
}

// Tier is one step of the read fallback chain. A tier returns errSkip when it
// does not apply, ErrNotFound when the document authoritatively does not
// exist, or any other error to fall through to the next tier.
type Tier interface {
	Source() Source
	Read(ctx context.Context, req Request) (Entry, error)
}

type memoryTier struct{ c cache.Cache[Entry] }

func (memoryTier) Source() Source { return SourceMemory }

func (t memoryTier) Read(ctx context.Context, req Request) (Entry, error) {
	if !req.PreferCache {
		return Entry{}, errSkip
	}
	e, ok, err := t.c.Get(ctx, req.Key)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, errSkip
	}
	// The dispatcher stamps the payload; leave the cached one alone.
	e.Payload = e.Payload.Clone()
	return e, nil
}

type remoteTier struct {
	b      backend.Backend
	memory cache.Cache[Entry]
	now    func() time.Time
}

func (remoteTier) Source() Source { return SourceRemote }

func (t remoteTier) Read(ctx context.Context, req Request) (Entry, error) {
	path := req.Resource.DB.Path
	if path == "" {
		return Entry{}, errSkip
	}
	obj, err := t.b.Download(ctx, path)
	if errors.Is(err, docerrors.ErrNotFound) {
		// A cached revision of a deleted document would turn the next
		// create into a conflict.
		_ = t.memory.Invalidate(ctx, req.Key)
		return Entry{}, err
	}
	if err != nil {
		return Entry{}, err
	}
	p, err := Decode(req.Key, obj.Content)
	if err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", path, err)
	}
	e := Entry{FetchedAt: t.now()}
	e.Payload, e.Revision = p, obj.Revision
	return e, nil
}

type mirrorTier struct {
	f   fetch.Fetcher
	now func() time.Time
}

func (mirrorTier) Source() Source { return SourceMirror }

func (t mirrorTier) Read(ctx context.Context, req Request) (Entry, error) {
	url := req.Resource.DB.URL
	if url == "" || t.f == nil {
		return Entry{}, errSkip
	}
	b, err := t.f.Fetch(ctx, url)
	if errors.Is(err, docerrors.ErrNotFound) {
		// The mirror may lag behind; only the remote store is authoritative.
		return Entry{}, fmt.Errorf("mirror has no copy at %s", url)
	}
	if err != nil {
		return Entry{}, err
	}
	p, err := Decode(req.Key, b)
	if err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", url, err)
	}
	e := Entry{FetchedAt: t.now()}
	e.Payload = p
	return e, nil
}

type localCacheTier struct{ s fallback.Store[Entry] }

func (localCacheTier) Source() Source { return SourceLocalCache }

func (t localCacheTier) Read(ctx context.Context, req Request) (Entry, error) {
	if t.s == nil {
		return Entry{}, errSkip
	}
	e, ok, err := t.s.Get(ctx, fallback.Key(fallback.KindData, req.Key))
	if err != nil {
		return Entry{}, err
	}
	if !ok || e.Payload == nil {
		return Entry{}, errSkip
	}
	// In-process stores hand out the stored pointer.
	e.Payload = e.Payload.Clone()
	return e, nil
}

type emptyTier struct{ now func() time.Time }

func (emptyTier) Source() Source { return SourceEmpty }

func (t emptyTier) Read(ctx context.Context, req Request) (Entry, error) {
	e := Entry{FetchedAt: t.now()}
	e.Payload = Normalize(req.Key, nil)
	return e, nil
}
