package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
	"github.com/mirkobrombin/go-docsync/v1/fetch"
)

// Locator addresses one object either by store path or by plain URL.
type Locator struct {
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}

// IsZero reports whether the locator names nothing.
func (l Locator) IsZero() bool { return l.Path == "" && l.URL == "" }

// Resource pairs a document with its lock.
type Resource struct {
	Key  string         `json:"-"`
	DB   Locator        `json:"db"`
	Lock Locator        `json:"lock"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Table maps resource keys to their locations.
type Table map[string]Resource

// Source produces a registry table.
type Source interface {
	Fetch(ctx context.Context) (Table, error)
	String() string
}

// ValidKey reports whether key can name a resource: non-empty, at most 128
// bytes, and free of whitespace, control characters and slashes.
func ValidKey(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	return strings.IndexFunc(key, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == '/'
	}) < 0
}

// Parse decodes a registry document of the form
// {"key": {"db": {"path": ...}, "lock": {"url": ...}, "meta": {...}}}.
func Parse(data []byte) (Table, error) {
	var raw map[string]Resource
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	t := make(Table, len(raw))
	for k, r := range raw {
		if !ValidKey(k) {
			return nil, fmt.Errorf("registry: %q: %w", k, docerrors.ErrInvalidKey)
		}
		if r.DB.IsZero() || r.Lock.IsZero() {
			return nil, fmt.Errorf("registry: %q must locate both db and lock", k)
		}
		r.Key = k
		t[k] = r
	}
	return t, nil
}

type inlineSource struct{ t Table }

// Inline serves a fixed table.
func Inline(t Table) Source {
	c := make(Table, len(t))
	for k, r := range t {
		r.Key = k
		c[k] = r
	}
	return inlineSource{t: c}
}

func (s inlineSource) Fetch(context.Context) (Table, error) { return s.t, nil }
func (inlineSource) String() string                          { return "inline" }

type urlSource struct {
	f   fetch.Fetcher
	url string
}

// URL fetches the registry document with f.
func URL(f fetch.Fetcher, url string) Source {
	return urlSource{f: f, url: url}
}

func (s urlSource) Fetch(ctx context.Context) (Table, error) {
	b, err := s.f.Fetch(ctx, s.url)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func (s urlSource) String() string { return s.url }

// FileSource reads the registry from a local file.
type FileSource struct {
	Path string
}

// File reads the registry document at path.
func File(path string) *FileSource {
	return &FileSource{Path: path}
}

// Fetch implements Source.
func (s *FileSource) Fetch(ctx context.Context) (Table, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func (s *FileSource) String() string { return s.Path }
