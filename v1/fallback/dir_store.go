package fallback

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mirkobrombin/go-docsync/v1/cache"
)

const dirSuffix = ".json"

// DirStore implements Store with one file per key in a directory. Writes go to
// a temporary file that is renamed over the target, so a crash never leaves a
// half-written entry behind.
type DirStore[T any] struct {
	dir   string
	codec cache.Codec
	mu    sync.Mutex
}

// NewDirStore creates dir if needed and returns a store rooted there.
func NewDirStore[T any](dir string) (*DirStore[T], error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create fallback directory: %w", err)
	}
	return &DirStore[T]{dir: dir, codec: cache.JSONCodec{}}, nil
}

func (s *DirStore[T]) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+dirSuffix)
}

// Get implements Store.Get.
func (s *DirStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return zero, false, nil
		}
		return zero, false, err
	}
	var v T
	if err := s.codec.Unmarshal(b, &v); err != nil {
		return zero, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *DirStore[T]) Set(ctx context.Context, key string, value T) error {
	b, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.CreateTemp(s.dir, "*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		return errors.Join(err, f.Close(), os.Remove(f.Name()))
	}
	if err := f.Close(); err != nil {
		return errors.Join(err, os.Remove(f.Name()))
	}
	if err := os.Rename(f.Name(), s.path(key)); err != nil {
		return errors.Join(fmt.Errorf("failed to rename fallback entry: %w", err), os.Remove(f.Name()))
	}
	return nil
}

// Delete implements Store.Delete.
func (s *DirStore[T]) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Keys implements Store.Keys.
func (s *DirStore[T]) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, dirSuffix) {
			continue
		}
		k, err := url.PathUnescape(strings.TrimSuffix(name, dirSuffix))
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
