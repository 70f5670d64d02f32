package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

func newRedisBackend(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client)
}

// exerciseCAS runs the same compare-and-swap contract against any Backend.
func exerciseCAS(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Download(ctx, "/d.json"); !errors.Is(err, docerrors.ErrNotFound) {
		t.Fatalf("download missing: expected ErrNotFound, got %v", err)
	}
	if _, err := b.Metadata(ctx, "/d.json"); !errors.Is(err, docerrors.ErrNotFound) {
		t.Fatalf("metadata missing: expected ErrNotFound, got %v", err)
	}
	if _, err := b.Upload(ctx, "/d.json", []byte(`{}`), PutOptions{Mode: IfRevision, Revision: "1"}); !errors.Is(err, docerrors.ErrConflict) {
		t.Fatalf("if-revision on missing: expected conflict, got %v", err)
	}

	rev1, err := b.Upload(ctx, "/d.json", []byte(`{"v":1}`), Match(""))
	if err != nil || rev1 == "" {
		t.Fatalf("create: %q %v", rev1, err)
	}
	if _, err := b.Upload(ctx, "/d.json", []byte(`{"v":9}`), Match("")); !errors.Is(err, docerrors.ErrConflict) {
		t.Fatalf("second create: expected conflict, got %v", err)
	}

	rev2, err := b.Upload(ctx, "/d.json", []byte(`{"v":2}`), Match(rev1))
	if err != nil || rev2 == rev1 {
		t.Fatalf("cas update: %q %v", rev2, err)
	}
	if _, err := b.Upload(ctx, "/d.json", []byte(`{"v":3}`), Match(rev1)); !errors.Is(err, docerrors.ErrConflict) {
		t.Fatalf("stale cas: expected conflict, got %v", err)
	}

	o, err := b.Download(ctx, "/d.json")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(o.Content) != `{"v":2}` || o.Revision != rev2 {
		t.Fatalf("stale write leaked: %s rev %s", o.Content, o.Revision)
	}
	if rev, err := b.Metadata(ctx, "/d.json"); err != nil || rev != rev2 {
		t.Fatalf("metadata: %q %v", rev, err)
	}

	rev3, err := b.Upload(ctx, "/d.json", []byte(`{"v":4}`), PutOptions{Mode: Unconditional})
	if err != nil || rev3 == rev2 {
		t.Fatalf("unconditional: %q %v", rev3, err)
	}
}

func TestInMemoryCAS(t *testing.T) {
	exerciseCAS(t, NewInMemory())
}

func TestRedisCAS(t *testing.T) {
	exerciseCAS(t, newRedisBackend(t))
}

func TestInMemoryFailAndCalls(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	boom := errors.New("boom")
	m.Fail(boom)
	if _, err := m.Download(ctx, "/x"); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	m.Fail(nil)
	if _, err := m.Upload(ctx, "/x", []byte("1"), PutOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if m.Calls("/x") != 2 || m.Calls("/y") != 0 {
		t.Fatalf("unexpected call counts %d %d", m.Calls("/x"), m.Calls("/y"))
	}
}

type slowBackend struct{ Backend }

func (slowBackend) Download(ctx context.Context, path string) (Object, error) {
	<-ctx.Done()
	return Object{}, ctx.Err()
}

func TestTimedMapsDeadline(t *testing.T) {
	tb := &Timed{inner: slowBackend{NewInMemory()}, timeout: 10 * time.Millisecond}
	_, err := tb.Download(context.Background(), "/d.json")
	if !errors.Is(err, docerrors.ErrTransport) || !errors.Is(err, docerrors.ErrTimeout) {
		t.Fatalf("expected transport timeout, got %v", err)
	}
	if _, err := tb.Metadata(context.Background(), "/d.json"); !errors.Is(err, docerrors.ErrNotFound) {
		t.Fatalf("not found must pass through, got %v", err)
	}
}

func TestClampTimeout(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                DefaultTimeout,
		time.Second:      MinTimeout,
		5 * time.Second:  5 * time.Second,
		90 * time.Second: MaxTimeout,
	}
	for in, want := range cases {
		if got := ClampTimeout(in); got != want {
			t.Fatalf("ClampTimeout(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if k := objectKey("", "/d.json"); k != "d.json" {
		t.Fatalf("got %q", k)
	}
	if k := objectKey("/docs/", "/a/d.json"); k != "docs/a/d.json" {
		t.Fatalf("got %q", k)
	}
}
