package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-docsync/v1/backend"
	"github.com/mirkobrombin/go-docsync/v1/docstore"
	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
	"github.com/mirkobrombin/go-docsync/v1/fallback"
	"github.com/mirkobrombin/go-docsync/v1/identity"
	"github.com/mirkobrombin/go-docsync/v1/lock"
	"github.com/mirkobrombin/go-docsync/v1/registry"
	"github.com/mirkobrombin/go-docsync/v1/watchbus"
)

func notesRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	table, err := registry.Parse([]byte(`{"notes":{"db":{"path":"/d.json"},"lock":{"path":"/l.json"}}}`))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	return registry.New(registry.Inline(table))
}

func newClient(t *testing.T, b backend.Backend, user string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithIdentity(identity.Static{Username: user, Role: "editor"}),
		WithLockOptions(lock.WithHeartbeatPeriod(time.Hour)),
	}, opts...)
	c := New(notesRegistry(t), b, opts...)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func storedLock(t *testing.T, b backend.Backend) lock.Lock {
	t.Helper()
	obj, err := b.Download(context.Background(), "/l.json")
	if err != nil {
		t.Fatalf("download lock: %v", err)
	}
	var l lock.Lock
	if err := json.Unmarshal(obj.Content, &l); err != nil {
		t.Fatalf("decode lock: %v", err)
	}
	return l
}

func appendRow(text string) Mutator {
	return func(p *docstore.Payload) (*docstore.Payload, error) {
		p.DB = append(p.DB, docstore.Row{"text": text})
		p.Counter++
		return p, nil
	}
}

func TestNotesScenario(t *testing.T) {
	b := backend.NewInMemory()
	c := newClient(t, b, "ada")
	ctx := context.Background()

	res, err := c.Read(ctx, "notes", docstore.ReadOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Source != docstore.SourceEmpty || res.Payload.Meta.Resource != "notes" || res.Payload.Counter != 0 || len(res.Payload.DB) != 0 {
		t.Fatalf("unexpected empty read %+v", res)
	}

	if _, err := c.Acquire(ctx, "notes", lock.AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	patched := res.Payload
	patched.DB = append(patched.DB, docstore.Row{"text": "hello"})
	if _, err := c.Write(ctx, "notes", patched, docstore.WriteOptions{Revision: res.Revision}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.Release(ctx, "notes"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if l := storedLock(t, b); l.ExpiresAt != 0 {
		t.Fatalf("lock not released: %+v", l)
	}
	got, err := c.Read(ctx, "notes", docstore.ReadOptions{})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got.Source != docstore.SourceRemote || len(got.Payload.DB) != 1 || got.Payload.DB[0]["text"] != "hello" {
		t.Fatalf("unexpected document %+v", got.Payload)
	}
	if got.Payload.Meta.UpdatedBy != "ada" {
		t.Fatalf("write not attributed: %+v", got.Payload.Meta)
	}
}

func TestTransactionCommits(t *testing.T) {
	b := backend.NewInMemory()
	bus := watchbus.NewInMemory()
	c := newClient(t, b, "ada", WithBus(bus))
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		if _, err := c.Transaction(ctx, "notes", appendRow(text), TxOptions{}); err != nil {
			t.Fatalf("transaction %s: %v", text, err)
		}
	}
	res, err := c.Read(ctx, "notes", docstore.ReadOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Payload.Counter != 2 || len(res.Payload.DB) != 2 || res.Payload.DB[1]["text"] != "two" {
		t.Fatalf("unexpected document %+v", res.Payload)
	}
	if c.IsHolding("notes") {
		t.Fatal("transaction left the lock held")
	}
}

func TestTransactionInPlaceMutation(t *testing.T) {
	c := newClient(t, backend.NewInMemory(), "ada")
	ctx := context.Background()
	_, err := c.Transaction(ctx, "notes", func(p *docstore.Payload) (*docstore.Payload, error) {
		p.Counter = 41
		return nil, nil
	}, TxOptions{})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	res, _ := c.Read(ctx, "notes", docstore.ReadOptions{})
	if res.Payload.Counter != 41 {
		t.Fatalf("in-place change lost: %+v", res.Payload)
	}
}

func TestTransactionReleasesOnMutatorError(t *testing.T) {
	b := backend.NewInMemory()
	c := newClient(t, b, "ada")
	boom := errors.New("boom")

	_, err := c.Transaction(context.Background(), "notes", func(*docstore.Payload) (*docstore.Payload, error) {
		return nil, boom
	}, TxOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	if c.IsHolding("notes") {
		t.Fatal("lock held after failed mutator")
	}
	if l := storedLock(t, b); l.ExpiresAt != 0 {
		t.Fatalf("lock not released: %+v", l)
	}
	if _, err := b.Download(context.Background(), "/d.json"); !errors.Is(err, docerrors.ErrNotFound) {
		t.Fatalf("failed transaction wrote a document: %v", err)
	}
}

func TestTransactionReleasesOnPanic(t *testing.T) {
	b := backend.NewInMemory()
	c := newClient(t, b, "ada")

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Fatalf("expected re-raised panic, got %v", r)
			}
		}()
		_, _ = c.Transaction(context.Background(), "notes", func(*docstore.Payload) (*docstore.Payload, error) {
			panic("kaboom")
		}, TxOptions{})
	}()

	if c.IsHolding("notes") {
		t.Fatal("lock held after panic")
	}
	if l := storedLock(t, b); l.ExpiresAt != 0 {
		t.Fatalf("lock not released: %+v", l)
	}
}

func TestTransactionSurfacesConflict(t *testing.T) {
	b := backend.NewInMemory()
	c := newClient(t, b, "ada")
	ctx := context.Background()
	if _, err := c.Transaction(ctx, "notes", appendRow("first"), TxOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := c.Transaction(ctx, "notes", func(p *docstore.Payload) (*docstore.Payload, error) {
		// A writer ignoring the lock replaces the document meanwhile.
		if _, err := b.Upload(ctx, "/d.json", []byte(`{"counter":99,"db":[]}`), backend.PutOptions{Mode: backend.Unconditional}); err != nil {
			t.Fatalf("external write: %v", err)
		}
		p.Counter++
		return p, nil
	}, TxOptions{})
	if !errors.Is(err, docerrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if c.IsHolding("notes") {
		t.Fatal("lock held after conflict")
	}
	res, _ := c.Read(ctx, "notes", docstore.ReadOptions{})
	if res.Payload.Counter != 99 {
		t.Fatalf("conflicting write changed the document: %+v", res.Payload)
	}
}

func TestTransactionLockBusy(t *testing.T) {
	b := backend.NewInMemory()
	a := newClient(t, b, "ada")
	other := newClient(t, b, "grace")
	ctx := context.Background()

	if _, err := a.Acquire(ctx, "notes", lock.AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	called := false
	_, err := other.Transaction(ctx, "notes", func(p *docstore.Payload) (*docstore.Payload, error) {
		called = true
		return p, nil
	}, TxOptions{})
	if !errors.Is(err, docerrors.ErrLockBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if called {
		t.Fatal("mutator ran without the lock")
	}
	if !a.IsHolding("notes") {
		t.Fatal("holder lost its lock")
	}
}

func TestTransactionKeepsHeldLock(t *testing.T) {
	c := newClient(t, backend.NewInMemory(), "ada")
	ctx := context.Background()
	if _, err := c.Acquire(ctx, "notes", lock.AcquireOptions{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := c.Transaction(ctx, "notes", appendRow("x"), TxOptions{}); err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if !c.IsHolding("notes") {
		t.Fatal("transaction released a lock it did not take")
	}
}

func TestTransactionNilMutator(t *testing.T) {
	c := newClient(t, backend.NewInMemory(), "ada")
	if _, err := c.Transaction(context.Background(), "notes", nil, TxOptions{}); !errors.Is(err, ErrNilMutator) {
		t.Fatalf("expected nil mutator error, got %v", err)
	}
}

func TestWriteWithoutLock(t *testing.T) {
	c := newClient(t, backend.NewInMemory(), "ada")
	_, err := c.Write(context.Background(), "notes", &docstore.Payload{}, docstore.WriteOptions{})
	if !errors.Is(err, docerrors.ErrLockRequired) {
		t.Fatalf("expected lock required, got %v", err)
	}
}

func TestFallbackSurvivesOutage(t *testing.T) {
	b := backend.NewInMemory()
	data := fallback.NewInMemoryStore[docstore.Entry]()
	locks := fallback.NewInMemoryStore[lock.Entry]()
	c := newClient(t, b, "ada", WithFallback(data, locks))
	ctx := context.Background()
	if _, err := c.Transaction(ctx, "notes", appendRow("cached"), TxOptions{}); err != nil {
		t.Fatalf("transaction: %v", err)
	}

	b.Fail(errors.New("offline"))
	cold := newClient(t, b, "grace", WithFallback(data, locks))
	res, err := cold.Read(ctx, "notes", docstore.ReadOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Source != docstore.SourceLocalCache || len(res.Payload.DB) != 1 {
		t.Fatalf("unexpected offline read %+v", res)
	}
	st, err := cold.Locks().Status(ctx, "notes")
	if err != nil || st.Source != "localCache" || st.Held {
		t.Fatalf("unexpected offline lock status %+v %v", st, err)
	}
}
