package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

func TestHTTPFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.json":
			_, _ = w.Write([]byte(`{"a":1}`))
		case "/boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTP(WithClient(srv.Client()))
	ctx := context.Background()
	body, err := f.Fetch(ctx, srv.URL+"/ok.json")
	if err != nil || string(body) != `{"a":1}` {
		t.Fatalf("fetch ok: %q %v", body, err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/missing"); !errors.Is(err, docerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/boom"); !errors.Is(err, docerrors.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestHTTPFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := NewHTTP(WithClient(srv.Client()), WithTimeout(20*time.Millisecond))
	_, err := f.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, docerrors.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
