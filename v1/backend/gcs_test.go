package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

const gcsTestBucket = "docs"

type gcsObject struct {
	data       []byte
	generation int64
}

// emulateGCS serves object metadata, media downloads and multipart uploads
// with generation preconditions.
type emulateGCS struct {
	mu      sync.Mutex
	objects map[string]gcsObject
	gen     int64
	uploads int
}

func (e *emulateGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	jsonPrefix := "/storage/v1/b/" + gcsTestBucket + "/o"
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload"+jsonPrefix):
		e.upload(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, jsonPrefix+"/"):
		name := strings.TrimPrefix(r.URL.Path, jsonPrefix+"/")
		if r.URL.Query().Get("alt") == "media" {
			e.media(w, name)
			return
		}
		o, ok := e.objects[name]
		if !ok {
			gcsError(w, http.StatusNotFound, "No such object: "+name)
			return
		}
		writeJSON(w, e.resource(name, o))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/"+gcsTestBucket+"/"):
		e.media(w, strings.TrimPrefix(r.URL.Path, "/"+gcsTestBucket+"/"))
	default:
		gcsError(w, http.StatusNotFound, "unexpected request "+r.Method+" "+r.URL.Path)
	}
}

func (e *emulateGCS) resource(name string, o gcsObject) map[string]any {
	return map[string]any{
		"kind":           "storage#object",
		"bucket":         gcsTestBucket,
		"name":           name,
		"generation":     strconv.FormatInt(o.generation, 10),
		"metageneration": "1",
		"size":           strconv.Itoa(len(o.data)),
		"contentType":    "application/json",
	}
}

func (e *emulateGCS) media(w http.ResponseWriter, name string) {
	o, ok := e.objects[name]
	if !ok {
		gcsError(w, http.StatusNotFound, "No such object: "+name)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(o.data)))
	w.Header().Set("X-Goog-Generation", strconv.FormatInt(o.generation, 10))
	w.Header().Set("X-Goog-Metageneration", "1")
	_, _ = w.Write(o.data)
}

func (e *emulateGCS) upload(w http.ResponseWriter, r *http.Request) {
	e.uploads++
	q := r.URL.Query()
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var meta struct {
		Name string `json:"name"`
	}
	part, err := mr.NextPart()
	if err == nil {
		err = json.NewDecoder(part).Decode(&meta)
	}
	if err != nil {
		gcsError(w, http.StatusBadRequest, "metadata: "+err.Error())
		return
	}
	part, err = mr.NextPart()
	if err != nil {
		gcsError(w, http.StatusBadRequest, "media: "+err.Error())
		return
	}
	data, _ := io.ReadAll(part)
	name := meta.Name
	if name == "" {
		name = q.Get("name")
	}

	cur, exists := e.objects[name]
	if s := q.Get("ifGenerationMatch"); s != "" {
		want, _ := strconv.ParseInt(s, 10, 64)
		if (want == 0 && exists) || (want != 0 && (!exists || cur.generation != want)) {
			gcsError(w, http.StatusPreconditionFailed, "At least one of the pre-conditions you specified did not hold.")
			return
		}
	}
	e.gen++
	o := gcsObject{data: data, generation: e.gen}
	e.objects[name] = o
	writeJSON(w, e.resource(name, o))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func gcsError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

func newGCSBackend(t *testing.T, prefix string) (*GCS, *emulateGCS) {
	t.Helper()
	e := &emulateGCS{objects: make(map[string]gcsObject), gen: 1000}
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewGCS(client, gcsTestBucket, prefix), e
}

func TestGCSCAS(t *testing.T) {
	g, _ := newGCSBackend(t, "")
	exerciseCAS(t, g)
}

func TestGCSGenerationIsRevision(t *testing.T) {
	g, e := newGCSBackend(t, "team")
	ctx := context.Background()

	rev, err := g.Upload(ctx, "/notes/d.json", []byte(`{"v":1}`), Match(""))
	require.NoError(t, err)

	e.mu.Lock()
	stored, ok := e.objects["team/notes/d.json"]
	e.mu.Unlock()
	require.True(t, ok, "object not stored under the prefix")
	require.Equal(t, strconv.FormatInt(stored.generation, 10), rev)

	o, err := g.Download(ctx, "/notes/d.json")
	require.NoError(t, err)
	require.Equal(t, rev, o.Revision)
	require.JSONEq(t, `{"v":1}`, string(o.Content))
}

func TestGCSPreconditionFailureIsConflict(t *testing.T) {
	g, _ := newGCSBackend(t, "")
	ctx := context.Background()

	rev, err := g.Upload(ctx, "/d.json", []byte(`{"v":1}`), Match(""))
	require.NoError(t, err)
	_, err = g.Upload(ctx, "/d.json", []byte(`{"v":2}`), Match(rev))
	require.NoError(t, err)

	_, err = g.Upload(ctx, "/d.json", []byte(`{"v":3}`), Match(rev))
	var conflict *docerrors.ConflictError
	require.True(t, errors.As(err, &conflict), "stale generation: got %v", err)
	require.Equal(t, "/d.json", conflict.Path)
	require.Equal(t, rev, conflict.Expected)
}

func TestGCSMalformedRevision(t *testing.T) {
	g, e := newGCSBackend(t, "")
	ctx := context.Background()

	for _, rev := range []string{"etag-1", "0", "-5"} {
		_, err := g.Upload(ctx, "/d.json", []byte(`{}`), PutOptions{Mode: IfRevision, Revision: rev})
		require.True(t, errors.Is(err, docerrors.ErrConflict), "revision %q: got %v", rev, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	require.Zero(t, e.uploads, "malformed revisions must not reach the bucket")
}
