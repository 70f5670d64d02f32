package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

// GCS implements Backend on a Google Cloud Storage bucket. The object
// generation is the revision; preconditions map to generation conditions.
type GCS struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS returns a GCS backend for bucket.
func NewGCS(client *storage.Client, bucket, prefix string) *GCS {
	return &GCS{bucket: client.Bucket(bucket), prefix: prefix}
}

func isGCSPrecondition(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusPreconditionFailed
	}
	return false
}

// Download implements Backend.
func (g *GCS) Download(ctx context.Context, path string) (Object, error) {
	r, err := g.bucket.Object(objectKey(g.prefix, path)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Object{}, docerrors.ErrNotFound
		}
		return Object{}, err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return Object{}, err
	}
	return Object{Content: b, Revision: strconv.FormatInt(r.Attrs.Generation, 10)}, nil
}

// Upload implements Backend.
func (g *GCS) Upload(ctx context.Context, path string, content []byte, opts PutOptions) (string, error) {
	obj := g.bucket.Object(objectKey(g.prefix, path))
	switch opts.Mode {
	case CreateOnly:
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	case IfRevision:
		gen, err := strconv.ParseInt(opts.Revision, 10, 64)
		if err != nil || gen <= 0 {
			return "", &docerrors.ConflictError{Path: path, Expected: opts.Revision}
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		if isGCSPrecondition(err) {
			return "", &docerrors.ConflictError{Path: path, Expected: opts.Revision}
		}
		return "", err
	}
	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

// Metadata implements Backend.
func (g *GCS) Metadata(ctx context.Context, path string) (string, error) {
	attrs, err := g.bucket.Object(objectKey(g.prefix, path)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", docerrors.ErrNotFound
		}
		return "", err
	}
	return strconv.FormatInt(attrs.Generation, 10), nil
}
