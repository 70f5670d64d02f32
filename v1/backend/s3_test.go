package backend

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

// emulateS3Client keeps objects in memory and honours the conditional headers.
type emulateS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	seq     int
	keys    []string
}

func newEmulateS3Client() *emulateS3Client {
	return &emulateS3Client{objects: make(map[string][]byte), etags: make(map[string]string)}
}

func (m *emulateS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, *params.Key)
	b, ok := m.objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader(string(b))),
		ETag: aws.String(m.etags[*params.Key]),
	}, nil
}

func (m *emulateS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	buf, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, *params.Key)
	cur, exists := m.etags[*params.Key]
	if params.IfNoneMatch != nil && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	if params.IfMatch != nil {
		if !exists {
			return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
		}
		if cur != *params.IfMatch {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag mismatch"}
		}
	}
	m.seq++
	etag := fmt.Sprintf("\"etag-%d\"", m.seq)
	m.objects[*params.Key] = buf
	m.etags[*params.Key] = etag
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (m *emulateS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	etag, ok := m.etags[*params.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ETag: aws.String(etag)}, nil
}

func TestS3CAS(t *testing.T) {
	client := newEmulateS3Client()
	b, err := NewS3(client, "bucket", "docs")
	require.NoError(t, err)
	exerciseCAS(t, b)
	require.Contains(t, client.keys, "docs/d.json")
}

func TestS3RequiresBucket(t *testing.T) {
	_, err := NewS3(newEmulateS3Client(), "", "")
	require.Error(t, err)
}
