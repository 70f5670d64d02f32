package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

// S3Client is the subset of the S3 API the backend needs.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3 implements Backend on an S3 bucket. The object ETag is the revision and
// conditional writes use If-Match / If-None-Match.
type S3 struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3 returns an S3 backend using client.
func NewS3(client S3Client, bucket, prefix string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("docsync: s3 bucket is required")
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}, nil
}

// NewS3FromConfig builds the client from the default AWS config chain.
// Region can be empty to use the chain's region.
func NewS3FromConfig(ctx context.Context, bucket, prefix, region string) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewS3(s3.NewFromConfig(cfg), bucket, prefix)
}

func s3Code(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isS3NotFound(err error) bool {
	switch s3Code(err) {
	case "NotFound", "NoSuchKey":
		return true
	}
	return false
}

func isS3PreconditionFailed(err error) bool {
	switch s3Code(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

// Download implements Backend.
func (s *S3) Download(ctx context.Context, path string) (Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Object{}, docerrors.ErrNotFound
		}
		return Object{}, err
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, err
	}
	return Object{Content: b, Revision: aws.ToString(out.ETag)}, nil
}

// Upload implements Backend.
func (s *S3) Upload(ctx context.Context, path string, content []byte, opts PutOptions) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(s.prefix, path)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/json"),
	}
	switch opts.Mode {
	case CreateOnly:
		in.IfNoneMatch = aws.String("*")
	case IfRevision:
		in.IfMatch = aws.String(opts.Revision)
	}
	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		if isS3PreconditionFailed(err) {
			return "", &docerrors.ConflictError{Path: path, Expected: opts.Revision}
		}
		if opts.Mode == IfRevision && isS3NotFound(err) {
			return "", &docerrors.ConflictError{Path: path, Expected: opts.Revision}
		}
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// Metadata implements Backend.
func (s *S3) Metadata(ctx context.Context, path string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", docerrors.ErrNotFound
		}
		return "", err
	}
	return aws.ToString(out.ETag), nil
}
