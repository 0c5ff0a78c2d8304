package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	_ Backend = &S3{}
	_ Signer  = &S3{}
)

type S3Options struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3 stores blobs in one bucket of an S3-compatible service.
type S3 struct {
	name   string
	bucket string
	c      *minio.Client
}

func NewS3(name string, o S3Options) (*S3, error) {
	c, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: o.UseSSL,
		Region: o.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client for %s: %w", name, err)
	}
	return &S3{name: name, bucket: o.Bucket, c: c}, nil
}

func (s *S3) Name() string   { return s.name }
func (s *S3) Kind() Kind     { return KindS3 }
func (s *S3) Bucket() string { return s.bucket }

func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.c.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) (Object, error) {
	obj, err := s.c.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap(key, err)
	}
	// GetObject is lazy; Stat performs the request
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, s.wrap(key, err)
	}
	return &s3Object{Object: obj, size: info.Size, mod: info.LastModified}, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	err := s.c.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3) TotalStoredBytes(ctx context.Context) (int64, error) {
	var total int64
	for obj := range s.c.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return 0, fmt.Errorf("list %s: %w", s.bucket, obj.Err)
		}
		total += obj.Size
	}
	return total, nil
}

func (s *S3) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if _, err := s.c.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return "", s.wrap(key, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("inline; filename=%q", path.Base(key)))
	u, err := s.c.PresignedGetObject(ctx, s.bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", s.bucket, key, err)
	}
	return u.String(), nil
}

func (s *S3) wrap(key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s/%s: %w", s.bucket, key, ErrNotFound)
	}
	return fmt.Errorf("%s/%s: %w", s.bucket, key, err)
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
	}
	return false
}

type s3Object struct {
	*minio.Object
	size int64
	mod  time.Time
}

func (o *s3Object) Size() int64        { return o.size }
func (o *s3Object) ModTime() time.Time { return o.mod }
