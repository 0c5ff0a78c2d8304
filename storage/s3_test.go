package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const s3ErrorBody = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>%s</Code><Message>%s</Message><Key>%s</Key><BucketName>media</BucketName><RequestId>1</RequestId><HostId>1</HostId></Error>`

const s3ListBody = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>media</Name><Prefix></Prefix><KeyCount>2</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>
<Contents><Key>movies/heat.mkv</Key><LastModified>2024-01-01T00:00:00.000Z</LastModified><ETag>"a"</ETag><Size>1500</Size><StorageClass>STANDARD</StorageClass></Contents>
<Contents><Key>shows/dark-s01e01.mkv</Key><LastModified>2024-01-02T00:00:00.000Z</LastModified><ETag>"b"</ETag><Size>500</Size><StorageClass>STANDARD</StorageClass></Contents>
</ListBucketResult>`

func writeS3Error(w http.ResponseWriter, r *http.Request, status int, code, key string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		fmt.Fprintf(w, s3ErrorBody, code, code, key)
	}
}

func newS3Server(t *testing.T) *S3 {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/media/" || r.URL.Path == "/media":
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, s3ListBody)
		case r.URL.Path == "/media/present.mkv" && (r.Method == http.MethodHead || r.Method == http.MethodGet):
			w.Header().Set("Content-Length", "4")
			w.Header().Set("Content-Type", "video/x-matroska")
			w.Header().Set("Last-Modified", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
			w.Header().Set("ETag", `"present"`)
			if r.Method == http.MethodGet {
				fmt.Fprint(w, "mkv!")
			}
		case r.URL.Path == "/media/locked.mkv":
			writeS3Error(w, r, http.StatusForbidden, "AccessDenied", "locked.mkv")
		default:
			writeS3Error(w, r, http.StatusNotFound, "NoSuchKey", strings.TrimPrefix(r.URL.Path, "/media/"))
		}
	}))
	t.Cleanup(srv.Close)

	s, err := NewS3("Remote", S3Options{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Bucket:    "media",
		Region:    "us-east-1",
		AccessKey: "access",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	return s
}

func TestS3MissingObject(t *testing.T) {
	s := newS3Server(t)
	ctx := context.Background()

	assert.NoError(t, s.Delete(ctx, "missing.mkv"))

	_, err := s.Get(ctx, "missing.mkv")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.SignedURL(ctx, "missing.mkv", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3DeleteKeepsOtherErrors(t *testing.T) {
	s := newS3Server(t)

	err := s.Delete(context.Background(), "locked.mkv")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "media/locked.mkv")
}

func TestS3SignedURL(t *testing.T) {
	s := newS3Server(t)

	u, err := s.SignedURL(context.Background(), "present.mkv", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, u, "/media/present.mkv")
	assert.Contains(t, u, "X-Amz-Signature=")
	assert.Contains(t, u, "response-content-disposition=")
}

func TestS3TotalStoredBytes(t *testing.T) {
	s := newS3Server(t)

	total, err := s.TotalStoredBytes(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2000, total)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: http.StatusNotFound}))
	assert.True(t, isNotFound(fmt.Errorf("stat: %w", minio.ErrorResponse{Code: "NoSuchKey"})))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}))
	assert.False(t, isNotFound(context.DeadlineExceeded))
}
