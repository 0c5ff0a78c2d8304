// Package storage gives the rest of the server one view over local disk and
// S3-compatible object stores, decides where new blobs go and tracks how
// much every backend holds.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrNoBackends = errors.New("no storage backends configured")
)

type Kind string

const (
	KindLocal Kind = "local"
	KindS3    Kind = "s3"
)

// Object is an open, seekable blob.
type Object interface {
	io.ReadSeekCloser
	Size() int64
	ModTime() time.Time
}

type Backend interface {
	Name() string
	Kind() Kind
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	// Delete does not fail when the key is already gone.
	Delete(ctx context.Context, key string) error
	// TotalStoredBytes lists the whole backend. Do not call it per request.
	TotalStoredBytes(ctx context.Context) (int64, error)
}

// Signer is implemented by backends that can hand out direct download URLs.
type Signer interface {
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// NewKey returns a collision resistant key that keeps the extension of
// filename, lowercased.
func NewKey(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return uuid.NewString() + ext
}
