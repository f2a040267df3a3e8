package storage

import (
	"context"
	"io"
	"net/url"
	"strings"
)

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	Bucket() string
	// URL returns the address under which the object is served.
	URL(key string) string
}

// Storage wraps an ObjectStorage backend with a stable API.
type Storage struct {
	backend       ObjectStorage
	publicBaseURL string
}

// NewStorage constructs a Storage wrapper for the provided backend.
func NewStorage(backend ObjectStorage) *Storage {
	return &Storage{backend: backend}
}

// WithPublicBaseURL serves object URLs from base (for example a CDN) instead
// of the backend's own address.
func (s *Storage) WithPublicBaseURL(base string) *Storage {
	s.publicBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	return s
}

// EnsureBucket ensures the configured bucket exists.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Put uploads an object to the configured bucket.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return s.backend.Put(ctx, key, r, size, contentType)
}

// Delete removes an object from the configured bucket.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

// URL returns the address recorded for key, rooted at the public base URL
// when one is set.
func (s *Storage) URL(key string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + escapeKey(key)
	}
	return s.backend.URL(key)
}

func escapeKey(key string) string {
	parts := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func objectURL(scheme, host, bucket, key string) string {
	return scheme + "://" + host + "/" + url.PathEscape(bucket) + "/" + escapeKey(key)
}
