// Package objectstore provides the narrow object-store interface consumed
// by the Artifact Pipeline (spec §6), with a production S3 backend and a
// local-filesystem backend for development and tests.
package objectstore

import (
	"context"
	"time"
)

// UploadOpts carries the optional metadata attached to an uploaded object.
type UploadOpts struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes an object's stored attributes, returned by GetInfo.
type Info struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the object-store interface consumed by pkg/artifact (spec §6:
// "Upload(key, bytes, {contentType, metadata})", "Delete(key)",
// "GetSignedUrl(key, ttlSec) -> url", "Exists(key) -> bool",
// "GetInfo(key) -> {key, size, lastModified} | null").
type Store interface {
	Upload(ctx context.Context, key string, data []byte, opts UploadOpts) error
	Delete(ctx context.Context, key string) error
	GetSignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	GetInfo(ctx context.Context, key string) (*Info, error)
}
