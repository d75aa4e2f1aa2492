// Package storage persists binary artifacts produced during conversations,
// chiefly provider-generated images. Image URLs returned by generation APIs
// expire shortly after creation, so the orchestrator archives a copy into a
// BlobStore and records the store's stable URL instead.
package storage

import (
	"context"
	"io"
)

// BlobStore is a minimal interface for content-addressed binary storage.
//
// Keys are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Put writes the full contents of r under key, overwriting any
	// existing blob. contentType may be empty.
	Put(ctx context.Context, key, contentType string, r io.Reader) error

	// Open opens the blob under key for reading.
	// The caller must close the returned ReadCloser when done.
	// If the blob does not exist, an error wrapping os.ErrNotExist is returned.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob under key.
	// If the blob does not exist, Delete returns nil (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists reports whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// URL returns the public URL at which the blob under key is served.
	// It does not check that the blob exists.
	URL(key string) string
}
