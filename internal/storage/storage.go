// Package storage defines the Storage interface and common types for the
// backends that archive scan uploads and hold DOCX templates.
//
// New backends are added by implementing the Storage interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (Storage, error) {
//	        return New(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
// This means adding a new backend requires no changes to the factory or main
// package, only a blank import in cmd/server/main.go.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get, Stat, and SignedURL when no object exists
// at the requested key. Backends translate their native not-found errors so
// callers never have to inspect cloud SDK error types.
var ErrNotFound = errors.New("storage: object not found")

// Storage is implemented by every archive backend. Keys are forward-slash
// paths relative to the backend's configured root (bucket, container, or
// base directory).
type Storage interface {
	// Put stores an object at key, overwriting any existing object. The scan
	// archive relies on the overwrite behavior: archive keys are derived
	// from the document id, so retrying an intake writes the same key again
	// instead of leaking a duplicate object.
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (*ObjectInfo, error)

	// Get opens the object at key for reading. Returns ErrNotFound if the
	// object does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a URL from which the object can be fetched directly,
	// valid for at least ttl. Cloud backends sign the URL; the local backend
	// returns an API-served path.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns the stored metadata for the object at key without
	// reading its content. Returns ErrNotFound if the object does not exist.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}

// PutOptions carries the document metadata persisted alongside an archived
// object. Cloud backends store these as native object metadata; the local
// backend writes a sidecar file.
type PutOptions struct {
	// ContentType of the object, e.g. "image/png" for a scan or the DOCX
	// media type for a rendered document.
	ContentType string

	// SHA256 is the hex checksum of the content, computed by the caller
	// before archiving. When empty the backend computes it during the write.
	SHA256 string

	// Filename is the original upload filename, kept for download headers.
	Filename string

	// ArchivedBy identifies the principal that submitted the object.
	ArchivedBy string
}

// ObjectInfo describes a stored object and its document metadata.
type ObjectInfo struct {
	Key          string
	Size         int64
	SHA256       string
	ContentType  string
	Filename     string
	ArchivedBy   string
	LastModified time.Time
}
