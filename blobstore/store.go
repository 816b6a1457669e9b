package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations must return an error that satisfies
// `errors.Is(err, ErrNotFound)`.
var ErrNotFound = errors.New("blobstore: not found")

// Store is an abstraction for the durable storage a checkpoint file manager
// writes versions to. Names use "/" as the separator regardless of backend.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes a blob under name, replacing any existing blob. size is the
	// number of bytes that will be read from r, or -1 if unknown.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Open opens the named blob for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// List returns the names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the named blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
}
