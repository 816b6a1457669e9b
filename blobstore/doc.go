// Package blobstore provides storage abstraction for durable checkpoint data.
//
// Store is the interface the checkpoint file manager writes versions through.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with atomic rename-based writes
//   - MemoryStore: in-memory store for tests
//   - s3.Store: Amazon S3 with parallel multipart uploads
//   - minio.Store: MinIO and other S3-compatible object stores
//
// # Custom Implementations
//
// Implement the Store interface to support custom storage backends:
//
//	type Store interface {
//	    Put(ctx, name, r, size) error      // Replace blob contents
//	    Open(ctx, name) (io.ReadCloser, error)
//	    List(ctx, prefix) ([]string, error)
//	    Delete(ctx, name) error
//	}
package blobstore
