// Package storage defines the blob store the conversion queue persists its
// snapshot to, the drivers that implement it, and the asynchronous adapter
// the queue actually talks to.
//
// Design principle: the queue engine only interacts with storage through the
// callback-based Async type. Drivers are plain synchronous key/value stores;
// Async moves their I/O off the caller's logical thread and posts the
// completion back onto it.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no blob is stored under a key.
var ErrNotFound = errors.New("storage: not found")

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("storage: closed")

// Blobs is a synchronous key/value blob store.
//
// Implementations:
//   - BoltStore: bbolt file, one bucket (default)
//   - FileStore: one JSON file per key, atomic rename
//   - SQLiteStore: single table in a SQLite database
//   - RedisStore: string keys under a prefix
//
// All methods must be safe for concurrent use.
type Blobs interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying handles.
	Close() error
}
