// Package blobstore holds message payloads too large to inline in a table
// item. Blobs are addressed by caller-chosen string keys.
package blobstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested blob was not found.
	ErrNotFound = errors.New("blob not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// Backend is the physical blob storage interface.
// All implementations must be thread-safe.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error

	// Get returns ErrNotFound when no blob is stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete is idempotent.
	Delete(ctx context.Context, key string) error

	Close() error
}
