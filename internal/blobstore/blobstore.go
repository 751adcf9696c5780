package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gezibash/arc-nosql/internal/observability"
)

// ErrIntegrityMismatch indicates stored data doesn't match the digest it
// was written with.
var ErrIntegrityMismatch = errors.New("blob integrity mismatch")

// BlobStore wraps a Backend with instrumentation and integrity checks.
type BlobStore struct {
	backend Backend
	metrics *observability.Metrics
}

// New creates a new BlobStore with the given backend.
func New(backend Backend, metrics *observability.Metrics) *BlobStore {
	return &BlobStore{
		backend: backend,
		metrics: metrics,
	}
}

// Digest returns the SHA-256 of data.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Store writes data under key.
func (s *BlobStore) Store(ctx context.Context, key string, data []byte) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "blobstore.store")
	defer func() { op.End(err) }()

	if key == "" {
		return errors.New("store blob: empty key")
	}
	if err = s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store blob: %w", err)
	}
	slog.DebugContext(ctx, "blob stored", "key", key, "size_bytes", len(data))
	return nil
}

// Fetch reads the blob under key. When digest is non-nil the data must
// hash to it. Returns ErrNotFound if the blob does not exist.
func (s *BlobStore) Fetch(ctx context.Context, key string, digest []byte) (data []byte, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "blobstore.fetch")
	defer func() { op.End(err) }()

	data, err = s.backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch blob %s: %w", key, err)
	}
	if digest != nil && string(Digest(data)) != string(digest) {
		return nil, fmt.Errorf("%w: %s", ErrIntegrityMismatch, key)
	}
	return data, nil
}

// Delete removes the blob under key. Idempotent.
func (s *BlobStore) Delete(ctx context.Context, key string) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "blobstore.delete")
	defer func() { op.End(err) }()

	if err = s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Close releases resources associated with the BlobStore.
func (s *BlobStore) Close() error {
	slog.Info("closing blobstore")
	return s.backend.Close()
}
