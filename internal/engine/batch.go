package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"

	"github.com/gezibash/arc-nosql/internal/observability"
	"github.com/gezibash/arc-nosql/internal/table"
)

// ChunkError reports a failed batch request. Keys in other chunks may have
// been deleted.
type ChunkError struct {
	Index int
	Size  int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (%d keys): %v", e.Index, e.Size, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Chunks splits keys into consecutive slices of at most size keys.
func Chunks(keys []table.Key, size int) [][]table.Key {
	if size <= 0 {
		size = table.DefaultBatchLimit
	}
	var out [][]table.Key
	for len(keys) > 0 {
		n := min(size, len(keys))
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}

// DeleteMany deletes keys in chunks of the backend's batch limit, one
// request at a time. Every chunk is attempted; failures are returned
// joined as *ChunkError values. Nothing is rolled back.
func DeleteMany(ctx context.Context, b table.Backend, tableName string, keys []table.Key, m *observability.Metrics) error {
	var errs []error
	for i, chunk := range Chunks(keys, b.BatchLimit()) {
		if err := nosqlerrors.Checkpoint(ctx); err != nil {
			return errors.Join(append(errs, err)...)
		}
		err := b.BatchDelete(ctx, tableName, chunk)
		m.ObserveChunk(tableName, err)
		if err != nil {
			errs = append(errs, &ChunkError{Index: i, Size: len(chunk), Err: nosqlerrors.Provider("batch delete", err)})
		}
	}
	return errors.Join(errs...)
}

// Erase deletes every item in the table, one item at a time, and returns
// how many were deleted. before, when set, runs ahead of each delete and
// aborts the erase on error.
func Erase(ctx context.Context, b table.Backend, schema *table.Schema, before func(context.Context, table.Item) error) (int, error) {
	in := &table.ScanInput{Table: schema.Table}
	deleted := 0
	for {
		if err := nosqlerrors.Checkpoint(ctx); err != nil {
			return deleted, err
		}
		page, err := b.Scan(ctx, in)
		if err != nil {
			return deleted, nosqlerrors.Provider("scan", err)
		}
		for _, item := range page.Items {
			key, err := schema.KeyOf(item)
			if err != nil {
				return deleted, err
			}
			if before != nil {
				if err := before(ctx, item); err != nil {
					return deleted, err
				}
			}
			if err := b.DeleteItem(ctx, schema.Table, key); err != nil {
				return deleted, nosqlerrors.Provider("delete", err)
			}
			deleted++
		}
		if len(page.LastKey) == 0 {
			return deleted, nil
		}
		in.StartKey = page.LastKey
	}
}

// ContentID returns the hex SHA-256 of b.
func ContentID(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
