// Package memory registers the "memory" blob backend: the badger backend
// forced into in-memory mode. Blobs vanish on Close.
package memory

import (
	"context"
	"maps"

	"github.com/gezibash/arc-nosql/internal/blobstore"
	"github.com/gezibash/arc-nosql/internal/blobstore/badger"
	"github.com/gezibash/arc-nosql/internal/storage"
)

func init() {
	blobstore.Register("memory", NewFactory, Defaults)
}

func Defaults() map[string]string {
	d := badger.Defaults()
	d[badger.KeyInMemory] = "true"
	return d
}

func NewFactory(ctx context.Context, config storage.Config) (blobstore.Backend, error) {
	values := maps.Clone(config.Values())
	values[badger.KeyInMemory] = "true"
	return badger.NewFactory(ctx, storage.NewConfig(config.Backend(), values))
}
