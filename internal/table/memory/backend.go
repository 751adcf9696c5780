// Package memory provides an in-memory table backend for tests and local runs.
package memory

import (
	"context"

	"github.com/gezibash/arc-nosql/internal/storage"
	"github.com/gezibash/arc-nosql/internal/table"
	"github.com/gezibash/arc-nosql/internal/table/badger"
)

func init() {
	table.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{
		badger.KeyInMemory:     "true",
		badger.KeyMemTableSize: "8388608",
	}
}

// NewFactory creates a new in-memory backend using BadgerDB's in-memory mode.
func NewFactory(ctx context.Context, config storage.Config) (table.Backend, error) {
	values := storage.MergeConfig(config.Values(), map[string]string{badger.KeyInMemory: "true"})
	return badger.NewFactory(ctx, storage.NewConfig(config.Backend(), values))
}
