// Package node opens the configured backends and the three stores on them.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/gezibash/arc-nosql/internal/blobstore"
	"github.com/gezibash/arc-nosql/internal/config"
	"github.com/gezibash/arc-nosql/internal/eventlog"
	"github.com/gezibash/arc-nosql/internal/messagestore"
	"github.com/gezibash/arc-nosql/internal/observability"
	"github.com/gezibash/arc-nosql/internal/table"
	"github.com/gezibash/arc-nosql/internal/taskstore"

	// Register table backends
	_ "github.com/gezibash/arc-nosql/internal/table/badger"
	_ "github.com/gezibash/arc-nosql/internal/table/dynamodb"
	_ "github.com/gezibash/arc-nosql/internal/table/memory"
	_ "github.com/gezibash/arc-nosql/internal/table/redis"
	_ "github.com/gezibash/arc-nosql/internal/table/sqlite"

	// Register blob backends
	_ "github.com/gezibash/arc-nosql/internal/blobstore/badger"
	_ "github.com/gezibash/arc-nosql/internal/blobstore/fs"
	_ "github.com/gezibash/arc-nosql/internal/blobstore/memory"
	_ "github.com/gezibash/arc-nosql/internal/blobstore/s3"
)

// Node holds the opened stores.
type Node struct {
	Events   *eventlog.Log
	Messages *messagestore.Store
	Tasks    *taskstore.Store
}

// NewBlobStore creates the payload spill store, or returns nil when no blob
// backend is configured.
func NewBlobStore(ctx context.Context, cfg *config.BackendConfig, metrics *observability.Metrics) (*blobstore.BlobStore, error) {
	if cfg.Backend == "" {
		return nil, nil
	}
	backend, err := blobstore.NewBackend(ctx, cfg.Backend, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("create blob backend: %w", err)
	}
	return blobstore.New(backend, metrics), nil
}

// Open creates one table backend, shares it between the stores and opens
// each store, provisioning tables as needed.
func Open(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (*Node, error) {
	backend, err := table.New(ctx, cfg.Storage.Table.Backend, cfg.Storage.Table.Config, metrics)
	if err != nil {
		return nil, fmt.Errorf("create table backend: %w", err)
	}
	blobs, err := NewBlobStore(ctx, &cfg.Storage.Blob, metrics)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	handles := Share(backend, 3)
	n := &Node{
		Events: eventlog.New(handles[0], eventlog.Options{Table: cfg.Stores.Events, Metrics: metrics}),
		Messages: messagestore.New(handles[1], messagestore.Options{
			Table:       cfg.Stores.Messages,
			InlineLimit: cfg.Messages.InlineLimit,
			Blobs:       blobs,
			Metrics:     metrics,
		}),
		Tasks: taskstore.New(handles[2], taskstore.Options{Table: cfg.Stores.Tasks, Metrics: metrics}),
	}

	opens := []func(context.Context) error{n.Events.Open, n.Messages.Open, n.Tasks.Open}
	for _, open := range opens {
		if err := open(ctx); err != nil {
			return nil, errors.Join(err, n.Close())
		}
	}
	return n, nil
}

// Close closes every store. The shared backend closes with the last one.
func (n *Node) Close() error {
	return errors.Join(n.Events.Close(), n.Messages.Close(), n.Tasks.Close())
}
