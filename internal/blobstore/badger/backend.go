// Package badger stores spilled payloads in an embedded BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-nosql/internal/blobstore"
	"github.com/gezibash/arc-nosql/internal/storage"
)

const (
	KeyPath             = "path"
	KeyInMemory         = "in_memory"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyKeyPrefix        = "key_prefix"
)

func init() {
	blobstore.Register("badger", NewFactory, Defaults)
}

func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arc-nosql/blobs-badger",
		KeyInMemory:         "false",
		KeySyncWrites:       "false",
		KeyValueLogFileSize: strconv.Itoa(256 << 20),
		KeyKeyPrefix:        "blob/",
	}
}

func NewFactory(_ context.Context, config storage.Config) (blobstore.Backend, error) {
	opts, inMemory, err := options(config)
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigError(config.Backend(), KeyPath, "failed to open database").WithCause(err)
	}
	slog.Info("badger blob backend initialized", "backend", config.Backend(), "in_memory", inMemory, "path", opts.Dir)
	return &Backend{db: db, prefix: config.String(KeyKeyPrefix, "")}, nil
}

func options(config storage.Config) (badger.Options, bool, error) {
	inMemory, err := config.Bool(KeyInMemory, false)
	if err != nil {
		return badger.Options{}, false, err
	}
	if inMemory {
		return badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), true, nil
	}

	path, err := config.Path(KeyPath, "")
	if err != nil {
		return badger.Options{}, false, err
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return badger.Options{}, false, storage.NewConfigError(config.Backend(), KeyPath, "failed to create directory").WithValue(path).WithCause(err)
	}
	syncWrites, err := config.Bool(KeySyncWrites, false)
	if err != nil {
		return badger.Options{}, false, err
	}
	vlogSize, err := config.Int(KeyValueLogFileSize, 0)
	if err != nil {
		return badger.Options{}, false, err
	}
	opts := badger.DefaultOptions(path).WithSyncWrites(syncWrites).WithLogger(nil)
	if vlogSize > 0 {
		opts = opts.WithValueLogFileSize(int64(vlogSize))
	}
	return opts, false, nil
}

// Backend stores blob k under the badger key <prefix>k.
type Backend struct {
	db     *badger.DB
	prefix string
	closed atomic.Bool
}

func (b *Backend) key(k string) []byte { return []byte(b.prefix + k) }

func (b *Backend) Put(_ context.Context, key string, data []byte) error {
	if b.closed.Load() {
		return blobstore.ErrClosed
	}
	if err := b.db.Update(func(txn *badger.Txn) error { return txn.Set(b.key(key), data) }); err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Get(_ context.Context, key string) (data []byte, err error) {
	if b.closed.Load() {
		return nil, blobstore.ErrClosed
	}
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, blobstore.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return data, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	if b.closed.Load() {
		return blobstore.ErrClosed
	}
	if err := b.db.Update(func(txn *badger.Txn) error { return txn.Delete(b.key(key)) }); err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
