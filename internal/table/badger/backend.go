// Package badger provides a BadgerDB-backed table backend.
package badger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-nosql/internal/storage"
	"github.com/gezibash/arc-nosql/internal/table"
	"github.com/gezibash/arc-nosql/internal/table/emulated"
)

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyMemTableSize     = "mem_table_size"
	KeyInMemory         = "in_memory"
	KeyConflictRetries  = "conflict_retries"
)

func init() {
	table.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arc-nosql/tables",
		KeySyncWrites:       "false",
		KeyValueLogFileSize: strconv.FormatInt(1<<28, 10),
		KeyMemTableSize:     strconv.FormatInt(64<<20, 10),
		KeyInMemory:         "false",
		KeyConflictRetries:  "64",
	}
}

// NewFactory creates a new BadgerDB table backend.
func NewFactory(_ context.Context, config storage.Config) (table.Backend, error) {
	inMemory, err := config.Bool(KeyInMemory, false)
	if err != nil {
		return nil, err
	}
	retries, err := config.Int(KeyConflictRetries, 64)
	if err != nil {
		return nil, err
	}
	memTableSize, err := config.Int(KeyMemTableSize, 64<<20)
	if err != nil {
		return nil, err
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path, err := config.Path(KeyPath, "")
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, storage.NewConfigError(config.Backend(), KeyPath, "failed to create directory").WithCause(err)
		}
		syncWrites, err := config.Bool(KeySyncWrites, false)
		if err != nil {
			return nil, err
		}
		valueLogFileSize, err := config.Int(KeyValueLogFileSize, 1<<28)
		if err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(syncWrites)
		if valueLogFileSize > 0 {
			opts.ValueLogFileSize = int64(valueLogFileSize)
		}
	}
	opts.Logger = nil
	if memTableSize > 0 {
		opts.MemTableSize = int64(memTableSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigError(config.Backend(), KeyPath, "failed to open database").WithCause(err)
	}

	slog.Info("badger table backend initialized", "backend", config.Backend(), "in_memory", inMemory)
	kv := NewKV(db, retries)
	engine, err := emulated.New(config.Backend(), kv, config)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return engine, nil
}

// KV adapts a BadgerDB instance to emulated.KV.
type KV struct {
	db      *badger.DB
	retries int
}

// NewKV wraps db. Update retries transaction conflicts up to retries times.
func NewKV(db *badger.DB, retries int) *KV {
	return &KV{db: db, retries: retries}
}

func (k *KV) View(ctx context.Context, fn func(r emulated.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.db.View(func(txn *badger.Txn) error {
		return fn(&txnAdapter{txn: txn})
	})
}

func (k *KV) Update(ctx context.Context, fn func(tx emulated.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := k.db.Update(func(txn *badger.Txn) error {
			return fn(&txnAdapter{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) || attempt >= k.retries {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Microsecond)
	}
}

func (k *KV) Close() error {
	return k.db.Close()
}

type txnAdapter struct {
	txn *badger.Txn
}

func (t *txnAdapter) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *txnAdapter) Set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *txnAdapter) Delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *txnAdapter) Iterate(prefix, from []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := t.txn.NewIterator(opts)
	defer it.Close()

	seek := from
	if seek == nil {
		seek = prefix
		if reverse {
			seek = append(bytes.Clone(prefix), bytes.Repeat([]byte{0xFF}, 32)...)
		}
	}

	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(item.KeyCopy(nil), value)
		if err != nil || !more {
			return err
		}
	}
	return nil
}
