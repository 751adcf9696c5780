// Package sqlite provides a SQLite-backed table backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/gezibash/arc-nosql/internal/storage"
	"github.com/gezibash/arc-nosql/internal/table"
	"github.com/gezibash/arc-nosql/internal/table/emulated"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"

	memoryPath = ":memory:"
	pageSize   = 256
)

func init() {
	table.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.arc-nosql/tables.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    k BLOB PRIMARY KEY,
    v BLOB NOT NULL
) WITHOUT ROWID;
`

// NewFactory creates a new SQLite table backend. The path ":memory:" opens
// a private in-memory database.
func NewFactory(ctx context.Context, config storage.Config) (table.Backend, error) {
	path := config.String(KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError(config.Backend(), KeyPath, "cannot be empty")
	}
	journalMode, err := config.OneOf(KeyJournalMode, "wal", "wal", "delete", "truncate", "memory")
	if err != nil {
		return nil, err
	}
	busyTimeout, err := config.Int(KeyBusyTimeout, 5000)
	if err != nil {
		return nil, err
	}

	if path != memoryPath {
		path = storage.ExpandPath(path)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, storage.NewConfigError(config.Backend(), KeyPath, "failed to create directory").WithCause(err)
		}
	} else {
		journalMode = "memory"
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout))
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", journalMode))
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigError(config.Backend(), KeyPath, "failed to open database").WithCause(err)
	}

	// One connection serializes transactions and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, storage.NewConfigError(config.Backend(), KeyPath, "failed to initialize schema").WithCause(err)
	}

	slog.Info("sqlite table backend initialized", "path", path, "journal_mode", journalMode)
	kv := &KV{db: db}
	engine, err := emulated.New(config.Backend(), kv, config)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return engine, nil
}

// KV adapts a SQLite database to emulated.KV.
type KV struct {
	db *sql.DB
}

func (k *KV) View(ctx context.Context, fn func(r emulated.Reader) error) error {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite view: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	return fn(&txnAdapter{ctx: ctx, tx: tx})
}

func (k *KV) Update(ctx context.Context, fn func(tx emulated.Txn) error) error {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite update: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&txnAdapter{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (k *KV) Close() error {
	return k.db.Close()
}

type txnAdapter struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *txnAdapter) Get(key []byte) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return v, nil
}

func (t *txnAdapter) Set(key, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

func (t *txnAdapter) Delete(key []byte) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

type row struct {
	k, v []byte
}

// Iterate reads pages of rows so that fn may issue further statements on
// the transaction between pages.
func (t *txnAdapter) Iterate(prefix, from []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	end := emulated.PrefixEnd(prefix)
	cursor := from
	inclusive := true

	for {
		rows, err := t.page(prefix, end, cursor, inclusive, reverse)
		if err != nil {
			return err
		}
		for _, r := range rows {
			more, err := fn(r.k, r.v)
			if err != nil || !more {
				return err
			}
		}
		if len(rows) < pageSize {
			return nil
		}
		cursor = rows[len(rows)-1].k
		inclusive = false
	}
}

func (t *txnAdapter) page(prefix, end, cursor []byte, inclusive, reverse bool) ([]row, error) {
	where := []string{"k >= ?"}
	args := []any{prefix}
	if end != nil {
		where = append(where, "k < ?")
		args = append(args, end)
	}
	if cursor != nil {
		switch {
		case !reverse && inclusive:
			where = append(where, "k >= ?")
		case !reverse:
			where = append(where, "k > ?")
		case inclusive:
			where = append(where, "k <= ?")
		default:
			where = append(where, "k < ?")
		}
		args = append(args, cursor)
	}
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	query := `SELECT k, v FROM kv WHERE ` + strings.Join(where, " AND ") + ` ORDER BY k ` + order + ` LIMIT ?`
	args = append(args, pageSize)

	rs, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite iterate: %w", err)
	}
	defer rs.Close()

	var out []row
	for rs.Next() {
		var r row
		if err := rs.Scan(&r.k, &r.v); err != nil {
			return nil, fmt.Errorf("sqlite iterate: %w", err)
		}
		out = append(out, r)
	}
	return out, rs.Err()
}
