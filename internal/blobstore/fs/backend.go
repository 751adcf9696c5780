// Package fs stores spilled payloads as files under one directory.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gezibash/arc-nosql/internal/blobstore"
	"github.com/gezibash/arc-nosql/internal/storage"
)

const (
	KeyPath            = "path"
	KeyDirPermissions  = "dir_permissions"
	KeyFilePermissions = "file_permissions"
)

const tempPrefix = ".tmp-"

func init() {
	blobstore.Register("fs", NewFactory, Defaults)
}

func Defaults() map[string]string {
	return map[string]string{
		KeyPath:            "~/.arc-nosql/blobs",
		KeyDirPermissions:  "0700",
		KeyFilePermissions: "0600",
	}
}

func NewFactory(_ context.Context, config storage.Config) (blobstore.Backend, error) {
	dir, err := config.Path(KeyPath, "")
	if err != nil {
		return nil, err
	}
	dirPerm, err := config.FileMode(KeyDirPermissions, 0o700)
	if err != nil {
		return nil, err
	}
	filePerm, err := config.FileMode(KeyFilePermissions, 0o600)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, storage.NewConfigError(config.Backend(), KeyPath, "failed to create directory").WithValue(dir).WithCause(err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, storage.NewConfigError(config.Backend(), KeyPath, "failed to open directory").WithValue(dir).WithCause(err)
	}

	slog.Info("fs blob backend initialized", "path", dir, "dir_permissions", fmt.Sprintf("%04o", dirPerm), "file_permissions", fmt.Sprintf("%04o", filePerm))
	return &Backend{root: root, dir: dir, dirPerm: dirPerm, filePerm: filePerm}, nil
}

// Backend keeps each blob in a file named by the SHA-256 of its key and
// sharded by the first hash byte: <dir>/ab/abcd.... Every operation goes
// through an os.Root, so nothing outside dir is ever touched.
type Backend struct {
	root     *os.Root
	dir      string
	dirPerm  os.FileMode
	filePerm os.FileMode
	closed   atomic.Bool
}

// relPath returns the blob's path relative to the root.
func relPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(name[:2], name)
}

// blobPath returns the blob's absolute path.
func (b *Backend) blobPath(key string) string {
	return filepath.Join(b.dir, relPath(key))
}

// Put writes a temp file in the shard and renames it into place, so readers
// see either the old blob or the new one.
func (b *Backend) Put(_ context.Context, key string, data []byte) error {
	if b.closed.Load() {
		return blobstore.ErrClosed
	}
	rel := relPath(key)
	shard := filepath.Dir(rel)
	if err := b.root.MkdirAll(shard, b.dirPerm); err != nil {
		return fmt.Errorf("fs put: %w", err)
	}

	tmp := filepath.Join(shard, tempPrefix+uuid.NewString())
	if err := b.writeTemp(tmp, data); err != nil {
		_ = b.root.Remove(tmp)
		return fmt.Errorf("fs put: %w", err)
	}
	if err := b.root.Rename(tmp, rel); err != nil {
		_ = b.root.Remove(tmp)
		return fmt.Errorf("fs put: %w", err)
	}
	return nil
}

func (b *Backend) writeTemp(name string, data []byte) error {
	f, err := b.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, b.filePerm)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	if err := errors.Join(werr, f.Close()); err != nil {
		return err
	}
	// The umask may have narrowed the mode requested at creation.
	return b.root.Chmod(name, b.filePerm)
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, blobstore.ErrClosed
	}
	data, err := b.root.ReadFile(relPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fs get: %w", err)
	}
	return data, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	if b.closed.Load() {
		return blobstore.ErrClosed
	}
	if err := b.root.Remove(relPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fs delete: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.root.Close()
}
