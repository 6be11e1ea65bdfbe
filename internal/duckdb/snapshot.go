package duckdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrInMemoryStore is returned by SnapshotTo for an in-memory database.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

// SnapshotTo checkpoints the database and copies its file to dstPath. The
// checkpoint runs under the write lock; the copy does not.
func (s *Store) SnapshotTo(ctx context.Context, dstPath string) error {
	if s.dbPath == "" {
		return ErrInMemoryStore
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return storageErr("snapshot", fmt.Errorf("create snapshot dir: %w", err))
	}

	s.mu.Lock()
	qctx, cancel := s.queryCtx(ctx)
	_, err := s.db.ExecContext(qctx, "CHECKPOINT")
	cancel()
	s.mu.Unlock()
	if err != nil {
		return storageErr("snapshot", fmt.Errorf("checkpoint: %w", err))
	}

	if err := copyFile(s.dbPath, dstPath); err != nil {
		return storageErr("snapshot", fmt.Errorf("copy database file: %w", err))
	}
	return nil
}

// copyFile writes dst through a temporary file so a partial copy is never
// visible under the final name.
func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstPath)
}
