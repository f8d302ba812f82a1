package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drummonds/docpages/database"
)

// ErrNotExist is returned by Get for a key with no blob
var ErrNotExist = errors.New("blob does not exist")

// LocalStore keeps blobs under a directory on the local filesystem
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates the directory if needed
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("local blob store needs a directory")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (s *LocalStore) Type() database.StorageType { return database.StorageLocal }

// Put writes data at the scope's key, replacing any previous blob
func (s *LocalStore) Put(ctx context.Context, data []byte, contentType string, scope Scope) (database.StorageType, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	key, err := scope.Key()
	if err != nil {
		return "", "", err
	}

	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", "", fmt.Errorf("mkdir: %w", err)
	}
	// write then rename so readers never see a partial file
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write body: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("rename: %w", err)
	}
	Logger.Debug("Stored local blob", "key", key, "bytes", len(data), "contentType", contentType)
	return database.StorageLocal, key, nil
}

// Get reads a stored blob
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.Clean(filepath.FromSlash(key))))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

// Delete removes a stored blob
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.baseDir, filepath.Clean(filepath.FromSlash(key))))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Close is a no-op, files are not held open between calls
func (s *LocalStore) Close() error {
	return nil
}
