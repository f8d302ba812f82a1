package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// ErrInvalidKey is returned for keys that escape the store root
var ErrInvalidKey = errors.New("invalid storage key")

// Scope namespaces a blob under its team and document
type Scope struct {
	TeamID     string
	DocumentID string
	Name       string // file name within the document, may contain one level of sub path
}

// Key is the storage key for the scope, team/document/name
func (s Scope) Key() (string, error) {
	if s.TeamID == "" || s.DocumentID == "" || s.Name == "" {
		return "", fmt.Errorf("%w: team, document and name are required", ErrInvalidKey)
	}
	key := path.Join(sanitizeSegment(s.TeamID), sanitizeSegment(s.DocumentID), s.Name)
	if err := validKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// Store is the blob capability used by the pipeline, the backend is opaque to callers
type Store interface {
	Put(ctx context.Context, data []byte, contentType string, scope Scope) (database.StorageType, string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes a blob, a missing one is not an error
	Delete(ctx context.Context, key string) error
	Type() database.StorageType
	Close() error
}

// New builds the configured backend
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.BlobBackend {
	case "", "local":
		Logger.Info("Using local blob store", "dir", cfg.UploadDir)
		return NewLocalStore(cfg.UploadDir)
	case "gcs":
		Logger.Info("Using Google Cloud Storage blob store", "bucket", cfg.GCSBucket, "prefix", cfg.GCSPrefix)
		return NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

// validKey rejects absolute keys and keys that climb out of the root
func validKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	return nil
}

func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "." || s == ".." {
		return "_"
	}
	return s
}
