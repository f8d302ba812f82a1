package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"github.com/drummonds/docpages/database"
	"google.golang.org/api/googleapi"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore uses application default credentials
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET environment variable must be set")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (s *GCSStore) Type() database.StorageType { return database.StorageGCS }

func (s *GCSStore) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads only if the object does not already exist. Keys are deterministic per page,
// so an existing object is the result of an earlier attempt and is kept.
func (s *GCSStore) Put(ctx context.Context, data []byte, contentType string, scope Scope) (database.StorageType, string, error) {
	key, err := scope.Key()
	if err != nil {
		return "", "", err
	}
	objectName := s.objectName(key)

	writer := s.bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			Logger.Info("Skipping upload, object already exists", "object", objectName)
			return database.StorageGCS, key, nil
		}
		return "", "", fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			Logger.Info("Skipping upload, object already exists", "object", objectName)
			return database.StorageGCS, key, nil
		}
		return "", "", fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return database.StorageGCS, key, nil
}

// Get downloads an object
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	reader, err := s.bucket.Object(s.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", key, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// Delete removes an object
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := s.bucket.Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %s: %w", key, err)
	}
	return nil
}

// Close releases the storage client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
