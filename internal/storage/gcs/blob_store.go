// Package gcs archives finished cycle artifacts (target lists and result
// files) to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

var (
	// ErrNoBucket is returned when the bucket name is blank.
	ErrNoBucket = errors.New("gcs bucket name is required")
	// ErrEmptyPath is returned for a blank object name.
	ErrEmptyPath = errors.New("object path is required")
)

// Config names the destination bucket.
type Config struct {
	Bucket string
}

// BlobStore uploads artifacts as single-request objects.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New wraps client for cfg.Bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, ErrNoBucket
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

// PutObject writes data under path and returns its gs:// URI. Artifacts are
// small, so chunking is disabled and the upload is one request.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", ErrEmptyPath
	}
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	w.Metadata = map[string]string{"producer": "tgscan"}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, path, err)
	}
	return "gs://" + s.bucket + "/" + path, nil
}

// Close releases the client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
