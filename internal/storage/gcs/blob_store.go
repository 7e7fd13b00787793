// Package gcs stores run artifacts in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// BlobStore writes objects into a fixed bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New builds a client bound to bucket.
func New(ctx context.Context, bucket string) (*BlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

// PutObject uploads data to path in the bucket and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, path, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close gs://%s/%s: %w", s.bucket, path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Close releases the client.
func (s *BlobStore) Close() error { return s.client.Close() }
