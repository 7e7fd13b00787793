// Package local stores run artifacts on the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BlobStore writes objects under a base directory and returns file:// URIs.
type BlobStore struct {
	baseDir string
}

// New creates the base directory if needed.
func New(baseDir string) (*BlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", baseDir, err)
	}
	return &BlobStore{baseDir: baseDir}, nil
}

// PutObject writes data to path under the base directory.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	full := filepath.Join(s.baseDir, filepath.Clean(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", full, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", full, err)
	}
	return "file://" + full, nil
}
