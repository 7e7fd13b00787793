package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jfaulkner/crawld/internal/crawler"
)

// FileStore persists patterns as a single JSON document grouped by domain,
// written atomically on every save.
type FileStore struct {
	path string

	mu       sync.Mutex
	patterns map[string]map[string]crawler.SitePattern // domain -> pattern key -> pattern
}

// NewFileStore loads the pattern file at path, tolerating a missing file.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		patterns: make(map[string]map[string]crawler.SitePattern),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read pattern file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.patterns); err != nil {
		return nil, fmt.Errorf("decode pattern file %s: %w", path, err)
	}
	return s, nil
}

// Find looks up the pattern for the URL's domain and generalized key.
func (s *FileStore) Find(_ context.Context, rawURL string) (crawler.SitePattern, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	domain := crawler.Domain(rawURL)
	byKey, ok := s.patterns[domain]
	if !ok {
		return crawler.SitePattern{}, false, nil
	}
	p, ok := byKey[crawler.PatternKey(rawURL)]
	return p, ok, nil
}

// Save stores the pattern and rewrites the file.
func (s *FileStore) Save(_ context.Context, rawURL string, pattern crawler.SitePattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	domain := crawler.Domain(rawURL)
	if s.patterns[domain] == nil {
		s.patterns[domain] = make(map[string]crawler.SitePattern)
	}
	s.patterns[domain][crawler.PatternKey(rawURL)] = pattern
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.patterns, "", "  ")
	if err != nil {
		return fmt.Errorf("encode patterns: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "patterns.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
