// Package patterns stores learned per-site crawl configuration, keyed by
// domain and generalized URL pattern.
package patterns

import (
	"context"
	"sync"

	"github.com/jfaulkner/crawld/internal/crawler"
)

// MemoryStore keeps patterns in process memory. Used in tests and
// single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]crawler.SitePattern
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patterns: make(map[string]crawler.SitePattern)}
}

// Find looks up the pattern for the URL's generalized key.
func (s *MemoryStore) Find(_ context.Context, rawURL string) (crawler.SitePattern, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[crawler.PatternKey(rawURL)]
	return p, ok, nil
}

// Save stores the pattern under the URL's generalized key.
func (s *MemoryStore) Save(_ context.Context, rawURL string, pattern crawler.SitePattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[crawler.PatternKey(rawURL)] = pattern
	return nil
}
