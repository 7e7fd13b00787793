// Package admission bounds in-flight fetches with a global slot pool and a
// lazily created slot pool per domain.
package admission

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Config sets the slot pool sizes.
type Config struct {
	GlobalMax    int
	PerDomainMax int
}

// Controller hands out scoped fetch slots. Acquisition order is always
// global first, then domain, so waiters cannot deadlock against each other.
type Controller struct {
	cfg    Config
	global *semaphore.Weighted

	mu      sync.Mutex
	domains map[string]*semaphore.Weighted
}

// New builds a Controller from cfg.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:     cfg,
		global:  semaphore.NewWeighted(int64(cfg.GlobalMax)),
		domains: make(map[string]*semaphore.Weighted),
	}
}

func (c *Controller) domain(domain string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.domains[domain]
	if !ok {
		sem = semaphore.NewWeighted(int64(c.cfg.PerDomainMax))
		c.domains[domain] = sem
	}
	return sem
}

// Enter blocks until both a global and a domain slot are held, and returns
// a release func that frees both. The release func is idempotent and must
// be called on every exit path.
func (c *Controller) Enter(ctx context.Context, domain string) (func(), error) {
	if err := c.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire global slot: %w", err)
	}
	if err := c.domain(domain).Acquire(ctx, 1); err != nil {
		c.global.Release(1)
		return nil, fmt.Errorf("acquire domain slot for %q: %w", domain, err)
	}

	sem := c.domain(domain)
	var once sync.Once
	release := func() {
		once.Do(func() {
			sem.Release(1)
			c.global.Release(1)
		})
	}
	return release, nil
}
