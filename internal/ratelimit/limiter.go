// Package ratelimit provides dual token-bucket admission: one global bucket
// shared by every request plus a lazily created bucket per domain. An acquire
// consumes a token from both buckets or from neither.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets bucket capacities and refill rates. Rates are tokens per
// second, bursts are bucket capacities.
type Config struct {
	GlobalRate     float64
	GlobalBurst    int
	PerDomainRate  float64
	PerDomainBurst int
	// MaxTrackedDomains caps the number of domain buckets held in memory.
	// At the cap, an arbitrary idle bucket is evicted to make room; an
	// evicted domain simply starts over with a full bucket. Zero means
	// unlimited.
	MaxTrackedDomains int
}

// Limiter coordinates the global bucket and the per-domain buckets.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu      sync.Mutex
	domains map[string]*rate.Limiter
}

// New builds a Limiter from cfg. Domain buckets are created on first use
// and start full.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		domains: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) domain(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.domains[domain]
	if !ok {
		if l.cfg.MaxTrackedDomains > 0 && len(l.domains) >= l.cfg.MaxTrackedDomains {
			for evict := range l.domains {
				delete(l.domains, evict)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(l.cfg.PerDomainRate), l.cfg.PerDomainBurst)
		l.domains[domain] = lim
	}
	return lim
}

// TrackedDomains reports how many domain buckets are currently held.
func (l *Limiter) TrackedDomains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.domains)
}

// Acquire blocks until a token is available in both the global and the
// domain bucket, then consumes one from each. On cancellation neither
// bucket loses a token. There is no ordering guarantee across waiters.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	globalRes := l.global.Reserve()
	domainRes := l.domain(domain).Reserve()
	if !globalRes.OK() || !domainRes.OK() {
		globalRes.Cancel()
		domainRes.Cancel()
		return fmt.Errorf("rate limit burst too small for domain %q", domain)
	}

	delay := globalRes.Delay()
	if d := domainRes.Delay(); d > delay {
		delay = d
	}
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		globalRes.Cancel()
		domainRes.Cancel()
		return ctx.Err()
	}
}
