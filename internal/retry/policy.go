// Package retry decides whether and when a failed fetch is attempted again.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jfaulkner/crawld/internal/crawler"
)

// Config tunes the backoff schedule.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultConfig returns the production schedule: three attempts, 5s base,
// 60s cap, 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      0.1,
	}
}

// Policy computes retry decisions. Safe for concurrent use.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	return &Policy{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Decide returns whether attempt number attempt (0-based) may be retried
// after the given outcome, and the delay before the next attempt. Non
// retryable outcomes and exhausted attempts return false.
func (p *Policy) Decide(outcome crawler.Outcome, attempt int) (time.Duration, bool) {
	if !outcome.Retryable() {
		return 0, false
	}
	if attempt+1 >= p.cfg.MaxAttempts {
		return 0, false
	}
	return p.delay(attempt), true
}

func (p *Policy) delay(attempt int) time.Duration {
	backoff := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if ceiling := float64(p.cfg.MaxDelay); backoff > ceiling {
		backoff = ceiling
	}
	if p.cfg.Jitter > 0 {
		p.mu.Lock()
		factor := 1 + (p.rng.Float64()*2-1)*p.cfg.Jitter
		p.mu.Unlock()
		backoff *= factor
	}
	return time.Duration(backoff)
}
