// Package blockctl tracks per-domain anti-bot pressure and turns it into
// mandated request delays, alternate-path demands and full dispatch halts.
package blockctl

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jfaulkner/crawld/internal/crawler"
)

// Level is the per-domain block severity.
type Level int

const (
	LevelNone Level = iota
	LevelLight
	LevelModerate
	LevelSevere
	LevelBlocked
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLight:
		return "light"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	case LevelBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// DelayRange is the [Min,Max] interval a mandated delay is drawn from.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

// Config tunes the controller. Zero values take the defaults.
type Config struct {
	// SuccessesToRecover is the consecutive-success count that lowers the
	// level by one. Defaults to 5.
	SuccessesToRecover int
	// DelayRanges overrides the per-level delay table. Must have one entry
	// per level below LevelBlocked when set.
	DelayRanges []DelayRange
}

func defaultDelayRanges() []DelayRange {
	return []DelayRange{
		{2 * time.Second, 5 * time.Second},
		{5 * time.Second, 10 * time.Second},
		{10 * time.Second, 20 * time.Second},
		{30 * time.Second, 60 * time.Second},
	}
}

type domainState struct {
	level       Level
	successes   int
	seededRange *DelayRange
}

// Controller holds the block state machine for every domain seen so far.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	domains map[string]*domainState
	rng     *rand.Rand
}

// New builds a Controller.
func New(cfg Config, logger *zap.Logger) *Controller {
	if cfg.SuccessesToRecover <= 0 {
		cfg.SuccessesToRecover = 5
	}
	if len(cfg.DelayRanges) == 0 {
		cfg.DelayRanges = defaultDelayRanges()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		domains: make(map[string]*domainState),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Controller) state(domain string) *domainState {
	st, ok := c.domains[domain]
	if !ok {
		st = &domainState{}
		c.domains[domain] = st
	}
	return st
}

// ReportSuccess records a successful fetch. Five consecutive successes
// lower the level by exactly one and restart the count. BLOCKED never
// recovers automatically.
func (c *Controller) ReportSuccess(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(domain)
	if st.level == LevelBlocked {
		return
	}
	st.successes++
	if st.successes >= c.cfg.SuccessesToRecover {
		st.successes = 0
		if st.level > LevelNone {
			st.level--
			c.logger.Info("block level lowered",
				zap.String("domain", domain),
				zap.Stringer("level", st.level))
		}
	}
}

// ReportOutcome records a failed fetch outcome. Every failure resets the
// consecutive-success count; weighted outcomes escalate the level, topping
// out at SEVERE. Only captcha reaches BLOCKED.
func (c *Controller) ReportOutcome(domain string, outcome crawler.Outcome) {
	if outcome == crawler.OutcomeSuccess {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(domain)
	if st.level == LevelBlocked {
		return
	}
	st.successes = 0
	before := st.level
	if outcome == crawler.OutcomeCaptcha {
		st.level = LevelBlocked
	} else if weight := outcome.EscalationWeight(); weight > 0 {
		st.level += Level(weight)
		if st.level > LevelSevere {
			st.level = LevelSevere
		}
	}
	if st.level != before {
		c.logger.Warn("block level raised",
			zap.String("domain", domain),
			zap.Stringer("from", before),
			zap.Stringer("to", st.level),
			zap.String("outcome", outcome.String()))
	}
}

// Level returns the current level for domain.
func (c *Controller) Level(domain string) Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.domains[domain]; ok {
		return st.level
	}
	return LevelNone
}

// Blocked reports whether dispatch to domain is halted.
func (c *Controller) Blocked(domain string) bool {
	return c.Level(domain) == LevelBlocked
}

// RequiresAltPath reports whether fetches for domain must take the
// alternate network path (proxy or headless browser).
func (c *Controller) RequiresAltPath(domain string) bool {
	return c.Level(domain) >= LevelModerate
}

// Delay draws the mandated pre-request delay for domain from the current
// level's range. BLOCKED domains must not be dispatched; Delay returns the
// severest range for them.
func (c *Controller) Delay(domain string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(domain)
	var r DelayRange
	if st.level == LevelNone && st.seededRange != nil {
		r = *st.seededRange
	} else {
		idx := int(st.level)
		if idx >= len(c.cfg.DelayRanges) {
			idx = len(c.cfg.DelayRanges) - 1
		}
		r = c.cfg.DelayRanges[idx]
	}
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(c.rng.Int63n(int64(r.Max-r.Min)))
}

// SeedDelayRange installs a learned delay hint used while the domain is at
// level NONE. Escalated levels keep the standard table.
func (c *Controller) SeedDelayRange(domain string, min, max time.Duration) {
	if min <= 0 || max < min {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(domain).seededRange = &DelayRange{Min: min, Max: max}
}

// Unblock is the operator action that releases a BLOCKED domain back to
// SEVERE. It is the only way out of BLOCKED.
func (c *Controller) Unblock(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(domain)
	if st.level != LevelBlocked {
		return
	}
	st.level = LevelSevere
	st.successes = 0
	c.logger.Info("domain unblocked by operator", zap.String("domain", domain))
}

// Snapshot returns the level of every domain with non-default state.
func (c *Controller) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.domains))
	for domain, st := range c.domains {
		if st.level > LevelNone {
			out[domain] = st.level.String()
		}
	}
	return out
}
