// Package fetcher holds helpers shared by the fetch implementations.
package fetcher

import (
	"math/rand"
	"sync"
	"time"
)

var defaultAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

// AgentPool hands out browser user-agent strings at random so consecutive
// requests to a domain do not share a fingerprint.
type AgentPool struct {
	agents []string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAgentPool returns a pool over the given agents, or the built-in
// browser list when none are given.
func NewAgentPool(agents ...string) *AgentPool {
	if len(agents) == 0 {
		agents = defaultAgents
	}
	return &AgentPool{
		agents: agents,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick returns one agent at random.
func (p *AgentPool) Pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents[p.rng.Intn(len(p.agents))]
}
