package fetch

import "sync"

// agentPool hands out user agents round-robin when rotation is enabled,
// otherwise it always returns the first agent in the pool.
type agentPool struct {
	agents []string
	rotate bool
	mu     sync.Mutex
	index  int
}

func newAgentPool(agents []string, rotate bool) *agentPool {
	return &agentPool{
		agents: agents,
		rotate: rotate,
	}
}

// Next returns the user agent for the upcoming request. An empty pool
// returns "" and the caller falls back to Go's default.
func (p *agentPool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.agents) == 0 {
		return ""
	}
	if !p.rotate {
		return p.agents[0]
	}

	agent := p.agents[p.index%len(p.agents)]
	p.index = (p.index + 1) % len(p.agents)
	return agent
}
