package fetch

import (
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// ProxyPool rotates outbound requests across a set of proxy URLs. A proxy
// that fails is quarantined for the cooldown window and skipped until it
// expires; when every proxy is quarantined the pool falls back to the least
// recently failed one rather than refusing to serve.
type ProxyPool struct {
	proxies  []*proxyEntry
	cooldown time.Duration
	logger   arbor.ILogger
	mu       sync.Mutex
	index    int
}

type proxyEntry struct {
	url        *url.URL
	raw        string
	failedAt   time.Time
	quarantine bool
}

// NewProxyPool parses the configured proxy URLs. Unparseable entries are
// logged and dropped. An empty pool means direct connections.
func NewProxyPool(proxies []string, cooldown time.Duration, logger arbor.ILogger) *ProxyPool {
	pool := &ProxyPool{
		cooldown: cooldown,
		logger:   logger,
	}

	for _, raw := range proxies {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			logger.Warn().Str("proxy", raw).Msg("Skipping unparseable proxy URL")
			continue
		}
		pool.proxies = append(pool.proxies, &proxyEntry{url: parsed, raw: raw})
	}

	return pool
}

// Empty reports whether the pool has no usable proxies
func (p *ProxyPool) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies) == 0
}

// Next returns the next healthy proxy round-robin. Quarantined proxies are
// skipped until their cooldown expires. Returns nil when the pool is empty.
func (p *ProxyPool) Next() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return nil
	}

	now := time.Now()
	for i := 0; i < len(p.proxies); i++ {
		entry := p.proxies[p.index%len(p.proxies)]
		p.index = (p.index + 1) % len(p.proxies)

		if entry.quarantine {
			if now.Sub(entry.failedAt) < p.cooldown {
				continue
			}
			entry.quarantine = false
			p.logger.Debug().Str("proxy", entry.raw).Msg("Proxy cooldown expired, returning to rotation")
		}
		return entry.url
	}

	// Every proxy is quarantined; reuse the one that failed longest ago so
	// traffic keeps flowing instead of stalling the workers.
	oldest := p.proxies[0]
	for _, entry := range p.proxies[1:] {
		if entry.failedAt.Before(oldest.failedAt) {
			oldest = entry
		}
	}
	p.logger.Warn().Str("proxy", oldest.raw).Msg("All proxies quarantined, reusing oldest failure")
	return oldest.url
}

// MarkFailure quarantines a proxy for the cooldown window
func (p *ProxyPool) MarkFailure(proxy *url.URL) {
	if proxy == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.proxies {
		if entry.url == proxy || entry.raw == proxy.String() {
			entry.quarantine = true
			entry.failedAt = time.Now()
			p.logger.Warn().
				Str("proxy", entry.raw).
				Dur("cooldown", p.cooldown).
				Msg("Proxy quarantined after failure")
			return
		}
	}
}

// MarkSuccess lifts an active quarantine early
func (p *ProxyPool) MarkSuccess(proxy *url.URL) {
	if proxy == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.proxies {
		if entry.url == proxy || entry.raw == proxy.String() {
			entry.quarantine = false
			return
		}
	}
}
