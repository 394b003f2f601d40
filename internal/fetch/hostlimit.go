package fetch

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiter paces requests per target host so concurrent workers do not
// hammer one site. Each host gets its own token bucket sized to one request
// per configured interval with a burst of one.
type hostLimiter struct {
	interval time.Duration
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

func newHostLimiter(interval time.Duration) *hostLimiter {
	return &hostLimiter{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the host's rate limit permits another request. URLs
// without a parseable host and a zero interval pass through immediately.
func (h *hostLimiter) Wait(ctx context.Context, rawURL string) error {
	if h.interval <= 0 {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil
	}

	h.mu.Lock()
	limiter, ok := h.limiters[parsed.Host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.interval), 1)
		h.limiters[parsed.Host] = limiter
	}
	h.mu.Unlock()

	return limiter.Wait(ctx)
}
