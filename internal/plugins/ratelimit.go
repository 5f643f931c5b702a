package plugins

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter provides per-provider token-bucket limiting for outbound
// REST calls. Providers get independent buckets created lazily.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewRateLimiter creates a limiter with the given per-provider RPS and
// burst capacity.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *RateLimiter) limiter(provider string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[provider]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if lim, ok := l.limiters[provider]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[provider] = lim
	return lim
}

// Wait blocks until a call for the provider is allowed or ctx is cancelled.
func (l *RateLimiter) Wait(ctx context.Context, provider string) error {
	return l.limiter(provider).Wait(ctx)
}
