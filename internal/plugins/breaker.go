package plugins

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerSet maintains one circuit breaker per provider around outbound
// REST calls. A tripped breaker converts calls into immediate network
// errors so a dead provider cannot stall the fetch pipeline.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (bs *BreakerSet) breaker(provider string) *gobreaker.CircuitBreaker {
	bs.mu.RLock()
	cb, ok := bs.breakers[provider]
	bs.mu.RUnlock()
	if ok {
		return cb
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if cb, ok := bs.breakers[provider]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state change")
		},
	})
	bs.breakers[provider] = cb
	return cb
}

// Execute runs fn under the provider's breaker. Open-circuit rejections map
// to the network kind so callers treat them as transient.
func (bs *BreakerSet) Execute(provider string, fn func() (interface{}, error)) (interface{}, error) {
	out, err := bs.breaker(provider).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, NewError(KindNetwork, provider, err)
	}
	return out, err
}
