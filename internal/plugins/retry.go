package plugins

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds the transient-failure retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy matches the backfill contract: 3 retries, exponential
// from 1s capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// Backoff returns the delay before the given retry attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff << attempt
	if d > p.MaxBackoff || d <= 0 {
		d = p.MaxBackoff
	}
	return d
}

// WithRetry runs fn, retrying errors the predicate approves with exponential
// backoff and honoring rate-limit retry-after hints. Everything else
// surfaces immediately. IsTransient is the predicate for plugin calls;
// store writers pass their own.
func WithRetry(ctx context.Context, target string, policy RetryPolicy, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= policy.MaxAttempts {
			return err
		}

		delay := policy.Backoff(attempt)
		if hint, ok := RetryAfterOf(err); ok && hint > 0 {
			delay = hint
		}
		log.Warn().
			Str("target", target).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying transient failure")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
