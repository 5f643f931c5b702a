package plugins

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed plugin error taxonomy. Every error escaping a plugin
// is categorized; anything unrecognized maps to KindInternal.
type Kind string

const (
	KindAuth               Kind = "PluginAuthError"
	KindNetwork            Kind = "PluginNetworkError"
	KindRateLimited        Kind = "PluginRateLimited"
	KindFeatureUnsupported Kind = "PluginFeatureUnsupported"
	KindBadSymbol          Kind = "PluginBadSymbol"
	KindInternal           Kind = "PluginInternalError"
)

// Error is a categorized plugin failure. RetryAfter is only meaningful for
// KindRateLimited.
type Error struct {
	Kind       Kind
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a taxonomy kind.
func NewError(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// NewRateLimited builds a rate-limit error carrying the provider's
// retry-after hint.
func NewRateLimited(provider string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Provider: provider, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the taxonomy kind from any error chain. Uncategorized
// errors are internal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the retry-after hint if the chain carries one.
func RetryAfterOf(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindRateLimited {
		return pe.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether the failure is worth retrying with backoff.
// Auth, unsupported-feature and bad-symbol failures are persistent.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited:
		return true
	}
	return false
}
