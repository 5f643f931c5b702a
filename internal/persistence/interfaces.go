// Package persistence defines the repository contracts for the persistent
// bar store. Only 1-minute bars are stored raw; coarser timeframes come
// from materialized aggregate views.
package persistence

import (
	"context"
	"errors"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
)

var (
	// ErrStoreUnavailable marks transient store failures (connection loss,
	// timeouts). Writers retry with backoff; readers fall through to the
	// next pipeline stage.
	ErrStoreUnavailable = errors.New("bar store unavailable")

	// ErrStoreCorrupt marks fatal consistency failures that must surface.
	ErrStoreCorrupt = errors.New("bar store corrupt")

	// ErrNotMaterialized is returned by aggregate reads for timeframes the
	// deployment has no continuous-aggregate view for; callers fall back to
	// resampling from 1m bars.
	ErrNotMaterialized = errors.New("timeframe not materialized")
)

// Series identifies one (market, provider, symbol) bar series.
type Series struct {
	Market   string
	Provider string
	Symbol   string
}

// GapRange is a contiguous range of missing 1m buckets, inclusive of both
// endpoints at 1m granularity.
type GapRange struct {
	StartMs int64
	EndMs   int64
}

// BarsRepo persists 1m bars and serves pre-aggregated coarser views.
type BarsRepo interface {
	// Insert1m upserts 1m bars idempotently on (market, provider, symbol,
	// ts_ms). Bars failing validation are dropped with a warning.
	Insert1m(ctx context.Context, s Series, bars []ohlcv.Bar) error

	// Fetch1m returns 1m bars ascending within the window.
	Fetch1m(ctx context.Context, s Series, w ohlcv.Window) ([]ohlcv.Bar, error)

	// FetchAggregate reads a materialized aggregate view for tf. Returns
	// ErrNotMaterialized when no view exists for tf.
	FetchAggregate(ctx context.Context, s Series, tf ohlcv.Timeframe, w ohlcv.Window) ([]ohlcv.Bar, error)

	// FindMissingRanges returns sorted, non-overlapping ranges on the
	// 60_000 ms grid within [earliestMs, latestMs] where no 1m row exists.
	FindMissingRanges(ctx context.Context, s Series, earliestMs, latestMs int64) ([]GapRange, error)
}

// RepositoryHealth exposes store liveness for the health endpoint.
type RepositoryHealth interface {
	Ping(ctx context.Context) error
}
