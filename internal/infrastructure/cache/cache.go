// Package cache provides the shared TTL'd key/value layer for bars and
// resample results, plus the pub/sub bus that decouples feeds from client
// listeners. The Redis implementation is the production one; the memory
// implementation backs tests and single-process deployments.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
)

// ErrCacheUnavailable marks transient cache failures. Callers log and fall
// through to the next pipeline stage.
var ErrCacheUnavailable = errors.New("cache unavailable")

// HourMs is the size of a 1m cache time bucket.
const HourMs = int64(3_600_000)

// Config holds cache tuning knobs.
type Config struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`

	TTL1mRecent   time.Duration `yaml:"ttl_1m_recent"`
	TTL1mOld      time.Duration `yaml:"ttl_1m_old"`
	TTLResample1m time.Duration `yaml:"ttl_resample_1m"`
	TTLResample1h time.Duration `yaml:"ttl_resample_1h"`
	TTLResample1d time.Duration `yaml:"ttl_resample_1d"`
}

// DefaultConfig returns the default TTL policy.
func DefaultConfig() Config {
	return Config{
		TTL1mRecent:   24 * time.Hour,
		TTL1mOld:      time.Hour,
		TTLResample1m: 60 * time.Second,
		TTLResample1h: 300 * time.Second,
		TTLResample1d: 3600 * time.Second,
	}
}

// ResampleTTL picks the resample-cache TTL for a timeframe: seconds for
// minute frames, minutes for hour frames, hours for day and coarser.
func (c Config) ResampleTTL(tf ohlcv.Timeframe) time.Duration {
	switch tf.Unit {
	case ohlcv.UnitMinute:
		return c.TTLResample1m
	case ohlcv.UnitHour:
		return c.TTLResample1h
	default:
		return c.TTLResample1d
	}
}

// Bucket1mTTL picks the TTL for a 1m time bucket based on its age.
func (c Config) Bucket1mTTL(bucketMs, nowMs int64) time.Duration {
	if nowMs-bucketMs <= 24*HourMs {
		return c.TTL1mRecent
	}
	return c.TTL1mOld
}

// Bars1mKey builds the time-bucketed 1m cache key for the hour containing
// bucketMs.
func Bars1mKey(s persistence.Series, bucketHourMs int64) string {
	return fmt.Sprintf("bars1m:%s:%s:%s:%d", s.Market, s.Provider, s.Symbol, bucketHourMs)
}

// ResampleKey builds the exact-match resample cache key.
func ResampleKey(s persistence.Series, tf ohlcv.Timeframe, w ohlcv.Window) string {
	return fmt.Sprintf("res:%s:%s:%s:%s:%d:%d:%d", s.Market, s.Provider, s.Symbol, tf, w.Since, w.Until, w.Limit)
}

// BarCache is the bar-oriented view of the cache.
type BarCache interface {
	// Get1mBars reads cached 1m bars for the window, touching only the
	// hour buckets the window overlaps. A miss returns an empty slice.
	Get1mBars(ctx context.Context, s persistence.Series, w ohlcv.Window) ([]ohlcv.Bar, error)

	// Store1mBars merges bars into their hour buckets, dedup by ts.
	Store1mBars(ctx context.Context, s persistence.Series, bars []ohlcv.Bar) error

	// GetResampled reads a resample-cache entry by exact key. The bool
	// reports a hit.
	GetResampled(ctx context.Context, key string) ([]ohlcv.Bar, bool, error)

	// SetResampled stores a resample-cache entry with the given TTL.
	SetResampled(ctx context.Context, key string, bars []ohlcv.Bar, ttl time.Duration) error
}

// Bus is the pub/sub side of the cache. Feeds publish; client view
// listeners subscribe. Communication always crosses the bus so that a
// multi-process deployment is a configuration change.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a receive channel for the named bus channel and a
	// cancel func that releases the subscription. The receive channel is
	// closed on cancel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Cache is the full cache surface the engine composes over.
type Cache interface {
	BarCache
	Bus
	Ping(ctx context.Context) error
	Close() error
}
