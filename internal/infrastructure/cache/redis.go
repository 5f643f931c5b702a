package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
)

// RedisCache implements Cache on a Redis instance.
type RedisCache struct {
	client *redis.Client
	config Config
	now    func() time.Time
}

// NewRedisCache connects to Redis. The client pools connections itself.
func NewRedisCache(config Config) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})

	return &RedisCache{client: client, config: config, now: time.Now}
}

// hourBuckets enumerates the hour-bucket starts a window overlaps. Unbounded
// sides clamp to [0, now].
func (r *RedisCache) hourBuckets(w ohlcv.Window) []int64 {
	since := int64(0)
	if w.HasSince() {
		since = w.Since
	}
	until := r.now().UnixMilli()
	if w.HasUntil() && w.Until < until {
		until = w.Until
	}
	if since > until {
		return nil
	}
	first := (since / HourMs) * HourMs
	last := (until / HourMs) * HourMs
	// Cap the scan so an unbounded window cannot touch thousands of keys.
	const maxBuckets = 24 * 32
	if (last-first)/HourMs+1 > maxBuckets {
		first = last - (maxBuckets-1)*HourMs
	}
	buckets := make([]int64, 0, (last-first)/HourMs+1)
	for b := first; b <= last; b += HourMs {
		buckets = append(buckets, b)
	}
	return buckets
}

// Get1mBars reads the hour buckets the window overlaps in one pipeline and
// projects the merged result onto the window.
func (r *RedisCache) Get1mBars(ctx context.Context, s persistence.Series, w ohlcv.Window) ([]ohlcv.Bar, error) {
	buckets := r.hourBuckets(w)
	if len(buckets) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(buckets))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, b := range buckets {
			cmds[i] = pipe.Get(ctx, Bars1mKey(s, b))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: read 1m buckets: %v", ErrCacheUnavailable, err)
	}

	var bars []ohlcv.Bar
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read 1m bucket: %v", ErrCacheUnavailable, err)
		}
		decoded, err := DecodeBars(data)
		if err != nil {
			// A corrupt bucket is treated as a miss rather than poisoning
			// the whole read.
			continue
		}
		bars = append(bars, decoded...)
	}
	ohlcv.SortAscending(bars)
	return ohlcv.Project(bars, ohlcv.Window{Since: w.Since, Until: w.Until, Limit: -1}), nil
}

// Store1mBars merges bars into their hour buckets. Existing bucket contents
// are read first, merged with dedup by ts (new bars win), then written back
// in one pipeline with the age-based TTL.
func (r *RedisCache) Store1mBars(ctx context.Context, s persistence.Series, bars []ohlcv.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	byBucket := make(map[int64][]ohlcv.Bar)
	for _, b := range bars {
		bucket := (b.TsMs / HourMs) * HourMs
		byBucket[bucket] = append(byBucket[bucket], b)
	}

	buckets := make([]int64, 0, len(byBucket))
	for b := range byBucket {
		buckets = append(buckets, b)
	}

	reads := make([]*redis.StringCmd, len(buckets))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, b := range buckets {
			reads[i] = pipe.Get(ctx, Bars1mKey(s, b))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: read buckets for merge: %v", ErrCacheUnavailable, err)
	}

	nowMs := r.now().UnixMilli()
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, bucket := range buckets {
			fresh := byBucket[bucket]
			ohlcv.SortAscending(fresh)

			var existing []ohlcv.Bar
			if data, err := reads[i].Bytes(); err == nil {
				existing, _ = DecodeBars(data)
			}
			merged := ohlcv.Merge(existing, fresh)

			encoded, err := EncodeBars(merged)
			if err != nil {
				return err
			}
			pipe.Set(ctx, Bars1mKey(s, bucket), encoded, r.config.Bucket1mTTL(bucket, nowMs))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: write 1m buckets: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// GetResampled reads a resample-cache entry by exact key.
func (r *RedisCache) GetResampled(ctx context.Context, key string) ([]ohlcv.Bar, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read resample entry: %v", ErrCacheUnavailable, err)
	}
	bars, err := DecodeBars(data)
	if err != nil {
		return nil, false, nil
	}
	return bars, true, nil
}

// SetResampled stores a resample-cache entry.
func (r *RedisCache) SetResampled(ctx context.Context, key string, bars []ohlcv.Bar, ttl time.Duration) error {
	encoded, err := EncodeBars(bars)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: write resample entry: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Publish sends a payload to a bus channel.
func (r *RedisCache) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrCacheUnavailable, channel, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and pumps messages into a Go channel
// until the returned cancel func is called.
func (r *RedisCache) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("%w: subscribe %s: %v", ErrCacheUnavailable, channel, err)
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}
	return out, cancel, nil
}

// Ping checks connection health.
func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
