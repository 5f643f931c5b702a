package cache

import (
	"context"
	"sync"
	"time"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
)

// MemoryCache is an in-process Cache used by tests and single-node
// deployments without Redis. It mirrors the Redis key scheme so either
// implementation is interchangeable behind the Cache interface.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	subs    map[string][]*memSub
	config  Config
	now     func() time.Time
}

type memEntry struct {
	data []byte
	exp  time.Time
}

type memSub struct {
	ch   chan []byte
	done chan struct{}
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(config Config) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memEntry),
		subs:    make(map[string][]*memSub),
		config:  config,
		now:     time.Now,
	}
}

// SetClock overrides the cache clock; tests use it to control TTL policy.
func (m *MemoryCache) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryCache) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || (!e.exp.IsZero() && m.now().After(e.exp)) {
		delete(m.entries, key)
		return nil, false
	}
	return e.data, true
}

func (m *MemoryCache) set(key string, data []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{data: append([]byte(nil), data...)}
	if ttl > 0 {
		e.exp = m.now().Add(ttl)
	}
	m.entries[key] = e
}

// Get1mBars reads the hour buckets the window overlaps.
func (m *MemoryCache) Get1mBars(ctx context.Context, s persistence.Series, w ohlcv.Window) ([]ohlcv.Bar, error) {
	since := int64(0)
	if w.HasSince() {
		since = w.Since
	}
	until := m.now().UnixMilli()
	if w.HasUntil() && w.Until < until {
		until = w.Until
	}
	if since > until {
		return nil, nil
	}

	var bars []ohlcv.Bar
	for b := (since / HourMs) * HourMs; b <= (until/HourMs)*HourMs; b += HourMs {
		data, ok := m.get(Bars1mKey(s, b))
		if !ok {
			continue
		}
		decoded, err := DecodeBars(data)
		if err != nil {
			continue
		}
		bars = append(bars, decoded...)
	}
	ohlcv.SortAscending(bars)
	return ohlcv.Project(bars, ohlcv.Window{Since: w.Since, Until: w.Until, Limit: -1}), nil
}

// Store1mBars merges bars into their hour buckets, dedup by ts.
func (m *MemoryCache) Store1mBars(ctx context.Context, s persistence.Series, bars []ohlcv.Bar) error {
	byBucket := make(map[int64][]ohlcv.Bar)
	for _, b := range bars {
		bucket := (b.TsMs / HourMs) * HourMs
		byBucket[bucket] = append(byBucket[bucket], b)
	}

	nowMs := m.now().UnixMilli()
	for bucket, fresh := range byBucket {
		ohlcv.SortAscending(fresh)
		key := Bars1mKey(s, bucket)

		var existing []ohlcv.Bar
		if data, ok := m.get(key); ok {
			existing, _ = DecodeBars(data)
		}
		encoded, err := EncodeBars(ohlcv.Merge(existing, fresh))
		if err != nil {
			return err
		}
		m.set(key, encoded, m.config.Bucket1mTTL(bucket, nowMs))
	}
	return nil
}

// GetResampled reads a resample entry by exact key.
func (m *MemoryCache) GetResampled(ctx context.Context, key string) ([]ohlcv.Bar, bool, error) {
	data, ok := m.get(key)
	if !ok {
		return nil, false, nil
	}
	bars, err := DecodeBars(data)
	if err != nil {
		return nil, false, nil
	}
	return bars, true, nil
}

// SetResampled stores a resample entry.
func (m *MemoryCache) SetResampled(ctx context.Context, key string, bars []ohlcv.Bar, ttl time.Duration) error {
	encoded, err := EncodeBars(bars)
	if err != nil {
		return err
	}
	m.set(key, encoded, ttl)
	return nil
}

// Publish fans the payload out to current subscribers of the channel. Slow
// subscribers drop the message rather than blocking the publisher. Sends
// happen under the lock so they cannot race a concurrent unsubscribe close.
func (m *MemoryCache) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs[channel] {
		select {
		case sub.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber channel for the named bus channel.
func (m *MemoryCache) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := &memSub{ch: make(chan []byte, 64), done: make(chan struct{})}

	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			close(sub.done)
			list := m.subs[channel]
			for i, s := range list {
				if s == sub {
					m.subs[channel] = append(list[:i], list[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Ping always succeeds for the in-memory cache.
func (m *MemoryCache) Ping(ctx context.Context) error { return nil }

// Close drops all entries and subscriptions.
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memEntry)
	m.subs = make(map[string][]*memSub)
	return nil
}
