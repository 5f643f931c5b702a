// Package stream maintains at most one live feed per (series, stream type),
// refcounted across subscribers. Feeds consume native provider push when
// available and fall back to polling; every payload crosses the cache bus so
// client listeners never couple to feed internals.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/cache"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

// Error codes carried in bus error frames.
const (
	CodeFeedDead = "FeedDead"
)

// Config tunes feed lifecycle and polling.
type Config struct {
	PollOHLCV      time.Duration `yaml:"poll_ohlcv"`
	PollTrades     time.Duration `yaml:"poll_trades"`
	PollBook       time.Duration `yaml:"poll_book"`
	PollUserOrders time.Duration `yaml:"poll_user_orders"`

	// Grace keeps a feed alive after its last subscriber leaves so a quick
	// resubscribe does not tear down and rebuild the upstream connection.
	Grace time.Duration `yaml:"stream_grace"`

	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	RestartBackoffBase time.Duration `yaml:"restart_backoff_base"`
	RestartBackoffMax  time.Duration `yaml:"restart_backoff_max"`

	PluginTimeout time.Duration `yaml:"plugin_timeout"`
}

// DefaultConfig returns the streaming defaults.
func DefaultConfig() Config {
	return Config{
		PollOHLCV:          60 * time.Second,
		PollTrades:         5 * time.Second,
		PollBook:           2 * time.Second,
		PollUserOrders:     15 * time.Second,
		Grace:              30 * time.Second,
		MaxRestartAttempts: 10,
		RestartBackoffBase: time.Second,
		RestartBackoffMax:  60 * time.Second,
		PluginTimeout:      30 * time.Second,
	}
}

// PollInterval returns the polling cadence for a stream type.
func (c Config) PollInterval(st ohlcv.StreamType) time.Duration {
	switch st {
	case ohlcv.StreamTrades:
		return c.PollTrades
	case ohlcv.StreamBook:
		return c.PollBook
	case ohlcv.StreamUserOrders:
		return c.PollUserOrders
	default:
		return c.PollOHLCV
	}
}

// Update is the normalized bus payload for live feeds. Kind is "bar" for
// OHLCV bars, "raw" for passthrough stream payloads, and "error" for feed
// failure frames.
type Update struct {
	Kind     string           `json:"kind"`
	Stream   ohlcv.StreamType `json:"stream"`
	Market   string           `json:"market"`
	Provider string           `json:"provider"`
	Symbol   string           `json:"symbol"`
	TsMs     int64            `json:"ts"`
	Bar      *ohlcv.Bar       `json:"bar,omitempty"`
	Closed   bool             `json:"closed,omitempty"`
	Raw      json.RawMessage  `json:"raw,omitempty"`
	Code     string           `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
}

type feedID struct {
	series persistence.Series
	stream ohlcv.StreamType
}

func (id feedID) channel() string {
	k := ohlcv.Key{Market: id.series.Market, Provider: id.series.Provider, Symbol: id.series.Symbol}
	return k.Channel(id.stream)
}

type feed struct {
	id     feedID
	user   string
	refs   int
	cancel context.CancelFunc
	grace  *time.Timer

	// open is the currently forming 1m bar; only the feed goroutine
	// touches it.
	open     *ohlcv.Bar
	lastSeen int64
}

// MetricsCallback receives counter events from the feed supervisor.
type MetricsCallback func(name string, value float64, labels map[string]string)

// Manager owns all live feeds.
type Manager struct {
	config   Config
	bus      cache.Bus
	barCache cache.BarCache
	repo     persistence.BarsRepo
	provider plugins.Provider
	retry    plugins.RetryPolicy
	metrics  MetricsCallback

	mu    sync.Mutex
	feeds map[feedID]*feed

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// sleep and jitter are swapped in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// New builds a streaming manager.
func New(config Config, bus cache.Bus, barCache cache.BarCache, repo persistence.BarsRepo, provider plugins.Provider) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:   config,
		bus:      bus,
		barCache: barCache,
		repo:     repo,
		provider: provider,
		retry:    plugins.DefaultRetryPolicy(),
		feeds:    make(map[feedID]*feed),
		baseCtx:  ctx,
		stop:     cancel,
		sleep:    sleepCtx,
		jitter:   jitterPct10,
	}
}

// SetMetricsCallback installs the metrics hook. Call before Start.
func (m *Manager) SetMetricsCallback(cb MetricsCallback) { m.metrics = cb }

func (m *Manager) count(name string, st ohlcv.StreamType) {
	if m.metrics != nil {
		m.metrics(name, 1, map[string]string{"stream": string(st)})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// jitterPct10 spreads poll ticks with uniform noise of plus or minus 10%.
func jitterPct10(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}

// Start adds a subscriber to the feed, creating it on the 0 to 1
// transition. A pending grace shutdown is cancelled by a new subscriber.
func (m *Manager) Start(s persistence.Series, st ohlcv.StreamType, user string) {
	id := feedID{series: s, stream: st}

	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.feeds[id]; ok {
		f.refs++
		if f.grace != nil {
			f.grace.Stop()
			f.grace = nil
		}
		return
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	f := &feed{id: id, user: user, refs: 1, cancel: cancel}
	m.feeds[id] = f

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runFeed(ctx, f)
	}()

	log.Info().
		Str("symbol", s.Symbol).
		Str("provider", s.Provider).
		Str("stream", string(st)).
		Msg("Feed started")
}

// Stop removes a subscriber. On the 1 to 0 transition the feed enters a
// grace period; it is cancelled only if nobody resubscribes in time.
func (m *Manager) Stop(s persistence.Series, st ohlcv.StreamType) {
	id := feedID{series: s, stream: st}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[id]
	if !ok {
		return
	}
	f.refs--
	if f.refs > 0 {
		return
	}

	f.grace = time.AfterFunc(m.config.Grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.feeds[id]
		if !ok || cur.refs > 0 {
			return
		}
		delete(m.feeds, id)
		cur.cancel()
		log.Info().
			Str("symbol", s.Symbol).
			Str("stream", string(st)).
			Msg("Feed stopped after grace period")
	})
}

// Refs reports the subscriber count for a feed; zero when absent.
func (m *Manager) Refs(s persistence.Series, st ohlcv.StreamType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.feeds[feedID{series: s, stream: st}]; ok {
		return f.refs
	}
	return 0
}

// FeedCount reports the number of supervised feeds, including those in
// their teardown grace period.
func (m *Manager) FeedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}

// Close cancels every feed and waits for them to drain.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, f := range m.feeds {
		if f.grace != nil {
			f.grace.Stop()
		}
		f.cancel()
		delete(m.feeds, id)
	}
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
}

// runFeed supervises one feed task, restarting on failure with exponential
// backoff. A task that stayed healthy for a minute resets the counter; too
// many consecutive failures mark the feed dead and notify subscribers.
func (m *Manager) runFeed(ctx context.Context, f *feed) {
	restarts := 0
	for {
		started := time.Now()
		err := m.runOnce(ctx, f)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > time.Minute {
			restarts = 0
		}
		restarts++
		if restarts > m.config.MaxRestartAttempts {
			log.Error().
				Str("symbol", f.id.series.Symbol).
				Str("stream", string(f.id.stream)).
				Int("restarts", restarts-1).
				Err(err).
				Msg("Feed dead after repeated failures")
			m.count("feed_dead", f.id.stream)
			m.publishError(ctx, f, CodeFeedDead,
				fmt.Sprintf("feed failed %d consecutive times", restarts-1))
			m.remove(f.id)
			return
		}
		m.count("feed_restart", f.id.stream)

		backoff := m.config.RestartBackoffBase << (restarts - 1)
		if backoff > m.config.RestartBackoffMax || backoff <= 0 {
			backoff = m.config.RestartBackoffMax
		}
		log.Warn().
			Str("symbol", f.id.series.Symbol).
			Str("stream", string(f.id.stream)).
			Int("restart", restarts).
			Dur("backoff", backoff).
			Err(err).
			Msg("Feed task failed, restarting")
		if m.sleep(ctx, backoff) != nil {
			return
		}
	}
}

func (m *Manager) remove(id feedID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.feeds[id]; ok {
		if f.grace != nil {
			f.grace.Stop()
		}
		delete(m.feeds, id)
	}
}

// runOnce runs the feed until failure or cancellation: native push when the
// plugin offers it for this stream type, otherwise polling.
func (m *Manager) runOnce(ctx context.Context, f *feed) error {
	lease, err := m.provider.Acquire(ctx, f.id.series.Market, f.id.series.Provider, f.user)
	if err != nil {
		return fmt.Errorf("acquire plugin: %w", err)
	}
	defer lease.Release()

	if lease.Instance.SupportsNativePush(f.id.stream) {
		return m.runNative(ctx, f, lease.Instance)
	}
	if f.id.stream != ohlcv.StreamOHLCV {
		// Only OHLCV has a historical fetch to poll against.
		return plugins.NewError(plugins.KindFeatureUnsupported, f.id.series.Provider,
			fmt.Errorf("stream %s needs native push", f.id.stream))
	}
	return m.runPolling(ctx, f, lease.Instance)
}

// runNative drains the plugin's push channel. A closed channel with a live
// context counts as a failure so the supervisor reconnects.
func (m *Manager) runNative(ctx context.Context, f *feed, inst plugins.Instance) error {
	events, err := inst.Watch(ctx, f.id.series.Symbol, f.id.stream)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("push stream ended")
			}
			m.handlePush(ctx, f, ev)
		}
	}
}

func (m *Manager) handlePush(ctx context.Context, f *feed, ev plugins.PushEvent) {
	if ev.Bar == nil {
		m.publish(ctx, f, Update{
			Kind: "raw", Stream: f.id.stream,
			Market: f.id.series.Market, Provider: f.id.series.Provider, Symbol: f.id.series.Symbol,
			TsMs: ev.TsMs, Raw: ev.Raw,
		})
		return
	}
	m.ingestBar(ctx, f, *ev.Bar)
	m.publishOpen(ctx, f)
}

// runPolling fetches new 1m bars on a jittered interval and publishes the
// deltas. The open bucket goes out every tick with closed false.
func (m *Manager) runPolling(ctx context.Context, f *feed, inst plugins.Instance) error {
	for {
		if err := m.pollTick(ctx, f, inst); err != nil {
			return err
		}
		if err := m.sleep(ctx, m.jitter(m.config.PollInterval(f.id.stream))); err != nil {
			return err
		}
	}
}

func (m *Manager) pollTick(ctx context.Context, f *feed, inst plugins.Instance) error {
	since := f.lastSeen
	if since == 0 {
		// First tick: start at the previous minute so the subscriber gets
		// one closed bar plus the open one.
		since = ohlcv.TF1m.Truncate(time.Now().UnixMilli()) - 2*ohlcv.TF1m.Milliseconds()
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.PluginTimeout)
	bars, err := inst.FetchHistorical1m(callCtx, f.id.series.Symbol, since, inst.MaxBarsPerFetch())
	cancel()
	if err != nil {
		return fmt.Errorf("poll fetch: %w", err)
	}

	for _, b := range bars {
		m.ingestBar(ctx, f, b)
	}
	m.publishOpen(ctx, f)
	return nil
}

// ingestBar folds one 1m bar into the open-bar tracker. A bar for a newer
// bucket closes the previous one: it is persisted and published with closed
// true. Bars older than the open bucket were already seen and are dropped.
func (m *Manager) ingestBar(ctx context.Context, f *feed, bar ohlcv.Bar) {
	switch {
	case f.open == nil || bar.TsMs == f.open.TsMs:
		b := bar
		f.open = &b
	case bar.TsMs > f.open.TsMs:
		closed := *f.open
		m.persistClosed(ctx, f, closed)
		m.publishBar(ctx, f, closed, true)
		b := bar
		f.open = &b
	}
	if f.open != nil && f.open.TsMs > f.lastSeen {
		f.lastSeen = f.open.TsMs
	}
}

func (m *Manager) publishOpen(ctx context.Context, f *feed) {
	if f.open != nil {
		m.publishBar(ctx, f, *f.open, false)
	}
}

// persistClosed write-throughs a closed bar so history queries see it
// without waiting for backfill. Store writes retry while the store reports
// itself unavailable; a bar that still cannot land is dropped with a
// dead-letter log and recovered later by backfill.
func (m *Manager) persistClosed(ctx context.Context, f *feed, bar ohlcv.Bar) {
	err := plugins.WithRetry(ctx, "bar-store", m.retry, func(err error) bool {
		return errors.Is(err, persistence.ErrStoreUnavailable)
	}, func() error {
		return m.repo.Insert1m(ctx, f.id.series, []ohlcv.Bar{bar})
	})
	if err != nil {
		log.Error().
			Str("symbol", f.id.series.Symbol).
			Int64("ts", bar.TsMs).
			Err(err).
			Msg("Dropping closed bar the store would not accept")
	}
	if err := m.barCache.Store1mBars(ctx, f.id.series, []ohlcv.Bar{bar}); err != nil {
		log.Warn().Str("symbol", f.id.series.Symbol).Err(err).Msg("Closed bar cache write failed")
	}
}

func (m *Manager) publishBar(ctx context.Context, f *feed, bar ohlcv.Bar, closed bool) {
	b := bar
	m.publish(ctx, f, Update{
		Kind: "bar", Stream: f.id.stream,
		Market: f.id.series.Market, Provider: f.id.series.Provider, Symbol: f.id.series.Symbol,
		TsMs: bar.TsMs, Bar: &b, Closed: closed,
	})
}

func (m *Manager) publishError(ctx context.Context, f *feed, code, msg string) {
	m.publish(ctx, f, Update{
		Kind: "error", Stream: f.id.stream,
		Market: f.id.series.Market, Provider: f.id.series.Provider, Symbol: f.id.series.Symbol,
		TsMs: time.Now().UnixMilli(), Code: code, Message: msg,
	})
}

func (m *Manager) publish(ctx context.Context, f *feed, u Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		log.Error().Err(err).Msg("Update marshal failed")
		return
	}
	if err := m.bus.Publish(ctx, f.id.channel(), payload); err != nil {
		log.Warn().Str("channel", f.id.channel()).Err(err).Msg("Bus publish failed")
	}
}
