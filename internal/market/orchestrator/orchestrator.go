// Package orchestrator implements the layered fetch pipeline that serves
// candle queries: resample cache, materialized aggregates, the 1m store,
// and finally the provider plugin, with write-through on the way out.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/cache"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

// Config tunes the fetch pipeline.
type Config struct {
	// AggregateStaleness is the recency horizon past which aggregate views
	// are considered authoritative; windows ending inside it also consult
	// the 1m store.
	AggregateStaleness time.Duration `yaml:"aggregate_staleness"`

	// MaxPages caps the plugin paging loop per fetch call.
	MaxPages int `yaml:"max_pages"`

	// PluginTimeout bounds each outbound plugin call.
	PluginTimeout time.Duration `yaml:"plugin_timeout"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		AggregateStaleness: 2 * time.Hour,
		MaxPages:           20,
		PluginTimeout:      30 * time.Second,
	}
}

// Request is one candle query.
type Request struct {
	Market    string
	Provider  string
	Symbol    string
	Timeframe ohlcv.Timeframe
	Window    ohlcv.Window

	// User selects credentials; empty means public access.
	User string
}

// Result carries the projected bars. Partial is set when an upstream source
// failed after some data was already collected, so the caller knows the
// window may be incomplete.
type Result struct {
	Bars    []ohlcv.Bar
	Partial bool
}

// MetricsCallback receives counter events from the pipeline.
type MetricsCallback func(name string, value float64, labels map[string]string)

// Orchestrator composes the cache, store, and plugin layers.
type Orchestrator struct {
	config   Config
	repo     persistence.BarsRepo
	cache    cache.Cache
	cacheCfg cache.Config
	provider plugins.Provider
	retry    plugins.RetryPolicy
	now      func() time.Time
	metrics  MetricsCallback
}

// New builds an orchestrator. The plugin side arrives as the narrow Provider
// capability rather than the registry itself.
func New(config Config, repo persistence.BarsRepo, c cache.Cache, cacheCfg cache.Config, provider plugins.Provider) *Orchestrator {
	return &Orchestrator{
		config:   config,
		repo:     repo,
		cache:    c,
		cacheCfg: cacheCfg,
		provider: provider,
		retry:    plugins.DefaultRetryPolicy(),
		now:      time.Now,
	}
}

// SetClock overrides the pipeline clock for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SetMetricsCallback installs the metrics hook. Call before serving traffic.
func (o *Orchestrator) SetMetricsCallback(cb MetricsCallback) { o.metrics = cb }

func (o *Orchestrator) count(name, tier string) {
	if o.metrics != nil {
		o.metrics(name, 1, map[string]string{"tier": tier})
	}
}

// Fetch runs the pipeline for one query. Output is strictly ascending with
// no duplicate timestamps and obeys the window's since/until/limit
// semantics.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) (Result, error) {
	s := persistence.Series{Market: req.Market, Provider: req.Provider, Symbol: req.Symbol}
	nowMs := o.now().UnixMilli()

	var resKey string
	if !req.Timeframe.IsOneMinute() {
		resKey = cache.ResampleKey(s, req.Timeframe, req.Window)
		if bars, hit, err := o.cache.GetResampled(ctx, resKey); err != nil {
			log.Warn().Str("series", s.Symbol).Err(err).Msg("Resample cache read failed")
			o.count("cache_miss", "resample")
		} else if hit {
			o.count("cache_hit", "resample")
			return Result{Bars: bars}, nil
		} else {
			o.count("cache_miss", "resample")
		}
	}

	srcWindow := o.sourceWindow(req)

	composite, err := o.cache.Get1mBars(ctx, s, srcWindow)
	if err != nil {
		log.Warn().Str("series", s.Symbol).Err(err).Msg("1m cache read failed")
		composite = nil
	}
	if len(composite) > 0 {
		o.count("cache_hit", "bars_1m")
	} else {
		o.count("cache_miss", "bars_1m")
	}

	// Aggregates serve coarse timeframes without touching raw 1m rows. A
	// hit that reaches the window's end short-circuits; a partial hit is
	// held and merged under fresher sources later.
	var aggregates []ohlcv.Bar
	if !req.Timeframe.IsOneMinute() {
		agg, err := o.repo.FetchAggregate(ctx, s, req.Timeframe, req.Window)
		switch {
		case errors.Is(err, persistence.ErrNotMaterialized):
		case err != nil:
			log.Warn().Str("series", s.Symbol).Err(err).Msg("Aggregate read failed")
		case o.aggregateCovers(agg, req, nowMs):
			out := ohlcv.Project(agg, req.Window)
			o.storeResampled(ctx, resKey, out, req.Timeframe)
			return Result{Bars: out}, nil
		default:
			aggregates = agg
		}
	}

	if req.Timeframe.IsOneMinute() || o.windowIsRecent(req.Window, nowMs) || len(aggregates) == 0 {
		stored, err := o.repo.Fetch1m(ctx, s, srcWindow)
		if err != nil {
			log.Warn().Str("series", s.Symbol).Err(err).Msg("1m store read failed, falling through to plugin")
		} else {
			composite = ohlcv.Merge(composite, stored)
		}
	}

	partial := false
	if cursor, need := o.firstMissing(composite, srcWindow, nowMs); need {
		fetched, fetchErr := o.fetchFromPlugin(ctx, req, cursor, srcWindow, nowMs)
		if fetchErr != nil {
			log.Warn().
				Str("series", s.Symbol).
				Str("provider", req.Provider).
				Err(fetchErr).
				Msg("Plugin fetch failed, returning partial result")
			partial = true
		}
		if len(fetched) > 0 {
			o.writeThrough(ctx, s, fetched)
			composite = ohlcv.Merge(composite, fetched)
		}
	}

	if req.Timeframe.IsOneMinute() {
		return Result{Bars: ohlcv.Project(composite, req.Window), Partial: partial}, nil
	}

	resampled := ohlcv.Resample(composite, req.Timeframe)
	out := ohlcv.Project(ohlcv.Merge(aggregates, resampled), req.Window)
	if !partial {
		o.storeResampled(ctx, resKey, out, req.Timeframe)
	}
	return Result{Bars: out, Partial: partial}, nil
}

// sourceWindow widens the request window to the 1m bars needed to build the
// target timeframe: bounds align outward to bucket edges and the limit
// scales by the bucket size.
func (o *Orchestrator) sourceWindow(req Request) ohlcv.Window {
	if req.Timeframe.IsOneMinute() {
		return req.Window
	}
	tfMs := req.Timeframe.Milliseconds()
	out := ohlcv.Window{Since: -1, Until: -1, Limit: -1}
	if req.Window.HasSince() {
		out.Since = req.Timeframe.Truncate(req.Window.Since)
	}
	if req.Window.HasUntil() {
		out.Until = req.Timeframe.Truncate(req.Window.Until-1) + tfMs
	}
	if req.Window.HasLimit() {
		out.Limit = req.Window.Limit * int(tfMs/ohlcv.TF1m.Milliseconds())
	}
	return out
}

// aggregateCovers reports whether the aggregate result reaches the window's
// effective end. Windows ending inside the staleness horizon never count as
// covered because the newest buckets may not be materialized yet.
func (o *Orchestrator) aggregateCovers(agg []ohlcv.Bar, req Request, nowMs int64) bool {
	if len(agg) == 0 {
		return false
	}
	end := nowMs
	if req.Window.HasUntil() && req.Window.Until < end {
		end = req.Window.Until
	}
	if end > nowMs-o.config.AggregateStaleness.Milliseconds() {
		return false
	}
	newest := agg[len(agg)-1].TsMs + req.Timeframe.Milliseconds()
	return newest >= req.Timeframe.Truncate(end-1)
}

// windowIsRecent reports whether the window's newest requested bar falls
// inside the aggregate staleness horizon.
func (o *Orchestrator) windowIsRecent(w ohlcv.Window, nowMs int64) bool {
	if !w.HasUntil() {
		return true
	}
	return w.Until >= nowMs-o.config.AggregateStaleness.Milliseconds()
}

// firstMissing finds the earliest 1m bucket the composite does not cover
// inside the window. Windows with neither a lower bound nor a limit never
// trigger a plugin fetch: there is no finite span to fill.
func (o *Orchestrator) firstMissing(composite []ohlcv.Bar, w ohlcv.Window, nowMs int64) (int64, bool) {
	stepMs := ohlcv.TF1m.Milliseconds()

	end := ohlcv.TF1m.Truncate(nowMs)
	if w.HasUntil() && w.Until < end {
		end = ohlcv.TF1m.Truncate(w.Until-1) + stepMs
	}

	var start int64
	switch {
	case w.HasSince():
		start = ohlcv.TF1m.Truncate(w.Since)
	case w.HasLimit():
		start = end - int64(w.Limit)*stepMs
	default:
		return 0, false
	}
	if start >= end {
		return 0, false
	}

	have := make(map[int64]struct{}, len(composite))
	for _, b := range composite {
		have[b.TsMs] = struct{}{}
	}
	for ts := start; ts < end; ts += stepMs {
		if _, ok := have[ts]; !ok {
			return ts, true
		}
	}
	return 0, false
}

// fetchFromPlugin runs the bounded paging loop from cursor toward the
// window's end. An empty page or the page cap terminates the loop; a plugin
// error returns whatever was collected alongside the error.
func (o *Orchestrator) fetchFromPlugin(ctx context.Context, req Request, cursor int64, w ohlcv.Window, nowMs int64) ([]ohlcv.Bar, error) {
	lease, err := o.provider.Acquire(ctx, req.Market, req.Provider, req.User)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	end := ohlcv.TF1m.Truncate(nowMs)
	if w.HasUntil() && w.Until < end {
		end = w.Until
	}

	chunk := lease.Instance.MaxBarsPerFetch()
	var collected []ohlcv.Bar
	for page := 0; page < o.config.MaxPages && cursor < end; page++ {
		callCtx, cancel := context.WithTimeout(ctx, o.config.PluginTimeout)
		bars, err := lease.Instance.FetchHistorical1m(callCtx, req.Symbol, cursor, chunk)
		cancel()
		if err != nil {
			return collected, err
		}
		if len(bars) == 0 {
			break
		}
		collected = append(collected, bars...)
		cursor = bars[len(bars)-1].TsMs + 1
		if w.HasLimit() && len(collected) >= w.Limit {
			break
		}
	}
	return collected, nil
}

// writeThrough persists newly fetched 1m bars to the store and cache. Store
// writes retry while the store reports itself unavailable; bars that still
// cannot land are dropped with a dead-letter log and recovered later by
// backfill. Cache writes are single-shot. The in-memory composite serves the
// caller either way.
func (o *Orchestrator) writeThrough(ctx context.Context, s persistence.Series, bars []ohlcv.Bar) {
	err := plugins.WithRetry(ctx, "bar-store", o.retry, func(err error) bool {
		return errors.Is(err, persistence.ErrStoreUnavailable)
	}, func() error {
		return o.repo.Insert1m(ctx, s, bars)
	})
	if err != nil {
		log.Error().
			Str("series", s.Symbol).
			Int("bars", len(bars)).
			Int64("first_ts", bars[0].TsMs).
			Int64("last_ts", bars[len(bars)-1].TsMs).
			Err(err).
			Msg("Dropping bars the store would not accept")
	}
	if err := o.cache.Store1mBars(ctx, s, bars); err != nil {
		log.Warn().Str("series", s.Symbol).Err(err).Msg("Write-through to 1m cache failed")
	}
}

func (o *Orchestrator) storeResampled(ctx context.Context, key string, bars []ohlcv.Bar, tf ohlcv.Timeframe) {
	if key == "" {
		return
	}
	if err := o.cache.SetResampled(ctx, key, bars, o.cacheCfg.ResampleTTL(tf)); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Resample cache write failed")
	}
}
