// Package backfill fills historical 1m gaps from provider plugins. Tasks
// are serialized per asset, throttled by a global semaphore across all
// assets, and bounded per run so a single series can never monopolize
// outbound API capacity.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/cache"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

// ErrAlreadyRunning is returned when a backfill for the same asset is in
// flight; the caller skips rather than queueing a duplicate.
var ErrAlreadyRunning = errors.New("backfill already running for asset")

// Config tunes backfill behavior.
type Config struct {
	// DefaultPeriod is how far back gap discovery looks.
	DefaultPeriod time.Duration `yaml:"default_period"`

	// MaxChunksPerRun bounds work per invocation; leftover gaps wait for
	// the next trigger.
	MaxChunksPerRun int `yaml:"max_chunks_per_run"`

	// ChunkDelay is the pause after each chunk releases the semaphore.
	ChunkDelay time.Duration `yaml:"chunk_delay"`

	// MaxConcurrentAPI caps concurrent outbound historical calls across
	// all assets.
	MaxConcurrentAPI int `yaml:"max_concurrent_api"`

	// PluginTimeout bounds each outbound call.
	PluginTimeout time.Duration `yaml:"plugin_timeout"`
}

// DefaultConfig returns the backfill defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPeriod:    30 * 24 * time.Hour,
		MaxChunksPerRun:  100,
		ChunkDelay:       1500 * time.Millisecond,
		MaxConcurrentAPI: 10,
		PluginTimeout:    30 * time.Second,
	}
}

// state names for structured task logging.
const (
	statePlanning  = "planning"
	stateFetching  = "fetching"
	stateThrottled = "throttled"
	stateDone      = "done"
	stateFailed    = "failed"
)

// MetricsCallback receives counter events from the coordinator.
type MetricsCallback func(name string, value float64, labels map[string]string)

// Coordinator runs backfill tasks.
type Coordinator struct {
	config   Config
	repo     persistence.BarsRepo
	cache    cache.BarCache
	provider plugins.Provider
	retry    plugins.RetryPolicy
	metrics  MetricsCallback

	sem chan struct{}

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	now     func() time.Time

	// sleep is swapped in tests to skip real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a coordinator.
func New(config Config, repo persistence.BarsRepo, c cache.BarCache, provider plugins.Provider) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		config:   config,
		repo:     repo,
		cache:    c,
		provider: provider,
		retry:    plugins.DefaultRetryPolicy(),
		sem:      make(chan struct{}, config.MaxConcurrentAPI),
		locks:    make(map[string]*sync.Mutex),
		baseCtx:  ctx,
		cancel:   cancel,
		now:      time.Now,
		sleep:    sleepCtx,
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

// SetClock overrides the coordinator clock for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// SetMetricsCallback installs the metrics hook. Call before triggering tasks.
func (c *Coordinator) SetMetricsCallback(cb MetricsCallback) { c.metrics = cb }

// Trigger starts a backfill for the asset in the background. Duplicate
// triggers while a task is running are dropped.
func (c *Coordinator) Trigger(s persistence.Series, user string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.Run(c.baseCtx, s, user)
		if err != nil && !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, context.Canceled) {
			log.Error().
				Str("provider", s.Provider).
				Str("symbol", s.Symbol).
				Err(err).
				Msg("Backfill task failed")
		}
	}()
}

// Close cancels in-flight tasks and waits for them to drain.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) assetLock(s persistence.Series) *sync.Mutex {
	key := s.Provider + ":" + s.Symbol
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[key] = mu
	}
	return mu
}

// Run executes one backfill task synchronously: discover 1m gaps over the
// backfill period, then fill them newest-first in bounded chunks.
func (c *Coordinator) Run(ctx context.Context, s persistence.Series, user string) error {
	lock := c.assetLock(s)
	if !lock.TryLock() {
		return ErrAlreadyRunning
	}
	defer lock.Unlock()

	c.logState(s, statePlanning)

	nowMs := ohlcv.TF1m.Truncate(c.now().UnixMilli())
	oldestMs := nowMs - c.config.DefaultPeriod.Milliseconds()

	gaps, err := c.repo.FindMissingRanges(ctx, s, oldestMs, nowMs-ohlcv.TF1m.Milliseconds())
	if err != nil {
		c.logState(s, stateFailed)
		return fmt.Errorf("gap discovery: %w", err)
	}
	if len(gaps) == 0 {
		c.logState(s, stateDone)
		return nil
	}

	// Newest first so recent history fills before deep history.
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].EndMs > gaps[j].EndMs })

	lease, err := c.provider.Acquire(ctx, s.Market, s.Provider, user)
	if err != nil {
		c.logState(s, stateFailed)
		return fmt.Errorf("acquire plugin: %w", err)
	}
	defer lease.Release()

	c.logState(s, stateFetching)

	chunksUsed := 0
	for _, gap := range gaps {
		used, err := c.fillGap(ctx, s, lease.Instance, gap, c.config.MaxChunksPerRun-chunksUsed)
		chunksUsed += used
		if err != nil {
			c.logState(s, stateFailed)
			return err
		}
		if chunksUsed >= c.config.MaxChunksPerRun {
			log.Info().
				Str("provider", s.Provider).
				Str("symbol", s.Symbol).
				Int("chunks", chunksUsed).
				Msg("Backfill chunk budget exhausted, deferring remaining gaps")
			break
		}
	}

	c.logState(s, stateDone)
	return nil
}

// fillGap fetches one gap backward from its end, returning the number of
// chunks consumed. An empty page means the provider holds no older data for
// this series; the rest of the gap is abandoned.
func (c *Coordinator) fillGap(ctx context.Context, s persistence.Series, inst plugins.Instance, gap persistence.GapRange, chunkBudget int) (int, error) {
	stepMs := ohlcv.TF1m.Milliseconds()
	chunkBars := inst.MaxBarsPerFetch()
	chunkSpan := int64(chunkBars) * stepMs

	used := 0
	currentEnd := gap.EndMs
	for currentEnd >= gap.StartMs && used < chunkBudget {
		cursor := currentEnd - chunkSpan + stepMs
		if cursor < gap.StartMs {
			cursor = gap.StartMs
		}

		bars, err := c.fetchChunk(ctx, s, inst, cursor, chunkBars)
		used++
		if err != nil {
			if plugins.KindOf(err) == plugins.KindAuth {
				return used, fmt.Errorf("backfill aborted: %w", err)
			}
			return used, fmt.Errorf("chunk at %d: %w", cursor, err)
		}

		kept := bars[:0]
		for _, b := range bars {
			if b.TsMs >= gap.StartMs && b.TsMs <= currentEnd {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			log.Debug().
				Str("provider", s.Provider).
				Str("symbol", s.Symbol).
				Int64("cursor", cursor).
				Msg("Provider has no data for remainder of gap, advancing")
			return used, nil
		}

		if err := c.repo.Insert1m(ctx, s, kept); err != nil {
			return used, fmt.Errorf("persist chunk: %w", err)
		}
		if err := c.cache.Store1mBars(ctx, s, kept); err != nil {
			log.Warn().Str("symbol", s.Symbol).Err(err).Msg("Backfill cache write failed")
		}

		currentEnd = cursor - stepMs
	}
	return used, nil
}

// fetchChunk runs one semaphore-gated plugin call with the backfill retry
// policy: rate limits honor the retry-after hint, network failures back off
// exponentially, persistent errors surface immediately.
func (c *Coordinator) fetchChunk(ctx context.Context, s persistence.Series, inst plugins.Instance, cursor int64, limit int) ([]ohlcv.Bar, error) {
	networkAttempts := 0
	throttleAttempts := 0
	for {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		callCtx, cancel := context.WithTimeout(ctx, c.config.PluginTimeout)
		bars, err := inst.FetchHistorical1m(callCtx, s.Symbol, cursor, limit)
		cancel()
		<-c.sem

		if err == nil {
			if c.metrics != nil {
				c.metrics("backfill_chunk", 1, nil)
			}
			if delayErr := c.sleep(ctx, c.config.ChunkDelay); delayErr != nil {
				return bars, delayErr
			}
			return bars, nil
		}

		switch plugins.KindOf(err) {
		case plugins.KindRateLimited:
			throttleAttempts++
			if throttleAttempts > c.retry.MaxAttempts {
				return nil, err
			}
			delay := c.retry.Backoff(throttleAttempts - 1)
			if hint, ok := plugins.RetryAfterOf(err); ok && hint > 0 {
				delay = hint
			}
			c.logState(s, stateThrottled)
			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		case plugins.KindNetwork:
			networkAttempts++
			if networkAttempts > c.retry.MaxAttempts {
				return nil, err
			}
			if sleepErr := c.sleep(ctx, c.retry.Backoff(networkAttempts-1)); sleepErr != nil {
				return nil, sleepErr
			}
		default:
			return nil, err
		}
	}
}

func (c *Coordinator) logState(s persistence.Series, state string) {
	log.Info().
		Str("provider", s.Provider).
		Str("symbol", s.Symbol).
		Str("state", state).
		Msg("Backfill state transition")
}
