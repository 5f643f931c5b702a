package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/cache"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

const minuteMs = int64(60_000)

var series = persistence.Series{Market: "crypto", Provider: "fakex", Symbol: "BTC/USD"}

type gapRepo struct {
	mu      sync.Mutex
	gaps    []persistence.GapRange
	gapsErr error
	bars    map[int64]ohlcv.Bar
	inserts [][]ohlcv.Bar
}

func newGapRepo(gaps ...persistence.GapRange) *gapRepo {
	return &gapRepo{gaps: gaps, bars: make(map[int64]ohlcv.Bar)}
}

func (r *gapRepo) Insert1m(ctx context.Context, s persistence.Series, bars []ohlcv.Bar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts = append(r.inserts, append([]ohlcv.Bar(nil), bars...))
	for _, b := range bars {
		r.bars[b.TsMs] = b
	}
	return nil
}

func (r *gapRepo) Fetch1m(ctx context.Context, s persistence.Series, w ohlcv.Window) ([]ohlcv.Bar, error) {
	return nil, nil
}

func (r *gapRepo) FetchAggregate(ctx context.Context, s persistence.Series, tf ohlcv.Timeframe, w ohlcv.Window) ([]ohlcv.Bar, error) {
	return nil, persistence.ErrNotMaterialized
}

func (r *gapRepo) FindMissingRanges(ctx context.Context, s persistence.Series, earliestMs, latestMs int64) ([]persistence.GapRange, error) {
	return r.gaps, r.gapsErr
}

func (r *gapRepo) storedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bars)
}

// histInstance serves synthetic 1m bars for [availFrom, availTo].
type histInstance struct {
	mu        sync.Mutex
	availFrom int64
	availTo   int64
	chunk     int
	cursors   []int64
	errs      []error // consumed one per call before serving data
	block     chan struct{}
}

func (h *histInstance) PluginKey() string { return "fake" }
func (h *histInstance) Provider() string  { return "fakex" }
func (h *histInstance) GetSymbols(ctx context.Context, market string) ([]string, error) {
	return nil, nil
}
func (h *histInstance) GetInstrumentDetails(ctx context.Context, symbol string) (plugins.InstrumentDetails, error) {
	return plugins.InstrumentDetails{}, nil
}
func (h *histInstance) FetchHistorical1m(ctx context.Context, symbol string, sinceMs int64, limit int) ([]ohlcv.Bar, error) {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cursors = append(h.cursors, sinceMs)
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	var out []ohlcv.Bar
	for ts := sinceMs; ts <= h.availTo && len(out) < limit; ts += minuteMs {
		if ts < h.availFrom {
			continue
		}
		out = append(out, ohlcv.Bar{TsMs: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1})
	}
	return out, nil
}
func (h *histInstance) MaxBarsPerFetch() int {
	if h.chunk > 0 {
		return h.chunk
	}
	return 1000
}
func (h *histInstance) SupportsNativePush(st ohlcv.StreamType) bool { return false }
func (h *histInstance) Watch(ctx context.Context, symbol string, st ohlcv.StreamType) (<-chan plugins.PushEvent, error) {
	return nil, plugins.NewError(plugins.KindFeatureUnsupported, "fakex", nil)
}
func (h *histInstance) Close() error { return nil }

func (h *histInstance) seenCursors() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.cursors...)
}

type staticProvider struct{ inst plugins.Instance }

func (p *staticProvider) Acquire(ctx context.Context, market, provider, user string) (*plugins.Lease, error) {
	return plugins.StaticLease(p.inst), nil
}

func newCoordinator(t *testing.T, repo *gapRepo, inst plugins.Instance, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ChunkDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, repo, cache.NewMemoryCache(cache.DefaultConfig()), &staticProvider{inst: inst})
	t.Cleanup(c.Close)

	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestRun_FillsGapBackwardInChunks(t *testing.T) {
	// 2500 missing minutes against a 1000-bar chunk limit: three chunks.
	gapEnd := ohlcv.TF1m.Truncate(time.Now().UnixMilli()) - minuteMs
	gapStart := gapEnd - 2499*minuteMs
	repo := newGapRepo(persistence.GapRange{StartMs: gapStart, EndMs: gapEnd})
	inst := &histInstance{availFrom: gapStart - 100*minuteMs, availTo: gapEnd}

	c := newCoordinator(t, repo, inst, nil)

	var metricsMu sync.Mutex
	chunks := 0
	c.SetMetricsCallback(func(name string, _ float64, _ map[string]string) {
		if name != "backfill_chunk" {
			return
		}
		metricsMu.Lock()
		defer metricsMu.Unlock()
		chunks++
	})

	require.NoError(t, c.Run(context.Background(), series, ""))

	assert.Equal(t, 2500, repo.storedCount())
	require.Len(t, inst.seenCursors(), 3)
	metricsMu.Lock()
	assert.Equal(t, 3, chunks, "one event per fetched chunk")
	metricsMu.Unlock()

	// First chunk targets the newest slice of the gap.
	first := repo.inserts[0]
	assert.Equal(t, gapEnd, first[len(first)-1].TsMs)
	assert.Equal(t, gapEnd-999*minuteMs, first[0].TsMs)
}

func TestRun_NewestGapFirst(t *testing.T) {
	end := ohlcv.TF1m.Truncate(time.Now().UnixMilli()) - minuteMs
	older := persistence.GapRange{StartMs: end - 500*minuteMs, EndMs: end - 400*minuteMs}
	newer := persistence.GapRange{StartMs: end - 100*minuteMs, EndMs: end}
	repo := newGapRepo(older, newer)
	inst := &histInstance{availFrom: end - 1000*minuteMs, availTo: end}

	c := newCoordinator(t, repo, inst, nil)
	require.NoError(t, c.Run(context.Background(), series, ""))

	cursors := inst.seenCursors()
	require.Len(t, cursors, 2)
	assert.Greater(t, cursors[0], cursors[1], "newer gap must be fetched before the older one")
}

func TestRun_EmptyPageAbandonsRestOfGap(t *testing.T) {
	end := ohlcv.TF1m.Truncate(time.Now().UnixMilli()) - minuteMs
	// Provider only has the newest 1000 minutes; the gap asks for 3000.
	repo := newGapRepo(persistence.GapRange{StartMs: end - 2999*minuteMs, EndMs: end})
	inst := &histInstance{availFrom: end - 999*minuteMs, availTo: end}

	c := newCoordinator(t, repo, inst, nil)
	require.NoError(t, c.Run(context.Background(), series, ""))

	// Newest chunk filled; the next cursor fell before availFrom, returned
	// nothing in range, and the gap was abandoned without error.
	assert.Equal(t, 1000, repo.storedCount())
	assert.Len(t, inst.seenCursors(), 2)
}

func TestRun_AuthErrorAbortsTask(t *testing.T) {
	end := ohlcv.TF1m.Truncate(time.Now().UnixMilli()) - minuteMs
	repo := newGapRepo(
		persistence.GapRange{StartMs: end - 99*minuteMs, EndMs: end},
		persistence.GapRange{StartMs: end - 500*minuteMs, EndMs: end - 400*minuteMs},
	)
	inst := &histInstance{
		availFrom: end - 1000*minuteMs, availTo: end,
		errs: []error{plugins.NewError(plugins.KindAuth, "fakex", errors.New("revoked"))},
	}

	c := newCoordinator(t, repo, inst, nil)
	err := c.Run(context.Background(), series, "")
	require.Error(t, err)
	assert.Equal(t, plugins.KindAuth, plugins.KindOf(err))
	assert.Len(t, inst.seenCursors(), 1, "auth failure aborts before the second gap")
}

func TestRun_RateLimitHonorsRetryAfter(t *testing.T) {
	end := ohlcv.TF1m.Truncate(time.Now().UnixMilli()) - minuteMs
	repo := newGapRepo(persistence.GapRange{StartMs: end - 9*minuteMs, EndMs: end})
	inst := &histInstance{
		availFrom: end - 100*minuteMs, availTo: end,
		errs: []error{plugins.NewRateLimited("fakex", 7*time.Second, errors.New("slow down"))},
	}

	c := newCoordinator(t, repo, inst, nil)

	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	require.NoError(t, c.Run(context.Background(), series, ""))

	assert.Equal(t, 10, repo.storedCount())
	require.NotEmpty(t, slept)
	assert.Equal(t, 7*time.Second, slept[0], "retry-after hint must drive the throttle delay")
}

func TestRun_NetworkRetriesThenFails(t *testing.T) {
	end := ohlcv.TF1m.Truncate(time.Now().UnixMilli()) - minuteMs
	repo := newGapRepo(persistence.GapRange{StartMs: end - 9*minuteMs, EndMs: end})
	down := plugins.NewError(plugins.KindNetwork, "fakex", errors.New("unreachable"))
	inst := &histInstance{
		availFrom: end - 100*minuteMs, availTo: end,
		errs: []error{down, down, down, down},
	}

	c := newCoordinator(t, repo, inst, nil)
	err := c.Run(context.Background(), series, "")
	require.Error(t, err)
	assert.Equal(t, plugins.KindNetwork, plugins.KindOf(err))
	assert.Len(t, inst.seenCursors(), 4, "initial call plus three retries")
}

func TestRun_ChunkBudgetDefersRemainingWork(t *testing.T) {
	end := ohlcv.TF1m.Truncate(time.Now().UnixMilli()) - minuteMs
	repo := newGapRepo(persistence.GapRange{StartMs: end - 9999*minuteMs, EndMs: end})
	inst := &histInstance{availFrom: end - 20000*minuteMs, availTo: end}

	c := newCoordinator(t, repo, inst, func(cfg *Config) { cfg.MaxChunksPerRun = 2 })
	require.NoError(t, c.Run(context.Background(), series, ""))

	assert.Equal(t, 2000, repo.storedCount())
	assert.Len(t, inst.seenCursors(), 2)
}

func TestRun_SecondConcurrentTaskIsRejected(t *testing.T) {
	end := ohlcv.TF1m.Truncate(time.Now().UnixMilli()) - minuteMs
	repo := newGapRepo(persistence.GapRange{StartMs: end - 9*minuteMs, EndMs: end})
	gate := make(chan struct{})
	inst := &histInstance{availFrom: end - 100*minuteMs, availTo: end, block: gate}

	c := newCoordinator(t, repo, inst, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), series, "") }()

	// Wait until the first task holds the asset lock inside the plugin call.
	require.Eventually(t, func() bool {
		mu := c.assetLock(series)
		if mu.TryLock() {
			mu.Unlock()
			return false
		}
		return true
	}, time.Second, 5*time.Millisecond)

	err := c.Run(context.Background(), series, "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(gate)
	require.NoError(t, <-done)
}
