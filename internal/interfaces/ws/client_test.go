package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churst90/accessible-trader-sub001/internal/config"
	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/cache"
	"github.com/churst90/accessible-trader-sub001/internal/market/orchestrator"
	"github.com/churst90/accessible-trader-sub001/internal/market/stream"
	"github.com/churst90/accessible-trader-sub001/internal/market/subs"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

type idleInstance struct{}

func (idleInstance) PluginKey() string { return "fake" }
func (idleInstance) Provider() string  { return "fakex" }
func (idleInstance) GetSymbols(ctx context.Context, market string) ([]string, error) {
	return nil, nil
}
func (idleInstance) GetInstrumentDetails(ctx context.Context, symbol string) (plugins.InstrumentDetails, error) {
	return plugins.InstrumentDetails{}, nil
}
func (idleInstance) FetchHistorical1m(ctx context.Context, symbol string, sinceMs int64, limit int) ([]ohlcv.Bar, error) {
	return nil, nil
}
func (idleInstance) MaxBarsPerFetch() int                        { return 1000 }
func (idleInstance) SupportsNativePush(st ohlcv.StreamType) bool { return false }
func (idleInstance) Watch(ctx context.Context, symbol string, st ohlcv.StreamType) (<-chan plugins.PushEvent, error) {
	return nil, plugins.NewError(plugins.KindFeatureUnsupported, "fakex", nil)
}
func (idleInstance) Close() error { return nil }

type idleProvider struct{}

func (idleProvider) Acquire(ctx context.Context, market, provider, user string) (*plugins.Lease, error) {
	return plugins.StaticLease(idleInstance{}), nil
}

type fixture struct {
	svc    *subs.Service
	server *httptest.Server
	cfg    config.ServerConfig
}

func newFixture(t *testing.T, mutate func(*config.ServerConfig)) *fixture {
	t.Helper()

	mem := cache.NewMemoryCache(cache.DefaultConfig())
	repo := &stubRepo{}
	orch := orchestrator.New(orchestrator.DefaultConfig(), repo, mem, cache.DefaultConfig(), idleProvider{})

	streamCfg := stream.DefaultConfig()
	streamCfg.PollOHLCV = time.Hour
	streamCfg.Grace = 10 * time.Millisecond
	streams := stream.New(streamCfg, mem, mem, repo, idleProvider{})

	svc := subs.New(orch, streams, nil, mem)

	cfg := config.DefaultServerConfig()
	cfg.PingInterval = time.Hour // heartbeat tests shorten this
	if mutate != nil {
		mutate(&cfg)
	}

	server := httptest.NewServer(NewHandler(svc, cfg, nil))
	t.Cleanup(func() {
		server.Close()
		svc.Close()
		streams.Close()
	})
	return &fixture{svc: svc, server: server, cfg: cfg}
}

type stubRepo struct{}

func (stubRepo) Insert1m(ctx context.Context, s persistence.Series, bars []ohlcv.Bar) error {
	return nil
}
func (stubRepo) Fetch1m(ctx context.Context, s persistence.Series, w ohlcv.Window) ([]ohlcv.Bar, error) {
	return nil, nil
}
func (stubRepo) FetchAggregate(ctx context.Context, s persistence.Series, tf ohlcv.Timeframe, w ohlcv.Window) ([]ohlcv.Bar, error) {
	return nil, persistence.ErrNotMaterialized
}
func (stubRepo) FindMissingRanges(ctx context.Context, s persistence.Series, earliestMs, latestMs int64) ([]persistence.GapRange, error) {
	return nil, nil
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wireFrame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func subscribeFrame(tf, st string) map[string]interface{} {
	m := map[string]interface{}{
		"type": "subscribe", "market": "crypto", "provider": "fakex", "symbol": "BTC/USD",
	}
	if tf != "" {
		m["timeframe"] = tf
	}
	if st != "" {
		m["stream"] = st
	}
	return m
}

func TestSubscribe_DeliversStatusThenInitialBatch(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(subscribeFrame("1m", "")))

	status := readFrame(t, conn)
	assert.Equal(t, "status", status.Type)

	data := readFrame(t, conn)
	assert.Equal(t, "data", data.Type)
	var payload struct {
		InitialBatch bool `json:"initial_batch"`
	}
	require.NoError(t, json.Unmarshal(data.Payload, &payload))
	assert.True(t, payload.InitialBatch)

	require.Eventually(t, func() bool { return f.svc.ViewCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_InvalidTimeframeRejected(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(subscribeFrame("7x", "")))

	fr := readFrame(t, conn)
	assert.Equal(t, "error", fr.Type)
	assert.Equal(t, subs.CodeInvalidRequest, fr.Code)
	assert.Equal(t, 0, f.svc.ViewCount())
}

func TestSubscribe_OHLCVStreamName(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "subscribe", "market": "crypto", "provider": "fakex", "symbol": "BTC/USD",
		"timeframe": "1m", "stream": "ohlcv", "since": 1_700_000_000_000,
	}))

	status := readFrame(t, conn)
	assert.Equal(t, "status", status.Type)

	data := readFrame(t, conn)
	assert.Equal(t, "data", data.Type)

	require.Eventually(t, func() bool { return f.svc.ViewCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_UnknownStreamRejected(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(subscribeFrame("1m", "level3")))

	fr := readFrame(t, conn)
	assert.Equal(t, "error", fr.Type)
	assert.Equal(t, subs.CodeInvalidRequest, fr.Code)
}

func TestUnsubscribe_RemovesView(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(subscribeFrame("1m", "")))
	readFrame(t, conn) // status
	readFrame(t, conn) // data
	require.Eventually(t, func() bool { return f.svc.ViewCount() == 1 }, time.Second, 5*time.Millisecond)

	unsub := subscribeFrame("1m", "")
	unsub["type"] = "unsubscribe"
	require.NoError(t, conn.WriteJSON(unsub))

	require.Eventually(t, func() bool { return f.svc.ViewCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDisconnect_DropsAllClientViews(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(subscribeFrame("1m", "")))
	readFrame(t, conn)
	readFrame(t, conn)
	require.Eventually(t, func() bool { return f.svc.ViewCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return f.svc.ViewCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_MissedPongsCloseConnection(t *testing.T) {
	f := newFixture(t, func(cfg *config.ServerConfig) {
		cfg.PingInterval = 20 * time.Millisecond
	})
	conn := f.dial(t)

	// Never answer pings; the server closes after the heartbeat budget.
	pings := 0
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			assert.Equal(t, maxMissedPongs, pings, "connection closes once the pong budget is spent")
			return
		}
		var fr wireFrame
		require.NoError(t, json.Unmarshal(raw, &fr))
		if fr.Type == "ping" {
			pings++
		}
	}
	t.Fatal("connection was not closed after missed pongs")
}

func TestHeartbeat_PongKeepsConnectionAlive(t *testing.T) {
	f := newFixture(t, func(cfg *config.ServerConfig) {
		cfg.PingInterval = 20 * time.Millisecond
	})
	conn := f.dial(t)

	// Answer every ping for several heartbeat periods.
	stop := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(stop) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "connection must stay open while pongs flow")
		var fr wireFrame
		require.NoError(t, json.Unmarshal(raw, &fr))
		if fr.Type == "ping" {
			require.NoError(t, conn.WriteJSON(map[string]string{"type": "pong"}))
		}
	}

	// Still usable afterwards. Pings keep interleaving, skip past them.
	require.NoError(t, conn.WriteJSON(subscribeFrame("1m", "")))
	for {
		fr := readFrame(t, conn)
		if fr.Type == "ping" {
			require.NoError(t, conn.WriteJSON(map[string]string{"type": "pong"}))
			continue
		}
		assert.Equal(t, "status", fr.Type)
		break
	}
}

func TestParseRequest_Defaults(t *testing.T) {
	c := &Client{}

	req, err := c.parseRequest(clientFrame{Market: "crypto", Provider: "fakex", Symbol: "BTC/USD"})
	require.NoError(t, err)
	assert.True(t, req.Timeframe.IsOneMinute())
	assert.Equal(t, ohlcv.StreamOHLCV, req.Stream)
	assert.Equal(t, int64(-1), req.SinceMs)

	req, err = c.parseRequest(clientFrame{
		Market: "crypto", Provider: "fakex", Symbol: "BTC/USD", Stream: "ohlcv",
	})
	require.NoError(t, err)
	assert.Equal(t, ohlcv.StreamOHLCV, req.Stream)

	since := int64(1_700_000_000_000)
	req, err = c.parseRequest(clientFrame{
		Market: "crypto", Provider: "fakex", Symbol: "BTC/USD",
		Timeframe: "5m", Stream: "trades", Since: &since,
	})
	require.NoError(t, err)
	assert.Equal(t, "5m", req.Timeframe.String())
	assert.Equal(t, ohlcv.StreamTrades, req.Stream)
	assert.Equal(t, since, req.SinceMs)

	_, err = c.parseRequest(clientFrame{Provider: "fakex", Symbol: "BTC/USD"})
	assert.Error(t, err)
}
