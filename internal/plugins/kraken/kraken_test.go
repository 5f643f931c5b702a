package kraken

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	inst, err := Factory{}.New("kraken", nil, false)
	require.NoError(t, err)
	c := inst.(*Client)
	c.baseURL = srv.URL
	c.limiter = plugins.NewRateLimiter(1000, 1000)
	return c
}

func TestPairNormalization(t *testing.T) {
	assert.Equal(t, "XBT/USD", wsPair("BTC/USD"))
	assert.Equal(t, "XBTUSD", restPair("BTC/USD"))
	assert.Equal(t, "ETH/EUR", wsPair("ETH/EUR"))
}

func TestFetchHistorical1m(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/0/public/OHLC", r.URL.Path)
		assert.Equal(t, "XBTUSD", r.URL.Query().Get("pair"))
		assert.Equal(t, "1", r.URL.Query().Get("interval"))

		w.Write([]byte(`{"error":[],"result":{
			"XXBTZUSD":[
				[1700000040,"50000.1","50010.0","49990.0","50005.0","50002.0","1.5",10],
				[1700000100,"50005.0","50020.0","50000.0","50015.0","50010.0","2.25",12]
			],
			"last":1700000100}}`))
	})

	bars, err := c.FetchHistorical1m(context.Background(), "BTC/USD", 1_700_000_040_000, 0)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, int64(1_700_000_040_000), bars[0].TsMs)
	assert.Equal(t, 50000.1, bars[0].Open)
	assert.Equal(t, 1.5, bars[0].Volume)
	assert.Equal(t, int64(1_700_000_100_000), bars[1].TsMs)
	assert.Equal(t, 50015.0, bars[1].Close)
}

func TestFetchHistorical1m_DropsRowsBeforeSince(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":[],"result":{
			"XXBTZUSD":[
				[1699999980,"1","1","1","1","1","1",1],
				[1700000040,"2","2","2","2","2","1",1]
			],
			"last":1700000040}}`))
	})

	bars, err := c.FetchHistorical1m(context.Background(), "BTC/USD", 1_700_000_040_000, 0)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, int64(1_700_000_040_000), bars[0].TsMs)
}

func TestGetSymbols(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/0/public/AssetPairs", r.URL.Path)
		w.Write([]byte(`{"error":[],"result":{
			"XXBTZUSD":{"wsname":"XBT/USD"},
			"XETHZEUR":{"wsname":"ETH/EUR"}}}`))
	})

	symbols, err := c.GetSymbols(context.Background(), "crypto")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"BTC/USD", "ETH/EUR"}, symbols)
}

func TestGetSymbols_UnsupportedMarket(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := c.GetSymbols(context.Background(), "equities")
	require.Error(t, err)
	assert.Equal(t, plugins.KindFeatureUnsupported, plugins.KindOf(err))
}

func TestAPIErrorMapping(t *testing.T) {
	cases := []struct {
		apiErr string
		kind   plugins.Kind
	}{
		{"EAPI:Rate limit exceeded", plugins.KindRateLimited},
		{"EAPI:Invalid key", plugins.KindAuth},
		{"EGeneral:Permission denied", plugins.KindAuth},
		{"EQuery:Unknown asset pair", plugins.KindBadSymbol},
		{"EService:Unavailable", plugins.KindNetwork},
		{"EGeneral:Internal error", plugins.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.apiErr, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": []string{tc.apiErr},
				})
			})
			_, err := c.FetchHistorical1m(context.Background(), "BTC/USD", 0, 10)
			require.Error(t, err)
			assert.Equal(t, tc.kind, plugins.KindOf(err))
		})
	}
}

func TestServerErrorIsNetwork(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.FetchHistorical1m(context.Background(), "BTC/USD", 0, 10)
	require.Error(t, err)
	assert.Equal(t, plugins.KindNetwork, plugins.KindOf(err))
}

func TestSupportsNativePush(t *testing.T) {
	inst, err := Factory{}.New("kraken", nil, false)
	require.NoError(t, err)

	assert.True(t, inst.SupportsNativePush(ohlcv.StreamOHLCV))
	assert.True(t, inst.SupportsNativePush(ohlcv.StreamTrades))
	assert.True(t, inst.SupportsNativePush(ohlcv.StreamBook))
	assert.False(t, inst.SupportsNativePush(ohlcv.StreamUserOrders))
}

func TestParseOHLCPush(t *testing.T) {
	payload := json.RawMessage(`["1700000095.123456","1700000100.000000","50000.1","50010.0","49990.0","50005.0","50002.0","1.5","10"]`)

	bar, err := parseOHLCPush(payload)
	require.NoError(t, err)

	// etime 1700000100s minus one bucket gives the bucket start.
	assert.Equal(t, int64(1_700_000_040_000), bar.TsMs)
	assert.Equal(t, 50000.1, bar.Open)
	assert.Equal(t, 50010.0, bar.High)
	assert.Equal(t, 49990.0, bar.Low)
	assert.Equal(t, 50005.0, bar.Close)
	assert.Equal(t, 1.5, bar.Volume)
}

func TestParsePushFrame_ControlFrames(t *testing.T) {
	c := &Client{provider: "kraken"}

	_, ok, err := c.parsePushFrame([]byte(`{"event":"heartbeat"}`), ohlcv.StreamOHLCV)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.parsePushFrame([]byte(`{"event":"subscriptionStatus","status":"subscribed"}`), ohlcv.StreamOHLCV)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.parsePushFrame([]byte(`{"event":"subscriptionStatus","status":"error","errorMessage":"Currency pair not supported"}`), ohlcv.StreamOHLCV)
	require.Error(t, err)
}

func TestParsePushFrame_OHLCData(t *testing.T) {
	c := &Client{provider: "kraken"}
	frame := []byte(`[42,["1700000095.1","1700000100.0","1","2","0.5","1.5","1.2","3.0","7"],"ohlc-1","XBT/USD"]`)

	ev, ok, err := c.parsePushFrame(frame, ohlcv.StreamOHLCV)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, ev.Bar)
	assert.Equal(t, ohlcv.StreamOHLCV, ev.Type)
	assert.False(t, ev.Closed)
	assert.Equal(t, int64(1_700_000_040_000), ev.Bar.TsMs)
	assert.Equal(t, 3.0, ev.Bar.Volume)
}

func TestParsePushFrame_TradesPassthrough(t *testing.T) {
	c := &Client{provider: "kraken"}
	frame := []byte(`[7,[["50000.1","0.25","1700000095.1","b","m",""]],"trade","XBT/USD"]`)

	ev, ok, err := c.parsePushFrame(frame, ohlcv.StreamTrades)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, ev.Bar)
	assert.NotEmpty(t, ev.Raw)
	assert.WithinDuration(t, time.Now(), time.UnixMilli(ev.TsMs), 5*time.Second)
}
