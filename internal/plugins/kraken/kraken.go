// Package kraken adapts the Kraken REST and WebSocket APIs to the plugin
// contract. Kraken advertises native push for OHLC, trades and book
// streams; historical 1m bars come from the public OHLC endpoint.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

const (
	restBaseURL = "https://api.kraken.com"
	wsBaseURL   = "wss://ws.kraken.com"

	// Kraken returns at most 720 OHLC rows per call.
	maxBarsPerFetch = 720
)

// Factory constructs Kraken connectors.
type Factory struct{}

func (Factory) PluginKey() string               { return "kraken" }
func (Factory) SupportedMarkets() []string      { return []string{"crypto"} }
func (Factory) ConfigurableProviders() []string { return []string{"kraken"} }

// New constructs a connector. Kraken has no separate testnet; the flag is
// accepted for interface symmetry and ignored.
func (Factory) New(provider string, creds *plugins.Credentials, testnet bool) (plugins.Instance, error) {
	return &Client{
		provider: provider,
		baseURL:  restBaseURL,
		wsURL:    wsBaseURL,
		creds:    creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter:  plugins.NewRateLimiter(1, 3), // Kraken free tier
		breakers: plugins.NewBreakerSet(),
	}, nil
}

// Client is one live Kraken connector.
type Client struct {
	provider   string
	baseURL    string
	wsURL      string
	creds      *plugins.Credentials
	httpClient *http.Client
	limiter    *plugins.RateLimiter
	breakers   *plugins.BreakerSet
}

func (c *Client) PluginKey() string    { return "kraken" }
func (c *Client) Provider() string     { return c.provider }
func (c *Client) MaxBarsPerFetch() int { return maxBarsPerFetch }

// SupportsNativePush: Kraken pushes public market streams; user order
// streams need the authenticated feed which this connector does not open.
func (c *Client) SupportsNativePush(st ohlcv.StreamType) bool {
	switch st {
	case ohlcv.StreamOHLCV, ohlcv.StreamTrades, ohlcv.StreamBook:
		return true
	}
	return false
}

// wsPair converts the canonical symbol to Kraken's WebSocket pair name.
func wsPair(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "BTC", "XBT"))
}

// restPair converts the canonical symbol to the REST pair form.
func restPair(symbol string) string {
	return strings.ReplaceAll(wsPair(symbol), "/", "")
}

// GetSymbols lists tradable pairs in canonical BASE/QUOTE form.
func (c *Client) GetSymbols(ctx context.Context, market string) ([]string, error) {
	if market != "crypto" {
		return nil, plugins.NewError(plugins.KindFeatureUnsupported, c.provider,
			fmt.Errorf("market %q not supported", market))
	}

	var result map[string]struct {
		WSName string `json:"wsname"`
	}
	if err := c.getJSON(ctx, "/0/public/AssetPairs", nil, &result); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(result))
	for _, pair := range result {
		if pair.WSName == "" {
			continue
		}
		symbols = append(symbols, strings.ReplaceAll(pair.WSName, "XBT", "BTC"))
	}
	return symbols, nil
}

// GetInstrumentDetails returns precision and order limits for a pair.
func (c *Client) GetInstrumentDetails(ctx context.Context, symbol string) (plugins.InstrumentDetails, error) {
	params := url.Values{"pair": {restPair(symbol)}}

	var result map[string]struct {
		PairDecimals int    `json:"pair_decimals"`
		LotDecimals  int    `json:"lot_decimals"`
		OrderMin     string `json:"ordermin"`
	}
	if err := c.getJSON(ctx, "/0/public/AssetPairs", params, &result); err != nil {
		return plugins.InstrumentDetails{}, err
	}

	for _, pair := range result {
		minQty, _ := strconv.ParseFloat(pair.OrderMin, 64)
		return plugins.InstrumentDetails{
			Symbol:         symbol,
			PricePrecision: pair.PairDecimals,
			QtyPrecision:   pair.LotDecimals,
			MinQty:         minQty,
		}, nil
	}
	return plugins.InstrumentDetails{}, plugins.NewError(plugins.KindBadSymbol, c.provider,
		fmt.Errorf("unknown symbol %q", symbol))
}

// FetchHistorical1m returns up to limit 1m bars from sinceMs, ascending.
// Kraken's since parameter is in seconds and exclusive, so it is shifted
// back one bucket.
func (c *Client) FetchHistorical1m(ctx context.Context, symbol string, sinceMs int64, limit int) ([]ohlcv.Bar, error) {
	if limit <= 0 || limit > maxBarsPerFetch {
		limit = maxBarsPerFetch
	}
	params := url.Values{
		"pair":     {restPair(symbol)},
		"interval": {"1"},
		"since":    {strconv.FormatInt(sinceMs/1000-60, 10)},
	}

	var result map[string]json.RawMessage
	if err := c.getJSON(ctx, "/0/public/OHLC", params, &result); err != nil {
		return nil, err
	}

	var bars []ohlcv.Bar
	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows [][]json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, plugins.NewError(plugins.KindInternal, c.provider,
				fmt.Errorf("malformed OHLC payload: %w", err))
		}
		for _, row := range rows {
			bar, err := parseOHLCRow(row)
			if err != nil {
				return nil, plugins.NewError(plugins.KindInternal, c.provider, err)
			}
			if bar.TsMs < sinceMs {
				continue
			}
			bars = append(bars, bar)
			if len(bars) >= limit {
				break
			}
		}
		break // single pair requested
	}
	ohlcv.SortAscending(bars)
	return bars, nil
}

// parseOHLCRow decodes [time, open, high, low, close, vwap, volume, count].
func parseOHLCRow(row []json.RawMessage) (ohlcv.Bar, error) {
	var bar ohlcv.Bar
	if len(row) < 7 {
		return bar, fmt.Errorf("OHLC row too short: %d fields", len(row))
	}
	var sec int64
	if err := json.Unmarshal(row[0], &sec); err != nil {
		return bar, fmt.Errorf("OHLC row time: %w", err)
	}
	bar.TsMs = sec * 1000

	fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close}
	for i, dst := range fields {
		v, err := floatField(row[i+1])
		if err != nil {
			return bar, err
		}
		*dst = v
	}
	vol, err := floatField(row[6])
	if err != nil {
		return bar, err
	}
	bar.Volume = vol
	return bar, nil
}

func floatField(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var v float64
	err := json.Unmarshal(raw, &v)
	return v, err
}

// getJSON performs a rate-limited, breaker-guarded GET against the Kraken
// REST API, unwrapping the {error, result} envelope.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx, c.provider); err != nil {
		return plugins.NewError(plugins.KindNetwork, c.provider, err)
	}

	_, err := c.breakers.Execute(c.provider, func() (interface{}, error) {
		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, plugins.NewError(plugins.KindInternal, c.provider, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, plugins.NewError(plugins.KindNetwork, c.provider, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, plugins.NewError(plugins.KindNetwork, c.provider, err)
		}
		if resp.StatusCode >= 500 {
			return nil, plugins.NewError(plugins.KindNetwork, c.provider,
				fmt.Errorf("status %d", resp.StatusCode))
		}

		var envelope struct {
			Error  []string        `json:"error"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, plugins.NewError(plugins.KindInternal, c.provider,
				fmt.Errorf("decode %s: %w", path, err))
		}
		if len(envelope.Error) > 0 {
			return nil, c.mapAPIError(envelope.Error[0])
		}
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return nil, plugins.NewError(plugins.KindInternal, c.provider,
				fmt.Errorf("decode %s result: %w", path, err))
		}
		return nil, nil
	})
	return err
}

// mapAPIError converts Kraken error strings onto the taxonomy.
func (c *Client) mapAPIError(msg string) error {
	switch {
	case strings.Contains(msg, "Rate limit"):
		return plugins.NewRateLimited(c.provider, 5*time.Second, fmt.Errorf("%s", msg))
	case strings.Contains(msg, "Invalid key") || strings.Contains(msg, "Permission denied") ||
		strings.Contains(msg, "Invalid signature"):
		return plugins.NewError(plugins.KindAuth, c.provider, fmt.Errorf("%s", msg))
	case strings.Contains(msg, "Unknown asset pair"):
		return plugins.NewError(plugins.KindBadSymbol, c.provider, fmt.Errorf("%s", msg))
	case strings.HasPrefix(msg, "EService:"):
		return plugins.NewError(plugins.KindNetwork, c.provider, fmt.Errorf("%s", msg))
	}
	return plugins.NewError(plugins.KindInternal, c.provider, fmt.Errorf("%s", msg))
}

// Close is a no-op for the REST side; Watch connections are owned by their
// feed contexts.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
