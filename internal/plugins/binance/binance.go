// Package binance adapts the Binance spot REST API to the plugin contract.
// Binance historical klines are fetched keylessly; the connector has no
// native push support, so live data comes from the polling fallback.
package binance

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
	spotBaseURL    = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"

	// Binance caps klines at 1000 rows per call.
	maxBarsPerFetch = 1000
)

// Factory constructs Binance connectors.
type Factory struct{}

func (Factory) PluginKey() string               { return "binance" }
func (Factory) SupportedMarkets() []string      { return []string{"crypto"} }
func (Factory) ConfigurableProviders() []string { return []string{"binance", "binanceus"} }

// New constructs a connector. Public access suffices for market data;
// credentials are only carried for the out-of-scope trading surface.
func (Factory) New(provider string, creds *plugins.Credentials, testnet bool) (plugins.Instance, error) {
	baseURL := spotBaseURL
	if testnet {
		baseURL = testnetBaseURL
	}
	if provider == "binanceus" {
		baseURL = "https://api.binance.us"
	}
	return &Client{
		provider: provider,
		baseURL:  baseURL,
		creds:    creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter:  plugins.NewRateLimiter(18, 20),
		breakers: plugins.NewBreakerSet(),
	}, nil
}

// Client is one live Binance connector.
type Client struct {
	provider   string
	baseURL    string
	creds      *plugins.Credentials
	httpClient *http.Client
	limiter    *plugins.RateLimiter
	breakers   *plugins.BreakerSet
}

func (c *Client) PluginKey() string    { return "binance" }
func (c *Client) Provider() string     { return c.provider }
func (c *Client) MaxBarsPerFetch() int { return maxBarsPerFetch }

// SupportsNativePush is false for every stream type: this connector is
// REST-only and relies on the polling fallback.
func (c *Client) SupportsNativePush(st ohlcv.StreamType) bool { return false }

// Watch always fails; the streaming manager falls back to polling.
func (c *Client) Watch(ctx context.Context, symbol string, st ohlcv.StreamType) (<-chan plugins.PushEvent, error) {
	return nil, plugins.NewError(plugins.KindFeatureUnsupported, c.provider,
		fmt.Errorf("native push not available for %s", st))
}

// nativeSymbol converts the canonical "BTC/USDT" form to Binance's
// concatenated upper-case form.
func nativeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// GetSymbols lists spot symbols in canonical BASE/QUOTE form.
func (c *Client) GetSymbols(ctx context.Context, market string) ([]string, error) {
	if market != "crypto" {
		return nil, plugins.NewError(plugins.KindFeatureUnsupported, c.provider,
			fmt.Errorf("market %q not supported", market))
	}

	var info exchangeInfo
	if err := c.getJSON(ctx, "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		symbols = append(symbols, s.BaseAsset+"/"+s.QuoteAsset)
	}
	return symbols, nil
}

// GetInstrumentDetails returns precision and lot limits for a symbol.
func (c *Client) GetInstrumentDetails(ctx context.Context, symbol string) (plugins.InstrumentDetails, error) {
	params := url.Values{"symbol": {nativeSymbol(symbol)}}

	var info exchangeInfo
	if err := c.getJSON(ctx, "/api/v3/exchangeInfo", params, &info); err != nil {
		return plugins.InstrumentDetails{}, err
	}
	if len(info.Symbols) == 0 {
		return plugins.InstrumentDetails{}, plugins.NewError(plugins.KindBadSymbol, c.provider,
			fmt.Errorf("unknown symbol %q", symbol))
	}

	s := info.Symbols[0]
	details := plugins.InstrumentDetails{
		Symbol:         symbol,
		PricePrecision: s.QuotePrecision,
		QtyPrecision:   s.BaseAssetPrecision,
	}
	for _, f := range s.Filters {
		if f.FilterType == "LOT_SIZE" {
			details.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
		}
		if f.FilterType == "NOTIONAL" || f.FilterType == "MIN_NOTIONAL" {
			details.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
	}
	return details, nil
}

// FetchHistorical1m returns up to limit 1m bars from sinceMs, ascending.
func (c *Client) FetchHistorical1m(ctx context.Context, symbol string, sinceMs int64, limit int) ([]ohlcv.Bar, error) {
	if limit <= 0 || limit > maxBarsPerFetch {
		limit = maxBarsPerFetch
	}
	params := url.Values{
		"symbol":    {nativeSymbol(symbol)},
		"interval":  {"1m"},
		"startTime": {strconv.FormatInt(sinceMs, 10)},
		"limit":     {strconv.Itoa(limit)},
	}

	var rows [][]json.RawMessage
	if err := c.getJSON(ctx, "/api/v3/klines", params, &rows); err != nil {
		return nil, err
	}

	bars := make([]ohlcv.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		bar, err := parseKline(row)
		if err != nil {
			return nil, plugins.NewError(plugins.KindInternal, c.provider,
				fmt.Errorf("malformed kline: %w", err))
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// parseKline decodes one kline row: [openTime, open, high, low, close,
// volume, ...] with the prices as strings.
func parseKline(row []json.RawMessage) (ohlcv.Bar, error) {
	var bar ohlcv.Bar
	if err := json.Unmarshal(row[0], &bar.TsMs); err != nil {
		return bar, err
	}
	fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
	for i, dst := range fields {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return bar, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return bar, err
		}
		*dst = v
	}
	return bar, nil
}

// getJSON performs a rate-limited, breaker-guarded GET and decodes the
// response, mapping failures onto the plugin taxonomy.
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

		if resp.StatusCode != http.StatusOK {
			return nil, c.mapStatus(resp, body)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return nil, plugins.NewError(plugins.KindInternal, c.provider,
				fmt.Errorf("decode %s: %w", path, err))
		}
		return nil, nil
	})
	return err
}

// mapStatus converts a non-200 response to the taxonomy.
func (c *Client) mapStatus(resp *http.Response, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		retryAfter := 5 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return plugins.NewRateLimited(c.provider, retryAfter, fmt.Errorf("%s", apiErr.Msg))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return plugins.NewError(plugins.KindAuth, c.provider, fmt.Errorf("%s", apiErr.Msg))
	case apiErr.Code == -1121: // invalid symbol
		return plugins.NewError(plugins.KindBadSymbol, c.provider, fmt.Errorf("%s", apiErr.Msg))
	case resp.StatusCode >= 500:
		return plugins.NewError(plugins.KindNetwork, c.provider,
			fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Msg))
	}
	return plugins.NewError(plugins.KindInternal, c.provider,
		fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Msg))
}

// Close is a no-op: the connector holds no persistent connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol             string `json:"symbol"`
		Status             string `json:"status"`
		BaseAsset          string `json:"baseAsset"`
		QuoteAsset         string `json:"quoteAsset"`
		BaseAssetPrecision int    `json:"baseAssetPrecision"`
		QuotePrecision     int    `json:"quotePrecision"`
		Filters            []struct {
			FilterType  string `json:"filterType"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}
