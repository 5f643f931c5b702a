// Package plugins defines the connector contract every external provider
// adapter implements, the closed error taxonomy, and the instance registry
// that caches one live connector per (plugin, provider, credential,
// testnet) tuple with idle eviction.
package plugins

import (
	"context"
	"encoding/json"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
)

// Credentials carries provider API key material resolved by the external
// credential callback. Aux holds provider-specific extras (passphrases,
// subaccount ids).
type Credentials struct {
	APIKey  string
	Secret  string
	Aux     string
	Testnet bool
}

// CredentialFunc is the narrow callback the engine uses to resolve
// credentials for a (user, provider) pair. A nil result with no error means
// public access.
type CredentialFunc func(ctx context.Context, user, provider string) (*Credentials, error)

// InstrumentDetails describes a tradable symbol's precision and limits.
type InstrumentDetails struct {
	Symbol         string  `json:"symbol"`
	PricePrecision int     `json:"price_precision"`
	QtyPrecision   int     `json:"qty_precision"`
	MinQty         float64 `json:"min_qty"`
	MinNotional    float64 `json:"min_notional"`
}

// PushEvent is one payload from a native push stream. OHLCV streams carry
// Bar plus the Closed flag; other stream types carry the normalized raw
// payload.
type PushEvent struct {
	Type   ohlcv.StreamType
	TsMs   int64
	Bar    *ohlcv.Bar
	Closed bool
	Raw    json.RawMessage
}

// Instance is one live provider connector. Implementations normalize their
// provider's native API onto this capability set and map every failure to
// the taxonomy in errors.go.
type Instance interface {
	// PluginKey identifies the plugin family ("kraken", "binance", ...).
	PluginKey() string

	// Provider returns the provider id this instance is bound to.
	Provider() string

	// GetSymbols lists tradable symbols filtered to the given market.
	GetSymbols(ctx context.Context, market string) ([]string, error)

	// GetInstrumentDetails returns precision and limits for a symbol.
	GetInstrumentDetails(ctx context.Context, symbol string) (InstrumentDetails, error)

	// FetchHistorical1m returns up to limit 1m bars starting at sinceMs,
	// ascending, capped by MaxBarsPerFetch. Callers handle paging.
	FetchHistorical1m(ctx context.Context, symbol string, sinceMs int64, limit int) ([]ohlcv.Bar, error)

	// MaxBarsPerFetch is the provider's per-call historical cap.
	MaxBarsPerFetch() int

	// SupportsNativePush reports whether the provider can push this stream
	// type; when false the streaming manager falls back to polling.
	SupportsNativePush(st ohlcv.StreamType) bool

	// Watch opens a native push stream for a symbol. The returned channel
	// is closed when ctx is cancelled or the upstream connection dies; the
	// feed task is responsible for restarts.
	Watch(ctx context.Context, symbol string, st ohlcv.StreamType) (<-chan PushEvent, error)

	// Close releases underlying connections. The registry calls it on
	// eviction and shutdown.
	Close() error
}

// Factory constructs instances of one plugin family.
type Factory interface {
	// PluginKey identifies the family.
	PluginKey() string

	// SupportedMarkets lists the markets this family serves.
	SupportedMarkets() []string

	// ConfigurableProviders lists the provider ids this family can front.
	ConfigurableProviders() []string

	// New constructs a connector bound to a provider. creds may be nil for
	// public access.
	New(provider string, creds *Credentials, testnet bool) (Instance, error)
}

// Provider is the narrow capability the orchestrator and feeds receive
// instead of the whole registry, breaking the registry/orchestrator cycle.
type Provider interface {
	// Acquire leases a plugin instance for (market, provider) on behalf of
	// user (empty for public). Callers must Release the lease.
	Acquire(ctx context.Context, market, provider, user string) (*Lease, error)
}
