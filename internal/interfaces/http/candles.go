package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/market/orchestrator"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

// CandleFetcher is the orchestrator capability the candles endpoint needs.
type CandleFetcher interface {
	Fetch(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// CandlesResponse is the /api/candles body.
type CandlesResponse struct {
	Market    string      `json:"market"`
	Provider  string      `json:"provider"`
	Symbol    string      `json:"symbol"`
	Timeframe string      `json:"timeframe"`
	Bars      []ohlcv.Bar `json:"bars"`
	Partial   bool        `json:"partial"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message})
}

// parseOptionalInt returns -1, the unset marker, for a missing value.
func parseOptionalInt(q string) (int64, error) {
	if q == "" {
		return -1, nil
	}
	return strconv.ParseInt(q, 10, 64)
}

// candlesHandler serves GET /api/candles?market=&provider=&symbol=&timeframe=&since=&until=&limit=.
func (s *Server) candlesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	market := q.Get("market")
	provider := q.Get("provider")
	symbol := q.Get("symbol")
	if market == "" || provider == "" || symbol == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "market, provider and symbol are required")
		return
	}

	tfRaw := q.Get("timeframe")
	if tfRaw == "" {
		tfRaw = "1m"
	}
	tf, err := ohlcv.ParseTimeframe(tfRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidTimeframe", err.Error())
		return
	}

	since, err := parseOptionalInt(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "since must be a unix millisecond timestamp")
		return
	}
	until, err := parseOptionalInt(q.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "until must be a unix millisecond timestamp")
		return
	}
	limit := -1
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be an integer")
			return
		}
	}

	res, err := s.fetcher.Fetch(r.Context(), orchestrator.Request{
		Market:    market,
		Provider:  provider,
		Symbol:    symbol,
		Timeframe: tf,
		Window:    ohlcv.Window{Since: since, Until: until, Limit: limit},
	})
	if err != nil {
		kind := plugins.KindOf(err)
		log.Warn().
			Str("symbol", symbol).
			Str("timeframe", tf.String()).
			Str("kind", string(kind)).
			Err(err).
			Msg("Candle fetch failed")
		writeError(w, statusForKind(kind), string(kind), err.Error())
		return
	}

	s.metrics.RecordFetch(market, provider, tfRaw, res.Partial)

	bars := res.Bars
	if bars == nil {
		bars = []ohlcv.Bar{}
	}
	json.NewEncoder(w).Encode(CandlesResponse{
		Market:    market,
		Provider:  provider,
		Symbol:    symbol,
		Timeframe: tf.String(),
		Bars:      bars,
		Partial:   res.Partial,
	})
}

// statusForKind maps the plugin error taxonomy to HTTP statuses.
func statusForKind(kind plugins.Kind) int {
	switch kind {
	case plugins.KindBadSymbol:
		return http.StatusNotFound
	case plugins.KindRateLimited:
		return http.StatusTooManyRequests
	case plugins.KindAuth:
		return http.StatusUnauthorized
	case plugins.KindFeatureUnsupported:
		return http.StatusNotImplemented
	case plugins.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
