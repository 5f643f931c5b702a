package http

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds all Prometheus metrics for the engine. It carries
// its own registry so independent instances never collide.
type MetricsRegistry struct {
	registry *prometheus.Registry

	// Request metrics
	RequestDuration *prometheus.HistogramVec

	// Candle pipeline metrics
	FetchRequests  *prometheus.CounterVec
	PartialResults prometheus.Counter
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec

	// Streaming metrics
	FeedRestarts   *prometheus.CounterVec
	DeadFeeds      prometheus.Counter
	OverflowDrops  prometheus.Counter
	WSClients      prometheus.Gauge
	BackfillChunks prometheus.Counter
}

// NewMetricsRegistry creates a metrics registry with all engine metrics.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketd_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint", "status"},
		),

		FetchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_fetch_requests_total",
				Help: "Total candle fetch requests by market and timeframe",
			},
			[]string{"market", "provider", "timeframe"},
		),

		PartialResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketd_partial_results_total",
				Help: "Total fetch results flagged partial after upstream failure",
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_cache_hits_total",
				Help: "Total cache hits by tier",
			},
			[]string{"tier"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_cache_misses_total",
				Help: "Total cache misses by tier",
			},
			[]string{"tier"},
		),

		FeedRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_feed_restarts_total",
				Help: "Total live feed restarts by stream type",
			},
			[]string{"stream"},
		),

		DeadFeeds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketd_dead_feeds_total",
				Help: "Total feeds abandoned after exhausting restart attempts",
			},
		),

		OverflowDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketd_client_overflow_drops_total",
				Help: "Total clients dropped for outbound queue overflow",
			},
		),

		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketd_ws_clients",
				Help: "Currently connected WebSocket clients",
			},
		),

		BackfillChunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketd_backfill_chunks_total",
				Help: "Total historical chunks fetched by the backfill coordinator",
			},
		),
	}

	m.registry.MustRegister(
		m.RequestDuration,
		m.FetchRequests,
		m.PartialResults,
		m.CacheHits,
		m.CacheMisses,
		m.FeedRestarts,
		m.DeadFeeds,
		m.OverflowDrops,
		m.WSClients,
		m.BackfillChunks,
	)

	return m
}

// RegisterGauges installs callback gauges for live feed and view counts.
func (m *MetricsRegistry) RegisterGauges(activeFeeds, activeViews func() float64) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "marketd_active_feeds",
			Help: "Currently supervised live feeds",
		}, activeFeeds),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "marketd_active_views",
			Help: "Currently registered subscription views",
		}, activeViews),
	)
}

// ObserveRequest records one handled HTTP request.
func (m *MetricsRegistry) ObserveRequest(endpoint, status string, d time.Duration) {
	m.RequestDuration.WithLabelValues(endpoint, status).Observe(d.Seconds())
}

// RecordFetch records a candle fetch request and its partial flag.
func (m *MetricsRegistry) RecordFetch(market, provider, timeframe string, partial bool) {
	m.FetchRequests.WithLabelValues(market, provider, timeframe).Inc()
	if partial {
		m.PartialResults.Inc()
	}
}

// MetricsHandler returns the Prometheus scrape handler for this registry.
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
