// Package app is the composition root: it wires storage, cache, plugins,
// the market pipeline, and the HTTP/WebSocket front into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/config"
	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/cache"
	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/db"
	httpserver "github.com/churst90/accessible-trader-sub001/internal/interfaces/http"
	"github.com/churst90/accessible-trader-sub001/internal/interfaces/ws"
	"github.com/churst90/accessible-trader-sub001/internal/market/backfill"
	"github.com/churst90/accessible-trader-sub001/internal/market/orchestrator"
	"github.com/churst90/accessible-trader-sub001/internal/market/stream"
	"github.com/churst90/accessible-trader-sub001/internal/market/subs"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
	"github.com/churst90/accessible-trader-sub001/internal/plugins/binance"
	"github.com/churst90/accessible-trader-sub001/internal/plugins/kraken"
)

// shutdownTimeout bounds the HTTP drain during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// App owns every long-lived component of the engine.
type App struct {
	cfg config.Config

	dbm      *db.Manager
	cache    cache.Cache
	registry *plugins.Registry

	orch     *orchestrator.Orchestrator
	backfill *backfill.Coordinator
	streams  *stream.Manager
	subs     *subs.Service

	metrics *httpserver.MetricsRegistry
	server  *httpserver.Server
}

// New wires the full engine from configuration. Nothing starts serving
// until Run.
func New(cfg config.Config) (*App, error) {
	dbm, err := db.NewManager(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	var c cache.Cache
	if cfg.Cache.Addr != "" {
		c = cache.NewRedisCache(cfg.Cache)
		log.Info().Str("addr", cfg.Cache.Addr).Msg("Using Redis cache")
	} else {
		c = cache.NewMemoryCache(cfg.Cache)
		log.Warn().Msg("No Redis address configured, using in-process cache")
	}

	registry := plugins.NewRegistry(cfg.Registry, []plugins.Factory{
		kraken.Factory{},
		binance.Factory{},
	}, nil)

	orch := orchestrator.New(cfg.Orchestrator, dbm.Bars(), c, cfg.Cache, registry)
	bf := backfill.New(cfg.Backfill, dbm.Bars(), c, registry)
	streams := stream.New(cfg.Stream, c, c, dbm.Bars(), registry)
	svc := subs.New(orch, streams, bf, c)

	metrics := httpserver.NewMetricsRegistry()
	metrics.RegisterGauges(
		func() float64 { return float64(streams.FeedCount()) },
		func() float64 { return float64(svc.ViewCount()) },
	)

	hook := metricsHook(metrics)
	orch.SetMetricsCallback(hook)
	streams.SetMetricsCallback(hook)
	bf.SetMetricsCallback(hook)
	svc.SetMetricsCallback(hook)

	wsHandler := ws.NewHandler(svc, cfg.Server, metrics)
	server, err := httpserver.NewServer(cfg.Server, orch, metrics, map[string]httpserver.Pinger{
		"db":    dbm,
		"cache": c,
	}, wsHandler)
	if err != nil {
		dbm.Close()
		c.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		dbm:      dbm,
		cache:    c,
		registry: registry,
		orch:     orch,
		backfill: bf,
		streams:  streams,
		subs:     svc,
		metrics:  metrics,
		server:   server,
	}, nil
}

// metricsHook maps pipeline counter events onto the Prometheus registry.
// Every component's callback type shares this signature, so one adapter
// serves them all.
func metricsHook(m *httpserver.MetricsRegistry) func(name string, value float64, labels map[string]string) {
	return func(name string, value float64, labels map[string]string) {
		switch name {
		case "cache_hit":
			m.CacheHits.WithLabelValues(labels["tier"]).Add(value)
		case "cache_miss":
			m.CacheMisses.WithLabelValues(labels["tier"]).Add(value)
		case "feed_restart":
			m.FeedRestarts.WithLabelValues(labels["stream"]).Add(value)
		case "feed_dead":
			m.DeadFeeds.Add(value)
		case "client_overflow":
			m.OverflowDrops.Add(value)
		case "backfill_chunk":
			m.BackfillChunks.Add(value)
		}
	}
}

// Run serves until ctx is cancelled or the server fails, then shuts the
// engine down in dependency order: stop accepting work, drain clients,
// stop feeds and backfills, release connectors, close storage.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not drain cleanly")
	}

	a.subs.Close()
	a.streams.Close()
	a.backfill.Close()
	a.registry.Close()

	if err := a.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Cache close failed")
	}
	if err := a.dbm.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}

	log.Info().Msg("Shutdown complete")
	return serveErr
}
