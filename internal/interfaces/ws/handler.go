package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/config"
	httpmetrics "github.com/churst90/accessible-trader-sub001/internal/interfaces/http"
	"github.com/churst90/accessible-trader-sub001/internal/market/subs"
)

// Handler upgrades HTTP requests to WebSocket clients. metrics may be nil.
type Handler struct {
	svc      *subs.Service
	cfg      config.ServerConfig
	metrics  *httpmetrics.MetricsRegistry
	upgrader websocket.Upgrader
}

// NewHandler builds the upgrade handler.
func NewHandler(svc *subs.Service, cfg config.ServerConfig, metrics *httpmetrics.MetricsRegistry) *Handler {
	return &Handler{
		svc:     svc,
		cfg:     cfg,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The HTTP layer fronts this endpoint; origin policy lives there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, h.svc, h.cfg)
	if h.metrics != nil {
		h.metrics.WSClients.Inc()
		defer h.metrics.WSClients.Dec()
	}
	log.Info().Str("client", client.ID()).Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	client.Run()

	log.Info().Str("client", client.ID()).Msg("WebSocket client disconnected")
}
