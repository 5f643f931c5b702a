// Package ws is the WebSocket front of the subscription service: one
// Client per connection, with a bounded outbound queue and a JSON
// ping/pong heartbeat.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/config"
	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/market/subs"
)

// ErrQueueFull signals that the client's outbound queue is saturated. The
// subscription service reacts by dropping the client.
var ErrQueueFull = errors.New("client outbound queue full")

// maxMissedPongs closes the connection after this many unanswered pings.
const maxMissedPongs = 2

// Client is one WebSocket connection. It implements subs.Sink.
type Client struct {
	id   string
	conn *websocket.Conn
	svc  *subs.Service
	cfg  config.ServerConfig

	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	missedPongs int

	// wmu serializes socket writes between the write pump and Kick.
	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, svc *subs.Service, cfg config.ServerConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:     uuid.New().String(),
		conn:   conn,
		svc:    svc,
		cfg:    cfg,
		send:   make(chan []byte, cfg.ClientQueueCapacity),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}
}

// ID implements subs.Sink.
func (c *Client) ID() string { return c.id }

// Enqueue implements subs.Sink. It never blocks; a full queue is the
// caller's signal that this client cannot keep up.
func (c *Client) Enqueue(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Kick implements subs.Sink: best-effort error frame straight to the
// socket, then close. It bypasses the queue, which may be the reason for
// the kick.
func (c *Client) Kick(code, message string) {
	if err := c.write(subs.ErrorFrame(code, message)); err != nil {
		log.Debug().Str("client", c.id).Err(err).Msg("Kick frame not delivered")
	}
	c.close()
}

// write delivers one frame under the write deadline.
func (c *Client) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.ClientSendTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Run services the connection until either pump exits. It blocks the
// upgrade handler for the connection's lifetime.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()

	c.close()
	c.svc.DropClient(c.id)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
		c.conn.Close()
	})
}

// clientFrame is what clients send us.
type clientFrame struct {
	Type      string `json:"type"`
	Market    string `json:"market"`
	Provider  string `json:"provider"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Stream    string `json:"stream"`
	Since     *int64 `json:"since"`
}

// readPump consumes client frames until the connection drops.
func (c *Client) readPump() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f clientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.sendError(subs.CodeInvalidRequest, "malformed frame")
			continue
		}
		switch f.Type {
		case "subscribe":
			c.handleSubscribe(f)
		case "unsubscribe":
			req, err := c.parseRequest(f)
			if err == nil {
				c.svc.Unsubscribe(c.id, req)
			}
		case "pong":
			c.mu.Lock()
			c.missedPongs = 0
			c.mu.Unlock()
		default:
			c.sendError(subs.CodeInvalidRequest, "unknown frame type")
		}
	}
}

func (c *Client) handleSubscribe(f clientFrame) {
	req, err := c.parseRequest(f)
	if err != nil {
		c.sendError(subs.CodeInvalidRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 60*time.Second)
	defer cancel()
	if err := c.svc.Subscribe(ctx, c, req); err != nil {
		if errors.Is(err, subs.ErrShuttingDown) {
			c.sendError(subs.CodeShuttingDown, "service shutting down")
			return
		}
		log.Warn().Str("client", c.id).Str("symbol", req.Symbol).Err(err).Msg("Subscribe failed")
		c.sendError(subs.CodeInvalidRequest, err.Error())
	}
}

// parseRequest validates a client frame into a subscription request.
func (c *Client) parseRequest(f clientFrame) (subs.Request, error) {
	if f.Market == "" || f.Provider == "" || f.Symbol == "" {
		return subs.Request{}, errors.New("market, provider and symbol are required")
	}

	tfRaw := f.Timeframe
	if tfRaw == "" {
		tfRaw = "1m"
	}
	tf, err := ohlcv.ParseTimeframe(tfRaw)
	if err != nil {
		return subs.Request{}, err
	}

	st := ohlcv.StreamOHLCV
	switch f.Stream {
	// "ohlcv" is the wire-level name; the internal channel name is also
	// accepted.
	case "", "ohlcv", string(ohlcv.StreamOHLCV):
	case string(ohlcv.StreamTrades):
		st = ohlcv.StreamTrades
	case string(ohlcv.StreamBook):
		st = ohlcv.StreamBook
	case string(ohlcv.StreamUserOrders):
		st = ohlcv.StreamUserOrders
	default:
		return subs.Request{}, errors.New("unknown stream type")
	}

	since := int64(-1)
	if f.Since != nil {
		since = *f.Since
	}

	return subs.Request{
		Market:    f.Market,
		Provider:  f.Provider,
		Symbol:    f.Symbol,
		Timeframe: tf,
		Stream:    st,
		SinceMs:   since,
	}, nil
}

func (c *Client) sendError(code, message string) {
	if err := c.Enqueue(subs.ErrorFrame(code, message)); err != nil {
		log.Debug().Str("client", c.id).Msg("Error frame dropped, queue full")
	}
}

// writePump owns all writes: queued frames plus the heartbeat. Two missed
// pongs close the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			missed := c.missedPongs
			c.mu.Unlock()
			if missed >= maxMissedPongs {
				log.Info().Str("client", c.id).Msg("Heartbeat timed out, closing connection")
				c.close()
				return
			}
			if err := c.write(subs.PingFrame()); err != nil {
				c.close()
				return
			}
			c.mu.Lock()
			c.missedPongs++
			c.mu.Unlock()
		}
	}
}
