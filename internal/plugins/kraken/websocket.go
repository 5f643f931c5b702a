package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

// watchQueueSize buffers push events between the read loop and the consumer.
const watchQueueSize = 256

// subscriptionRequest is the Kraken WebSocket subscribe frame.
type subscriptionRequest struct {
	Event        string                 `json:"event"`
	Pair         []string               `json:"pair"`
	Subscription map[string]interface{} `json:"subscription"`
}

// channelName maps a stream type to Kraken's channel subscription payload.
func channelName(st ohlcv.StreamType) (map[string]interface{}, error) {
	switch st {
	case ohlcv.StreamOHLCV:
		return map[string]interface{}{"name": "ohlc", "interval": 1}, nil
	case ohlcv.StreamTrades:
		return map[string]interface{}{"name": "trade"}, nil
	case ohlcv.StreamBook:
		return map[string]interface{}{"name": "book", "depth": 10}, nil
	}
	return nil, fmt.Errorf("stream %q has no channel mapping", st)
}

// Watch opens a dedicated WebSocket connection for one symbol/stream pair
// and delivers normalized push events until the context is cancelled or the
// connection fails. The returned channel is closed in both cases; the caller
// owns reconnection.
func (c *Client) Watch(ctx context.Context, symbol string, st ohlcv.StreamType) (<-chan plugins.PushEvent, error) {
	sub, err := channelName(st)
	if err != nil {
		return nil, plugins.NewError(plugins.KindFeatureUnsupported, c.provider, err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, plugins.NewError(plugins.KindNetwork, c.provider,
			fmt.Errorf("dial %s: %w", c.wsURL, err))
	}

	frame := subscriptionRequest{
		Event:        "subscribe",
		Pair:         []string{wsPair(symbol)},
		Subscription: sub,
	}
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return nil, plugins.NewError(plugins.KindNetwork, c.provider,
			fmt.Errorf("subscribe %s %s: %w", symbol, st, err))
	}

	events := make(chan plugins.PushEvent, watchQueueSize)
	go c.readLoop(ctx, conn, symbol, st, events)
	go c.pingLoop(ctx, conn)

	log.Info().
		Str("provider", c.provider).
		Str("symbol", symbol).
		Str("stream", string(st)).
		Msg("Kraken push feed opened")
	return events, nil
}

// readLoop pumps the connection into the event channel. Kraken data frames
// are arrays [channelID, payload, channelName, pair]; object frames carry
// status events which are logged and skipped.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, symbol string, st ohlcv.StreamType, events chan plugins.PushEvent) {
	defer close(events)
	defer conn.Close()

	// Unblock ReadMessage when the feed context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().
					Str("provider", c.provider).
					Str("symbol", symbol).
					Err(err).
					Msg("Kraken push feed read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, ok, err := c.parsePushFrame(data, st)
		if err != nil {
			log.Warn().
				Str("provider", c.provider).
				Str("symbol", symbol).
				Err(err).
				Msg("Dropping malformed Kraken push frame")
			continue
		}
		if !ok {
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		default:
			// Consumer stalled; drop the oldest pending event to keep the
			// feed current rather than blocking the read loop.
			select {
			case <-events:
			default:
			}
			events <- ev
		}
	}
}

// parsePushFrame turns one wire frame into a push event. ok is false for
// control frames (heartbeats, subscription status).
func (c *Client) parsePushFrame(data []byte, st ohlcv.StreamType) (plugins.PushEvent, bool, error) {
	var ev plugins.PushEvent

	var status struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &status); err == nil && status.Event != "" {
		if status.Status == "error" {
			return ev, false, fmt.Errorf("subscription rejected: %s", status.ErrorMessage)
		}
		return ev, false, nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return ev, false, fmt.Errorf("unexpected frame shape: %w", err)
	}
	if len(frame) < 4 {
		return ev, false, fmt.Errorf("short frame: %d elements", len(frame))
	}

	ev.Type = st
	ev.TsMs = time.Now().UnixMilli()

	if st != ohlcv.StreamOHLCV {
		ev.Raw = frame[1]
		return ev, true, nil
	}

	bar, err := parseOHLCPush(frame[1])
	if err != nil {
		return ev, false, err
	}
	ev.TsMs = bar.TsMs
	ev.Bar = &bar
	ev.Closed = false // bucket transitions are detected downstream
	return ev, true, nil
}

// parseOHLCPush decodes the Kraken ohlc payload [time, etime, open, high,
// low, close, vwap, volume, count]. etime is the bucket end in decimal
// seconds; the bucket start is one interval earlier.
func parseOHLCPush(raw json.RawMessage) (ohlcv.Bar, error) {
	var bar ohlcv.Bar
	var fields []string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return bar, fmt.Errorf("ohlc payload: %w", err)
	}
	if len(fields) < 8 {
		return bar, fmt.Errorf("ohlc payload too short: %d fields", len(fields))
	}

	etime, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return bar, fmt.Errorf("ohlc etime: %w", err)
	}
	bar.TsMs = int64(etime)*1000 - ohlcv.TF1m.Milliseconds()

	dsts := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close}
	for i, dst := range dsts {
		v, err := strconv.ParseFloat(fields[i+2], 64)
		if err != nil {
			return bar, fmt.Errorf("ohlc field %d: %w", i+2, err)
		}
		*dst = v
	}
	vol, err := strconv.ParseFloat(fields[7], 64)
	if err != nil {
		return bar, fmt.Errorf("ohlc volume: %w", err)
	}
	bar.Volume = vol
	return bar, nil
}

// pingLoop keeps the connection alive; Kraken drops idle clients.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
