// Package subs tracks client subscriptions: one view per (client, key,
// stream type), each with a bus listener that forwards live updates to the
// client sink, dedup-filtered against the last forwarded closed bar.
package subs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/cache"
	"github.com/churst90/accessible-trader-sub001/internal/market/backfill"
	"github.com/churst90/accessible-trader-sub001/internal/market/orchestrator"
	"github.com/churst90/accessible-trader-sub001/internal/market/stream"
	"github.com/churst90/accessible-trader-sub001/internal/persistence"
)

// ErrShuttingDown is returned for subscribe attempts during shutdown.
var ErrShuttingDown = errors.New("service shutting down")

// Sink is the client transport as seen by the service. Enqueue must not
// block: a full outbound queue returns an error and the service drops the
// client with a ClientOverflow close.
type Sink interface {
	ID() string
	Enqueue(frame []byte) error
	Kick(code, message string)
}

// Request identifies one subscription.
type Request struct {
	Market    string
	Provider  string
	Symbol    string
	Timeframe ohlcv.Timeframe
	Stream    ohlcv.StreamType
	SinceMs   int64 // negative when unset
	User      string
}

func (r Request) series() persistence.Series {
	return persistence.Series{Market: r.Market, Provider: r.Provider, Symbol: r.Symbol}
}

func (r Request) channel() string {
	k := ohlcv.Key{Market: r.Market, Provider: r.Provider, Symbol: r.Symbol}
	return k.Channel(r.Stream)
}

type viewKey struct {
	clientID string
	series   persistence.Series
	tf       ohlcv.Timeframe
	stream   ohlcv.StreamType
}

type view struct {
	key    viewKey
	req    Request
	sink   Sink
	cancel context.CancelFunc

	// lastForwarded is the newest closed bucket sent to the client. Open
	// bar re-emissions intentionally do not advance it. Only the listener
	// goroutine touches it.
	lastForwarded int64

	// bucket1m collects the open target bucket's constituent 1m bars for
	// coarse-timeframe views.
	bucket1m map[int64]ohlcv.Bar
}

// MetricsCallback receives counter events from the subscription service.
type MetricsCallback func(name string, value float64, labels map[string]string)

// Service wires client subscriptions to the orchestrator, streaming
// manager, and backfill coordinator.
type Service struct {
	orch     *orchestrator.Orchestrator
	streams  *stream.Manager
	backfill *backfill.Coordinator
	bus      cache.Bus
	metrics  MetricsCallback

	mu       sync.Mutex
	views    map[viewKey]*view
	draining bool

	wg sync.WaitGroup
}

// New builds the subscription service. backfill may be nil to disable
// subscribe-triggered backfills.
func New(orch *orchestrator.Orchestrator, streams *stream.Manager, bf *backfill.Coordinator, bus cache.Bus) *Service {
	return &Service{
		orch:     orch,
		streams:  streams,
		backfill: bf,
		bus:      bus,
		views:    make(map[viewKey]*view),
	}
}

// Subscribe registers a view, delivers the initial window, starts the
// underlying feed, and spawns the bus listener.
func (s *Service) Subscribe(ctx context.Context, sink Sink, req Request) error {
	key := viewKey{clientID: sink.ID(), series: req.series(), tf: req.Timeframe, stream: req.Stream}

	listenerCtx, cancel := context.WithCancel(context.Background())
	v := &view{key: key, req: req, sink: sink, cancel: cancel, lastForwarded: -1, bucket1m: make(map[int64]ohlcv.Bar)}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		cancel()
		return ErrShuttingDown
	}
	if old, ok := s.views[key]; ok {
		// Re-subscribe replaces the existing view.
		old.cancel()
		s.streams.Stop(key.series, key.stream)
	}
	s.views[key] = v
	s.mu.Unlock()

	if err := sink.Enqueue(StatusFrame("initial data fetching")); err != nil {
		s.dropOverflowed(sink)
		return fmt.Errorf("status frame: %w", err)
	}

	if req.Stream == ohlcv.StreamOHLCV {
		res, err := s.orch.Fetch(ctx, orchestrator.Request{
			Market: req.Market, Provider: req.Provider, Symbol: req.Symbol,
			Timeframe: req.Timeframe,
			Window:    ohlcv.Window{Since: req.SinceMs, Until: -1, Limit: -1},
			User:      req.User,
		})
		if err != nil {
			s.remove(key)
			return fmt.Errorf("initial window: %w", err)
		}
		if len(res.Bars) > 0 {
			v.lastForwarded = res.Bars[len(res.Bars)-1].TsMs
		}
		if err := sink.Enqueue(DataFrame(res.Bars, true, res.Partial)); err != nil {
			s.dropOverflowed(sink)
			return fmt.Errorf("initial batch: %w", err)
		}
	} else {
		// Trades and book have no history surface; the initial batch is
		// empty and the client builds state from the live feed.
		if err := sink.Enqueue(DataFrame(nil, true, false)); err != nil {
			s.dropOverflowed(sink)
			return fmt.Errorf("initial batch: %w", err)
		}
	}

	updates, cancelSub, err := s.bus.Subscribe(listenerCtx, req.channel())
	if err != nil {
		s.remove(key)
		return fmt.Errorf("bus subscribe: %w", err)
	}

	s.streams.Start(key.series, req.Stream, req.User)
	if s.backfill != nil && req.Stream == ohlcv.StreamOHLCV {
		s.backfill.Trigger(key.series, req.User)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancelSub()
		s.listen(listenerCtx, v, updates)
	}()

	log.Info().
		Str("client", sink.ID()).
		Str("symbol", req.Symbol).
		Str("timeframe", req.Timeframe.String()).
		Str("stream", string(req.Stream)).
		Msg("Subscription registered")
	return nil
}

// Unsubscribe removes one view and releases its feed reference.
func (s *Service) Unsubscribe(clientID string, req Request) {
	key := viewKey{clientID: clientID, series: req.series(), tf: req.Timeframe, stream: req.Stream}

	s.mu.Lock()
	v, ok := s.views[key]
	if ok {
		delete(s.views, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	v.cancel()
	s.streams.Stop(key.series, key.stream)
}

// DropClient removes every view belonging to a client, typically on
// transport close.
func (s *Service) DropClient(clientID string) {
	s.mu.Lock()
	var dropped []*view
	for key, v := range s.views {
		if key.clientID == clientID {
			dropped = append(dropped, v)
			delete(s.views, key)
		}
	}
	s.mu.Unlock()

	for _, v := range dropped {
		v.cancel()
		s.streams.Stop(v.key.series, v.key.stream)
	}
}

// SetMetricsCallback installs the metrics hook. Call before serving clients.
func (s *Service) SetMetricsCallback(cb MetricsCallback) { s.metrics = cb }

// ViewCount reports the number of registered views.
func (s *Service) ViewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

// Close stops accepting subscriptions, cancels all listeners, and waits for
// them to drain.
func (s *Service) Close() {
	s.mu.Lock()
	s.draining = true
	views := make([]*view, 0, len(s.views))
	for key, v := range s.views {
		views = append(views, v)
		delete(s.views, key)
	}
	s.mu.Unlock()

	for _, v := range views {
		v.cancel()
		s.streams.Stop(v.key.series, v.key.stream)
	}
	s.wg.Wait()
}

func (s *Service) remove(key viewKey) {
	s.mu.Lock()
	v, ok := s.views[key]
	if ok {
		delete(s.views, key)
	}
	s.mu.Unlock()
	if ok {
		v.cancel()
	}
}

// dropOverflowed closes a stuck client and releases everything it held.
func (s *Service) dropOverflowed(sink Sink) {
	log.Warn().Str("client", sink.ID()).Msg("Client outbound queue overflow, dropping client")
	if s.metrics != nil {
		s.metrics("client_overflow", 1, nil)
	}
	sink.Kick(CodeClientOverflow, "outbound queue overflow")
	s.DropClient(sink.ID())
}

// listen forwards bus updates to the client until cancelled.
func (s *Service) listen(ctx context.Context, v *view, updates <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-updates:
			if !ok {
				return
			}
			var u stream.Update
			if err := json.Unmarshal(payload, &u); err != nil {
				log.Warn().Str("client", v.sink.ID()).Err(err).Msg("Malformed bus payload")
				continue
			}
			if !s.forward(v, u) {
				return
			}
		}
	}
}

// forward translates one bus update into client frames. Returns false when
// the client was dropped.
func (s *Service) forward(v *view, u stream.Update) bool {
	switch u.Kind {
	case "error":
		if err := v.sink.Enqueue(ErrorFrame(u.Code, u.Message)); err != nil {
			s.dropOverflowed(v.sink)
			return false
		}
		return true
	case "raw":
		if err := v.sink.Enqueue(RawUpdateFrame(u.Stream, u.Raw)); err != nil {
			s.dropOverflowed(v.sink)
			return false
		}
		return true
	case "bar":
		if u.Bar == nil {
			return true
		}
		return s.forwardBar(v, *u.Bar, u.Closed)
	}
	return true
}

// forwardBar applies timeframe translation and dedup filtering. Closed
// buckets at or below lastForwarded are duplicates of what the initial
// batch or an earlier update already carried.
func (s *Service) forwardBar(v *view, bar1m ohlcv.Bar, closed bool) bool {
	bar := bar1m
	if !v.key.tf.IsOneMinute() {
		bar, closed = v.foldIntoBucket(bar1m, closed)
	}

	if bar.TsMs <= v.lastForwarded {
		return true
	}
	if err := v.sink.Enqueue(UpdateFrame(bar, closed)); err != nil {
		s.dropOverflowed(v.sink)
		return false
	}
	if closed {
		v.lastForwarded = bar.TsMs
	}
	return true
}

// foldIntoBucket aggregates incoming 1m bars into the view's target
// timeframe bucket. The bucket closes when its final 1m constituent closes.
func (v *view) foldIntoBucket(bar1m ohlcv.Bar, closed1m bool) (ohlcv.Bar, bool) {
	tfMs := v.key.tf.Milliseconds()
	bucketStart := v.key.tf.Truncate(bar1m.TsMs)

	// A bar for a newer bucket discards the previous bucket's scratchpad.
	for ts := range v.bucket1m {
		if v.key.tf.Truncate(ts) != bucketStart {
			delete(v.bucket1m, ts)
		}
	}
	v.bucket1m[bar1m.TsMs] = bar1m

	members := make([]ohlcv.Bar, 0, len(v.bucket1m))
	for _, b := range v.bucket1m {
		members = append(members, b)
	}
	ohlcv.SortAscending(members)
	agg := ohlcv.Resample(members, v.key.tf)
	out := agg[len(agg)-1]

	lastSlot := bucketStart + tfMs - ohlcv.TF1m.Milliseconds()
	return out, closed1m && bar1m.TsMs == lastSlot
}
