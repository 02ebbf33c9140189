package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 200
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches run events and fans them out to registered sinks. Emit never
// blocks; events are dropped under backpressure.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLog     *rate.Sometimes
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine for the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLog:     &rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event. Invalid events and events arriving after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid run event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("run events dropped due to backpressure",
				zap.Int64("dropped_total", h.dropped.Load()))
		})
	}
}

// Dropped returns how many events were discarded for lack of buffer space.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close drains buffered events, flushes and closes sinks. Repeated calls wait
// on the same shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("run hub close wait: %w", ctx.Err())
	}
}

// batcher owns the pending batch and its flush deadline. The deadline is set
// by the first event of a batch, so MaxBatchWait bounds event latency.
type batcher struct {
	hub     *Hub
	pending []Event
	timer   *time.Timer
	armed   bool
}

func (h *Hub) run() {
	defer close(h.doneCh)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	b := &batcher{hub: h, pending: make([]Event, 0, h.cfg.MaxBatchEvents), timer: timer}
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-timer.C:
			b.armed = false
			b.flush()
		case <-h.stopCh:
			b.drain(h.events)
			b.flush()
			h.closeSinks()
			return
		}
	}
}

// add queues evt. A full batch or the end of a run is delivered at once so
// run history never lags a finished run.
func (b *batcher) add(evt Event) {
	b.pending = append(b.pending, evt)
	switch {
	case len(b.pending) >= b.hub.cfg.MaxBatchEvents, evt.Terminal():
		b.flush()
	case !b.armed:
		b.timer.Reset(b.hub.cfg.MaxBatchWait)
		b.armed = true
	}
}

func (b *batcher) drain(events <-chan Event) {
	for {
		select {
		case evt := <-events:
			b.add(evt)
		default:
			return
		}
	}
}

func (b *batcher) flush() {
	if b.armed {
		b.timer.Stop()
		b.armed = false
	}
	if len(b.pending) == 0 {
		return
	}
	b.hub.deliver(append([]Event(nil), b.pending...))
	b.pending = b.pending[:0]
}

// deliver hands one batch to every sink, each under its own timeout.
func (h *Hub) deliver(batch []Event) {
	for i, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("run sink consume failed",
				zap.Error(err), zap.Int("sink", i), zap.Int("batch", len(batch)))
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("run sink close failed", zap.Error(err))
		}
	}
}
