package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

// Config sizes the Hub queue and batches.
type Config struct {
	// BufferSize is the queue capacity; events beyond it are dropped (default 4096).
	BufferSize int `mapstructure:"buffer_size" validate:"gte=0"`
	// MaxBatchEvents flushes a batch once it holds this many events (default 256).
	MaxBatchEvents int `mapstructure:"max_batch_events" validate:"gte=0"`
	// MaxBatchWait flushes a partial batch after this long (default 500ms).
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait" validate:"gte=0"`
	// SinkTimeout bounds each Consume call (default 10s).
	SinkTimeout time.Duration `mapstructure:"sink_timeout" validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = 256
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 500 * time.Millisecond
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
	return c
}

// Option customizes a Hub.
type Option func(*Hub)

// WithSink adds a sink. Sinks receive batches in registration order.
func WithSink(s Sink) Option {
	return func(h *Hub) {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
}

// WithClock stamps events that arrive without a timestamp.
func WithClock(c crawler.Clock) Option {
	return func(h *Hub) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger sets the logger used for drop and sink failure warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBaseContext parents every sink call.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Hub) {
		if ctx != nil {
			h.base = ctx
		}
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Hub batches events on one goroutine and hands each batch to every sink.
// Emit never blocks: when the queue is full the event is counted and dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	clock  crawler.Clock
	logger *zap.Logger
	base   context.Context

	queue chan Event
	stop  chan struct{}
	done  chan struct{}

	dropped   atomic.Int64
	delivered atomic.Int64
	dropWarn  rate.Sometimes

	mu       sync.RWMutex
	closed   bool
	closeCtx context.Context
}

// NewHub starts a Hub. It accepts events as soon as it returns.
func NewHub(cfg Config, opts ...Option) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		clock:    utcClock{},
		logger:   zap.NewNop(),
		base:     context.Background(),
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = h.clock.Now()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- evt:
	default:
		total := h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("progress queue full, dropping events", zap.Int64("dropped_total", total))
		})
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Delivered reports how many events reached the sinks.
func (h *Hub) Delivered() int64 {
	return h.delivered.Load()
}

// Close stops intake, flushes what is queued, closes the sinks and waits for
// the loop to exit or ctx to end. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		h.closeCtx = ctx
		close(h.stop)
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.queue:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		case <-ticker.C:
			batch = h.flush(batch)
		case <-h.stop:
			h.drain(batch)
			return
		}
	}
}

// drain runs after intake is closed, so the queue only shrinks.
func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.queue:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

// flush hands batch to the sinks and returns it emptied for reuse.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.base, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink failed", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
	h.delivered.Add(int64(len(out)))
	return batch[:0]
}

func (h *Hub) closeSinks() {
	h.mu.RLock()
	ctx := h.closeCtx
	h.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
