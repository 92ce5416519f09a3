package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tkaplan/relay-optimizer/internal/batch"
	"github.com/tkaplan/relay-optimizer/internal/cache"
	"github.com/tkaplan/relay-optimizer/internal/metrics"
	"github.com/tkaplan/relay-optimizer/internal/model"
	"github.com/tkaplan/relay-optimizer/internal/pool"
	"github.com/tkaplan/relay-optimizer/internal/priority"
)

// EventKind labels a recoverable fault surfaced on the event channel.
type EventKind string

const (
	// EventBatchDropped reports an envelope dropped after exhausting
	// dispatch retries.
	EventBatchDropped EventKind = "batch_dropped"
)

// Event is a recoverable error surfaced to the caller. Recoverable
// faults never cross goroutine boundaries as returned errors.
type Event struct {
	Kind          EventKind
	DestinationID string
	Err           error
	At            time.Time
}

// Config assembles the component settings.
type Config struct {
	Batch batch.Config
	Cache cache.Config
	Pool  pool.Config
}

// DefaultConfig returns defaults for every component.
func DefaultConfig() Config {
	return Config{
		Batch: batch.DefaultConfig(),
		Cache: cache.DefaultConfig(),
		Pool:  pool.DefaultConfig(),
	}
}

// eventBufferSize bounds the event channel. Overflow drops with a Warn
// so producers never block.
const eventBufferSize = 64

// Optimizer owns the four component maps for one instance.
type Optimizer struct {
	logger    *slog.Logger
	clock     clock.Clock
	collector *metrics.Collector

	aggregator *batch.Aggregator
	cache      *cache.Cache
	pool       *pool.Pool

	events   chan Event
	evMu     sync.Mutex
	evClosed bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures an Optimizer.
type Option func(*options)

type options struct {
	clock      clock.Clock
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// WithClock overrides the wall clock across every component.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer mirrors counters to Prometheus.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates an Optimizer. The dispatcher receives flushed envelopes;
// the factory dials pooled connections.
func New(cfg Config, dispatcher batch.Dispatcher, factory pool.Factory, opts ...Option) (*Optimizer, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if factory == nil {
		return nil, errors.New("connection factory is required")
	}

	o := &options{
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	opt := &Optimizer{
		logger:    o.logger,
		clock:     o.clock,
		collector: metrics.NewCollector(o.registerer),
		events:    make(chan Event, eventBufferSize),
	}

	respCache, err := cache.New(cfg.Cache, o.logger,
		cache.WithClock(o.clock),
		cache.WithCollector(opt.collector),
	)
	if err != nil {
		return nil, err
	}
	opt.cache = respCache

	opt.aggregator = batch.NewAggregator(cfg.Batch, dispatcher, o.logger,
		batch.WithClock(o.clock),
		batch.WithCollector(opt.collector),
		batch.WithDropFunc(func(env model.Envelope, err error) {
			opt.emit(Event{
				Kind:          EventBatchDropped,
				DestinationID: env.DestinationID,
				Err:           err,
				At:            o.clock.Now(),
			})
		}),
	)

	opt.pool = pool.New(cfg.Pool, factory, o.logger,
		pool.WithClock(o.clock),
		pool.WithCollector(opt.collector),
	)

	return opt, nil
}

// OptimizeMessage routes one message. High and critical tiers bypass
// batching and are returned unchanged for the caller to send
// immediately; normal tier is likewise returned for immediate send but
// never cached; low tier is queued for the destination's batch and nil
// is returned — the caller must not send it again.
//
// No ordering holds between a returned (bypassed) message and a batch
// already queued for the same destination; that batch may flush later.
func (opt *Optimizer) OptimizeMessage(ctx context.Context, msg model.Message, destinationID string) (*model.Message, error) {
	opt.collector.IncProcessed()

	tier := priority.Classify(msg)
	if tier != model.TierLow {
		return &msg, nil
	}

	if err := opt.aggregator.Add(destinationID, msg); err != nil {
		return nil, err
	}
	return nil, nil
}

// CacheResponse stores a computed response under the normalized key.
func (opt *Optimizer) CacheResponse(key string, response any) {
	opt.cache.Put(key, response)
}

// CachedResponse returns a fresh cached response, if any.
func (opt *Optimizer) CachedResponse(key string) (any, bool) {
	return opt.cache.Get(key)
}

// ComputeResponse returns the cached response or computes it, collapsing
// concurrent computations for the same key.
func (opt *Optimizer) ComputeResponse(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	return opt.cache.GetOrCompute(ctx, key, fn)
}

// Connection acquires the pooled connection for (id, type).
func (opt *Optimizer) Connection(ctx context.Context, id, connType string) (*pool.Conn, error) {
	return opt.pool.Get(ctx, id, connType)
}

// ReleaseConnection marks the pooled connection idle.
func (opt *Optimizer) ReleaseConnection(id, connType string) {
	opt.pool.Release(id, connType)
}

// RecordResponseLatency adds a sample to the rolling latency average.
func (opt *Optimizer) RecordResponseLatency(d time.Duration) {
	opt.collector.RecordLatency(d)
}

// Metrics returns an immutable snapshot of the counters.
func (opt *Optimizer) Metrics() metrics.Snapshot {
	return opt.collector.Snapshot(opt.cache.Len(), opt.aggregator.ActiveBatches())
}

// PendingBatch returns the queued message count for a destination.
func (opt *Optimizer) PendingBatch(destinationID string) int {
	return opt.aggregator.Pending(destinationID)
}

// Events returns the recoverable-error channel. It is closed by
// Shutdown.
func (opt *Optimizer) Events() <-chan Event {
	return opt.events
}

// Shutdown drains the optimizer: pending batches flush, sweeps stop,
// and every pooled connection closes. Calling it again is a no-op and
// returns the first result.
func (opt *Optimizer) Shutdown(ctx context.Context) error {
	opt.shutdownOnce.Do(func() {
		opt.logger.Info("optimizer shutting down")

		opt.shutdownErr = opt.aggregator.Close(ctx)
		opt.cache.Close()
		opt.pool.Close()

		opt.evMu.Lock()
		opt.evClosed = true
		close(opt.events)
		opt.evMu.Unlock()

		opt.logger.Info("optimizer stopped")
	})
	return opt.shutdownErr
}

// emit delivers an event without blocking; overflow drops.
func (opt *Optimizer) emit(ev Event) {
	opt.evMu.Lock()
	defer opt.evMu.Unlock()

	if opt.evClosed {
		return
	}
	select {
	case opt.events <- ev:
	default:
		opt.logger.Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}
