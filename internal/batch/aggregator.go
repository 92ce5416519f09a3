package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/tkaplan/relay-optimizer/internal/metrics"
	"github.com/tkaplan/relay-optimizer/internal/model"
)

// Aggregator accumulates per-destination batches and flushes them to a
// Dispatcher. All mutations for a destination happen under the
// aggregator lock, so a batch can only be detached once; dispatch runs
// outside the lock and different destinations flush concurrently.
type Aggregator struct {
	cfg        Config
	dispatcher Dispatcher
	collector  *metrics.Collector
	onDrop     DropFunc
	logger     *slog.Logger
	clock      clock.Clock

	mu      sync.Mutex
	batches map[string]*pending
	closed  bool

	flushed int64
	dropped int64
	retries int64

	done chan struct{}
	wg   sync.WaitGroup
}

// pending is a batch in the Accumulating state.
type pending struct {
	msgs      []model.Message
	createdAt time.Time
	timer     *clock.Timer
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the wall clock, letting tests drive flush timers
// with virtual time.
func WithClock(clk clock.Clock) Option {
	return func(a *Aggregator) { a.clock = clk }
}

// WithCollector mirrors flush and drop counts into the shared collector.
func WithCollector(c *metrics.Collector) Option {
	return func(a *Aggregator) { a.collector = c }
}

// WithDropFunc installs a callback for envelopes dropped after
// exhausting retries.
func WithDropFunc(fn DropFunc) Option {
	return func(a *Aggregator) { a.onDrop = fn }
}

// NewAggregator creates an Aggregator. The dispatcher is required.
func NewAggregator(cfg Config, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Aggregator{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		clock:      clock.New(),
		batches:    make(map[string]*pending),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add appends a message to the destination's queue. The first message
// for a destination creates the batch and arms its flush timer; reaching
// MaxSize flushes immediately.
func (a *Aggregator) Add(destinationID string, msg model.Message) error {
	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}

	p, ok := a.batches[destinationID]
	if !ok {
		p = &pending{
			msgs:      make([]model.Message, 0, a.cfg.MaxSize),
			createdAt: a.clock.Now(),
		}
		dest := destinationID
		p.timer = a.clock.AfterFunc(a.cfg.MaxWait, func() {
			a.flushTimer(dest)
		})
		a.batches[destinationID] = p
	}

	p.msgs = append(p.msgs, msg)

	var env model.Envelope
	full := len(p.msgs) >= a.cfg.MaxSize
	if full {
		// The counter is raised under the lock so Close never observes
		// a detached batch with nothing to wait for.
		env = a.detachLocked(destinationID, p, model.FlushSize)
		a.wg.Add(1)
	}
	a.mu.Unlock()

	if full {
		go a.dispatch(env)
	}
	return nil
}

// Pending returns the number of queued messages for a destination.
func (a *Aggregator) Pending(destinationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.batches[destinationID]; ok {
		return len(p.msgs)
	}
	return 0
}

// Stats returns current counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		ActiveBatches: len(a.batches),
		Flushed:       a.flushed,
		Dropped:       a.dropped,
		Retries:       a.retries,
	}
}

// ActiveBatches returns the number of destinations currently
// accumulating.
func (a *Aggregator) ActiveBatches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches)
}

// Close drains every pending batch and waits for in-flight dispatches.
// Safe to call more than once.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)

	envs := make([]model.Envelope, 0, len(a.batches))
	for dest, p := range a.batches {
		envs = append(envs, a.detachLocked(dest, p, model.FlushShutdown))
	}
	a.wg.Add(len(envs))
	a.mu.Unlock()

	for _, env := range envs {
		go a.dispatch(env)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.logger.Warn("aggregator drain timed out")
		return ctx.Err()
	}
}

// flushTimer handles a flush-timer expiry for a destination.
func (a *Aggregator) flushTimer(destinationID string) {
	a.mu.Lock()
	p, ok := a.batches[destinationID]
	if !ok {
		// Already flushed by size or shutdown.
		a.mu.Unlock()
		return
	}
	env := a.detachLocked(destinationID, p, model.FlushTimer)
	a.wg.Add(1)
	a.mu.Unlock()

	a.dispatch(env)
}

// detachLocked removes the batch from the map, cancels its timer, and
// seals the queue into an envelope. Caller holds the lock.
func (a *Aggregator) detachLocked(destinationID string, p *pending, reason model.FlushReason) model.Envelope {
	p.timer.Stop()
	delete(a.batches, destinationID)

	return model.Envelope{
		ID:            uuid.New(),
		DestinationID: destinationID,
		Messages:      p.msgs,
		CreatedAt:     p.createdAt,
		FlushedAt:     a.clock.Now(),
		Reason:        reason,
	}
}

// dispatch delivers an envelope, retrying with exponential backoff.
func (a *Aggregator) dispatch(env model.Envelope) {
	defer a.wg.Done()

	var err error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := a.cfg.RetryBaseDelay << (attempt - 1)
			timer := a.clock.Timer(wait)
			select {
			case <-timer.C:
			case <-a.done:
				timer.Stop()
				// Shutdown in progress: one final attempt, no more waiting.
				attempt = a.cfg.MaxRetries
			}

			a.mu.Lock()
			a.retries++
			a.mu.Unlock()
		}

		if err = a.dispatcher.Dispatch(context.Background(), env); err == nil {
			a.mu.Lock()
			a.flushed++
			a.mu.Unlock()
			if a.collector != nil {
				a.collector.IncBatchesSent()
			}

			a.logger.Debug("flushed batch",
				"destination", env.DestinationID,
				"size", env.Size(),
				"reason", env.Reason,
			)
			return
		}
	}

	a.mu.Lock()
	a.dropped++
	a.mu.Unlock()
	if a.collector != nil {
		a.collector.IncBatchDropped()
	}

	dropErr := fmt.Errorf("%w: destination %s after %d attempts: %v",
		ErrDispatchFailed, env.DestinationID, a.cfg.MaxRetries+1, err)
	a.logger.Error("dropping envelope",
		"destination", env.DestinationID,
		"size", env.Size(),
		"error", err,
	)
	if a.onDrop != nil {
		a.onDrop(env, dropErr)
	}
}
