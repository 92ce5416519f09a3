package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/tkaplan/relay-optimizer/internal/metrics"
)

// connKey identifies one pooled connection.
type connKey struct {
	id  string
	typ string
}

// Pool is a bounded, reusable connection pool.
type Pool struct {
	cfg       Config
	factory   Factory
	logger    *slog.Logger
	clock     clock.Clock
	collector *metrics.Collector

	mu       sync.Mutex
	conns    map[connKey]*Conn
	inflight map[connKey]chan struct{}
	closed   bool

	created int64
	reused  int64
	evicted int64
	expired int64

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the wall clock for deterministic idle-sweep tests.
func WithClock(clk clock.Clock) Option {
	return func(p *Pool) { p.clock = clk }
}

// WithCollector mirrors the live-connection gauge into the shared
// collector.
func WithCollector(c *metrics.Collector) Option {
	return func(p *Pool) { p.collector = c }
}

// New creates a Pool and starts its idle sweep.
func New(cfg Config, factory Factory, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		logger:   logger,
		clock:    clock.New(),
		conns:    make(map[connKey]*Conn),
		inflight: make(map[connKey]chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	return p
}

// Get returns the live connection for (id, type), incrementing its use
// count, or dials a new one. Dialing happens outside the pool lock;
// concurrent callers for the same key wait for the single dial.
func (p *Pool) Get(ctx context.Context, id, connType string) (*Conn, error) {
	k := connKey{id: id, typ: connType}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if c, ok := p.conns[k]; ok {
			c.UseCount++
			c.Idle = false
			c.LastUsedAt = p.clock.Now()
			p.reused++
			p.mu.Unlock()
			return c, nil
		}

		if ch, dialing := p.inflight[k]; dialing {
			p.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Admission: make room before dialing.
		var victim *Conn
		if len(p.conns)+len(p.inflight) >= p.cfg.MaxSize {
			victim = p.evictIdleLocked()
			if victim == nil {
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %d connections, none idle", ErrPoolExhausted, p.cfg.MaxSize)
			}
		}

		ch := make(chan struct{})
		p.inflight[k] = ch
		p.mu.Unlock()

		if victim != nil {
			victim.Handle.Close()
		}

		handle, err := p.factory(ctx, id, connType)

		p.mu.Lock()
		delete(p.inflight, k)
		close(ch)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire connection %s/%s: %w", id, connType, err)
		}
		if p.closed {
			p.mu.Unlock()
			handle.Close()
			return nil, ErrClosed
		}

		c := &Conn{
			ID:         id,
			Type:       connType,
			Handle:     handle,
			UseCount:   1,
			LastUsedAt: p.clock.Now(),
		}
		p.conns[k] = c
		p.created++
		p.updateGaugeLocked()
		p.mu.Unlock()

		p.logger.Debug("connection opened", "id", id, "type", connType)
		return c, nil
	}
}

// Release marks the connection idle. The handle stays open until the
// idle sweep or a capacity eviction closes it.
func (p *Pool) Release(id, connType string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[connKey{id: id, typ: connType}]; ok {
		c.Idle = true
		c.LastUsedAt = p.clock.Now()
	}
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:  len(p.conns),
		Created: p.created,
		Reused:  p.reused,
		Evicted: p.evicted,
		Expired: p.expired,
	}
}

// Close stops the sweep and closes every pooled handle. Safe to call
// more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := make([]Handle, 0, len(p.conns))
	for k, c := range p.conns {
		handles = append(handles, c.Handle)
		delete(p.conns, k)
	}
	p.updateGaugeLocked()
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	for _, h := range handles {
		h.Close()
	}
	p.logger.Debug("pool closed", "connections", len(handles))
}

// evictIdleLocked removes the least-recently-used idle connection and
// returns it for the caller to close. Caller holds the lock.
func (p *Pool) evictIdleLocked() *Conn {
	var (
		victimKey connKey
		victim    *Conn
	)
	for k, c := range p.conns {
		if !c.Idle {
			continue
		}
		if victim == nil || c.LastUsedAt.Before(victim.LastUsedAt) {
			victim = c
			victimKey = k
		}
	}
	if victim == nil {
		return nil
	}

	delete(p.conns, victimKey)
	p.evicted++
	p.updateGaugeLocked()
	p.logger.Debug("evicted idle connection", "id", victim.ID, "type", victim.Type)
	return victim
}

// sweepLoop closes connections idle past the timeout.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := p.clock.Ticker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep removes and closes expired idle connections.
func (p *Pool) sweep() {
	now := p.clock.Now()

	p.mu.Lock()
	var stale []*Conn
	for k, c := range p.conns {
		if c.Idle && now.Sub(c.LastUsedAt) >= p.cfg.IdleTimeout {
			stale = append(stale, c)
			delete(p.conns, k)
			p.expired++
		}
	}
	if len(stale) > 0 {
		p.updateGaugeLocked()
	}
	p.mu.Unlock()

	for _, c := range stale {
		c.Handle.Close()
		p.logger.Debug("closed idle connection", "id", c.ID, "type", c.Type)
	}
}

// updateGaugeLocked pushes the population to the collector. Caller
// holds the lock.
func (p *Pool) updateGaugeLocked() {
	if p.collector != nil {
		p.collector.SetActiveConnections(len(p.conns))
	}
}
