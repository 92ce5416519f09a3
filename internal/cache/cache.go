package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tkaplan/relay-optimizer/internal/metrics"
)

// Config holds cache settings.
type Config struct {
	// TTL is the staleness window; entries older than this are never
	// returned.
	TTL time.Duration

	// MaxEntries bounds the population; least-recently-used entries are
	// evicted beyond it.
	MaxEntries int

	// SweepInterval is how often the background sweep purges expired
	// entries. Zero disables the sweep; lookups still purge lazily.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		MaxEntries:    1000,
		SweepInterval: time.Minute,
	}
}

// entry is a stored response.
type entry struct {
	value     any
	createdAt time.Time
	hitCount  int64
}

// Cache is a TTL- and LRU-bounded response cache.
type Cache struct {
	cfg       Config
	logger    *slog.Logger
	clock     clock.Clock
	collector *metrics.Collector

	mu      sync.Mutex
	entries *lru.Cache[string, *entry]

	group singleflight.Group

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock for deterministic TTL tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clock = clk }
}

// WithCollector mirrors hit and miss counts into the shared collector.
func WithCollector(col *metrics.Collector) Option {
	return func(c *Cache) { c.collector = col }
}

// New creates a Cache and starts its sweep goroutine.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		cfg:    cfg,
		logger: logger,
		clock:  clock.New(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	entries, err := lru.New[string, *entry](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	c.entries = entries

	if cfg.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return c, nil
}

// Normalize is the canonical key transformation, applied identically by
// Put, Get, and GetOrCompute.
func Normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Put stores or overwrites a response for the normalized key.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Add(Normalize(key), &entry{
		value:     value,
		createdAt: c.clock.Now(),
	})
}

// Get returns the cached response for the normalized key if it is still
// fresh. Expired or corrupt entries are removed and counted as misses.
func (c *Cache) Get(key string) (any, bool) {
	nk := Normalize(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(nk)
	if !ok {
		c.miss()
		return nil, false
	}

	if e == nil || e.value == nil {
		// Unreadable entry: evict and treat as a miss.
		c.entries.Remove(nk)
		c.logger.Debug("evicted corrupt cache entry", "key", nk)
		c.miss()
		return nil, false
	}

	if c.clock.Now().Sub(e.createdAt) >= c.cfg.TTL {
		c.entries.Remove(nk)
		c.miss()
		return nil, false
	}

	e.hitCount++
	if c.collector != nil {
		c.collector.IncCacheHit()
	}
	return e.value, true
}

// GetOrCompute returns the cached response or invokes fn to produce it,
// collapsing concurrent computations for the same key into one call.
func (c *Cache) GetOrCompute(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	nk := Normalize(key)

	if v, ok := c.Get(nk); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(nk, func() (any, error) {
		return c.compute(ctx, nk, fn)
	})
	return v, err
}

// compute re-checks freshness before invoking fn: a concurrent caller
// may have populated the entry while this caller was waiting its turn,
// and that counts as a hit like any other. nk is already normalized.
func (c *Cache) compute(ctx context.Context, nk string, fn func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries.Get(nk); ok && e != nil && e.value != nil &&
		c.clock.Now().Sub(e.createdAt) < c.cfg.TTL {
		e.hitCount++
		c.mu.Unlock()
		if c.collector != nil {
			c.collector.IncCacheHit()
		}
		return e.value, nil
	}
	c.mu.Unlock()

	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	c.Put(nk, v)
	return v, nil
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

// miss counts a failed lookup. Caller holds the lock.
func (c *Cache) miss() {
	if c.collector != nil {
		c.collector.IncCacheMiss()
	}
}

// sweepLoop periodically purges expired entries.
func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := c.clock.Ticker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if n := c.purgeExpired(); n > 0 {
				c.logger.Debug("cache sweep", "purged", n)
			}
		}
	}
}

// purgeExpired removes every entry past its TTL and returns the count.
func (c *Cache) purgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	purged := 0
	for _, k := range c.entries.Keys() {
		e, ok := c.entries.Peek(k)
		if !ok {
			continue
		}
		if e == nil || e.value == nil || now.Sub(e.createdAt) >= c.cfg.TTL {
			c.entries.Remove(k)
			purged++
		}
	}
	return purged
}
