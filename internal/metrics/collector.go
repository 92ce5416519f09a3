package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyWindow bounds the rolling response-time average.
const latencyWindow = 256

// Collector holds the shared counters for one optimizer instance.
type Collector struct {
	mu sync.Mutex

	messagesProcessed int64
	batchesSent       int64
	batchesDropped    int64
	cacheHits         int64
	cacheMisses       int64
	activeConnections int64

	// Rolling latency window (ring buffer).
	latencies [latencyWindow]time.Duration
	latIdx    int
	latCount  int

	prom *promMetrics
}

// promMetrics mirrors the counters for Prometheus scraping.
type promMetrics struct {
	processed   prometheus.Counter
	batchesSent prometheus.Counter
	dropped     prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	activeConns prometheus.Gauge
	latency     prometheus.Histogram
}

// Snapshot is an immutable view of the counters. CacheSize and
// ActiveBatches are supplied by their owning components at read time;
// the collector itself never inspects them.
type Snapshot struct {
	MessagesProcessed   int64
	BatchesSent         int64
	BatchesDropped      int64
	CacheHits           int64
	CacheMisses         int64
	CacheHitRate        float64
	AverageResponseTime time.Duration
	ActiveConnections   int64
	CacheSize           int
	ActiveBatches       int
}

// NewCollector creates a Collector. When reg is non-nil the counters
// are also registered with Prometheus.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{}
	if reg == nil {
		return c
	}

	c.prom = &promMetrics{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_messages_processed_total",
			Help: "Messages routed through the optimizer.",
		}),
		batchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_batches_sent_total",
			Help: "Envelopes successfully dispatched.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_batches_dropped_total",
			Help: "Envelopes dropped after exhausting retries.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_cache_hits_total",
			Help: "Response cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_cache_misses_total",
			Help: "Response cache misses.",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optimizer_active_connections",
			Help: "Live pooled connections.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optimizer_response_seconds",
			Help:    "Recorded response latencies.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		c.prom.processed,
		c.prom.batchesSent,
		c.prom.dropped,
		c.prom.cacheHits,
		c.prom.cacheMisses,
		c.prom.activeConns,
		c.prom.latency,
	)
	return c
}

// IncProcessed counts a message routed through the optimizer.
func (c *Collector) IncProcessed() {
	c.mu.Lock()
	c.messagesProcessed++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.processed.Inc()
	}
}

// IncBatchesSent counts a successfully dispatched envelope.
func (c *Collector) IncBatchesSent() {
	c.mu.Lock()
	c.batchesSent++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.batchesSent.Inc()
	}
}

// IncBatchDropped counts an envelope dropped after retries.
func (c *Collector) IncBatchDropped() {
	c.mu.Lock()
	c.batchesDropped++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.dropped.Inc()
	}
}

// IncCacheHit counts a fresh cache lookup.
func (c *Collector) IncCacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.cacheHits.Inc()
	}
}

// IncCacheMiss counts an absent, expired, or corrupt lookup.
func (c *Collector) IncCacheMiss() {
	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.cacheMisses.Inc()
	}
}

// SetActiveConnections records the current pool population.
func (c *Collector) SetActiveConnections(n int) {
	c.mu.Lock()
	c.activeConnections = int64(n)
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.activeConns.Set(float64(n))
	}
}

// RecordLatency adds a response latency sample to the rolling window.
func (c *Collector) RecordLatency(d time.Duration) {
	c.mu.Lock()
	c.latencies[c.latIdx] = d
	c.latIdx = (c.latIdx + 1) % latencyWindow
	if c.latCount < latencyWindow {
		c.latCount++
	}
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.latency.Observe(d.Seconds())
	}
}

// Snapshot derives the current metrics view. The read mutates nothing.
func (c *Collector) Snapshot(cacheSize, activeBatches int) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if lookups := c.cacheHits + c.cacheMisses; lookups > 0 {
		hitRate = float64(c.cacheHits) / float64(lookups)
	}

	var avg time.Duration
	if c.latCount > 0 {
		var sum time.Duration
		for i := 0; i < c.latCount; i++ {
			sum += c.latencies[i]
		}
		avg = sum / time.Duration(c.latCount)
	}

	return Snapshot{
		MessagesProcessed:   c.messagesProcessed,
		BatchesSent:         c.batchesSent,
		BatchesDropped:      c.batchesDropped,
		CacheHits:           c.cacheHits,
		CacheMisses:         c.cacheMisses,
		CacheHitRate:        hitRate,
		AverageResponseTime: avg,
		ActiveConnections:   c.activeConnections,
		CacheSize:           cacheSize,
		ActiveBatches:       activeBatches,
	}
}
