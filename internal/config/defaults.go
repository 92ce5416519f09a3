package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWriteTimeout     = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	DefaultBatchMaxSize   = 10
	DefaultBatchMaxWait   = 100 * time.Millisecond
	DefaultBatchRetries   = 3
	DefaultRetryBaseDelay = 50 * time.Millisecond

	DefaultCacheTTL        = 5 * time.Minute
	DefaultCacheMaxEntries = 1000
	DefaultCacheSweep      = time.Minute

	DefaultPoolMaxSize     = 100
	DefaultPoolIdleTimeout = 30 * time.Second
	DefaultPoolSweep       = 5 * time.Second

	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"

	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultDBMaxConns         = 10
	DefaultDBMinConns         = 2
	DefaultArchiveBatchSize   = 500
	DefaultArchiveFlushPeriod = time.Second
)

func (c *Config) applyDefaults() {
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if c.Batch.MaxSize == 0 {
		c.Batch.MaxSize = DefaultBatchMaxSize
	}
	if c.Batch.MaxWait == 0 {
		c.Batch.MaxWait = DefaultBatchMaxWait
	}
	if c.Batch.MaxRetries == 0 {
		c.Batch.MaxRetries = DefaultBatchRetries
	}
	if c.Batch.RetryBaseDelay == 0 {
		c.Batch.RetryBaseDelay = DefaultRetryBaseDelay
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = DefaultCacheSweep
	}

	if c.Pool.MaxSize == 0 {
		c.Pool.MaxSize = DefaultPoolMaxSize
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = DefaultPoolIdleTimeout
	}
	if c.Pool.SweepInterval == 0 {
		c.Pool.SweepInterval = DefaultPoolSweep
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Archive.Enabled {
		if c.Archive.BatchSize == 0 {
			c.Archive.BatchSize = DefaultArchiveBatchSize
		}
		if c.Archive.FlushInterval == 0 {
			c.Archive.FlushInterval = DefaultArchiveFlushPeriod
		}
		applyDBDefaults(&c.Archive.DB)
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultDBMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultDBMinConns
	}
}
