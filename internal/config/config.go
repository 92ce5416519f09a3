// Package config defines the relay optimizer configuration, loaded from
// YAML with environment-variable expansion, defaulting, and validation.
package config

import "time"

// Config is the root configuration for a relayd instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Transport TransportConfig `yaml:"transport"`
	Batch     BatchConfig     `yaml:"batch"`
	Cache     CacheConfig     `yaml:"cache"`
	Pool      PoolConfig      `yaml:"pool"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// InstanceConfig identifies this relayd.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// TransportConfig holds WebSocket transport settings.
type TransportConfig struct {
	// URL is the base endpoint; the connection factory appends the
	// destination path to it.
	URL              string        `yaml:"url"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// BatchConfig holds aggregator settings.
type BatchConfig struct {
	MaxSize        int           `yaml:"max_size"`
	MaxWait        time.Duration `yaml:"max_wait"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxSize       int           `yaml:"max_size"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// ArchiveConfig holds the optional envelope archiver settings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	DB            DBConfig      `yaml:"db"`
}

// DBConfig holds a Postgres connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
