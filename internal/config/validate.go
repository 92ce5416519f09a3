package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
// Invalid configuration is the one fatal error class: it fails here,
// before anything is constructed.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.Transport.URL == "" {
		return errors.New("transport.url is required")
	}

	if c.Batch.MaxSize < 1 {
		return errors.New("batch.max_size must be >= 1")
	}
	if c.Batch.MaxWait <= 0 {
		return errors.New("batch.max_wait must be positive")
	}
	if c.Batch.MaxRetries < 0 {
		return errors.New("batch.max_retries must be >= 0")
	}
	if c.Batch.RetryBaseDelay <= 0 {
		return errors.New("batch.retry_base_delay must be positive")
	}

	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}
	if c.Cache.MaxEntries < 1 {
		return errors.New("cache.max_entries must be >= 1")
	}

	if c.Pool.MaxSize < 1 {
		return errors.New("pool.max_size must be >= 1")
	}
	if c.Pool.IdleTimeout <= 0 {
		return errors.New("pool.idle_timeout must be positive")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	if c.Archive.Enabled {
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if err := c.Archive.DB.validate("archive.db"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
