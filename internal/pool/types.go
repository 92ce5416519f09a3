package pool

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrClosed        = errors.New("connection pool closed")
)

// Handle is an open transport connection owned by the pool.
type Handle interface {
	Close() error
}

// Factory dials a new handle for a (id, type) key. It may suspend; the
// context bounds the dial.
type Factory func(ctx context.Context, id, connType string) (Handle, error)

// Config holds pool settings.
type Config struct {
	// MaxSize caps the number of live connections.
	MaxSize int

	// IdleTimeout is how long a released connection may sit unused
	// before the sweep closes it.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweep runs. Zero disables it.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:       100,
		IdleTimeout:   30 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// Conn is a pooled connection. Fields are maintained under the pool
// lock; callers should treat them as read-only snapshots.
type Conn struct {
	ID   string
	Type string

	// Handle is the underlying transport connection.
	Handle Handle

	// UseCount increments on every acquisition and never decreases
	// while the connection is live.
	UseCount int64

	// LastUsedAt is stamped on acquisition and release.
	LastUsedAt time.Time

	// Idle is true between Release and the next Get.
	Idle bool
}

// Stats contains pool counters.
type Stats struct {
	Active  int
	Created int64
	Reused  int64
	Evicted int64
	Expired int64
}
