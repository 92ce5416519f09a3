package batch

import (
	"context"
	"errors"
	"time"

	"github.com/tkaplan/relay-optimizer/internal/model"
)

// Errors
var (
	ErrClosed         = errors.New("aggregator closed")
	ErrDispatchFailed = errors.New("envelope dispatch failed")
)

// Dispatcher delivers a flushed envelope to the transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, env model.Envelope) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, env model.Envelope) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, env model.Envelope) error {
	return f(ctx, env)
}

// DropFunc is invoked when an envelope is dropped after exhausting its
// dispatch retries. It must not block.
type DropFunc func(env model.Envelope, err error)

// Config holds aggregator settings.
type Config struct {
	// MaxSize triggers a flush when the per-destination queue reaches
	// this many messages.
	MaxSize int

	// MaxWait triggers a flush this long after the first message for a
	// destination, regardless of queue length.
	MaxWait time.Duration

	// MaxRetries bounds dispatch retries after the initial attempt.
	MaxRetries int

	// RetryBaseDelay is the first backoff wait; it doubles per retry.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:        10,
		MaxWait:        100 * time.Millisecond,
		MaxRetries:     3,
		RetryBaseDelay: 50 * time.Millisecond,
	}
}

// Stats contains aggregator counters.
type Stats struct {
	ActiveBatches int
	Flushed       int64
	Dropped       int64
	Retries       int64
}
