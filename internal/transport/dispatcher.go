package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tkaplan/relay-optimizer/internal/model"
	"github.com/tkaplan/relay-optimizer/internal/pool"
)

// connType is the pool connection type the dispatcher uses.
const connType = "websocket"

// ConnSource hands out pooled connections. The optimizer satisfies it.
type ConnSource interface {
	Connection(ctx context.Context, id, connType string) (*pool.Conn, error)
	ReleaseConnection(id, connType string)
}

// Dispatcher delivers envelopes over pooled WebSocket connections. Its
// connection source is bound after the optimizer exists, since the
// optimizer owns the pool the dispatcher sends through.
type Dispatcher struct {
	logger *slog.Logger

	mu     sync.RWMutex
	source ConnSource

	// Optional tap: every successfully dispatched envelope is copied
	// here (non-blocking) for the archive writer.
	tap chan<- model.Envelope
}

// NewDispatcher creates an unbound Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Bind attaches the connection source. Must be called before the first
// Dispatch.
func (d *Dispatcher) Bind(source ConnSource) {
	d.mu.Lock()
	d.source = source
	d.mu.Unlock()
}

// Tap mirrors dispatched envelopes into ch without blocking; a full
// channel drops the copy, never the dispatch.
func (d *Dispatcher) Tap(ch chan<- model.Envelope) {
	d.mu.Lock()
	d.tap = ch
	d.mu.Unlock()
}

// Dispatch sends the envelope as one frame to its destination.
func (d *Dispatcher) Dispatch(ctx context.Context, env model.Envelope) error {
	d.mu.RLock()
	source := d.source
	tap := d.tap
	d.mu.RUnlock()

	if source == nil {
		return errors.New("dispatcher not bound to a connection source")
	}

	conn, err := source.Connection(ctx, env.DestinationID, connType)
	if err != nil {
		return err
	}
	defer source.ReleaseConnection(env.DestinationID, connType)

	client, ok := conn.Handle.(*Client)
	if !ok {
		return fmt.Errorf("unexpected handle type %T for %s", conn.Handle, env.DestinationID)
	}

	if err := client.SendJSON(env); err != nil {
		return fmt.Errorf("send envelope %s: %w", env.ID, err)
	}

	if tap != nil {
		select {
		case tap <- env:
		default:
			d.logger.Warn("archive tap full, skipping envelope", "envelope", env.ID)
		}
	}
	return nil
}
