package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tkaplan/relay-optimizer/internal/pool"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// Config holds WebSocket transport settings.
type Config struct {
	// URL is the base endpoint; destination id and connection type are
	// appended as path segments.
	URL              string
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Client is a single WebSocket connection. It satisfies pool.Handle.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPingAt time.Time
}

// Dial opens a WebSocket connection to the endpoint for (id, connType).
func Dial(ctx context.Context, cfg Config, id, connType string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := url.JoinPath(cfg.URL, connType, id)
	if err != nil {
		return nil, fmt.Errorf("build endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		connected: true,
	}

	// Server pings, we pong.
	conn.SetPingHandler(func(data string) error {
		c.mu.Lock()
		c.lastPingAt = time.Now()
		c.mu.Unlock()

		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	logger.Debug("websocket connected", "endpoint", endpoint)
	return c, nil
}

// SendJSON marshals v and writes it as one text frame.
func (c *Client) SendJSON(v any) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close gracefully closes the connection. Repeat calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

// NewFactory returns a pool.Factory that dials WebSocket endpoints.
func NewFactory(cfg Config, logger *slog.Logger) pool.Factory {
	return func(ctx context.Context, id, connType string) (pool.Handle, error) {
		return Dial(ctx, cfg, id, connType, logger)
	}
}
