// Package transport provides the WebSocket side of the optimizer: a
// connection factory for the pool and a dispatcher that delivers
// flushed envelopes over pooled connections.
package transport
