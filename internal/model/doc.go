// Package model defines the shared types that flow through the
// optimization layer: inbound messages, delivery tiers, and the batched
// envelopes handed to the transport.
package model
