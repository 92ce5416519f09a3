package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a single inbound or outbound message from the transport.
// The delivery tier is derived from Type at routing time, never stored.
type Message struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DestinationID string          `json:"destination_id"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// Tier is a delivery priority class. Higher values are more urgent and
// bypass batching; ordering is the ordinary integer order.
type Tier int

const (
	TierLow Tier = iota
	TierNormal
	TierHigh
	TierCritical
)

// String returns the wire name of the tier.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierNormal:
		return "normal"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier converts a wire name back to a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "low":
		return TierLow, nil
	case "normal":
		return TierNormal, nil
	case "high":
		return TierHigh, nil
	case "critical":
		return TierCritical, nil
	}
	return TierNormal, fmt.Errorf("unknown tier %q", s)
}

// Bypass reports whether messages of this tier skip batching and are
// dispatched immediately.
func (t Tier) Bypass() bool {
	return t >= TierHigh
}

// FlushReason records why a batch left the aggregator.
type FlushReason string

const (
	FlushSize     FlushReason = "size"
	FlushTimer    FlushReason = "timer"
	FlushShutdown FlushReason = "shutdown"
)

// Envelope is a flushed batch: the ordered messages accumulated for one
// destination, dispatched to the transport as a single unit.
type Envelope struct {
	ID            uuid.UUID   `json:"id"`
	DestinationID string      `json:"destination_id"`
	Messages      []Message   `json:"messages"`
	CreatedAt     time.Time   `json:"created_at"`
	FlushedAt     time.Time   `json:"flushed_at"`
	Reason        FlushReason `json:"reason"`
}

// Size returns the number of messages in the envelope.
func (e Envelope) Size() int {
	return len(e.Messages)
}
