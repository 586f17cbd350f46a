// ABOUTME: Abstract bidirectional channel binding a session to its transport
// ABOUTME: Defines the Event envelope and the Channel interface implemented by adapters

package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed indicates the channel has been closed.
var ErrClosed = errors.New("channel closed")

// Event types carried over a channel.
const (
	EventMessage        = "message"
	EventHeartbeat      = "heartbeat"
	EventOpinionRequest = "opinion_request"
	EventOpinionReply   = "opinion_reply"
	EventVoteRequest    = "vote_request"
	EventVoteReply      = "vote_reply"
	EventSessionInfo    = "session_info"
)

// Event is the envelope exchanged with a connected agent. The payload is an
// opaque JSON document; correlation IDs tie replies to pending requests.
type Event struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Receiver consumes inbound events from a channel.
type Receiver func(*Event)

// Channel is a transport-neutral bidirectional link to one agent.
// Deliver pushes an event toward the agent; OnReceive registers the single
// consumer for events arriving from the agent.
type Channel interface {
	Deliver(ctx context.Context, ev *Event) error
	OnReceive(r Receiver)
	Close() error
}
