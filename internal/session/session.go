// ABOUTME: Represents one live agent connection with its capabilities and queue
// ABOUTME: Owns the session's status, heartbeat timestamp, and transport channel

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-mesh/internal/store"
	"github.com/2389/coven-mesh/internal/transport"
)

// Status of a session's lifecycle.
type Status string

const (
	StatusActive       Status = "active"
	StatusStale        Status = "stale"
	StatusDisconnected Status = "disconnected"
)

// Capabilities are declared at session creation and read-only thereafter.
// Renegotiation means a new session.
type Capabilities struct {
	// SupportedProtocols maps protocol name to the versions the agent speaks.
	SupportedProtocols map[string][]string `json:"supported_protocols"`
	// SupportedFeatures is a set of named features (e.g. broadcast, streaming).
	SupportedFeatures []string `json:"supported_features"`
}

// HasFeature reports whether a feature is declared.
func (c Capabilities) HasFeature(name string) bool {
	for _, f := range c.SupportedFeatures {
		if f == name {
			return true
		}
	}
	return false
}

// Session is the live state of one connected agent in one project.
// Each session guards its own mutable state; unrelated sessions never
// contend on a shared lock.
type Session struct {
	ID            string
	ProjectID     string
	AgentIdentity string
	Capabilities  Capabilities
	CreatedAt     time.Time

	queue *Queue

	mu            sync.Mutex
	status        Status
	lastHeartbeat time.Time
	channel       transport.Channel
	drainStop     chan struct{}

	logger *slog.Logger
}

// Info is a read-only snapshot for discovery and monitoring views.
type Info struct {
	SessionID      string       `json:"session_id"`
	ProjectID      string       `json:"project_id"`
	AgentIdentity  string       `json:"agent_identity"`
	Status         Status       `json:"status"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	Capabilities   Capabilities `json:"capabilities"`
	QueueDepth     int          `json:"queue_depth"`
	ExpiredDropped uint64       `json:"expired_dropped"`
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastHeartbeat returns the most recent heartbeat time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Heartbeat records liveness at the given time and promotes stale sessions
// back to active. Disconnected sessions stay disconnected.
func (s *Session) Heartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
	if s.status == StatusStale {
		s.status = StatusActive
	}
}

// setStatus transitions the session's status, returning the previous one.
func (s *Session) setStatus(st Status) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.status
	s.status = st
	return prev
}

// Enqueue appends a message to the bounded queue.
// Returns ErrQueueFull when the queue is at capacity.
func (s *Session) Enqueue(m *store.Message) error {
	return s.queue.Push(m)
}

// Dequeue removes up to max messages in priority order, dropping expired
// entries silently.
func (s *Session) Dequeue(max int) []*store.Message {
	return s.queue.Pop(max, time.Now())
}

// QueueDepth returns the number of queued messages.
func (s *Session) QueueDepth() int {
	return s.queue.Len()
}

// Draining reports whether a transport channel is attached and consuming
// the queue. A send to a draining session is "delivered"; otherwise "queued".
func (s *Session) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil
}

// AttachChannel binds a transport channel and starts the drain loop,
// which pushes queued messages to the agent as they arrive.
// An existing channel is replaced, its drain loop stopped.
func (s *Session) AttachChannel(ch transport.Channel) {
	s.mu.Lock()
	if s.drainStop != nil {
		close(s.drainStop)
	}
	s.channel = ch
	stop := make(chan struct{})
	s.drainStop = stop
	s.mu.Unlock()

	go s.drainLoop(ch, stop)
}

// DetachChannel unbinds the transport channel without closing it.
func (s *Session) DetachChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drainStop != nil {
		close(s.drainStop)
		s.drainStop = nil
	}
	s.channel = nil
}

// detachIf unbinds only if ch is still the attached channel, so a failed
// drain loop never tears down a replacement attached concurrently.
func (s *Session) detachIf(ch transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != ch {
		return
	}
	if s.drainStop != nil {
		close(s.drainStop)
		s.drainStop = nil
	}
	s.channel = nil
}

// Channel returns the attached transport channel, or nil.
func (s *Session) Channel() transport.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// drainLoop delivers queued messages to the attached channel until the
// channel is detached or fails.
func (s *Session) drainLoop(ch transport.Channel, stop <-chan struct{}) {
	for {
		for {
			batch := s.queue.Pop(16, time.Now())
			if len(batch) == 0 {
				break
			}
			for i, m := range batch {
				payload, err := json.Marshal(m)
				if err != nil {
					s.logger.Error("marshaling queued message", "message_id", m.ID, "error", err)
					continue
				}
				ev := &transport.Event{
					Type:          transport.EventMessage,
					CorrelationID: m.ID,
					Payload:       payload,
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err = ch.Deliver(ctx, ev)
				cancel()
				if err != nil {
					// Put the undelivered remainder back at the head of
					// its tiers so a reattached channel picks it up.
					s.queue.Requeue(batch[i:])
					s.logger.Debug("drain delivery failed, detaching channel",
						"session_id", s.ID, "error", err)
					s.detachIf(ch)
					return
				}
			}
		}

		select {
		case <-s.queue.Notify():
		case <-stop:
			return
		}
	}
}

// snapshot builds an Info view under the session lock.
func (s *Session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:      s.ID,
		ProjectID:      s.ProjectID,
		AgentIdentity:  s.AgentIdentity,
		Status:         s.status,
		LastHeartbeat:  s.lastHeartbeat,
		Capabilities:   s.Capabilities,
		QueueDepth:     s.queue.Len(),
		ExpiredDropped: s.queue.ExpiredDropped(),
	}
}
