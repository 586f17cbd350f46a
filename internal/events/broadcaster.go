// ABOUTME: In-memory fan-out broadcaster for session and meeting lifecycle events
// ABOUTME: Publishes fire-and-forget notifications to all subscribers of a project

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event types published by the core. These are monitoring signals, not part
// of the correctness contract.
const (
	SessionConnected    = "session.connected"
	SessionStale        = "session.stale"
	SessionDisconnected = "session.disconnected"

	MeetingStarted          = "meeting.started"
	MeetingOpinionPresented = "meeting.opinion_presented"
	MeetingConsensusReached = "meeting.consensus_reached"
	MeetingCompleted        = "meeting.completed"
	MeetingFailed           = "meeting.failed"

	MessageDelivered = "message.delivered"
	MessageQueued    = "message.queued"
)

// Event is a lifecycle notification.
type Event struct {
	ID        string
	Type      string
	ProjectID string
	SessionID string
	MeetingID string
	AgentID   string
	Detail    map[string]any
	Timestamp time.Time
}

// WildcardProject subscribes to events from every project.
const WildcardProject = "*"

// Broadcaster provides in-memory pub/sub for lifecycle events, keyed by
// project. Publishing never blocks; slow subscribers lose events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // projectID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for a project's events (or
// WildcardProject for all). Returns the event channel and a subscription ID.
// The subscription is cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, projectID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[projectID]; !ok {
		b.subscribers[projectID] = make(map[string]chan *Event)
	}
	b.subscribers[projectID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "project_id", projectID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(projectID, subID)
	}()

	return ch, subID
}

// Publish sends an event to subscribers of its project and to wildcard
// subscribers. Non-blocking: events are dropped for full subscriber channels.
func (b *Broadcaster) Publish(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]chan *Event, 0, 4)
	for _, key := range []string{ev.ProjectID, WildcardProject} {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"type", ev.Type, "project_id", ev.ProjectID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(projectID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[projectID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, projectID)
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for projectID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, projectID)
	}
}
