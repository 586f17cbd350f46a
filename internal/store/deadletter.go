// ABOUTME: In-memory DeadLetterStore for released session queues
// ABOUTME: Holds undelivered messages from disconnected sessions until drained

package store

import (
	"context"
	"sync"
)

// MemoryDeadLetters is an in-memory DeadLetterStore. Messages survive the
// session that queued them but not the process.
type MemoryDeadLetters struct {
	mu   sync.Mutex
	held map[string][]*Message // keyed by session ID
}

// NewMemoryDeadLetters creates an empty MemoryDeadLetters.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{held: make(map[string][]*Message)}
}

// Push appends released messages for a session.
func (d *MemoryDeadLetters) Push(ctx context.Context, sessionID string, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[sessionID] = append(d.held[sessionID], msgs...)
	return nil
}

// Drain removes and returns all held messages for a session.
// An unknown session drains to an empty slice, not an error.
func (d *MemoryDeadLetters) Drain(ctx context.Context, sessionID string) ([]*Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msgs := d.held[sessionID]
	delete(d.held, sessionID)
	return msgs, nil
}
