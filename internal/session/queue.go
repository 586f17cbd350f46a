// ABOUTME: Bounded per-session message queue with priority tiers and TTL expiry
// ABOUTME: Rejects overflow explicitly; expired entries are dropped silently and counted

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/2389/coven-mesh/internal/store"
)

// ErrQueueFull indicates the session's bounded queue has no capacity left.
var ErrQueueFull = errors.New("session queue full")

// DefaultQueueCapacity bounds a session queue when no capacity is configured.
const DefaultQueueCapacity = 1000

// numTiers covers urgent, high, normal, low.
const numTiers = 4

// Queue is a bounded priority queue. Messages dequeue by priority tier,
// FIFO within a tier. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	tiers    [numTiers][]*store.Message
	size     int
	capacity int
	expired  uint64 // expired messages dropped during dequeue

	notify chan struct{} // kicked on push, consumed by the drain loop
}

// NewQueue creates a queue with the given capacity.
// Non-positive capacity falls back to DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends a message to its priority tier.
// Returns ErrQueueFull when at capacity; the queue never grows unbounded
// and never silently drops to make room.
func (q *Queue) Push(m *store.Message) error {
	q.mu.Lock()
	if q.size >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}

	tier := m.Priority.Rank()
	if tier >= numTiers {
		tier = numTiers - 1
	}
	q.tiers[tier] = append(q.tiers[tier], m)
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes up to max messages in priority-then-FIFO order.
// Expired messages are dropped silently and counted, never returned.
// max <= 0 means no limit.
func (q *Queue) Pop(max int, now time.Time) []*store.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*store.Message
	for tier := 0; tier < numTiers; tier++ {
		for len(q.tiers[tier]) > 0 {
			if max > 0 && len(out) >= max {
				return out
			}
			m := q.tiers[tier][0]
			q.tiers[tier] = q.tiers[tier][1:]
			q.size--
			if m.Expired(now) {
				q.expired++
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

// Requeue returns popped-but-undelivered messages to the head of their
// tiers, preserving order. Capacity is not re-checked: the messages were
// already admitted once.
func (q *Queue) Requeue(msgs []*store.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		tier := m.Priority.Rank()
		if tier >= numTiers {
			tier = numTiers - 1
		}
		q.tiers[tier] = append([]*store.Message{m}, q.tiers[tier]...)
		q.size++
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// ExpiredDropped returns how many expired messages have been discarded.
func (q *Queue) ExpiredDropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expired
}

// Notify exposes the push signal for the drain loop.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
