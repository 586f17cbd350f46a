// Package session manages the set of connected agent sessions.
//
// # Overview
//
// A Session is the live connection state for one agent within one project:
// its declared capabilities, its heartbeat-driven status, and a bounded
// priority queue of pending messages. The Manager owns the session table;
// each session guards its own mutable state with its own lock, so
// operations on unrelated sessions never serialize.
//
// # Lifecycle
//
// Sessions move through three statuses:
//
//	active ──(no heartbeat for stale_threshold)──▶ stale
//	stale ──(heartbeat)──▶ active
//	stale ──(no heartbeat for disconnect_threshold)──▶ disconnected
//
// A background reaper applies the thresholds on a periodic timer. It never
// blocks message delivery; it only flips statuses and releases the queues
// of newly disconnected sessions. Queue release is policy-driven: drop the
// messages, or hand them to a dead-letter store.
//
// # Queues
//
// Each session owns a bounded queue with four priority tiers
// (urgent > high > normal > low), FIFO within a tier. Enqueue on a full
// queue returns ErrQueueFull rather than dropping or growing; dequeue
// silently drops expired messages and counts them.
//
// # Draining
//
// A session with an attached transport channel drains its queue to the
// channel in the background. Send outcomes distinguish delivered (the
// recipient is draining) from queued (messages parked until the agent
// attaches or polls). A failed delivery re-queues the remaining batch and
// detaches the channel, leaving the messages for the next attachment.
package session
