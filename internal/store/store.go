// ABOUTME: Store interface and data types for coven-mesh persistence
// ABOUTME: Defines Protocol, Meeting, Opinion, Decision structs and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateProtocol is returned when a (project, name, version) tuple is already registered
var ErrDuplicateProtocol = errors.New("protocol already registered")

// ErrDecisionExists is returned when a decision is already recorded for a meeting.
// Decisions are immutable: one per meeting, never overwritten.
var ErrDecisionExists = errors.New("decision already recorded")

// Protocol is a registered, versioned message contract.
// Immutable once registered; new versions are new records.
type Protocol struct {
	ID             string
	ProjectID      string
	Name           string
	Version        string
	Schema         json.RawMessage
	CapabilityTags []string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// Priority orders messages within a session queue.
type Priority string

// Message priorities, highest first.
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric rank of a priority, lower is more urgent.
// Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Message is a single routed message. Immutable once created; queued or
// delivered, never mutated.
type Message struct {
	ID              string          `json:"message_id"`
	ProjectID       string          `json:"project_id"`
	Sender          string          `json:"sender"`
	Recipient       string          `json:"recipient,omitempty"` // empty for broadcast
	ProtocolName    string          `json:"protocol_name"`
	ProtocolVersion string          `json:"protocol_version"`
	Payload         json.RawMessage `json:"payload"`
	Priority        Priority        `json:"priority"`
	TTL             time.Duration   `json:"ttl,omitempty"` // zero = never expires
	CreatedAt       time.Time       `json:"timestamp"`
}

// Expired reports whether the message's TTL has elapsed at the given time.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(m.TTL))
}

// ProjectPermission is a mutual cross-project messaging opt-in.
// A message from FromProject to a session in ToProject is allowed only if
// this record exists and names the message's protocol (empty list = all).
type ProjectPermission struct {
	FromProject      string
	ToProject        string
	AllowedProtocols []string
	RateLimit        int // messages per minute for this pair, 0 = unlimited
	CreatedAt        time.Time
}

// MeetingStatus values for the coordinator state machine.
const (
	MeetingPending    = "pending"
	MeetingInProgress = "in_progress"
	MeetingCompleted  = "completed"
	MeetingFailed     = "failed"
)

// Meeting is a turn-ordered discussion among agents.
// Mutated only by the coordinator; terminal once completed or failed.
type Meeting struct {
	ID            string
	ProjectID     string
	Topic         string
	Status        string
	SpeakingOrder []string
	CurrentRound  int
	MaxRounds     int
	Outcome       string // "", "consensus", "no_consensus", "aborted"
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Opinion is one participant's contribution in one round.
// Append-only; SequenceNumber strictly increases per round.
type Opinion struct {
	ID             string
	MeetingID      string
	Agent          string
	Round          int
	SequenceNumber int
	Content        string
	Responded      bool // false when the participant timed out
	CreatedAt      time.Time
}

// Vote is a participant's consensus vote for one round.
// Agrees is nil when the participant never responded.
type Vote struct {
	MeetingID string
	Round     int
	Agent     string
	Agrees    *bool
	CreatedAt time.Time
}

// Decision is the immutable outcome of a successfully concluded meeting.
type Decision struct {
	ID         string
	MeetingID  string
	ProjectID  string
	Content    string
	Rationale  string
	OpinionIDs []string
	CreatedAt  time.Time
}

// Store defines the persistence interface for the coordination core.
// Implementations must provide atomic check-then-write semantics for the
// uniqueness constraints (protocol registration, decision recording).
type Store interface {
	// Protocols
	CreateProtocol(ctx context.Context, p *Protocol) error
	GetProtocol(ctx context.Context, projectID, name, version string) (*Protocol, error)
	ListProtocols(ctx context.Context, projectID string) ([]*Protocol, error)

	// Cross-project permissions
	UpsertPermission(ctx context.Context, perm *ProjectPermission) error
	GetPermission(ctx context.Context, fromProject, toProject string) (*ProjectPermission, error)

	// Meetings
	CreateMeeting(ctx context.Context, m *Meeting) error
	GetMeeting(ctx context.Context, id string) (*Meeting, error)
	UpdateMeeting(ctx context.Context, m *Meeting) error

	// Opinions
	SaveOpinion(ctx context.Context, op *Opinion) error
	ListOpinions(ctx context.Context, meetingID string, round int) ([]*Opinion, error)

	// Votes
	SaveVote(ctx context.Context, v *Vote) error
	ListVotes(ctx context.Context, meetingID string, round int) ([]*Vote, error)

	// Decisions
	SaveDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, meetingID string) (*Decision, error)
	ListDecisions(ctx context.Context, projectID string) ([]*Decision, error)

	// Close releases any resources held by the store
	Close() error
}

// DeadLetterStore receives the queue contents of disconnected sessions
// when the reaper is configured to hand off rather than drop.
type DeadLetterStore interface {
	Push(ctx context.Context, sessionID string, msgs []*Message) error
	Drain(ctx context.Context, sessionID string) ([]*Message, error)
}
