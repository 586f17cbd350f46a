// ABOUTME: Tool-facing facade over the registry, sessions, router, and coordinator
// ABOUTME: JSON-shaped requests and results with typed errors, never panics across the boundary

package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mesh/internal/events"
	"github.com/2389/coven-mesh/internal/meeting"
	"github.com/2389/coven-mesh/internal/negotiate"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/router"
	"github.com/2389/coven-mesh/internal/session"
	"github.com/2389/coven-mesh/internal/store"
)

// Mesh bundles the coordination components behind one request/response
// surface. All operations return results or a typed *Error via Convert.
type Mesh struct {
	store       store.Store
	sessions    *session.Manager
	registry    *protocol.Registry
	negotiator  *negotiate.Negotiator
	router      *router.Router
	coordinator *meeting.Coordinator
	broadcaster *events.Broadcaster
	logger      *slog.Logger
}

// New assembles the facade from already-constructed components.
func New(
	st store.Store,
	sessions *session.Manager,
	registry *protocol.Registry,
	negotiator *negotiate.Negotiator,
	rtr *router.Router,
	coordinator *meeting.Coordinator,
	broadcaster *events.Broadcaster,
	logger *slog.Logger,
) *Mesh {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mesh{
		store:       st,
		sessions:    sessions,
		registry:    registry,
		negotiator:  negotiator,
		router:      rtr,
		coordinator: coordinator,
		broadcaster: broadcaster,
		logger:      logger.With("component", "mesh"),
	}
}

// Sessions exposes the session manager for transport adapters.
func (m *Mesh) Sessions() *session.Manager { return m.sessions }

// Events exposes the broadcaster for monitoring subscribers.
func (m *Mesh) Events() *events.Broadcaster { return m.broadcaster }

// ConnectRequest opens a session for an authenticated agent principal.
type ConnectRequest struct {
	ProjectID     string               `json:"project_id"`
	AgentIdentity string               `json:"agent_identity"`
	Capabilities  session.Capabilities `json:"capabilities"`
}

// ConnectResult reports the allocated session.
type ConnectResult struct {
	SessionID string `json:"session_id"`
}

// Connect allocates an active session bound to the given identity.
func (m *Mesh) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	if req.ProjectID == "" || req.AgentIdentity == "" {
		return nil, Errorf(CodeValidation, "project_id and agent_identity are required")
	}
	s := m.sessions.Create(req.ProjectID, req.AgentIdentity, req.Capabilities)
	return &ConnectResult{SessionID: s.ID}, nil
}

// Heartbeat refreshes a session's liveness.
func (m *Mesh) Heartbeat(ctx context.Context, sessionID string) error {
	if err := m.sessions.Heartbeat(sessionID); err != nil {
		return Convert(err)
	}
	return nil
}

// Disconnect closes a session and releases its queue.
func (m *Mesh) Disconnect(ctx context.Context, sessionID string) error {
	if err := m.sessions.Disconnect(sessionID); err != nil {
		return Convert(err)
	}
	return nil
}

// ListSessions snapshots sessions, optionally filtered by status.
func (m *Mesh) ListSessions(ctx context.Context, statusFilter string) ([]session.Info, error) {
	return m.sessions.List(session.Status(statusFilter)), nil
}

// RegisterProtocolRequest registers one immutable protocol version.
type RegisterProtocolRequest struct {
	ProjectID      string            `json:"project_id"`
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	Schema         json.RawMessage   `json:"schema"`
	CapabilityTags []string          `json:"capability_tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RegisterProtocol validates and persists a protocol definition.
func (m *Mesh) RegisterProtocol(ctx context.Context, req RegisterProtocolRequest) (*store.Protocol, error) {
	p, err := m.registry.Register(ctx, &protocol.Definition{
		ProjectID:      req.ProjectID,
		Name:           req.Name,
		Version:        req.Version,
		Schema:         req.Schema,
		CapabilityTags: req.CapabilityTags,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, Convert(err)
	}
	return p, nil
}

// DiscoverProtocolsRequest filters the registry. Zero values match everything.
type DiscoverProtocolsRequest struct {
	ProjectID    string   `json:"project_id"`
	Name         string   `json:"name,omitempty"`
	VersionRange string   `json:"version_range,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// DiscoverProtocols queries registered protocols. No match is an empty list.
func (m *Mesh) DiscoverProtocols(ctx context.Context, req DiscoverProtocolsRequest) ([]*store.Protocol, error) {
	out, err := m.registry.Discover(ctx, req.ProjectID, protocol.Query{
		Name:         req.Name,
		VersionRange: req.VersionRange,
		Tags:         req.Tags,
	})
	if err != nil {
		return nil, Convert(err)
	}
	return out, nil
}

// NegotiateRequest asks for pairwise compatibility between two sessions.
type NegotiateRequest struct {
	SessionA          string   `json:"session_a"`
	SessionB          string   `json:"session_b"`
	RequiredProtocols []string `json:"required_protocols,omitempty"`
}

// NegotiateCapabilities computes the pairwise negotiation result. When
// required protocols are named and unsatisfiable the result is still
// returned alongside a CodeIncompatible error.
func (m *Mesh) NegotiateCapabilities(ctx context.Context, req NegotiateRequest) (*negotiate.Result, error) {
	res, err := m.negotiator.Negotiate(req.SessionA, req.SessionB, req.RequiredProtocols)
	if err != nil {
		return nil, Convert(err)
	}
	if len(req.RequiredProtocols) > 0 && !res.Compatible {
		return &res, &Error{
			Code:    CodeIncompatible,
			Message: "required protocols have no common version",
			Details: res.Incompatibilities,
		}
	}
	return &res, nil
}

// CompatibilityMatrix negotiates every unordered session pair.
func (m *Mesh) CompatibilityMatrix(ctx context.Context, sessionIDs []string) ([]negotiate.MatrixEntry, error) {
	entries, err := m.negotiator.Matrix(sessionIDs)
	if err != nil {
		return nil, Convert(err)
	}
	return entries, nil
}

// SendMessageRequest delivers one message to one recipient session.
type SendMessageRequest struct {
	SenderSessionID    string          `json:"sender_session_id"`
	RecipientSessionID string          `json:"recipient_session_id"`
	ProtocolName       string          `json:"protocol_name"`
	ProtocolVersion    string          `json:"protocol_version"`
	Payload            json.RawMessage `json:"payload"`
	Priority           string          `json:"priority,omitempty"`
	TTLSeconds         int             `json:"ttl_seconds,omitempty"`
}

// SendMessageResult reports the delivery outcome.
type SendMessageResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// SendMessage validates and routes a point-to-point message.
func (m *Mesh) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error) {
	sender, err := m.sessions.Get(req.SenderSessionID)
	if err != nil {
		return nil, Convert(err)
	}
	msg := m.buildMessage(sender, req.ProtocolName, req.ProtocolVersion, req.Payload, req.Priority, req.TTLSeconds)

	status, err := m.router.Send(ctx, req.SenderSessionID, req.RecipientSessionID, msg)
	if err != nil {
		return nil, Convert(err)
	}
	return &SendMessageResult{MessageID: msg.ID, Status: string(status)}, nil
}

// BroadcastMessageRequest fans a message out to eligible sessions.
type BroadcastMessageRequest struct {
	SenderSessionID string          `json:"sender_session_id"`
	ProtocolName    string          `json:"protocol_name"`
	ProtocolVersion string          `json:"protocol_version"`
	Payload         json.RawMessage `json:"payload"`
	Priority        string          `json:"priority,omitempty"`
	TTLSeconds      int             `json:"ttl_seconds,omitempty"`

	RequiredFeatures []string `json:"required_features,omitempty"`
	RequireProtocol  bool     `json:"require_protocol,omitempty"`
}

// BroadcastMessageResult pairs the message id with the delivery partition.
type BroadcastMessageResult struct {
	MessageID string                  `json:"message_id"`
	Outcome   *router.BroadcastResult `json:"outcome"`
}

// BroadcastMessage fans out to all eligible sessions; per-recipient
// failures are reported in the outcome, never as an operation error.
func (m *Mesh) BroadcastMessage(ctx context.Context, req BroadcastMessageRequest) (*BroadcastMessageResult, error) {
	sender, err := m.sessions.Get(req.SenderSessionID)
	if err != nil {
		return nil, Convert(err)
	}
	msg := m.buildMessage(sender, req.ProtocolName, req.ProtocolVersion, req.Payload, req.Priority, req.TTLSeconds)

	var filter *router.CapabilityFilter
	if len(req.RequiredFeatures) > 0 || req.RequireProtocol {
		filter = &router.CapabilityFilter{
			Features:        req.RequiredFeatures,
			RequireProtocol: req.RequireProtocol,
		}
	}
	outcome, err := m.router.Broadcast(ctx, req.SenderSessionID, msg, filter)
	if err != nil {
		return nil, Convert(err)
	}
	return &BroadcastMessageResult{MessageID: msg.ID, Outcome: outcome}, nil
}

// FetchMessages dequeues up to max pending messages for a polling agent.
func (m *Mesh) FetchMessages(ctx context.Context, sessionID string, max int) ([]*store.Message, error) {
	msgs, err := m.sessions.Dequeue(sessionID, max)
	if err != nil {
		return nil, Convert(err)
	}
	return msgs, nil
}

// CreateMeetingRequest opens a pending meeting.
type CreateMeetingRequest struct {
	ProjectID    string   `json:"project_id"`
	Topic        string   `json:"topic"`
	Participants []string `json:"participants"`
	MaxRounds    int      `json:"max_rounds,omitempty"`
}

// CreateMeeting records a pending meeting open for joins and topic changes.
func (m *Mesh) CreateMeeting(ctx context.Context, req CreateMeetingRequest) (*store.Meeting, error) {
	if req.ProjectID == "" {
		return nil, Errorf(CodeValidation, "project_id is required")
	}
	mt, err := m.coordinator.Create(ctx, req.ProjectID, req.Topic, req.Participants, req.MaxRounds)
	if err != nil {
		return nil, Convert(err)
	}
	return mt, nil
}

// JoinMeeting adds a participant to a pending meeting.
func (m *Mesh) JoinMeeting(ctx context.Context, meetingID, agent string) error {
	return convertNil(m.coordinator.Join(ctx, meetingID, agent))
}

// ProposeTopic replaces a pending meeting's topic.
func (m *Mesh) ProposeTopic(ctx context.Context, meetingID, topic string) error {
	return convertNil(m.coordinator.ProposeTopic(ctx, meetingID, topic))
}

// StartMeeting begins the sequential discussion.
func (m *Mesh) StartMeeting(ctx context.Context, meetingID string) error {
	return convertNil(m.coordinator.Start(ctx, meetingID))
}

// SubmitOpinion records the prompted participant's opinion for the
// current turn. Out-of-turn submissions are rejected.
func (m *Mesh) SubmitOpinion(ctx context.Context, meetingID, agent, content string) error {
	return convertNil(m.coordinator.SubmitOpinion(meetingID, agent, content))
}

// SubmitVote records a participant's consensus vote for the current round.
func (m *Mesh) SubmitVote(ctx context.Context, meetingID, agent string, agrees bool) error {
	return convertNil(m.coordinator.SubmitVote(meetingID, agent, agrees))
}

// AbortMeeting interrupts a running meeting.
func (m *Mesh) AbortMeeting(ctx context.Context, meetingID string) error {
	return convertNil(m.coordinator.Abort(meetingID))
}

// GetMeeting returns the meeting record.
func (m *Mesh) GetMeeting(ctx context.Context, meetingID string) (*store.Meeting, error) {
	mt, err := m.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, Convert(err)
	}
	return mt, nil
}

// DecisionView is a decision with its linked opinions resolved.
type DecisionView struct {
	Decision *store.Decision  `json:"decision"`
	Opinions []*store.Opinion `json:"opinions"`
}

// GetDecisions lists a project's recorded decisions with their linked
// opinions resolved through the store.
func (m *Mesh) GetDecisions(ctx context.Context, projectID string) ([]DecisionView, error) {
	decisions, err := m.store.ListDecisions(ctx, projectID)
	if err != nil {
		return nil, Convert(err)
	}
	views := make([]DecisionView, 0, len(decisions))
	for _, d := range decisions {
		all, err := m.store.ListOpinions(ctx, d.MeetingID, -1)
		if err != nil {
			return nil, Convert(err)
		}
		linked := make(map[string]struct{}, len(d.OpinionIDs))
		for _, id := range d.OpinionIDs {
			linked[id] = struct{}{}
		}
		view := DecisionView{Decision: d}
		for _, op := range all {
			if _, ok := linked[op.ID]; ok {
				view.Opinions = append(view.Opinions, op)
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func (m *Mesh) buildMessage(sender *session.Session, name, version string, payload json.RawMessage, priority string, ttlSeconds int) *store.Message {
	p := store.Priority(priority)
	if priority == "" {
		p = store.PriorityNormal
	}
	return &store.Message{
		ID:              uuid.New().String(),
		ProjectID:       sender.ProjectID,
		Sender:          sender.AgentIdentity,
		ProtocolName:    name,
		ProtocolVersion: version,
		Payload:         payload,
		Priority:        p,
		TTL:             time.Duration(ttlSeconds) * time.Second,
		CreatedAt:       time.Now(),
	}
}

func convertNil(err error) error {
	if err == nil {
		return nil
	}
	return Convert(err)
}
