// ABOUTME: Routes point-to-point and broadcast messages between agent sessions
// ABOUTME: Validates payloads against the registry and enforces project boundaries

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-mesh/internal/events"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/session"
	"github.com/2389/coven-mesh/internal/store"
)

// ErrPermissionDenied means a cross-project boundary condition failed.
var ErrPermissionDenied = errors.New("cross-project delivery not permitted")

// PayloadError reports schema violations found before delivery.
// A message failing validation is never partially enqueued.
type PayloadError struct {
	Violations []protocol.Violation
}

func (e *PayloadError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "payload validation failed: " + strings.Join(parts, "; ")
}

// DeliveryStatus distinguishes a message consumed by a draining recipient
// from one parked in its queue.
type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusQueued    DeliveryStatus = "queued"
)

// CapabilityFilter narrows broadcast recipients.
type CapabilityFilter struct {
	// Features the recipient must declare, all of them.
	Features []string
	// Protocol the recipient must support at the message's version
	// (checked only when RequireProtocol is true).
	RequireProtocol bool
}

// Recipient is one considered session in a broadcast outcome.
type Recipient struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
	Reason    string `json:"reason,omitempty"`
}

// Broadcast outcome reasons.
const (
	ReasonQueueFull            = "queue_full"
	ReasonFiltered             = "filtered"
	ReasonIncompatibleProtocol = "incompatible_protocol"
)

// BroadcastResult partitions the considered recipient set exactly:
// len(Delivered) + len(Failed) + len(Skipped) == considered.
type BroadcastResult struct {
	Delivered []Recipient `json:"delivered"`
	Failed    []Recipient `json:"failed"`
	Skipped   []Recipient `json:"skipped"`
}

// Router delivers messages between sessions, consulting the protocol
// registry for validation and the store for cross-project permissions.
type Router struct {
	sessions    *session.Manager
	registry    *protocol.Registry
	permissions store.Store
	rates       *rateWindow
	broadcaster *events.Broadcaster
	logger      *slog.Logger
}

// NewRouter creates a Router. broadcaster and logger may be nil.
func NewRouter(sessions *session.Manager, registry *protocol.Registry, st store.Store, broadcaster *events.Broadcaster, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sessions:    sessions,
		registry:    registry,
		permissions: st,
		rates:       newRateWindow(),
		broadcaster: broadcaster,
		logger:      logger.With("component", "router"),
	}
}

// Send delivers a message to one recipient session.
// The payload is validated first and fails closed: an invalid message is
// never enqueued. A full recipient queue returns session.ErrQueueFull; the
// router does not retry.
func (r *Router) Send(ctx context.Context, senderSessionID, recipientSessionID string, msg *store.Message) (DeliveryStatus, error) {
	sender, err := r.sessions.Get(senderSessionID)
	if err != nil {
		return "", fmt.Errorf("sender: %w", err)
	}
	recipient, err := r.sessions.Get(recipientSessionID)
	if err != nil {
		return "", fmt.Errorf("recipient: %w", err)
	}

	if err := r.validate(ctx, sender.ProjectID, msg); err != nil {
		return "", err
	}

	if recipient.ProjectID != sender.ProjectID {
		if err := r.checkCrossProject(ctx, sender.ProjectID, recipient.ProjectID, msg.ProtocolName); err != nil {
			return "", err
		}
	}

	if err := recipient.Enqueue(msg); err != nil {
		return "", err
	}

	status := StatusQueued
	eventType := events.MessageQueued
	if recipient.Draining() {
		status = StatusDelivered
		eventType = events.MessageDelivered
	}

	r.logger.Debug("message routed",
		"message_id", msg.ID,
		"sender", msg.Sender,
		"recipient_session", recipient.ID,
		"status", string(status),
	)
	r.publish(&events.Event{
		Type:      eventType,
		ProjectID: sender.ProjectID,
		SessionID: recipient.ID,
		AgentID:   recipient.AgentIdentity,
		Detail:    map[string]any{"message_id": msg.ID},
	})
	return status, nil
}

// Broadcast delivers a message to every eligible session independently.
// One recipient's failure never aborts delivery to the others, and the
// returned sets partition the considered recipients exactly.
func (r *Router) Broadcast(ctx context.Context, senderSessionID string, msg *store.Message, filter *CapabilityFilter) (*BroadcastResult, error) {
	sender, err := r.sessions.Get(senderSessionID)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}

	if err := r.validate(ctx, sender.ProjectID, msg); err != nil {
		return nil, err
	}

	considered := make([]*session.Session, 0)
	for _, s := range r.sessions.ListActiveByProject(sender.ProjectID) {
		if s.ID == sender.ID {
			continue
		}
		considered = append(considered, s)
	}
	// Cross-project sessions join the considered set only when the
	// boundary rule admits them; the permission check also consumes
	// one slot in the pair's rate window per recipient.
	for _, s := range r.sessions.ListActiveOtherProjects(sender.ProjectID) {
		if err := r.checkCrossProject(ctx, sender.ProjectID, s.ProjectID, msg.ProtocolName); err != nil {
			continue
		}
		considered = append(considered, s)
	}

	result := &BroadcastResult{
		Delivered: []Recipient{},
		Failed:    []Recipient{},
		Skipped:   []Recipient{},
	}

	for _, s := range considered {
		rec := Recipient{SessionID: s.ID, Agent: s.AgentIdentity}

		if reason := r.filterReason(s, msg, filter); reason != "" {
			rec.Reason = reason
			result.Skipped = append(result.Skipped, rec)
			continue
		}

		if err := s.Enqueue(msg); err != nil {
			rec.Reason = ReasonQueueFull
			result.Failed = append(result.Failed, rec)
			r.logger.Debug("broadcast recipient failed",
				"message_id", msg.ID, "session_id", s.ID, "error", err)
			continue
		}
		result.Delivered = append(result.Delivered, rec)
	}

	r.logger.Info("broadcast routed",
		"message_id", msg.ID,
		"sender", msg.Sender,
		"delivered", len(result.Delivered),
		"failed", len(result.Failed),
		"skipped", len(result.Skipped),
	)
	return result, nil
}

// validate schema-checks the payload against the sender project's registry.
// Fails closed: unknown protocol or violations mean no delivery attempt.
func (r *Router) validate(ctx context.Context, projectID string, msg *store.Message) error {
	violations, err := r.registry.ValidatePayload(ctx, projectID, msg.ProtocolName, msg.ProtocolVersion, msg.Payload)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return &PayloadError{Violations: violations}
	}
	return nil
}

// checkCrossProject enforces the boundary rule for one sender->recipient
// project pair: mutual opt-in records, protocol allow-list, rate window.
func (r *Router) checkCrossProject(ctx context.Context, fromProject, toProject, protocolName string) error {
	outbound, err := r.permissions.GetPermission(ctx, fromProject, toProject)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s has not opted in to messaging %s", ErrPermissionDenied, fromProject, toProject)
	}
	if err != nil {
		return fmt.Errorf("checking outbound permission: %w", err)
	}

	if _, err := r.permissions.GetPermission(ctx, toProject, fromProject); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s has not opted in to messages from %s", ErrPermissionDenied, toProject, fromProject)
	} else if err != nil {
		return fmt.Errorf("checking inbound permission: %w", err)
	}

	if len(outbound.AllowedProtocols) > 0 {
		allowed := false
		for _, name := range outbound.AllowedProtocols {
			if name == protocolName {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: protocol %s not allowed between %s and %s",
				ErrPermissionDenied, protocolName, fromProject, toProject)
		}
	}

	pair := fromProject + "->" + toProject
	if !r.rates.Allow(pair, outbound.RateLimit, time.Now()) {
		return fmt.Errorf("%w: rate limit exceeded for %s", ErrPermissionDenied, pair)
	}
	return nil
}

// filterReason returns a skip reason for a broadcast recipient, or "".
func (r *Router) filterReason(s *session.Session, msg *store.Message, filter *CapabilityFilter) string {
	if filter == nil {
		return ""
	}
	for _, f := range filter.Features {
		if !s.Capabilities.HasFeature(f) {
			return ReasonFiltered
		}
	}
	if filter.RequireProtocol {
		versions := s.Capabilities.SupportedProtocols[msg.ProtocolName]
		supported := false
		for _, v := range versions {
			if v == msg.ProtocolVersion {
				supported = true
				break
			}
		}
		if !supported {
			return ReasonIncompatibleProtocol
		}
	}
	return ""
}

func (r *Router) publish(ev *events.Event) {
	if r.broadcaster != nil {
		r.broadcaster.Publish(ev)
	}
}
