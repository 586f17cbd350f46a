// ABOUTME: Tests for the facade: end-to-end operation flow and error taxonomy
// ABOUTME: Drives a full meeting over pipe transports through the dispatch layer

package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/events"
	"github.com/2389/coven-mesh/internal/meeting"
	"github.com/2389/coven-mesh/internal/negotiate"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/router"
	"github.com/2389/coven-mesh/internal/session"
	"github.com/2389/coven-mesh/internal/store"
	"github.com/2389/coven-mesh/internal/transport"
)

func newTestMesh(t *testing.T) *Mesh {
	t.Helper()
	st := store.NewMemoryStore()
	broadcaster := events.NewBroadcaster(nil)
	mgr := session.NewManager(session.DefaultConfig(), nil, broadcaster, nil)
	t.Cleanup(mgr.Stop)

	registry := protocol.NewRegistry(st, nil)
	rtr := router.NewRouter(mgr, registry, st, broadcaster, nil)

	mcfg := meeting.DefaultConfig()
	mcfg.OpinionTimeout = 500 * time.Millisecond
	mcfg.ConsensusTimeout = 500 * time.Millisecond
	coordinator := meeting.NewCoordinator(mcfg, st, mgr, broadcaster, nil)
	t.Cleanup(coordinator.Shutdown)

	return New(st, mgr, registry, negotiate.NewNegotiator(mgr), rtr, coordinator, broadcaster, nil)
}

func registerChat(t *testing.T, m *Mesh) {
	t.Helper()
	_, err := m.RegisterProtocol(t.Context(), RegisterProtocolRequest{
		ProjectID: "proj-a",
		Name:      "chat",
		Version:   "1.0.0",
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["text"],
			"properties": {"text": {"type": "string"}}
		}`),
	})
	require.NoError(t, err)
}

func connectAgent(t *testing.T, m *Mesh, project, agent string) string {
	t.Helper()
	res, err := m.Connect(t.Context(), ConnectRequest{
		ProjectID:     project,
		AgentIdentity: agent,
		Capabilities: session.Capabilities{
			SupportedProtocols: map[string][]string{"chat": {"1.0.0"}},
			SupportedFeatures:  []string{"meetings"},
		},
	})
	require.NoError(t, err)
	return res.SessionID
}

func TestMesh_ProtocolRoundtrip(t *testing.T) {
	m := newTestMesh(t)
	registerChat(t, m)

	// Duplicate registration is a conflict
	_, err := m.RegisterProtocol(t.Context(), RegisterProtocolRequest{
		ProjectID: "proj-a", Name: "chat", Version: "1.0.0",
		Schema: json.RawMessage(`{"type": "object"}`),
	})
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeConflict, typed.Code)

	found, err := m.DiscoverProtocols(t.Context(), DiscoverProtocolsRequest{
		ProjectID: "proj-a", Name: "chat", VersionRange: ">=1.0.0,<2.0.0",
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "chat", found[0].Name)
}

func TestMesh_SendAndFetch(t *testing.T) {
	m := newTestMesh(t)
	registerChat(t, m)
	alice := connectAgent(t, m, "proj-a", "alice")
	bob := connectAgent(t, m, "proj-a", "bob")

	res, err := m.SendMessage(t.Context(), SendMessageRequest{
		SenderSessionID:    alice,
		RecipientSessionID: bob,
		ProtocolName:       "chat",
		ProtocolVersion:    "1.0.0",
		Payload:            json.RawMessage(`{"text": "hello"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)

	msgs, err := m.FetchMessages(t.Context(), bob, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, res.MessageID, msgs[0].ID)
	assert.Equal(t, "alice", msgs[0].Sender)
}

func TestMesh_SendInvalidPayload(t *testing.T) {
	m := newTestMesh(t)
	registerChat(t, m)
	alice := connectAgent(t, m, "proj-a", "alice")
	bob := connectAgent(t, m, "proj-a", "bob")

	_, err := m.SendMessage(t.Context(), SendMessageRequest{
		SenderSessionID:    alice,
		RecipientSessionID: bob,
		ProtocolName:       "chat",
		ProtocolVersion:    "1.0.0",
		Payload:            json.RawMessage(`{"text": 7}`),
	})
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeValidation, typed.Code)
	assert.NotNil(t, typed.Details)
}

func TestMesh_BroadcastOutcome(t *testing.T) {
	m := newTestMesh(t)
	registerChat(t, m)
	alice := connectAgent(t, m, "proj-a", "alice")
	connectAgent(t, m, "proj-a", "bob")
	connectAgent(t, m, "proj-a", "carol")

	res, err := m.BroadcastMessage(t.Context(), BroadcastMessageRequest{
		SenderSessionID: alice,
		ProtocolName:    "chat",
		ProtocolVersion: "1.0.0",
		Payload:         json.RawMessage(`{"text": "all hands"}`),
	})
	require.NoError(t, err)
	assert.Len(t, res.Outcome.Delivered, 2)
	assert.Empty(t, res.Outcome.Failed)
	assert.Empty(t, res.Outcome.Skipped)
}

func TestMesh_NegotiateRequiredIncompatible(t *testing.T) {
	m := newTestMesh(t)
	alice := connectAgent(t, m, "proj-a", "alice")

	res, err := m.Connect(t.Context(), ConnectRequest{
		ProjectID:     "proj-a",
		AgentIdentity: "legacy",
		Capabilities: session.Capabilities{
			SupportedProtocols: map[string][]string{"telemetry": {"2.0.0"}},
		},
	})
	require.NoError(t, err)

	neg, err := m.NegotiateCapabilities(t.Context(), NegotiateRequest{
		SessionA:          alice,
		SessionB:          res.SessionID,
		RequiredProtocols: []string{"chat"},
	})
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeIncompatible, typed.Code)
	// The structured result still accompanies the typed error
	require.NotNil(t, neg)
	assert.False(t, neg.Compatible)
}

func TestMesh_MeetingOverTransport(t *testing.T) {
	m := newTestMesh(t)
	registerChat(t, m)

	agents := []string{"alice", "bob", "carol"}
	for _, agent := range agents {
		sid := connectAgent(t, m, "proj-a", agent)
		server, client := transport.NewPipe()
		t.Cleanup(func() { _ = client.Close() })

		// Each fake agent answers opinion requests and votes agree.
		client.OnReceive(func(ev *transport.Event) {
			if ev.Type != transport.EventMessage {
				return
			}
			var msg store.Message
			if err := json.Unmarshal(ev.Payload, &msg); err != nil {
				return
			}
			var prompt struct {
				Event     string `json:"event"`
				MeetingID string `json:"meeting_id"`
			}
			if err := json.Unmarshal(msg.Payload, &prompt); err != nil {
				return
			}
			switch prompt.Event {
			case "opinion_request":
				payload, _ := json.Marshal(opinionReply{MeetingID: prompt.MeetingID, Content: "sounds good"})
				_ = client.Deliver(t.Context(), &transport.Event{Type: transport.EventOpinionReply, Payload: payload})
			case "vote_request":
				payload, _ := json.Marshal(voteReply{MeetingID: prompt.MeetingID, Agrees: true})
				_ = client.Deliver(t.Context(), &transport.Event{Type: transport.EventVoteReply, Payload: payload})
			}
		})

		_, err := m.Bind(sid, server)
		require.NoError(t, err)
	}

	mt, err := m.CreateMeeting(t.Context(), CreateMeetingRequest{
		ProjectID:    "proj-a",
		Topic:        "migrate to chat 2.0",
		Participants: agents,
		MaxRounds:    3,
	})
	require.NoError(t, err)
	require.NoError(t, m.StartMeeting(t.Context(), mt.ID))

	require.Eventually(t, func() bool {
		got, err := m.GetMeeting(t.Context(), mt.ID)
		return err == nil && got.Status == store.MeetingCompleted
	}, 5*time.Second, 10*time.Millisecond)

	final, err := m.GetMeeting(t.Context(), mt.ID)
	require.NoError(t, err)
	assert.Equal(t, "consensus", final.Outcome)
	assert.Equal(t, 1, final.CurrentRound)

	decisions, err := m.GetDecisions(t.Context(), "proj-a")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, mt.ID, decisions[0].Decision.MeetingID)
	assert.Len(t, decisions[0].Opinions, 3)
	for _, op := range decisions[0].Opinions {
		assert.Equal(t, "sounds good", op.Content)
	}
}

func TestConvert_Taxonomy(t *testing.T) {
	cases := []struct {
		err  error
		code Code
	}{
		{protocol.ErrInvalidDefinition, CodeValidation},
		{&router.PayloadError{}, CodeValidation},
		{protocol.ErrNotFound, CodeNotFound},
		{store.ErrNotFound, CodeNotFound},
		{session.ErrSessionNotFound, CodeNotFound},
		{meeting.ErrNotRunning, CodeNotFound},
		{protocol.ErrDuplicate, CodeConflict},
		{store.ErrDecisionExists, CodeConflict},
		{meeting.ErrNotYourTurn, CodeConflict},
		{meeting.ErrAlreadyVoted, CodeConflict},
		{session.ErrQueueFull, CodeQueueFull},
		{router.ErrPermissionDenied, CodePermission},
		{meeting.ErrNotParticipant, CodePermission},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, tc := range cases {
		t.Run(string(tc.code)+"/"+tc.err.Error(), func(t *testing.T) {
			got := Convert(fmt.Errorf("op failed: %w", tc.err))
			require.NotNil(t, got)
			assert.Equal(t, tc.code, got.Code)
			assert.ErrorIs(t, got, tc.err)
		})
	}

	assert.Nil(t, Convert(nil))

	// Already-typed errors pass through unchanged
	orig := Errorf(CodePermission, "nope")
	assert.Same(t, orig, Convert(orig))
}
