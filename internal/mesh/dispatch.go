// ABOUTME: Binds transport channels to sessions and dispatches inbound events
// ABOUTME: Routes heartbeats, opinion replies, and votes from the wire to the components

package mesh

import (
	"context"
	"encoding/json"

	"github.com/2389/coven-mesh/internal/transport"
)

// opinionReply is the wire shape of an agent's answer to an opinion request.
type opinionReply struct {
	MeetingID string `json:"meeting_id"`
	Content   string `json:"content"`
}

// voteReply is the wire shape of an agent's consensus vote.
type voteReply struct {
	MeetingID string `json:"meeting_id"`
	Agrees    bool   `json:"agrees"`
}

// Bind attaches a channel to a session and starts dispatching its inbound
// events. Queued messages begin draining to the channel immediately. The
// returned detach function unbinds without disconnecting the session, for
// transports that support reconnection.
func (m *Mesh) Bind(sessionID string, ch transport.Channel) (detach func(), err error) {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return nil, Convert(err)
	}

	agent := s.AgentIdentity
	log := m.logger.With("session_id", sessionID, "agent", agent)

	ch.OnReceive(func(ev *transport.Event) {
		switch ev.Type {
		case transport.EventHeartbeat:
			if err := m.sessions.Heartbeat(sessionID); err != nil {
				log.Debug("heartbeat for gone session", "error", err)
			}

		case transport.EventOpinionReply:
			var reply opinionReply
			if err := json.Unmarshal(ev.Payload, &reply); err != nil {
				log.Warn("malformed opinion reply", "error", err)
				return
			}
			if err := m.SubmitOpinion(context.Background(), reply.MeetingID, agent, reply.Content); err != nil {
				log.Debug("opinion rejected", "meeting_id", reply.MeetingID, "error", err)
			}

		case transport.EventVoteReply:
			var reply voteReply
			if err := json.Unmarshal(ev.Payload, &reply); err != nil {
				log.Warn("malformed vote reply", "error", err)
				return
			}
			if err := m.SubmitVote(context.Background(), reply.MeetingID, agent, reply.Agrees); err != nil {
				log.Debug("vote rejected", "meeting_id", reply.MeetingID, "error", err)
			}

		default:
			log.Debug("unhandled event", "type", ev.Type)
		}
	})

	s.AttachChannel(ch)
	return func() { s.DetachChannel() }, nil
}
