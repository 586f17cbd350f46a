// ABOUTME: HTTP surface for the coven-mesh server
// ABOUTME: JSON endpoints for the facade operations plus the WebSocket attach point

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-mesh/internal/mesh"
	"github.com/2389/coven-mesh/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/v1/sessions", s.handleConnect)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/sessions/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDisconnect)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.handleFetchMessages)

	mux.HandleFunc("POST /api/v1/protocols", s.handleRegisterProtocol)
	mux.HandleFunc("GET /api/v1/protocols", s.handleDiscoverProtocols)
	mux.HandleFunc("POST /api/v1/negotiate", s.handleNegotiate)

	mux.HandleFunc("POST /api/v1/messages/send", s.handleSend)
	mux.HandleFunc("POST /api/v1/messages/broadcast", s.handleBroadcast)

	mux.HandleFunc("POST /api/v1/meetings", s.handleCreateMeeting)
	mux.HandleFunc("GET /api/v1/meetings/{id}", s.handleGetMeeting)
	mux.HandleFunc("POST /api/v1/meetings/{id}/join", s.handleJoinMeeting)
	mux.HandleFunc("POST /api/v1/meetings/{id}/topic", s.handleProposeTopic)
	mux.HandleFunc("POST /api/v1/meetings/{id}/start", s.handleStartMeeting)
	mux.HandleFunc("POST /api/v1/meetings/{id}/opinion", s.handleSubmitOpinion)
	mux.HandleFunc("POST /api/v1/meetings/{id}/vote", s.handleSubmitVote)
	mux.HandleFunc("POST /api/v1/meetings/{id}/abort", s.handleAbortMeeting)
	mux.HandleFunc("GET /api/v1/decisions", s.handleGetDecisions)

	mux.HandleFunc("GET /ws", s.handleWS)

	return mux
}

// statusFor maps facade error codes to HTTP statuses.
func statusFor(err *mesh.Error) int {
	switch err.Code {
	case mesh.CodeValidation:
		return http.StatusBadRequest
	case mesh.CodeNotFound:
		return http.StatusNotFound
	case mesh.CodeConflict, mesh.CodeIncompatible:
		return http.StatusConflict
	case mesh.CodeQueueFull:
		return http.StatusTooManyRequests
	case mesh.CodePermission:
		return http.StatusForbidden
	case mesh.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	typed := mesh.Convert(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(typed))
	if encErr := json.NewEncoder(w).Encode(map[string]any{"error": typed}); encErr != nil {
		s.logger.Debug("writing error response", "error", encErr)
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return mesh.Errorf(mesh.CodeValidation, "malformed request body: "+err.Error())
	}
	return nil
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req mesh.ConnectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.mesh.Connect(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.mesh.ListSessions(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.mesh.Heartbeat(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.mesh.Disconnect(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	max := 100
	if raw := r.URL.Query().Get("max"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, mesh.Errorf(mesh.CodeValidation, "max must be a positive integer"))
			return
		}
		max = parsed
	}
	msgs, err := s.mesh.FetchMessages(r.Context(), r.PathValue("id"), max)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *server) handleRegisterProtocol(w http.ResponseWriter, r *http.Request) {
	var req mesh.RegisterProtocolRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.mesh.RegisterProtocol(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleDiscoverProtocols(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := mesh.DiscoverProtocolsRequest{
		ProjectID:    q.Get("project_id"),
		Name:         q.Get("name"),
		VersionRange: q.Get("version_range"),
	}
	if tags := q.Get("tags"); tags != "" {
		req.Tags = strings.Split(tags, ",")
	}
	found, err := s.mesh.DiscoverProtocols(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"protocols": found})
}

func (s *server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	var req mesh.NegotiateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.mesh.NegotiateCapabilities(r.Context(), req)
	if err != nil {
		// An incompatible-required result still carries the negotiation
		// detail; surface both.
		var typed *mesh.Error
		if errors.As(err, &typed) && typed.Code == mesh.CodeIncompatible && res != nil {
			s.writeJSON(w, http.StatusConflict, map[string]any{"error": typed, "result": res})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req mesh.SendMessageRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.mesh.SendMessage(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req mesh.BroadcastMessageRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.mesh.BroadcastMessage(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *server) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req mesh.CreateMeetingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.mesh.CreateMeeting(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *server) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	m, err := s.mesh.GetMeeting(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *server) handleJoinMeeting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent string `json:"agent"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.mesh.JoinMeeting(r.Context(), r.PathValue("id"), req.Agent); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleProposeTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic string `json:"topic"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.mesh.ProposeTopic(r.Context(), r.PathValue("id"), req.Topic); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleStartMeeting(w http.ResponseWriter, r *http.Request) {
	if err := s.mesh.StartMeeting(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSubmitOpinion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent   string `json:"agent"`
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.mesh.SubmitOpinion(r.Context(), r.PathValue("id"), req.Agent, req.Content); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent  string `json:"agent"`
		Agrees bool   `json:"agrees"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.mesh.SubmitVote(r.Context(), r.PathValue("id"), req.Agent, req.Agrees); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAbortMeeting(w http.ResponseWriter, r *http.Request) {
	if err := s.mesh.AbortMeeting(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetDecisions(w http.ResponseWriter, r *http.Request) {
	views, err := s.mesh.GetDecisions(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"decisions": views})
}

// handleWS upgrades the connection and binds it to an existing session.
// Queued messages drain immediately; the bind is released when the socket
// closes, leaving the session available for reconnection.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.writeError(w, mesh.Errorf(mesh.CodeValidation, "session_id query parameter is required"))
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ch := transport.NewWSChannel(conn, s.logger)
	detach, err := s.mesh.Bind(sessionID, ch)
	if err != nil {
		// The connection is already hijacked; all we can do is drop it.
		s.logger.Warn("binding websocket", "session_id", sessionID, "error", err)
		_ = ch.Close()
		return
	}
	s.logger.Info("websocket attached", "session_id", sessionID)

	// Release the bind when the socket dies so the session can reconnect.
	go func() {
		<-ch.Done()
		detach()
		s.logger.Info("websocket detached", "session_id", sessionID)
	}()
}
