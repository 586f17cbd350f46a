// ABOUTME: Manages the set of connected agent sessions and their lifecycle
// ABOUTME: Heartbeat-driven reaper, bounded queues, and disconnect queue release

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mesh/internal/events"
	"github.com/2389/coven-mesh/internal/store"
)

// ErrSessionNotFound indicates the specified session was not found.
var ErrSessionNotFound = errors.New("session not found")

// ReleasePolicy controls what happens to a disconnected session's queue.
type ReleasePolicy string

const (
	// ReleaseDrop discards the queue on disconnect.
	ReleaseDrop ReleasePolicy = "drop"
	// ReleaseDeadLetter hands the queue to the dead-letter store.
	ReleaseDeadLetter ReleasePolicy = "deadletter"
)

// Config holds session lifecycle tuning.
type Config struct {
	StaleThreshold      time.Duration // no heartbeat for this long -> stale
	DisconnectThreshold time.Duration // no heartbeat for this long -> disconnected
	ReapInterval        time.Duration
	QueueCapacity       int
	ReleasePolicy       ReleasePolicy
}

// DefaultConfig returns the standard thresholds and queue sizing.
func DefaultConfig() Config {
	return Config{
		StaleThreshold:      30 * time.Second,
		DisconnectThreshold: 60 * time.Second,
		ReapInterval:        5 * time.Second,
		QueueCapacity:       DefaultQueueCapacity,
		ReleasePolicy:       ReleaseDrop,
	}
}

// Manager owns all live sessions. The session map is guarded by one RWMutex;
// each session's mutable state is guarded by its own lock, so operations on
// unrelated sessions never serialize.
type Manager struct {
	cfg         Config
	deadLetters store.DeadLetterStore
	broadcaster *events.Broadcaster
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	reapStop  chan struct{}
	reapDone  chan struct{}
	startOnce sync.Once
	started   bool
	stopOnce  sync.Once
}

// NewManager creates a Manager. deadLetters may be nil when the release
// policy is drop; broadcaster and logger may be nil.
func NewManager(cfg Config, deadLetters store.DeadLetterStore, broadcaster *events.Broadcaster, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Second
	}
	if cfg.DisconnectThreshold <= 0 {
		cfg.DisconnectThreshold = 60 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	if cfg.ReleasePolicy == "" {
		cfg.ReleasePolicy = ReleaseDrop
	}
	return &Manager{
		cfg:         cfg,
		deadLetters: deadLetters,
		broadcaster: broadcaster,
		logger:      logger.With("component", "session"),
		sessions:    make(map[string]*Session),
		reapStop:    make(chan struct{}),
		reapDone:    make(chan struct{}),
	}
}

// Start launches the background heartbeat reaper. Safe to call once.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.started = true
		go m.reapLoop()
	})
}

// Stop halts the reaper and disconnects all sessions.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.reapStop)
		if m.started {
			<-m.reapDone
		}

		m.mu.Lock()
		all := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			all = append(all, s)
		}
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		for _, s := range all {
			m.release(s)
		}
	})
}

// Create allocates a new active session with the declared capabilities.
func (m *Manager) Create(projectID, agentIdentity string, caps Capabilities) *Session {
	s := &Session{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		AgentIdentity: agentIdentity,
		Capabilities:  caps,
		CreatedAt:     time.Now(),
		queue:         NewQueue(m.cfg.QueueCapacity),
		status:        StatusActive,
		lastHeartbeat: time.Now(),
		logger:        m.logger,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	total := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session created",
		"session_id", s.ID,
		"project_id", projectID,
		"agent", agentIdentity,
		"total_sessions", total,
	)
	m.publish(&events.Event{
		Type:      events.SessionConnected,
		ProjectID: projectID,
		SessionID: s.ID,
		AgentID:   agentIdentity,
	})
	return s
}

// Get retrieves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// FindByAgent returns the live session bound to an agent identity within a
// project, if any. Used by the meeting coordinator to follow reconnections.
func (m *Manager) FindByAgent(projectID, agentIdentity string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.ProjectID == projectID && s.AgentIdentity == agentIdentity {
			return s, true
		}
	}
	return nil, false
}

// Heartbeat records liveness for a session, promoting stale back to active.
func (m *Manager) Heartbeat(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Heartbeat(time.Now())
	return nil
}

// Enqueue appends a message to a session's queue.
// Returns ErrSessionNotFound or ErrQueueFull.
func (m *Manager) Enqueue(id string, msg *store.Message) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Enqueue(msg)
}

// Dequeue removes up to max messages from a session's queue in priority order.
func (m *Manager) Dequeue(id string, max int) ([]*store.Message, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Dequeue(max), nil
}

// List returns a read-only snapshot of sessions, optionally filtered by
// status ("" = all).
func (m *Manager) List(statusFilter Status) []Info {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		info := s.snapshot()
		if statusFilter != "" && info.Status != statusFilter {
			continue
		}
		out = append(out, info)
	}
	return out
}

// ListActiveByProject returns active sessions in a project, for broadcast
// recipient selection.
func (m *Manager) ListActiveByProject(projectID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.ProjectID == projectID && s.Status() == StatusActive {
			out = append(out, s)
		}
	}
	return out
}

// ListActiveOtherProjects returns active sessions outside the given project,
// candidates for permitted cross-project broadcast.
func (m *Manager) ListActiveOtherProjects(projectID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.ProjectID != projectID && s.Status() == StatusActive {
			out = append(out, s)
		}
	}
	return out
}

// Disconnect removes a session immediately, releasing its queue per the
// configured policy.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	m.release(s)
	return nil
}

// release transitions a session to disconnected, detaches its channel, and
// disposes of its queue per policy.
func (m *Manager) release(s *Session) {
	s.setStatus(StatusDisconnected)
	if ch := s.Channel(); ch != nil {
		s.DetachChannel()
		ch.Close()
	}

	remaining := s.Dequeue(0)
	if m.cfg.ReleasePolicy == ReleaseDeadLetter && m.deadLetters != nil && len(remaining) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.deadLetters.Push(ctx, s.ID, remaining); err != nil {
			m.logger.Error("dead-letter handoff failed",
				"session_id", s.ID, "count", len(remaining), "error", err)
		}
		cancel()
	} else if len(remaining) > 0 {
		m.logger.Debug("dropped queued messages on disconnect",
			"session_id", s.ID, "count", len(remaining))
	}

	m.logger.Info("session disconnected",
		"session_id", s.ID,
		"project_id", s.ProjectID,
		"agent", s.AgentIdentity,
	)
	m.publish(&events.Event{
		Type:      events.SessionDisconnected,
		ProjectID: s.ProjectID,
		SessionID: s.ID,
		AgentID:   s.AgentIdentity,
	})
}

// reapLoop periodically sweeps sessions by heartbeat age. It only touches
// session status and queue release; message delivery never blocks on it.
func (m *Manager) reapLoop() {
	defer close(m.reapDone)

	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reap(time.Now())
		case <-m.reapStop:
			return
		}
	}
}

// reap applies the stale and disconnect thresholds at the given time.
func (m *Manager) reap(now time.Time) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var disconnected []*Session
	for _, s := range all {
		age := now.Sub(s.LastHeartbeat())
		switch {
		case age >= m.cfg.DisconnectThreshold:
			disconnected = append(disconnected, s)
		case age >= m.cfg.StaleThreshold:
			if s.setStatus(StatusStale) == StatusActive {
				m.logger.Debug("session went stale", "session_id", s.ID, "age", age)
				m.publish(&events.Event{
					Type:      events.SessionStale,
					ProjectID: s.ProjectID,
					SessionID: s.ID,
					AgentID:   s.AgentIdentity,
				})
			}
		}
	}

	for _, s := range disconnected {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		m.release(s)
	}
}

func (m *Manager) publish(ev *events.Event) {
	if m.broadcaster != nil {
		m.broadcaster.Publish(ev)
	}
}
