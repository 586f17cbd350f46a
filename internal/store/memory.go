// ABOUTME: In-memory Store implementation for testing and embedded use
// ABOUTME: Allows the core to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	protocols   map[string]*Protocol          // keyed by "project\x00name\x00version"
	permissions map[string]*ProjectPermission // keyed by "from\x00to"
	meetings    map[string]*Meeting           // keyed by meeting ID
	opinions    map[string][]*Opinion         // keyed by meeting ID
	votes       map[string][]*Vote            // keyed by meeting ID
	decisions   map[string]*Decision          // keyed by meeting ID
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		protocols:   make(map[string]*Protocol),
		permissions: make(map[string]*ProjectPermission),
		meetings:    make(map[string]*Meeting),
		opinions:    make(map[string][]*Opinion),
		votes:       make(map[string][]*Vote),
		decisions:   make(map[string]*Decision),
	}
}

func protocolKey(projectID, name, version string) string {
	return projectID + "\x00" + name + "\x00" + version
}

// CreateProtocol stores a protocol definition.
// The uniqueness check and insert happen under one lock.
func (m *MemoryStore) CreateProtocol(ctx context.Context, p *Protocol) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := protocolKey(p.ProjectID, p.Name, p.Version)
	if _, exists := m.protocols[key]; exists {
		return ErrDuplicateProtocol
	}

	cp := *p
	m.protocols[key] = &cp
	return nil
}

// GetProtocol retrieves a protocol by exact (project, name, version).
func (m *MemoryStore) GetProtocol(ctx context.Context, projectID, name, version string) (*Protocol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.protocols[protocolKey(projectID, name, version)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListProtocols returns all protocols registered in a project, sorted by
// name then version for stable output.
func (m *MemoryStore) ListProtocols(ctx context.Context, projectID string) ([]*Protocol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Protocol
	for _, p := range m.protocols {
		if p.ProjectID != projectID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// UpsertPermission stores or replaces a cross-project permission.
func (m *MemoryStore) UpsertPermission(ctx context.Context, perm *ProjectPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *perm
	m.permissions[perm.FromProject+"\x00"+perm.ToProject] = &cp
	return nil
}

// GetPermission retrieves the permission record for a project pair.
func (m *MemoryStore) GetPermission(ctx context.Context, fromProject, toProject string) (*ProjectPermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.permissions[fromProject+"\x00"+toProject]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// CreateMeeting stores a new meeting.
func (m *MemoryStore) CreateMeeting(ctx context.Context, mt *Meeting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *mt
	cp.SpeakingOrder = append([]string(nil), mt.SpeakingOrder...)
	m.meetings[mt.ID] = &cp
	return nil
}

// GetMeeting retrieves a meeting by ID.
func (m *MemoryStore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt, ok := m.meetings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mt
	cp.SpeakingOrder = append([]string(nil), mt.SpeakingOrder...)
	return &cp, nil
}

// UpdateMeeting replaces a stored meeting.
func (m *MemoryStore) UpdateMeeting(ctx context.Context, mt *Meeting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.meetings[mt.ID]; !ok {
		return ErrNotFound
	}
	cp := *mt
	cp.SpeakingOrder = append([]string(nil), mt.SpeakingOrder...)
	m.meetings[mt.ID] = &cp
	return nil
}

// SaveOpinion appends an opinion for a meeting.
func (m *MemoryStore) SaveOpinion(ctx context.Context, op *Opinion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *op
	m.opinions[op.MeetingID] = append(m.opinions[op.MeetingID], &cp)
	return nil
}

// ListOpinions returns opinions for a meeting round in sequence order.
// round < 0 returns all rounds.
func (m *MemoryStore) ListOpinions(ctx context.Context, meetingID string, round int) ([]*Opinion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Opinion
	for _, op := range m.opinions[meetingID] {
		if round >= 0 && op.Round != round {
			continue
		}
		cp := *op
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

// SaveVote appends a consensus vote for a meeting round.
func (m *MemoryStore) SaveVote(ctx context.Context, v *Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *v
	if v.Agrees != nil {
		agrees := *v.Agrees
		cp.Agrees = &agrees
	}
	m.votes[v.MeetingID] = append(m.votes[v.MeetingID], &cp)
	return nil
}

// ListVotes returns votes for a meeting round.
func (m *MemoryStore) ListVotes(ctx context.Context, meetingID string, round int) ([]*Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Vote
	for _, v := range m.votes[meetingID] {
		if v.Round != round {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

// SaveDecision records a meeting's decision. Returns ErrDecisionExists if
// one is already recorded; decisions are never overwritten.
func (m *MemoryStore) SaveDecision(ctx context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.decisions[d.MeetingID]; exists {
		return ErrDecisionExists
	}
	cp := *d
	cp.OpinionIDs = append([]string(nil), d.OpinionIDs...)
	m.decisions[d.MeetingID] = &cp
	return nil
}

// GetDecision retrieves the decision for a meeting.
func (m *MemoryStore) GetDecision(ctx context.Context, meetingID string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.decisions[meetingID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	cp.OpinionIDs = append([]string(nil), d.OpinionIDs...)
	return &cp, nil
}

// ListDecisions returns all decisions in a project, oldest first.
func (m *MemoryStore) ListDecisions(ctx context.Context, projectID string) ([]*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Decision
	for _, d := range m.decisions {
		if d.ProjectID != projectID {
			continue
		}
		cp := *d
		cp.OpinionIDs = append([]string(nil), d.OpinionIDs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
