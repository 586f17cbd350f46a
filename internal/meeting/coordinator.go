// ABOUTME: Sequential discussion coordinator driving turn-ordered meetings
// ABOUTME: One actor goroutine per meeting; opinions, consensus votes, immutable decisions

package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mesh/internal/events"
	"github.com/2389/coven-mesh/internal/session"
	"github.com/2389/coven-mesh/internal/store"
)

var (
	// ErrNotPending means an operation requires the meeting to still be pending.
	ErrNotPending = errors.New("meeting already started")
	// ErrNotRunning means the meeting has no live discussion to act on.
	ErrNotRunning = errors.New("meeting is not in progress")
	// ErrNotYourTurn rejects an opinion from anyone but the prompted participant.
	ErrNotYourTurn = errors.New("not this participant's turn")
	// ErrNoPendingTurn means no opinion request is currently outstanding.
	ErrNoPendingTurn = errors.New("no opinion request outstanding")
	// ErrNotVoting rejects a vote outside the consensus phase.
	ErrNotVoting = errors.New("no consensus vote in progress")
	// ErrAlreadyVoted rejects a second vote in the same round.
	ErrAlreadyVoted = errors.New("participant already voted this round")
	// ErrNotParticipant rejects input from agents outside the speaking order.
	ErrNotParticipant = errors.New("agent is not a meeting participant")
	// ErrNoParticipants means a meeting cannot start with an empty roster.
	ErrNoParticipants = errors.New("meeting has no participants")
)

// MissingVotePolicy decides how a participant who never votes counts
// toward unanimity.
type MissingVotePolicy string

const (
	// MissingVoteDisagree treats a missing vote as disagree. Conservative default.
	MissingVoteDisagree MissingVotePolicy = "disagree"
	// MissingVoteIgnore excludes non-responders from the unanimity check.
	MissingVoteIgnore MissingVotePolicy = "ignore"
)

// Config holds coordinator tunables.
type Config struct {
	OpinionTimeout   time.Duration
	ConsensusTimeout time.Duration
	MissingVotes     MissingVotePolicy
	ShuffleOrder     bool
	DefaultMaxRounds int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		OpinionTimeout:   300 * time.Second,
		ConsensusTimeout: 180 * time.Second,
		MissingVotes:     MissingVoteDisagree,
		ShuffleOrder:     false,
		DefaultMaxRounds: 3,
	}
}

// Turn is the explicit record of one outstanding opinion request.
// At most one exists per meeting at any time.
type Turn struct {
	MeetingID     string    `json:"meeting_id"`
	ExpectedAgent string    `json:"expected_agent"`
	CorrelationID string    `json:"correlation_id"`
	Deadline      time.Time `json:"deadline"`
}

const meetingProtocol = "mesh.meeting"

type runPhase int

const (
	phaseIdle runPhase = iota
	phaseOpinion
	phaseVote
)

type castVote struct {
	agent  string
	agrees bool
}

// run is the live state of one in-progress meeting. The actor goroutine
// owns the discussion; submit paths only hand input across channels under mu.
type run struct {
	mu           sync.Mutex
	phase        runPhase
	turn         *Turn
	opinionReply chan string
	voteRound    int
	voteReply    chan castVote
	voted        map[string]bool
	participants map[string]struct{}

	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

func (r *run) interrupt() {
	r.abortOnce.Do(func() { close(r.abort) })
}

// Coordinator orchestrates meetings. Independent meetings run fully
// concurrently; transitions within one meeting are serialized by its actor.
type Coordinator struct {
	cfg         Config
	store       store.Store
	sessions    *session.Manager
	broadcaster *events.Broadcaster
	logger      *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// NewCoordinator creates a Coordinator. broadcaster and logger may be nil.
func NewCoordinator(cfg Config, st store.Store, sessions *session.Manager, broadcaster *events.Broadcaster, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:         cfg,
		store:       st,
		sessions:    sessions,
		broadcaster: broadcaster,
		logger:      logger.With("component", "meeting"),
		runs:        make(map[string]*run),
	}
}

// Create records a new pending meeting. Participants may still join and the
// topic may still change until Start.
func (c *Coordinator) Create(ctx context.Context, projectID, topic string, participants []string, maxRounds int) (*store.Meeting, error) {
	if maxRounds <= 0 {
		maxRounds = c.cfg.DefaultMaxRounds
	}
	now := time.Now()
	m := &store.Meeting{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		Topic:         topic,
		Status:        store.MeetingPending,
		SpeakingOrder: dedupe(participants),
		MaxRounds:     maxRounds,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.CreateMeeting(ctx, m); err != nil {
		return nil, fmt.Errorf("creating meeting: %w", err)
	}
	return m, nil
}

// Join adds a participant to a pending meeting. Joining twice is a no-op.
func (c *Coordinator) Join(ctx context.Context, meetingID, agent string) error {
	m, err := c.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if m.Status != store.MeetingPending {
		return ErrNotPending
	}
	for _, a := range m.SpeakingOrder {
		if a == agent {
			return nil
		}
	}
	m.SpeakingOrder = append(m.SpeakingOrder, agent)
	m.UpdatedAt = time.Now()
	return c.store.UpdateMeeting(ctx, m)
}

// ProposeTopic replaces the topic of a pending meeting.
func (c *Coordinator) ProposeTopic(ctx context.Context, meetingID, topic string) error {
	m, err := c.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if m.Status != store.MeetingPending {
		return ErrNotPending
	}
	m.Topic = topic
	m.UpdatedAt = time.Now()
	return c.store.UpdateMeeting(ctx, m)
}

// Start transitions a pending meeting to in_progress and launches its actor.
func (c *Coordinator) Start(ctx context.Context, meetingID string) error {
	m, err := c.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if m.Status != store.MeetingPending {
		return ErrNotPending
	}
	if len(m.SpeakingOrder) == 0 {
		return ErrNoParticipants
	}
	if c.cfg.ShuffleOrder {
		rand.Shuffle(len(m.SpeakingOrder), func(i, j int) {
			m.SpeakingOrder[i], m.SpeakingOrder[j] = m.SpeakingOrder[j], m.SpeakingOrder[i]
		})
	}
	m.Status = store.MeetingInProgress
	m.CurrentRound = 1
	m.UpdatedAt = time.Now()
	if err := c.store.UpdateMeeting(ctx, m); err != nil {
		return fmt.Errorf("starting meeting: %w", err)
	}

	r := &run{
		participants: make(map[string]struct{}, len(m.SpeakingOrder)),
		abort:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, a := range m.SpeakingOrder {
		r.participants[a] = struct{}{}
	}
	c.mu.Lock()
	c.runs[m.ID] = r
	c.mu.Unlock()

	c.logger.Info("meeting started",
		"meeting_id", m.ID,
		"topic", m.Topic,
		"participants", len(m.SpeakingOrder),
		"max_rounds", m.MaxRounds,
	)
	c.publish(&events.Event{
		Type:      events.MeetingStarted,
		ProjectID: m.ProjectID,
		MeetingID: m.ID,
		Detail:    map[string]any{"topic": m.Topic, "participants": m.SpeakingOrder},
	})
	go c.runMeeting(m, r)
	return nil
}

// SubmitOpinion delivers a participant's opinion for the current turn.
// Only the currently prompted participant may submit; anyone else is
// rejected without advancing the discussion.
func (c *Coordinator) SubmitOpinion(meetingID, agent, content string) error {
	r, err := c.liveRun(meetingID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[agent]; !ok {
		return fmt.Errorf("%w: %s", ErrNotParticipant, agent)
	}
	if r.phase != phaseOpinion || r.turn == nil {
		return ErrNoPendingTurn
	}
	if r.turn.ExpectedAgent != agent {
		return fmt.Errorf("%w: waiting on %s", ErrNotYourTurn, r.turn.ExpectedAgent)
	}
	r.turn = nil
	r.phase = phaseIdle
	r.opinionReply <- content
	return nil
}

// SubmitVote records a participant's consensus vote for the current round.
func (c *Coordinator) SubmitVote(meetingID, agent string, agrees bool) error {
	r, err := c.liveRun(meetingID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[agent]; !ok {
		return fmt.Errorf("%w: %s", ErrNotParticipant, agent)
	}
	if r.phase != phaseVote {
		return ErrNotVoting
	}
	if r.voted[agent] {
		return ErrAlreadyVoted
	}
	r.voted[agent] = true
	r.voteReply <- castVote{agent: agent, agrees: agrees}
	return nil
}

// Abort interrupts any pending wait and fails the meeting with outcome
// aborted. Aborting a meeting that is not running is an error.
func (c *Coordinator) Abort(meetingID string) error {
	r, err := c.liveRun(meetingID)
	if err != nil {
		return err
	}
	r.interrupt()
	return nil
}

// PendingTurn reports the outstanding opinion request for a meeting, if any.
func (c *Coordinator) PendingTurn(meetingID string) (*Turn, bool) {
	c.mu.Lock()
	r, ok := c.runs[meetingID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turn == nil {
		return nil, false
	}
	t := *r.turn
	return &t, true
}

// Done returns a channel closed when the meeting's actor has finished.
func (c *Coordinator) Done(meetingID string) (<-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[meetingID]
	if !ok {
		return nil, false
	}
	return r.done, true
}

// Shutdown aborts every live meeting and waits for their actors to stop.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	live := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		live = append(live, r)
	}
	c.mu.Unlock()
	for _, r := range live {
		r.interrupt()
	}
	for _, r := range live {
		<-r.done
	}
}

func (c *Coordinator) liveRun(meetingID string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[meetingID]
	if !ok {
		return nil, fmt.Errorf("%w: meeting %s", ErrNotRunning, meetingID)
	}
	return r, nil
}

// runMeeting is the actor loop. It alone mutates the meeting record after
// Start; everything else reaches it through the run's channels.
func (c *Coordinator) runMeeting(m *store.Meeting, r *run) {
	defer close(r.done)
	ctx := context.Background()

	for {
		opinions, aborted := c.runRound(ctx, m, r)
		if aborted {
			c.finish(ctx, m, store.MeetingFailed, "aborted")
			return
		}

		reached, aborted := c.consensusPhase(ctx, m, r, opinions)
		if aborted {
			c.finish(ctx, m, store.MeetingFailed, "aborted")
			return
		}
		if reached {
			if err := c.recordDecision(ctx, m, opinions); err != nil {
				c.logger.Error("recording decision", "meeting_id", m.ID, "error", err)
				c.finish(ctx, m, store.MeetingFailed, "no_consensus")
				return
			}
			c.publish(&events.Event{
				Type:      events.MeetingConsensusReached,
				ProjectID: m.ProjectID,
				MeetingID: m.ID,
				Detail:    map[string]any{"round": m.CurrentRound},
			})
			c.finish(ctx, m, store.MeetingCompleted, "consensus")
			return
		}

		if m.CurrentRound >= m.MaxRounds {
			c.finish(ctx, m, store.MeetingFailed, "no_consensus")
			return
		}
		m.CurrentRound++
		m.UpdatedAt = time.Now()
		if err := c.store.UpdateMeeting(ctx, m); err != nil {
			c.logger.Error("advancing round", "meeting_id", m.ID, "error", err)
		}
	}
}

// runRound prompts each participant in speaking order, exactly one at a
// time, and records an opinion for every participant whether they answered
// or not. Returns the round's opinions in sequence order.
func (c *Coordinator) runRound(ctx context.Context, m *store.Meeting, r *run) ([]*store.Opinion, bool) {
	opinions := make([]*store.Opinion, 0, len(m.SpeakingOrder))

	for i, agent := range m.SpeakingOrder {
		turn := &Turn{
			MeetingID:     m.ID,
			ExpectedAgent: agent,
			CorrelationID: uuid.New().String(),
			Deadline:      time.Now().Add(c.cfg.OpinionTimeout),
		}
		reply := make(chan string, 1)

		r.mu.Lock()
		r.phase = phaseOpinion
		r.turn = turn
		r.opinionReply = reply
		r.mu.Unlock()

		c.prompt(ctx, m, agent, turn)

		op := &store.Opinion{
			ID:             uuid.New().String(),
			MeetingID:      m.ID,
			Agent:          agent,
			Round:          m.CurrentRound,
			SequenceNumber: i + 1,
			CreatedAt:      time.Now(),
		}

		timer := time.NewTimer(time.Until(turn.Deadline))
		select {
		case content := <-reply:
			timer.Stop()
			op.Content = content
			op.Responded = true
		case <-timer.C:
			op.Content = "no response"
		case <-r.abort:
			timer.Stop()
			c.clearPhase(r)
			return nil, true
		}
		c.clearPhase(r)

		if err := c.store.SaveOpinion(ctx, op); err != nil {
			c.logger.Error("saving opinion", "meeting_id", m.ID, "agent", agent, "error", err)
		}
		c.logger.Debug("opinion recorded",
			"meeting_id", m.ID,
			"agent", agent,
			"round", m.CurrentRound,
			"sequence", op.SequenceNumber,
			"responded", op.Responded,
		)
		c.publish(&events.Event{
			Type:      events.MeetingOpinionPresented,
			ProjectID: m.ProjectID,
			MeetingID: m.ID,
			AgentID:   agent,
			Detail:    map[string]any{"round": m.CurrentRound, "sequence": op.SequenceNumber, "responded": op.Responded},
		})
		opinions = append(opinions, op)
	}
	return opinions, false
}

// consensusPhase broadcasts the round's opinions to every participant,
// collects agree/disagree votes until all have voted or the window closes,
// and applies the missing-vote policy.
func (c *Coordinator) consensusPhase(ctx context.Context, m *store.Meeting, r *run, opinions []*store.Opinion) (reached, aborted bool) {
	votes := make(map[string]*bool, len(m.SpeakingOrder))
	for _, a := range m.SpeakingOrder {
		votes[a] = nil
	}
	replies := make(chan castVote, len(m.SpeakingOrder))

	r.mu.Lock()
	r.phase = phaseVote
	r.voteRound = m.CurrentRound
	r.voteReply = replies
	r.voted = make(map[string]bool, len(m.SpeakingOrder))
	r.mu.Unlock()

	c.requestVotes(ctx, m, opinions)

	timer := time.NewTimer(c.cfg.ConsensusTimeout)
	defer timer.Stop()
	pending := len(m.SpeakingOrder)
collect:
	for pending > 0 {
		select {
		case v := <-replies:
			agrees := v.agrees
			votes[v.agent] = &agrees
			pending--
		case <-timer.C:
			break collect
		case <-r.abort:
			c.clearPhase(r)
			return false, true
		}
	}
	c.clearPhase(r)

	now := time.Now()
	for agent, agrees := range votes {
		if err := c.store.SaveVote(ctx, &store.Vote{
			MeetingID: m.ID,
			Round:     m.CurrentRound,
			Agent:     agent,
			Agrees:    agrees,
			CreatedAt: now,
		}); err != nil {
			c.logger.Error("saving vote", "meeting_id", m.ID, "agent", agent, "error", err)
		}
	}

	return c.unanimous(votes), false
}

// unanimous applies the missing-vote policy. Strict unanimity among all
// original participants is required for consensus.
func (c *Coordinator) unanimous(votes map[string]*bool) bool {
	cast := 0
	for _, agrees := range votes {
		if agrees == nil {
			if c.cfg.MissingVotes == MissingVoteIgnore {
				continue
			}
			return false
		}
		if !*agrees {
			return false
		}
		cast++
	}
	return cast > 0
}

func (c *Coordinator) recordDecision(ctx context.Context, m *store.Meeting, opinions []*store.Opinion) error {
	ids := make([]string, len(opinions))
	for i, op := range opinions {
		ids[i] = op.ID
	}
	return c.store.SaveDecision(ctx, &store.Decision{
		ID:         uuid.New().String(),
		MeetingID:  m.ID,
		ProjectID:  m.ProjectID,
		Content:    m.Topic,
		Rationale:  fmt.Sprintf("unanimous agreement among %d participants in round %d", len(m.SpeakingOrder), m.CurrentRound),
		OpinionIDs: ids,
		CreatedAt:  time.Now(),
	})
}

// finish writes the terminal state, publishes the lifecycle event, and
// drops the run. A meeting is never left in_progress.
func (c *Coordinator) finish(ctx context.Context, m *store.Meeting, status, outcome string) {
	m.Status = status
	m.Outcome = outcome
	m.UpdatedAt = time.Now()
	if err := c.store.UpdateMeeting(ctx, m); err != nil {
		c.logger.Error("finishing meeting", "meeting_id", m.ID, "error", err)
	}

	c.mu.Lock()
	delete(c.runs, m.ID)
	c.mu.Unlock()

	eventType := events.MeetingCompleted
	if status == store.MeetingFailed {
		eventType = events.MeetingFailed
	}
	c.logger.Info("meeting finished",
		"meeting_id", m.ID,
		"status", status,
		"outcome", outcome,
		"rounds", m.CurrentRound,
	)
	c.publish(&events.Event{
		Type:      eventType,
		ProjectID: m.ProjectID,
		MeetingID: m.ID,
		Detail:    map[string]any{"outcome": outcome, "rounds": m.CurrentRound},
	})
}

func (c *Coordinator) clearPhase(r *run) {
	r.mu.Lock()
	r.phase = phaseIdle
	r.turn = nil
	r.mu.Unlock()
}

// prompt enqueues the opinion request to the participant's current session.
// A disconnected participant gets no prompt, but the turn still waits out
// its deadline: a session reconnecting under the same agent identity may
// submit before the timeout.
func (c *Coordinator) prompt(ctx context.Context, m *store.Meeting, agent string, turn *Turn) {
	payload, _ := json.Marshal(map[string]any{
		"event":          "opinion_request",
		"meeting_id":     m.ID,
		"topic":          m.Topic,
		"round":          m.CurrentRound,
		"correlation_id": turn.CorrelationID,
		"deadline":       turn.Deadline.Format(time.RFC3339),
	})
	c.deliver(m, agent, turn.CorrelationID, payload)
}

func (c *Coordinator) requestVotes(ctx context.Context, m *store.Meeting, opinions []*store.Opinion) {
	type opinionView struct {
		Agent     string `json:"agent"`
		Sequence  int    `json:"sequence"`
		Content   string `json:"content"`
		Responded bool   `json:"responded"`
	}
	views := make([]opinionView, len(opinions))
	for i, op := range opinions {
		views[i] = opinionView{Agent: op.Agent, Sequence: op.SequenceNumber, Content: op.Content, Responded: op.Responded}
	}
	payload, _ := json.Marshal(map[string]any{
		"event":      "vote_request",
		"meeting_id": m.ID,
		"topic":      m.Topic,
		"round":      m.CurrentRound,
		"opinions":   views,
	})
	for _, agent := range m.SpeakingOrder {
		c.deliver(m, agent, uuid.New().String(), payload)
	}
}

func (c *Coordinator) deliver(m *store.Meeting, agent, correlationID string, payload json.RawMessage) {
	s, ok := c.sessions.FindByAgent(m.ProjectID, agent)
	if !ok {
		c.logger.Debug("participant unreachable", "meeting_id", m.ID, "agent", agent)
		return
	}
	msg := &store.Message{
		ID:              correlationID,
		ProjectID:       m.ProjectID,
		Sender:          "coordinator",
		Recipient:       agent,
		ProtocolName:    meetingProtocol,
		ProtocolVersion: "1.0.0",
		Payload:         payload,
		Priority:        store.PriorityHigh,
		CreatedAt:       time.Now(),
	}
	if err := s.Enqueue(msg); err != nil {
		c.logger.Warn("prompt not queued", "meeting_id", m.ID, "agent", agent, "error", err)
	}
}

func (c *Coordinator) publish(ev *events.Event) {
	if c.broadcaster != nil {
		c.broadcaster.Publish(ev)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
