// ABOUTME: Tests for the sequential discussion coordinator
// ABOUTME: Covers turn ordering, timeouts, consensus, abort, and terminal states

package meeting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/session"
	"github.com/2389/coven-mesh/internal/store"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OpinionTimeout = 200 * time.Millisecond
	cfg.ConsensusTimeout = 200 * time.Millisecond
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, store.Store, *session.Manager) {
	t.Helper()
	st := store.NewMemoryStore()
	mgr := session.NewManager(session.DefaultConfig(), nil, nil, nil)
	t.Cleanup(mgr.Stop)
	c := NewCoordinator(cfg, st, mgr, nil, nil)
	t.Cleanup(c.Shutdown)
	return c, st, mgr
}

// drive runs one agent in the background: it answers its opinion turns with
// the given content and casts the given vote whenever the consensus phase is
// open. A nil vote means the agent never votes; empty content means it never
// opines. The goroutine exits when the test finishes.
func drive(t *testing.T, c *Coordinator, meetingID, agent, content string, vote *bool) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			if content != "" {
				if turn, ok := c.PendingTurn(meetingID); ok && turn.ExpectedAgent == agent {
					_ = c.SubmitOpinion(meetingID, agent, content)
				}
			}
			if vote != nil {
				_ = c.SubmitVote(meetingID, agent, *vote)
			}
		}
	}()
}

func boolPtr(b bool) *bool { return &b }

func startMeeting(t *testing.T, c *Coordinator, participants []string, maxRounds int) (*store.Meeting, <-chan struct{}) {
	t.Helper()
	m, err := c.Create(t.Context(), "proj-a", "adopt chat v2", participants, maxRounds)
	require.NoError(t, err)
	require.Equal(t, store.MeetingPending, m.Status)
	require.NoError(t, c.Start(t.Context(), m.ID))
	done, ok := c.Done(m.ID)
	require.True(t, ok)
	return m, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("meeting did not finish")
	}
}

func TestMeeting_UnanimousFirstRound(t *testing.T) {
	c, st, _ := newTestCoordinator(t, testConfig())
	participants := []string{"alice", "bob", "carol"}
	m, done := startMeeting(t, c, participants, 3)

	for _, agent := range participants {
		drive(t, c, m.ID, agent, "ship it", boolPtr(true))
	}
	waitDone(t, done)

	final, err := st.GetMeeting(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MeetingCompleted, final.Status)
	assert.Equal(t, "consensus", final.Outcome)
	assert.Equal(t, 1, final.CurrentRound)

	decision, err := st.GetDecision(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Len(t, decision.OpinionIDs, 3)

	// Opinions carry strictly increasing sequence numbers matching the
	// speaking order, no duplicates.
	opinions, err := st.ListOpinions(t.Context(), m.ID, 1)
	require.NoError(t, err)
	require.Len(t, opinions, 3)
	for i, op := range opinions {
		assert.Equal(t, i+1, op.SequenceNumber)
		assert.Equal(t, participants[i], op.Agent)
		assert.True(t, op.Responded)
	}
}

func TestMeeting_SilentParticipant(t *testing.T) {
	c, st, _ := newTestCoordinator(t, testConfig())
	m, done := startMeeting(t, c, []string{"alice", "bob", "carol"}, 2)

	// carol never responds to anything
	drive(t, c, m.ID, "alice", "agree to upgrade", boolPtr(true))
	drive(t, c, m.ID, "bob", "fine by me", boolPtr(true))
	waitDone(t, done)

	// Each round still records all three opinions, carol's as a timeout
	// marker, and carol's missing vote blocks unanimity.
	for round := 1; round <= 2; round++ {
		opinions, err := st.ListOpinions(t.Context(), m.ID, round)
		require.NoError(t, err)
		require.Len(t, opinions, 3)
		byAgent := map[string]*store.Opinion{}
		for _, op := range opinions {
			byAgent[op.Agent] = op
		}
		assert.True(t, byAgent["alice"].Responded)
		assert.True(t, byAgent["bob"].Responded)
		assert.False(t, byAgent["carol"].Responded)
		assert.Equal(t, "no response", byAgent["carol"].Content)

		votes, err := st.ListVotes(t.Context(), m.ID, round)
		require.NoError(t, err)
		require.Len(t, votes, 3)
		for _, v := range votes {
			if v.Agent == "carol" {
				assert.Nil(t, v.Agrees)
			}
		}
	}

	final, err := st.GetMeeting(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MeetingFailed, final.Status)
	assert.Equal(t, "no_consensus", final.Outcome)
	assert.Equal(t, 2, final.CurrentRound)

	_, err = st.GetDecision(t.Context(), m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMeeting_DisagreeBlocksConsensus(t *testing.T) {
	c, st, _ := newTestCoordinator(t, testConfig())
	m, done := startMeeting(t, c, []string{"alice", "bob"}, 1)

	drive(t, c, m.ID, "alice", "yes", boolPtr(true))
	drive(t, c, m.ID, "bob", "no", boolPtr(false))
	waitDone(t, done)

	final, err := st.GetMeeting(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MeetingFailed, final.Status)
	assert.Equal(t, "no_consensus", final.Outcome)
}

func TestMeeting_MissingVoteIgnoredPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.MissingVotes = MissingVoteIgnore
	c, st, _ := newTestCoordinator(t, cfg)
	m, done := startMeeting(t, c, []string{"alice", "bob"}, 1)

	drive(t, c, m.ID, "alice", "yes", boolPtr(true))
	drive(t, c, m.ID, "bob", "present but silent", nil)
	waitDone(t, done)

	// Under the ignore policy bob's missing vote is excluded, so alice's
	// lone agree is unanimous.
	final, err := st.GetMeeting(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MeetingCompleted, final.Status)
	assert.Equal(t, "consensus", final.Outcome)
}

func TestMeeting_OutOfTurnRejected(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testConfig())
	m, _ := startMeeting(t, c, []string{"alice", "bob"}, 1)

	require.Eventually(t, func() bool {
		turn, ok := c.PendingTurn(m.ID)
		return ok && turn.ExpectedAgent == "alice"
	}, time.Second, 2*time.Millisecond)

	// bob is not the prompted participant; outsiders are not participants
	// at all; votes are not open during the opinion phase.
	assert.ErrorIs(t, c.SubmitOpinion(m.ID, "bob", "me first"), ErrNotYourTurn)
	assert.ErrorIs(t, c.SubmitOpinion(m.ID, "mallory", "hi"), ErrNotParticipant)
	assert.ErrorIs(t, c.SubmitVote(m.ID, "alice", true), ErrNotVoting)

	require.NoError(t, c.SubmitOpinion(m.ID, "alice", "in order"))
}

func TestMeeting_TurnRecordShape(t *testing.T) {
	cfg := testConfig()
	cfg.OpinionTimeout = time.Minute
	c, _, _ := newTestCoordinator(t, cfg)
	m, _ := startMeeting(t, c, []string{"alice"}, 1)

	require.Eventually(t, func() bool {
		_, ok := c.PendingTurn(m.ID)
		return ok
	}, time.Second, 2*time.Millisecond)

	turn, ok := c.PendingTurn(m.ID)
	require.True(t, ok)
	assert.Equal(t, m.ID, turn.MeetingID)
	assert.Equal(t, "alice", turn.ExpectedAgent)
	assert.NotEmpty(t, turn.CorrelationID)
	assert.True(t, turn.Deadline.After(time.Now()))
}

func TestMeeting_AbortInterruptsPendingWait(t *testing.T) {
	cfg := testConfig()
	cfg.OpinionTimeout = time.Minute
	c, st, _ := newTestCoordinator(t, cfg)
	m, done := startMeeting(t, c, []string{"alice", "bob"}, 3)

	require.Eventually(t, func() bool {
		_, ok := c.PendingTurn(m.ID)
		return ok
	}, time.Second, 2*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Abort(m.ID))
	waitDone(t, done)
	assert.Less(t, time.Since(start), 2*time.Second)

	final, err := st.GetMeeting(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MeetingFailed, final.Status)
	assert.Equal(t, "aborted", final.Outcome)

	assert.ErrorIs(t, c.Abort(m.ID), ErrNotRunning)
}

func TestMeeting_PromptReachesSession(t *testing.T) {
	cfg := testConfig()
	cfg.OpinionTimeout = time.Minute
	c, _, mgr := newTestCoordinator(t, cfg)
	s := mgr.Create("proj-a", "alice", session.Capabilities{})

	m, _ := startMeeting(t, c, []string{"alice"}, 1)

	require.Eventually(t, func() bool {
		return s.QueueDepth() > 0
	}, time.Second, 2*time.Millisecond)

	msgs := s.Dequeue(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, meetingProtocol, msgs[0].ProtocolName)
	assert.Equal(t, "alice", msgs[0].Recipient)

	turn, ok := c.PendingTurn(m.ID)
	require.True(t, ok)
	assert.Equal(t, turn.CorrelationID, msgs[0].ID)
}

func TestMeeting_PendingLifecycleOps(t *testing.T) {
	c, st, _ := newTestCoordinator(t, testConfig())

	m, err := c.Create(t.Context(), "proj-a", "draft topic", []string{"alice", "alice"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, m.SpeakingOrder) // duplicates collapsed
	assert.Equal(t, DefaultConfig().DefaultMaxRounds, m.MaxRounds)

	require.NoError(t, c.Join(t.Context(), m.ID, "bob"))
	require.NoError(t, c.Join(t.Context(), m.ID, "bob")) // idempotent
	require.NoError(t, c.ProposeTopic(t.Context(), m.ID, "final topic"))

	got, err := st.GetMeeting(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.SpeakingOrder)
	assert.Equal(t, "final topic", got.Topic)

	require.NoError(t, c.Start(t.Context(), m.ID))
	done, ok := c.Done(m.ID)
	require.True(t, ok)
	assert.ErrorIs(t, c.Join(t.Context(), m.ID, "carol"), ErrNotPending)
	assert.ErrorIs(t, c.ProposeTopic(t.Context(), m.ID, "too late"), ErrNotPending)
	assert.ErrorIs(t, c.Start(t.Context(), m.ID), ErrNotPending)

	require.NoError(t, c.Abort(m.ID))
	waitDone(t, done)
}

func TestMeeting_StartRequiresParticipants(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testConfig())
	m, err := c.Create(t.Context(), "proj-a", "empty", nil, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(t.Context(), m.ID), ErrNoParticipants)
}
