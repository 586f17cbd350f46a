// ABOUTME: Tests for the Store implementations (SQLite and in-memory)
// ABOUTME: Covers protocol uniqueness, meeting lifecycle, decision immutability

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories returns the Store implementations under test.
func storeFactories(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testProtocol(project, name, version string) *Protocol {
	return &Protocol{
		ID:             project + "-" + name + "-" + version,
		ProjectID:      project,
		Name:           name,
		Version:        version,
		Schema:         json.RawMessage(`{"type":"object"}`),
		CapabilityTags: []string{"chat"},
		Metadata:       map[string]string{"owner": "core"},
		CreatedAt:      time.Now(),
	}
}

func TestStore_ProtocolUniquenessPerProject(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.CreateProtocol(ctx, testProtocol("proj-a", "chat", "1.0.0")))

			// Same tuple in the same project conflicts
			err := s.CreateProtocol(ctx, testProtocol("proj-a", "chat", "1.0.0"))
			assert.ErrorIs(t, err, ErrDuplicateProtocol)

			// Same (name, version) in a different project is fine
			require.NoError(t, s.CreateProtocol(ctx, testProtocol("proj-b", "chat", "1.0.0")))

			// New version in the same project is fine
			require.NoError(t, s.CreateProtocol(ctx, testProtocol("proj-a", "chat", "1.1.0")))
		})
	}
}

func TestStore_GetProtocolRoundTrip(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.CreateProtocol(ctx, testProtocol("proj-a", "chat", "1.0.0")))

			p, err := s.GetProtocol(ctx, "proj-a", "chat", "1.0.0")
			require.NoError(t, err)
			assert.Equal(t, "chat", p.Name)
			assert.Equal(t, []string{"chat"}, p.CapabilityTags)
			assert.JSONEq(t, `{"type":"object"}`, string(p.Schema))

			_, err = s.GetProtocol(ctx, "proj-a", "chat", "9.9.9")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListProtocolsFiltersByProject(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.CreateProtocol(ctx, testProtocol("proj-a", "chat", "1.0.0")))
			require.NoError(t, s.CreateProtocol(ctx, testProtocol("proj-a", "audit", "1.0.0")))
			require.NoError(t, s.CreateProtocol(ctx, testProtocol("proj-b", "chat", "1.0.0")))

			list, err := s.ListProtocols(ctx, "proj-a")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "audit", list[0].Name)
			assert.Equal(t, "chat", list[1].Name)
		})
	}
}

func TestStore_PermissionUpsert(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetPermission(ctx, "proj-a", "proj-b")
			assert.ErrorIs(t, err, ErrNotFound)

			perm := &ProjectPermission{
				FromProject:      "proj-a",
				ToProject:        "proj-b",
				AllowedProtocols: []string{"chat"},
				RateLimit:        10,
				CreatedAt:        time.Now(),
			}
			require.NoError(t, s.UpsertPermission(ctx, perm))

			got, err := s.GetPermission(ctx, "proj-a", "proj-b")
			require.NoError(t, err)
			assert.Equal(t, []string{"chat"}, got.AllowedProtocols)
			assert.Equal(t, 10, got.RateLimit)

			// Upsert replaces
			perm.RateLimit = 0
			require.NoError(t, s.UpsertPermission(ctx, perm))
			got, err = s.GetPermission(ctx, "proj-a", "proj-b")
			require.NoError(t, err)
			assert.Equal(t, 0, got.RateLimit)
		})
	}
}

func TestStore_MeetingLifecycle(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			m := &Meeting{
				ID:            "meet-1",
				ProjectID:     "proj-a",
				Topic:         "release cut",
				Status:        MeetingPending,
				SpeakingOrder: []string{"alice", "bob"},
				CurrentRound:  0,
				MaxRounds:     3,
				CreatedAt:     time.Now(),
				UpdatedAt:     time.Now(),
			}
			require.NoError(t, s.CreateMeeting(ctx, m))

			m.Status = MeetingInProgress
			m.CurrentRound = 1
			require.NoError(t, s.UpdateMeeting(ctx, m))

			got, err := s.GetMeeting(ctx, "meet-1")
			require.NoError(t, err)
			assert.Equal(t, MeetingInProgress, got.Status)
			assert.Equal(t, 1, got.CurrentRound)
			assert.Equal(t, []string{"alice", "bob"}, got.SpeakingOrder)

			err = s.UpdateMeeting(ctx, &Meeting{ID: "missing"})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_OpinionsOrderedBySequence(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i, agent := range []string{"alice", "bob", "carol"} {
				op := &Opinion{
					ID:             agent + "-r1",
					MeetingID:      "meet-1",
					Agent:          agent,
					Round:          1,
					SequenceNumber: i + 1,
					Content:        "opinion from " + agent,
					Responded:      agent != "carol",
					CreatedAt:      time.Now(),
				}
				require.NoError(t, s.SaveOpinion(ctx, op))
			}

			ops, err := s.ListOpinions(ctx, "meet-1", 1)
			require.NoError(t, err)
			require.Len(t, ops, 3)
			for i, op := range ops {
				assert.Equal(t, i+1, op.SequenceNumber)
			}
			assert.False(t, ops[2].Responded)

			// Other rounds are excluded
			ops, err = s.ListOpinions(ctx, "meet-1", 2)
			require.NoError(t, err)
			assert.Empty(t, ops)
		})
	}
}

func TestStore_VotesPreserveNil(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			agree := true
			require.NoError(t, s.SaveVote(ctx, &Vote{
				MeetingID: "meet-1", Round: 1, Agent: "alice", Agrees: &agree, CreatedAt: time.Now(),
			}))
			require.NoError(t, s.SaveVote(ctx, &Vote{
				MeetingID: "meet-1", Round: 1, Agent: "bob", Agrees: nil, CreatedAt: time.Now(),
			}))

			votes, err := s.ListVotes(ctx, "meet-1", 1)
			require.NoError(t, err)
			require.Len(t, votes, 2)

			byAgent := map[string]*Vote{}
			for _, v := range votes {
				byAgent[v.Agent] = v
			}
			require.NotNil(t, byAgent["alice"].Agrees)
			assert.True(t, *byAgent["alice"].Agrees)
			assert.Nil(t, byAgent["bob"].Agrees)
		})
	}
}

func TestStore_DecisionImmutable(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			d := &Decision{
				ID:         "dec-1",
				MeetingID:  "meet-1",
				ProjectID:  "proj-a",
				Content:    "ship it",
				Rationale:  "unanimous in round 1",
				OpinionIDs: []string{"op-1", "op-2"},
				CreatedAt:  time.Now(),
			}
			require.NoError(t, s.SaveDecision(ctx, d))

			// A second decision for the same meeting is rejected
			d2 := *d
			d2.ID = "dec-2"
			d2.Content = "overwrite attempt"
			assert.ErrorIs(t, s.SaveDecision(ctx, &d2), ErrDecisionExists)

			got, err := s.GetDecision(ctx, "meet-1")
			require.NoError(t, err)
			assert.Equal(t, "ship it", got.Content)
			assert.Equal(t, []string{"op-1", "op-2"}, got.OpinionIDs)

			list, err := s.ListDecisions(ctx, "proj-a")
			require.NoError(t, err)
			require.Len(t, list, 1)
		})
	}
}

func TestMemoryDeadLetters_PushDrain(t *testing.T) {
	d := NewMemoryDeadLetters()
	ctx := context.Background()

	msgs := []*Message{
		{ID: "m1", Sender: "alice", Priority: PriorityNormal, CreatedAt: time.Now()},
		{ID: "m2", Sender: "bob", Priority: PriorityHigh, CreatedAt: time.Now()},
	}
	require.NoError(t, d.Push(ctx, "sess-1", msgs))

	drained, err := d.Drain(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, drained, 2)
	assert.Equal(t, "m1", drained[0].ID)

	// Second drain is empty
	drained, err = d.Drain(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestMessage_Expired(t *testing.T) {
	now := time.Now()

	m := &Message{CreatedAt: now.Add(-2 * time.Minute), TTL: time.Minute}
	assert.True(t, m.Expired(now))

	m = &Message{CreatedAt: now, TTL: time.Minute}
	assert.False(t, m.Expired(now))

	// Zero TTL never expires
	m = &Message{CreatedAt: now.Add(-24 * time.Hour)}
	assert.False(t, m.Expired(now))
}
