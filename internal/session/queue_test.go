// ABOUTME: Tests for the bounded priority queue
// ABOUTME: Covers tier ordering, capacity rejection, TTL expiry accounting

package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/store"
)

func msg(id string, p store.Priority) *store.Message {
	return &store.Message{ID: id, Priority: p, CreatedAt: time.Now()}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := NewQueue(10)

	require.NoError(t, q.Push(msg("m-low", store.PriorityLow)))
	require.NoError(t, q.Push(msg("m-high", store.PriorityHigh)))
	require.NoError(t, q.Push(msg("m-normal", store.PriorityNormal)))
	require.NoError(t, q.Push(msg("m-urgent", store.PriorityUrgent)))
	require.NoError(t, q.Push(msg("m-high-2", store.PriorityHigh)))

	got := q.Pop(0, time.Now())
	ids := make([]string, len(got))
	for i, m := range got {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"m-urgent", "m-high", "m-high-2", "m-normal", "m-low"}, ids)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_CapacityRejectsExplicitly(t *testing.T) {
	q := NewQueue(3)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(msg(fmt.Sprintf("m%d", i), store.PriorityNormal)))
	}

	err := q.Push(msg("overflow", store.PriorityUrgent))
	assert.ErrorIs(t, err, ErrQueueFull)

	// Nothing was dropped to make room
	assert.Equal(t, 3, q.Len())
	got := q.Pop(0, time.Now())
	require.Len(t, got, 3)
	assert.Equal(t, "m0", got[0].ID)
}

func TestQueue_PopRespectsMax(t *testing.T) {
	q := NewQueue(10)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(msg(fmt.Sprintf("m%d", i), store.PriorityNormal)))
	}

	got := q.Pop(2, time.Now())
	assert.Len(t, got, 2)
	assert.Equal(t, 3, q.Len())
}

func TestQueue_ExpiredDroppedSilentlyAndCounted(t *testing.T) {
	q := NewQueue(10)

	expired := msg("dead", store.PriorityUrgent)
	expired.CreatedAt = time.Now().Add(-time.Hour)
	expired.TTL = time.Minute
	require.NoError(t, q.Push(expired))
	require.NoError(t, q.Push(msg("alive", store.PriorityLow)))

	got := q.Pop(0, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, "alive", got[0].ID)
	assert.Equal(t, uint64(1), q.ExpiredDropped())
}

func TestQueue_RequeuePreservesHeadOrder(t *testing.T) {
	q := NewQueue(10)
	require.NoError(t, q.Push(msg("a", store.PriorityNormal)))
	require.NoError(t, q.Push(msg("b", store.PriorityNormal)))

	got := q.Pop(0, time.Now())
	require.Len(t, got, 2)

	q.Requeue(got)
	require.NoError(t, q.Push(msg("c", store.PriorityNormal)))

	got = q.Pop(0, time.Now())
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)
}
