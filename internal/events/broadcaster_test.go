// ABOUTME: Tests for the lifecycle event Broadcaster
// ABOUTME: Covers subscribe, publish, wildcard, unsubscribe, context cancellation

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func recv(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "proj-a")
	b.Publish(&Event{Type: SessionConnected, ProjectID: "proj-a", SessionID: "sess-1"})

	ev := recv(t, ch)
	assert.Equal(t, SessionConnected, ev.Type)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBroadcaster_ProjectsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	chA, _ := b.Subscribe(t.Context(), "proj-a")
	chB, _ := b.Subscribe(t.Context(), "proj-b")

	b.Publish(&Event{Type: MeetingStarted, ProjectID: "proj-a", MeetingID: "meet-1"})

	ev := recv(t, chA)
	assert.Equal(t, "meet-1", ev.MeetingID)

	select {
	case <-chB:
		t.Fatal("proj-b subscriber received proj-a event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_WildcardSeesAllProjects(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), WildcardProject)

	b.Publish(&Event{Type: SessionConnected, ProjectID: "proj-a"})
	b.Publish(&Event{Type: SessionConnected, ProjectID: "proj-b"})

	assert.Equal(t, "proj-a", recv(t, ch).ProjectID)
	assert.Equal(t, "proj-b", recv(t, ch).ProjectID)
}

func TestBroadcaster_ContextCancellationUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "proj-a")
	cancel()

	// Channel is eventually closed by the cleanup goroutine
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after context cancellation")
		}
	}
}

func TestBroadcaster_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "proj-a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(&Event{Type: MessageQueued, ProjectID: "proj-a"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds at most subscriberBufferSize events
	assert.LessOrEqual(t, len(ch), subscriberBufferSize)
}
