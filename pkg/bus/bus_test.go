package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndConsumeOrder(t *testing.T) {
	b := New(4)
	defer b.Close()

	for _, et := range []string{"first", "second", "third"} {
		err := b.Publish(context.Background(), OutputEvent{
			ScenarioRunID: "run-1",
			SourceAgentID: "agent-a",
			EventType:     et,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, b.Depth())
	for _, want := range []string{"first", "second", "third"} {
		ev := <-b.Events()
		assert.Equal(t, want, ev.EventType)
		assert.False(t, ev.EmittedAt.IsZero(), "publish stamps the emission time")
	}
	assert.Equal(t, 0, b.Depth())
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := New(1)
	b.Close()
	b.Close() // idempotent

	err := b.Publish(context.Background(), OutputEvent{EventType: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublishBlocksUntilConsumed(t *testing.T) {
	b := New(1)
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), OutputEvent{EventType: "a"}))

	published := make(chan error, 1)
	go func() {
		published <- b.Publish(context.Background(), OutputEvent{EventType: "b"})
	}()

	select {
	case <-published:
		t.Fatal("publish into a full bus should block")
	case <-time.After(50 * time.Millisecond):
	}

	ev := <-b.Events()
	assert.Equal(t, "a", ev.EventType)

	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not complete after a slot freed")
	}
}

func TestPublishHonorsContext(t *testing.T) {
	b := New(1)
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), OutputEvent{EventType: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, OutputEvent{EventType: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseUnblocksPendingPublish(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Publish(context.Background(), OutputEvent{EventType: "a"}))

	published := make(chan error, 1)
	go func() {
		published <- b.Publish(context.Background(), OutputEvent{EventType: "b"})
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-published:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock pending publish")
	}

	// Buffered events stay drainable after close.
	ev := <-b.Events()
	assert.Equal(t, "a", ev.EventType)
}
