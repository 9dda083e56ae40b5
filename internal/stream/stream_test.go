// ABOUTME: Tests for live snapshot subscriptions
// ABOUTME: Verifies ordering, re-delivery on change, synchronous cancel, terminal errors

package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltchat/dmsync/internal/store"
)

func addMessage(t *testing.T, m *store.MockStore, b *Broadcaster, convID, msgID, sender, text string) {
	t.Helper()
	require.NoError(t, m.CreateMessage(context.Background(), &store.Message{
		ID:             msgID,
		ConversationID: convID,
		SenderID:       sender,
		Text:           text,
	}))
	b.Publish(Change{ConversationID: convID, Kind: ChangeCreated, MessageID: msgID})
}

func nextSnapshot(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Updates():
		require.True(t, ok, "updates channel closed unexpectedly")
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestStream_InitialSnapshotDelivered(t *testing.T) {
	m := store.NewMockStore()
	b := NewBroadcaster(nil)
	defer b.Close()
	s := New(m, b, nil)

	require.NoError(t, m.CreateMessage(context.Background(), &store.Message{
		ID: "msg-1", ConversationID: "conv-1", SenderID: "alice", Text: "hi",
	}))

	sub := s.Subscribe(testContext(t), "conv-1")
	defer sub.Cancel()

	snap := nextSnapshot(t, sub)
	require.NoError(t, snap.Err)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "msg-1", snap.Messages[0].ID)
}

func TestStream_ChangeTriggersRedelivery(t *testing.T) {
	m := store.NewMockStore()
	b := NewBroadcaster(nil)
	defer b.Close()
	s := New(m, b, nil)

	sub := s.Subscribe(testContext(t), "conv-1")
	defer sub.Cancel()

	snap := nextSnapshot(t, sub)
	assert.Empty(t, snap.Messages)

	addMessage(t, m, b, "conv-1", "msg-1", "alice", "hi")

	snap = nextSnapshot(t, sub)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi", snap.Messages[0].Text)
}

func TestStream_DeleteDisappearsFromNextSnapshot(t *testing.T) {
	m := store.NewMockStore()
	b := NewBroadcaster(nil)
	defer b.Close()
	s := New(m, b, nil)

	ctx := context.Background()
	require.NoError(t, m.CreateMessage(ctx, &store.Message{
		ID: "msg-1", ConversationID: "conv-1", SenderID: "alice", Text: "keep",
	}))
	require.NoError(t, m.CreateMessage(ctx, &store.Message{
		ID: "msg-2", ConversationID: "conv-1", SenderID: "alice", Text: "remove",
	}))

	// Two independent subscriptions both observe the delete
	sub1 := s.Subscribe(testContext(t), "conv-1")
	defer sub1.Cancel()
	sub2 := s.Subscribe(testContext(t), "conv-1")
	defer sub2.Cancel()

	require.Len(t, nextSnapshot(t, sub1).Messages, 2)
	require.Len(t, nextSnapshot(t, sub2).Messages, 2)

	require.NoError(t, m.DeleteMessage(ctx, "conv-1", "msg-2"))
	b.Publish(Change{ConversationID: "conv-1", Kind: ChangeDeleted, MessageID: "msg-2"})

	for _, sub := range []*Subscription{sub1, sub2} {
		snap := nextSnapshot(t, sub)
		require.Len(t, snap.Messages, 1)
		assert.Equal(t, "msg-1", snap.Messages[0].ID)
	}
}

func TestStream_SnapshotOrderIsTotal(t *testing.T) {
	m := store.NewMockStore()
	b := NewBroadcaster(nil)
	defer b.Close()
	s := New(m, b, nil)

	// Colliding timestamps order by id
	ts := time.Now().UTC()
	ctx := context.Background()
	for _, id := range []string{"msg-b", "msg-a"} {
		require.NoError(t, m.CreateMessage(ctx, &store.Message{
			ID: id, ConversationID: "conv-1", SenderID: "alice", CreatedAt: ts, Text: id,
		}))
	}
	require.NoError(t, m.CreateMessage(ctx, &store.Message{
		ID: "msg-0", ConversationID: "conv-1", SenderID: "alice",
		CreatedAt: ts.Add(-time.Second), Text: "first",
	}))

	sub := s.Subscribe(testContext(t), "conv-1")
	defer sub.Cancel()

	snap := nextSnapshot(t, sub)
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "msg-0", snap.Messages[0].ID)
	assert.Equal(t, "msg-a", snap.Messages[1].ID)
	assert.Equal(t, "msg-b", snap.Messages[2].ID)
}

func TestStream_CancelIsSynchronous(t *testing.T) {
	m := store.NewMockStore()
	b := NewBroadcaster(nil)
	defer b.Close()
	s := New(m, b, nil)

	sub := s.Subscribe(testContext(t), "conv-1")
	nextSnapshot(t, sub)

	sub.Cancel()

	// After Cancel returns no delivery may ever arrive; publishing more
	// changes must not reopen anything.
	addMessage(t, m, b, "conv-1", "msg-1", "alice", "late")

	select {
	case snap, ok := <-sub.Updates():
		assert.False(t, ok, "expected closed channel, got snapshot: %+v", snap)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("updates channel should be closed after Cancel")
	}

	// Cancel is idempotent
	sub.Cancel()
}

func TestStream_ParentContextCancelEndsSubscription(t *testing.T) {
	m := store.NewMockStore()
	b := NewBroadcaster(nil)
	defer b.Close()
	s := New(m, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sub := s.Subscribe(ctx, "conv-1")
	nextSnapshot(t, sub)

	cancel()

	select {
	case _, ok := <-sub.Updates():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("updates channel not closed after context cancel")
	}
}

func TestStream_QueryFailureIsTerminal(t *testing.T) {
	m := store.NewMockStore()
	b := NewBroadcaster(nil)
	defer b.Close()
	s := New(m, b, nil)

	sub := s.Subscribe(testContext(t), "conv-1")
	defer sub.Cancel()
	nextSnapshot(t, sub)

	// Permission revoked mid-session: the next re-query fails
	boom := errors.New("permission denied")
	m.ListMessagesErr = boom
	b.Publish(Change{ConversationID: "conv-1", Kind: ChangeCreated, MessageID: "msg-x"})

	snap := nextSnapshot(t, sub)
	assert.ErrorIs(t, snap.Err, boom)
	assert.Empty(t, snap.Messages)

	// Exactly one terminal delivery, then the channel closes
	select {
	case _, ok := <-sub.Updates():
		assert.False(t, ok, "no deliveries may follow the terminal error")
	case <-time.After(time.Second):
		t.Fatal("updates channel not closed after terminal error")
	}
}

func TestStream_IndependentSubscriptions(t *testing.T) {
	m := store.NewMockStore()
	b := NewBroadcaster(nil)
	defer b.Close()
	s := New(m, b, nil)

	sub1 := s.Subscribe(testContext(t), "conv-1")
	sub2 := s.Subscribe(testContext(t), "conv-1")
	defer sub2.Cancel()

	nextSnapshot(t, sub1)
	nextSnapshot(t, sub2)

	// Cancelling one subscription must not affect the other
	sub1.Cancel()

	addMessage(t, m, b, "conv-1", "msg-1", "alice", "still here")

	snap := nextSnapshot(t, sub2)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "msg-1", snap.Messages[0].ID)
}

func TestStream_CoalescesBurstChanges(t *testing.T) {
	m := store.NewMockStore()
	b := NewBroadcaster(nil)
	defer b.Close()
	s := New(m, b, nil)

	sub := s.Subscribe(testContext(t), "conv-1")
	defer sub.Cancel()
	nextSnapshot(t, sub)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		id := "msg-" + string(rune('a'+i))
		require.NoError(t, m.CreateMessage(ctx, &store.Message{
			ID: id, ConversationID: "conv-1", SenderID: "alice", Text: id,
		}))
		b.Publish(Change{ConversationID: "conv-1", Kind: ChangeCreated, MessageID: id})
	}

	// A burst may collapse into fewer deliveries, but the final snapshot
	// reflects every change.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-sub.Updates():
			require.NoError(t, snap.Err)
			if len(snap.Messages) == 20 {
				return
			}
		case <-deadline:
			t.Fatal("never observed a snapshot containing all messages")
		}
	}
}

func TestNormalize_DropsDuplicateIDs(t *testing.T) {
	msgs := []*store.Message{
		{ID: "a", Text: "first"},
		{ID: "b"},
		{ID: "a", Text: "dup"},
	}

	out := normalize(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "first", out[0].Text)
	assert.Equal(t, "b", out[1].ID)
}
