// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers conversation uniqueness, message ordering, seen-set updates, deletion

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestConversation(t *testing.T, s Store, userA, userB string) *Conversation {
	conv := &Conversation{
		ID:           uuid.New().String(),
		ParticipantA: userA,
		ParticipantB: userB,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func TestPairKey_OrderIndependent(t *testing.T) {
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.Equal(t, "alice:bob", PairKey("bob", "alice"))
}

func TestSQLiteStore_CreateConversation_DuplicatePairRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	createTestConversation(t, s, "alice", "bob")

	// Same pair in reversed order must hit the UNIQUE pair_key constraint
	dup := &Conversation{
		ID:           uuid.New().String(),
		ParticipantA: "bob",
		ParticipantB: "alice",
		CreatedAt:    time.Now().UTC(),
	}
	err := s.CreateConversation(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateConversation)
}

func TestSQLiteStore_FindConversationByPairKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := createTestConversation(t, s, "bob", "alice")

	found, err := s.FindConversationByPairKey(ctx, PairKey("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)
	// Participants come back in canonical order
	assert.Equal(t, "alice", found.ParticipantA)
	assert.Equal(t, "bob", found.ParticipantB)

	_, err = s.FindConversationByPairKey(ctx, PairKey("alice", "carol"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListConversationsByParticipant(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	createTestConversation(t, s, "alice", "bob")
	createTestConversation(t, s, "alice", "carol")
	createTestConversation(t, s, "bob", "carol")

	convs, err := s.ListConversationsByParticipant(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 2)

	convs, err = s.ListConversationsByParticipant(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSQLiteStore_CreateMessage_AssignsCreatedAtAndSeenBy(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       "alice",
		Text:           "hi",
	}
	require.NoError(t, s.CreateMessage(ctx, msg))
	assert.False(t, msg.CreatedAt.IsZero())

	stored, err := s.GetMessage(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Text)
	assert.Equal(t, []string{"alice"}, stored.SeenBy)
	assert.Empty(t, stored.ImageRefs)
	assert.Empty(t, stored.VoiceRef)
}

func TestSQLiteStore_CreateMessage_RoundTripsAttachments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       "alice",
		ImageRefs:      []string{"attachments/a.jpg", "attachments/b.jpg"},
		VoiceRef:       "attachments/note.m4a",
	}
	require.NoError(t, s.CreateMessage(ctx, msg))

	stored, err := s.GetMessage(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"attachments/a.jpg", "attachments/b.jpg"}, stored.ImageRefs)
	assert.Equal(t, "attachments/note.m4a", stored.VoiceRef)
	assert.Empty(t, stored.Text)
}

func TestSQLiteStore_ListMessages_OrderedWithIDTieBreak(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	// Burst send: identical timestamps, ordering must fall back to ID
	ts := time.Now().UTC()
	for _, id := range []string{"msg-c", "msg-a", "msg-b"} {
		require.NoError(t, s.CreateMessage(ctx, &Message{
			ID:             id,
			ConversationID: conv.ID,
			SenderID:       "alice",
			CreatedAt:      ts,
			Text:           id,
		}))
	}
	require.NoError(t, s.CreateMessage(ctx, &Message{
		ID:             "msg-later",
		ConversationID: conv.ID,
		SenderID:       "bob",
		CreatedAt:      ts.Add(time.Second),
		Text:           "later",
	}))

	msgs, err := s.ListMessages(ctx, conv.ID, false, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "msg-a", msgs[0].ID)
	assert.Equal(t, "msg-b", msgs[1].ID)
	assert.Equal(t, "msg-c", msgs[2].ID)
	assert.Equal(t, "msg-later", msgs[3].ID)

	// Descending with limit is the receipt window query
	recent, err := s.ListMessages(ctx, conv.ID, true, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "msg-later", recent[0].ID)
	assert.Equal(t, "msg-c", recent[1].ID)
}

func TestStore_ListMessages_SubSecondOrdering(t *testing.T) {
	// Fractional seconds render at different widths (".1" vs ".15"), so a
	// trimmed text encoding would sort them out of order. Run against both
	// implementations to keep the ordering contract identical.
	stores := map[string]Store{
		"sqlite": createTestStore(t),
		"mock":   NewMockStore(),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := createTestConversation(t, s, "alice", "bob")

			base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
			want := []struct {
				id     string
				offset time.Duration
			}{
				{"msg-1", 100 * time.Millisecond},
				{"msg-2", 123 * time.Millisecond},
				{"msg-3", 123456789 * time.Nanosecond},
				{"msg-4", 150 * time.Millisecond},
				{"msg-5", time.Second},
			}
			// Insert out of order so storage order can't mask a broken sort key
			for _, i := range []int{3, 0, 4, 1, 2} {
				require.NoError(t, s.CreateMessage(ctx, &Message{
					ID:             want[i].id,
					ConversationID: conv.ID,
					SenderID:       "alice",
					CreatedAt:      base.Add(want[i].offset),
					Text:           want[i].id,
				}))
			}

			msgs, err := s.ListMessages(ctx, conv.ID, false, 0)
			require.NoError(t, err)
			require.Len(t, msgs, len(want))
			for i, w := range want {
				assert.Equal(t, w.id, msgs[i].ID)
			}

			// Descending with limit is the receipt window query; it must pick
			// the true most-recent messages
			recent, err := s.ListMessages(ctx, conv.ID, true, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "msg-5", recent[0].ID)
			assert.Equal(t, "msg-4", recent[1].ID)
		})
	}
}

func TestSQLiteStore_AddMessageSeen_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       "alice",
		Text:           "hi",
	}
	require.NoError(t, s.CreateMessage(ctx, msg))

	changed, err := s.AddMessageSeen(ctx, conv.ID, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	// Second application is a no-op
	changed, err = s.AddMessageSeen(ctx, conv.ID, msg.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := s.GetMessage(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, stored.SeenBy)
}

func TestSQLiteStore_AddMessageSeen_MissingMessage(t *testing.T) {
	s := createTestStore(t)
	conv := createTestConversation(t, s, "alice", "bob")

	_, err := s.AddMessageSeen(context.Background(), conv.ID, "no-such-message", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DeleteMessage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       "alice",
		Text:           "delete me",
	}
	require.NoError(t, s.CreateMessage(ctx, msg))

	require.NoError(t, s.DeleteMessage(ctx, conv.ID, msg.ID))

	_, err := s.GetMessage(ctx, conv.ID, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Hard delete: gone from listings too, and a second delete is NotFound
	msgs, err := s.ListMessages(ctx, conv.ID, false, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.ErrorIs(t, s.DeleteMessage(ctx, conv.ID, msg.ID), ErrNotFound)
}

func TestSQLiteStore_Users(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, &UserProfile{
		ID:        "user-1",
		Username:  "zoe",
		FirstName: "Zoe",
	}))
	require.NoError(t, s.PutUser(ctx, &UserProfile{
		ID:       "user-2",
		Username: "adam",
		LastName: "Arkwright",
	}))

	user, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "zoe", user.Username)
	assert.Equal(t, "Zoe", user.FirstName)

	_, err = s.GetUser(ctx, "user-3")
	assert.ErrorIs(t, err, ErrNotFound)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "adam", users[0].Username)
	assert.Equal(t, "zoe", users[1].Username)
}
