// ABOUTME: Tests for the message composer
// ABOUTME: Covers empty-message rejection, upload-then-create ordering, abort on failure, delete

package composer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltchat/dmsync/internal/blob"
	"github.com/quiltchat/dmsync/internal/outbox"
	"github.com/quiltchat/dmsync/internal/store"
	"github.com/quiltchat/dmsync/internal/stream"
)

// mockUploader records uploads and can fail after N successes
type mockUploader struct {
	uploaded []string
	failAt   int // fail the Nth upload (1-based); 0 never fails
}

func (m *mockUploader) Upload(ctx context.Context, path string, r io.Reader) (string, error) {
	if m.failAt > 0 && len(m.uploaded)+1 == m.failAt {
		return "", fmt.Errorf("%w: connection reset", blob.ErrUploadFailed)
	}
	m.uploaded = append(m.uploaded, path)
	return path, nil
}

func newTestComposer(t *testing.T) (*Composer, *store.MockStore, *mockUploader, *stream.Broadcaster) {
	t.Helper()
	m := store.NewMockStore()
	up := &mockUploader{}
	b := stream.NewBroadcaster(nil)
	t.Cleanup(b.Close)

	c := New(m, up, b, nil)
	c.openHandle = func(handle string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("payload:" + handle)), nil
	}

	require.NoError(t, m.CreateConversation(context.Background(), &store.Conversation{
		ID: "conv-1", ParticipantA: "alice", ParticipantB: "bob",
	}))
	return c, m, up, b
}

func TestComposer_EmptySendRejected(t *testing.T) {
	c, m, up, _ := newTestComposer(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := c.Send(context.Background(), &SendRequest{
			ConversationID: "conv-1",
			SenderID:       "alice",
			Text:           text,
		})
		assert.ErrorIs(t, err, ErrEmptyMessage, "text %q must be rejected", text)
	}

	msgs, err := m.ListMessages(context.Background(), "conv-1", false, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "no message may be created for an empty send")
	assert.Empty(t, up.uploaded, "nothing may be uploaded for an empty send")
}

func TestComposer_TextOnlySend(t *testing.T) {
	c, m, _, b := newTestComposer(t)

	changes, _ := b.Subscribe(testContext(t), "conv-1")

	msgID, err := c.Send(context.Background(), &SendRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Text:           "  hi  ",
	})
	require.NoError(t, err)

	msg, err := m.GetMessage(context.Background(), "conv-1", msgID)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Text, "text is trimmed")
	assert.Equal(t, []string{"alice"}, msg.SeenBy)
	assert.Empty(t, msg.ImageRefs)
	assert.Empty(t, msg.VoiceRef)

	select {
	case change := <-changes:
		assert.Equal(t, stream.ChangeCreated, change.Kind)
		assert.Equal(t, msgID, change.MessageID)
	case <-time.After(time.Second):
		t.Fatal("send must publish a created change")
	}
}

func TestComposer_AttachmentsUploadedInOrder(t *testing.T) {
	c, m, up, _ := newTestComposer(t)

	msgID, err := c.Send(context.Background(), &SendRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Images:         []outbox.Handle{"photos/first.jpg", "photos/second.png"},
		Voice:          "recordings/note.m4a",
	})
	require.NoError(t, err)

	require.Len(t, up.uploaded, 3, "two images then the voice note")
	assert.True(t, strings.HasPrefix(up.uploaded[0], "conv-1/"))
	assert.True(t, strings.HasSuffix(up.uploaded[0], ".jpg"))
	assert.True(t, strings.HasSuffix(up.uploaded[1], ".png"))
	assert.True(t, strings.HasSuffix(up.uploaded[2], ".m4a"))

	msg, err := m.GetMessage(context.Background(), "conv-1", msgID)
	require.NoError(t, err)
	assert.Equal(t, up.uploaded[:2], msg.ImageRefs, "image order is preserved")
	assert.Equal(t, up.uploaded[2], msg.VoiceRef)
	assert.Empty(t, msg.Text)
}

func TestComposer_UploadFailureAbortsSend(t *testing.T) {
	c, m, up, _ := newTestComposer(t)
	up.failAt = 2

	_, err := c.Send(context.Background(), &SendRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Text:           "with photos",
		Images:         []outbox.Handle{"a.jpg", "b.jpg", "c.jpg"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, blob.ErrUploadFailed)

	// Partial uploads are never linked into a message
	msgs, listErr := m.ListMessages(context.Background(), "conv-1", false, 0)
	require.NoError(t, listErr)
	assert.Empty(t, msgs)
}

func TestComposer_CreateFailureSurfaces(t *testing.T) {
	c, m, _, _ := newTestComposer(t)
	boom := errors.New("disk full")
	m.CreateMessageErr = boom

	_, err := c.Send(context.Background(), &SendRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Text:           "hi",
	})
	assert.ErrorIs(t, err, boom)
}

func TestComposer_UnknownConversation(t *testing.T) {
	c, _, up, _ := newTestComposer(t)

	_, err := c.Send(context.Background(), &SendRequest{
		ConversationID: "conv-missing",
		SenderID:       "alice",
		Text:           "hi",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, up.uploaded)
}

func TestComposer_DeletePublishesChange(t *testing.T) {
	c, m, _, b := newTestComposer(t)

	msgID, err := c.Send(context.Background(), &SendRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Text:           "doomed",
	})
	require.NoError(t, err)

	changes, _ := b.Subscribe(testContext(t), "conv-1")

	require.NoError(t, c.Delete(context.Background(), "conv-1", msgID))

	_, err = m.GetMessage(context.Background(), "conv-1", msgID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	select {
	case change := <-changes:
		assert.Equal(t, stream.ChangeDeleted, change.Kind)
		assert.Equal(t, msgID, change.MessageID)
	case <-time.After(time.Second):
		t.Fatal("delete must publish a deleted change")
	}
}

func TestComposer_DeleteMissingMessage(t *testing.T) {
	c, _, _, _ := newTestComposer(t)

	err := c.Delete(context.Background(), "conv-1", "no-such-message")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// testContext returns a context that is canceled when the test ends,
// matching the behavior of (*testing.T).Context from newer Go releases.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
