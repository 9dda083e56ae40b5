// ABOUTME: Validates and submits outgoing messages, uploading staged attachments first
// ABOUTME: Also handles user-initiated hard deletion of messages

package composer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/quiltchat/dmsync/internal/blob"
	"github.com/quiltchat/dmsync/internal/outbox"
	"github.com/quiltchat/dmsync/internal/store"
	"github.com/quiltchat/dmsync/internal/stream"
)

// ErrEmptyMessage is returned when a send carries neither text nor any
// staged attachment. Nothing is submitted.
var ErrEmptyMessage = errors.New("empty message")

// ComposerStore defines what the composer needs from storage
type ComposerStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	CreateMessage(ctx context.Context, msg *store.Message) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// Composer submits outgoing messages. Staged attachments are uploaded to
// the blob store before the message is created, so a message can never
// reference a blob that does not exist. The reverse orphan (a crash
// between upload and create leaving an unreferenced blob) is accepted as
// garbage, not corruption.
type Composer struct {
	store       ComposerStore
	uploads     blob.Uploader
	broadcaster *stream.Broadcaster
	openHandle  func(string) (io.ReadCloser, error)
	logger      *slog.Logger
}

// New creates a composer. Pass nil logger for default.
func New(composerStore ComposerStore, uploads blob.Uploader, broadcaster *stream.Broadcaster, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		store:       composerStore,
		uploads:     uploads,
		broadcaster: broadcaster,
		openHandle: func(handle string) (io.ReadCloser, error) {
			return os.Open(handle)
		},
		logger: logger.With("component", "composer"),
	}
}

// SendRequest contains everything needed to submit one outgoing message.
// Images and Voice are local handles drained from the session's outbox.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Text           string
	Images         []outbox.Handle
	Voice          outbox.Handle
}

// Send validates and submits a message, returning its id. Whitespace-only
// text with no attachments fails with ErrEmptyMessage. Every staged image
// is uploaded first (one round trip per handle; the first failure aborts
// the whole send so partial uploads are never linked into a message), then
// the voice note, then the message row is created with the sender already
// in its seen set. On success a created change is published so open
// subscriptions re-deliver.
func (c *Composer) Send(ctx context.Context, req *SendRequest) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Images) == 0 && req.Voice == "" {
		return "", ErrEmptyMessage
	}

	conv, err := c.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return "", fmt.Errorf("resolving conversation: %w", err)
	}

	var imageRefs []string
	for i, handle := range req.Images {
		ref, err := c.uploadHandle(ctx, conv.ID, string(handle))
		if err != nil {
			return "", fmt.Errorf("uploading image %d: %w", i, err)
		}
		imageRefs = append(imageRefs, ref)
	}

	var voiceRef string
	if req.Voice != "" {
		voiceRef, err = c.uploadHandle(ctx, conv.ID, string(req.Voice))
		if err != nil {
			return "", fmt.Errorf("uploading voice note: %w", err)
		}
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Text:           text,
		ImageRefs:      imageRefs,
		VoiceRef:       voiceRef,
		SeenBy:         []string{req.SenderID},
	}
	if err := c.store.CreateMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("creating message: %w", err)
	}

	c.logger.Debug("message sent",
		"message_id", msg.ID,
		"conversation_id", conv.ID,
		"sender_id", req.SenderID,
		"images", len(imageRefs),
		"voice", voiceRef != "")

	c.broadcaster.Publish(stream.Change{
		ConversationID: conv.ID,
		Kind:           stream.ChangeCreated,
		MessageID:      msg.ID,
	})

	return msg.ID, nil
}

// uploadHandle reads a local attachment handle and uploads it under a
// fresh conversation-scoped path, preserving the handle's extension.
func (c *Composer) uploadHandle(ctx context.Context, conversationID, handle string) (string, error) {
	rc, err := c.openHandle(handle)
	if err != nil {
		return "", fmt.Errorf("%w: opening %q: %v", blob.ErrUploadFailed, handle, err)
	}
	defer rc.Close()

	dest := path.Join(conversationID, uuid.New().String()+path.Ext(handle))
	return c.uploads.Upload(ctx, dest, rc)
}

// Delete permanently removes a message and publishes the deletion so
// every open subscription's next snapshot omits it. There is no soft
// delete and no tombstone.
func (c *Composer) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := c.store.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	c.logger.Debug("message deleted",
		"message_id", messageID,
		"conversation_id", conversationID)

	c.broadcaster.Publish(stream.Change{
		ConversationID: conversationID,
		Kind:           stream.ChangeDeleted,
		MessageID:      messageID,
	})
	return nil
}
