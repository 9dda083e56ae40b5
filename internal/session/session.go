// ABOUTME: Per-user session tying one open conversation to its live pieces
// ABOUTME: Owns the draft outbox and coordinates drain/send/restore atomically

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/quiltchat/dmsync/internal/composer"
	"github.com/quiltchat/dmsync/internal/directory"
	"github.com/quiltchat/dmsync/internal/outbox"
	"github.com/quiltchat/dmsync/internal/receipt"
	"github.com/quiltchat/dmsync/internal/stream"
)

// ErrNoConversation is returned when a send or subscription is attempted
// before Open has resolved a conversation.
var ErrNoConversation = errors.New("no open conversation")

// Session is one user's view onto a single open conversation. Opening a
// conversation starts a live message subscription and a receipt tracker;
// the session also owns the draft outbox that Send drains. A session only
// holds one conversation open at a time; Open on an already-open session
// closes the previous conversation first.
type Session struct {
	userID    string
	directory *directory.Directory
	stream    *stream.Stream
	tracker   *receipt.Tracker
	composer  *composer.Composer
	outbox    *outbox.Outbox
	logger    *slog.Logger

	mu             sync.Mutex
	conversationID string
	sub            *stream.Subscription
	tracking       *receipt.Tracking

	// sendMu serializes Send so a drain and its restore-on-failure are
	// atomic with respect to concurrent sends.
	sendMu sync.Mutex
}

// New creates a session for the given user. Pass nil logger for default.
func New(userID string, dir *directory.Directory, str *stream.Stream, tracker *receipt.Tracker, comp *composer.Composer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		userID:    userID,
		directory: dir,
		stream:    str,
		tracker:   tracker,
		composer:  comp,
		outbox:    outbox.New(),
		logger:    logger.With("component", "session", "user_id", userID),
	}
}

// Outbox returns the session's draft outbox.
func (s *Session) Outbox() *outbox.Outbox {
	return s.outbox
}

// ConversationID returns the open conversation's id, or "" if none is open.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Open resolves (creating if needed) the conversation with otherUserID and
// starts its live subscription and receipt tracker. A previously open
// conversation is closed first. The returned channel delivers full ordered
// snapshots and is closed when the conversation is closed.
func (s *Session) Open(ctx context.Context, otherUserID string) (<-chan stream.Snapshot, error) {
	convID, err := s.directory.Resolve(ctx, s.userID, otherUserID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.detachLocked()
	switching := s.conversationID != "" && s.conversationID != convID
	s.conversationID = convID
	s.sub = s.stream.Subscribe(ctx, convID)
	s.tracking = s.tracker.Track(ctx, convID, s.userID)
	updates := s.sub.Updates()
	s.mu.Unlock()

	stopDetached(prev)
	if switching {
		s.outbox.Reset()
	}

	s.logger.Info("conversation opened", "conversation_id", convID, "other_user_id", otherUserID)
	return updates, nil
}

// Send drains the outbox and submits the draft as one message. On success
// the text draft is cleared along with the drained attachments; on failure
// the drained attachments are restored so the user can retry. Concurrent
// sends are serialized.
func (s *Session) Send(ctx context.Context) (string, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()
	if convID == "" {
		return "", ErrNoConversation
	}

	text := s.outbox.Text()
	images, voice := s.outbox.Drain()

	id, err := s.composer.Send(ctx, &composer.SendRequest{
		ConversationID: convID,
		SenderID:       s.userID,
		Text:           text,
		Images:         images,
		Voice:          voice,
	})
	if err != nil {
		s.outbox.Restore(images, voice)
		return "", err
	}

	s.outbox.SetText("")
	return id, nil
}

// Delete removes a message from the open conversation.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()
	if convID == "" {
		return ErrNoConversation
	}
	return s.composer.Delete(ctx, convID, messageID)
}

// Close stops the open conversation's subscription and receipt tracker,
// synchronously, and discards the draft outbox. The update channel
// returned by Open is closed before Close returns. Safe to call when
// nothing is open, and idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	prev := s.detachLocked()
	s.conversationID = ""
	s.mu.Unlock()

	stopDetached(prev)
	s.outbox.Reset()
}

type detached struct {
	sub      *stream.Subscription
	tracking *receipt.Tracking
}

func (s *Session) detachLocked() detached {
	d := detached{sub: s.sub, tracking: s.tracking}
	s.sub = nil
	s.tracking = nil
	return d
}

// stopDetached runs outside the session mutex because Cancel and Stop
// block until their goroutines finish.
func stopDetached(d detached) {
	if d.sub != nil {
		d.sub.Cancel()
	}
	if d.tracking != nil {
		d.tracking.Stop()
	}
}
