// ABOUTME: Seen-receipt tracking for the active viewer of a conversation
// ABOUTME: Marks recent incoming messages as seen, batched and idempotent

package receipt

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quiltchat/dmsync/internal/store"
	"github.com/quiltchat/dmsync/internal/stream"
)

// DefaultWindow bounds how many of the most recent messages are considered
// for receipt marking on each pass. The bound keeps write amplification off
// old history; messages older than the window are only marked if a later
// change scrolls them back into it.
const DefaultWindow = 10

// ReceiptStore defines what the tracker needs from storage
type ReceiptStore interface {
	ListMessages(ctx context.Context, conversationID string, descending bool, limit int) ([]*store.Message, error)
	AddMessageSeen(ctx context.Context, conversationID, messageID, viewerID string) (bool, error)
}

// Tracker marks messages as seen by the current viewer. One Tracker is
// started per open conversation view and runs until Stop.
type Tracker struct {
	store       ReceiptStore
	broadcaster *stream.Broadcaster
	window      int
	logger      *slog.Logger
}

// New creates a receipt tracker. A window of 0 or less uses DefaultWindow.
// Pass nil logger for default.
func New(receiptStore ReceiptStore, broadcaster *stream.Broadcaster, window int, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:       receiptStore,
		broadcaster: broadcaster,
		window:      window,
		logger:      logger.With("component", "receipt"),
	}
}

// Tracking is one running receipt-marking loop.
type Tracking struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop ends the tracking loop and waits for it to finish. After Stop
// returns no further receipt update is issued. Safe to call multiple times.
func (tr *Tracking) Stop() {
	tr.once.Do(tr.cancel)
	<-tr.done
}

// Track starts marking messages in the conversation as seen by viewerID.
// One pass runs immediately and another after every published change; each
// pass inspects only the most recent window of messages and issues one
// idempotent set-add per unseen incoming message. Individual update
// failures are logged and dropped: the message still lacks the viewer in
// its seen set, so the next change gives another opportunity.
func (t *Tracker) Track(ctx context.Context, conversationID, viewerID string) *Tracking {
	trackCtx, cancel := context.WithCancel(ctx)
	changes, subID := t.broadcaster.Subscribe(trackCtx, conversationID)

	tr := &Tracking{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	t.logger.Debug("tracking started",
		"conversation_id", conversationID,
		"viewer_id", viewerID,
		"sub_id", subID)

	go func() {
		defer close(tr.done)
		defer cancel()

		t.markPass(trackCtx, conversationID, viewerID)

		for {
			select {
			case <-trackCtx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				t.markPass(trackCtx, conversationID, viewerID)
			}
		}
	}()

	return tr
}

// markPass marks the unseen incoming messages in the current window.
// Updates for distinct message ids are issued concurrently; each add is a
// set-add so retrying after a failure or a concurrent viewer is harmless.
func (t *Tracker) markPass(ctx context.Context, conversationID, viewerID string) {
	recent, err := t.store.ListMessages(ctx, conversationID, true, t.window)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("receipt window query failed",
				"conversation_id", conversationID,
				"error", err)
		}
		return
	}

	var wg sync.WaitGroup
	for _, msg := range recent {
		if msg.SenderID == viewerID || msg.SeenByUser(viewerID) {
			continue
		}
		wg.Add(1)
		go func(messageID string) {
			defer wg.Done()
			t.markOne(ctx, conversationID, messageID, viewerID)
		}(msg.ID)
	}
	wg.Wait()
}

// markOne issues a single idempotent seen update and publishes the change
// when the set actually grew, so open streams re-deliver.
func (t *Tracker) markOne(ctx context.Context, conversationID, messageID, viewerID string) {
	changed, err := t.store.AddMessageSeen(ctx, conversationID, messageID, viewerID)
	if err != nil {
		// Best effort: dropped, not retried on this pass. The next
		// change delivery self-heals.
		if ctx.Err() == nil {
			t.logger.Warn("receipt update failed",
				"conversation_id", conversationID,
				"message_id", messageID,
				"viewer_id", viewerID,
				"error", err)
		}
		return
	}
	if !changed {
		return
	}

	t.broadcaster.Publish(stream.Change{
		ConversationID: conversationID,
		Kind:           stream.ChangeSeen,
		MessageID:      messageID,
	})
}
