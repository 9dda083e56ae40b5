// ABOUTME: Live ordered message stream over a conversation's log
// ABOUTME: Re-delivers the full ordered snapshot on every observed change

package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quiltchat/dmsync/internal/store"
)

// MessageSource defines what the stream needs from storage
type MessageSource interface {
	ListMessages(ctx context.Context, conversationID string, descending bool, limit int) ([]*store.Message, error)
}

// Stream opens live subscriptions over a conversation's message log.
type Stream struct {
	source      MessageSource
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// New creates a stream service backed by the given source and broadcaster.
func New(source MessageSource, broadcaster *Broadcaster, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		source:      source,
		broadcaster: broadcaster,
		logger:      logger.With("component", "stream"),
	}
}

// Snapshot is one delivery of the conversation's full ordered message
// sequence. A snapshot with Err set is terminal: the subscription is
// implicitly cancelled and no further deliveries follow.
type Snapshot struct {
	Messages []*store.Message
	Err      error
}

// Subscription is one live view of a conversation. Snapshots arrive on
// Updates; Cancel stops delivery synchronously.
type Subscription struct {
	updates chan Snapshot
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Updates returns the snapshot channel. It is closed when the subscription
// ends, whether by Cancel, context cancellation, or a terminal error.
func (sub *Subscription) Updates() <-chan Snapshot {
	return sub.updates
}

// Cancel stops the subscription and waits for the delivery goroutine to
// finish. After Cancel returns, no further snapshot is ever delivered and
// the Updates channel is closed. Safe to call multiple times.
func (sub *Subscription) Cancel() {
	sub.once.Do(sub.cancel)
	<-sub.done
}

// Subscribe opens a live subscription on a conversation. The current
// ordered snapshot is delivered first; afterwards every published change
// triggers a re-query and a full re-delivery. Changes that arrive while a
// delivery is pending coalesce into one following delivery. Multiple
// subscriptions to the same conversation are independent.
func (s *Stream) Subscribe(ctx context.Context, conversationID string) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	changes, subID := s.broadcaster.Subscribe(subCtx, conversationID)

	sub := &Subscription{
		updates: make(chan Snapshot),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.logger.Debug("subscription opened",
		"conversation_id", conversationID,
		"sub_id", subID)

	go func() {
		defer close(sub.done)
		defer close(sub.updates)
		defer cancel()

		if !s.deliver(subCtx, conversationID, sub) {
			return
		}

		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				// Coalesce any changes queued behind this one; the
				// snapshot we deliver already reflects them.
				drained := false
				for !drained {
					select {
					case _, ok := <-changes:
						if !ok {
							drained = true
						}
					default:
						drained = true
					}
				}
				if !s.deliver(subCtx, conversationID, sub) {
					return
				}
			}
		}
	}()

	return sub
}

// deliver queries the full ordered sequence and sends it to the
// subscriber. Returns false when the subscription should end: the context
// was cancelled, or the query failed and a terminal error snapshot was
// delivered.
func (s *Stream) deliver(ctx context.Context, conversationID string, sub *Subscription) bool {
	messages, err := s.source.ListMessages(ctx, conversationID, false, 0)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Error("snapshot query failed, ending subscription",
			"conversation_id", conversationID,
			"error", err)
		select {
		case sub.updates <- Snapshot{Err: err}:
		case <-ctx.Done():
		}
		return false
	}

	select {
	case sub.updates <- Snapshot{Messages: normalize(messages)}:
		return true
	case <-ctx.Done():
		return false
	}
}

// normalize drops duplicate message ids, keeping the first occurrence.
// The store's ordering (created_at, then id) is preserved.
func normalize(messages []*store.Message) []*store.Message {
	seen := make(map[string]struct{}, len(messages))
	out := messages[:0:0]
	for _, msg := range messages {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	return out
}
