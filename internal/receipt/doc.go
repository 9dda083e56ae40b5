// Package receipt maintains read receipts for conversation viewers.
//
// # Overview
//
// A tracker follows one (conversation, viewer) pair: while tracking is
// active, the newest incoming messages the viewer has not yet seen are
// marked seen, immediately on open and again on every conversation change.
//
// # Window Semantics
//
// Only the newest W messages are examined per pass (W defaults to 10).
// Messages that scroll past the window without being viewed stay unseen
// forever; that is accepted behavior, not a bug. The seen set only grows.
//
// # Failure Model
//
// Receipt updates are best-effort. A failed update is logged and dropped;
// the next pass over the window retries it, so the state self-heals while
// the conversation stays open. Successful updates publish a seen change so
// open subscriptions re-deliver.
//
// # Usage
//
//	tracker := receipt.New(store, broadcaster, 0, logger)
//	tracking := tracker.Track(ctx, conversationID, viewerID)
//	defer tracking.Stop()
package receipt
