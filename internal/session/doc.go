// Package session ties one user's open conversation to its live pieces.
//
// # Overview
//
// A Session owns the draft outbox and, once a conversation is opened, a
// message subscription and a read-receipt tracker. Opening resolves the
// conversation through the directory (creating it on first contact),
// returns the snapshot channel, and starts marking incoming messages seen.
//
// # Send Atomicity
//
// Send drains the outbox, submits the draft through the composer, and on
// failure restores the drained attachments so the user can retry without
// restaging. A send mutex serializes concurrent sends so a drain and its
// restore cannot interleave.
//
// # Lifecycle
//
//	sess := session.New(userID, directory, stream, tracker, composer, logger)
//	updates, err := sess.Open(ctx, otherUserID)
//	...
//	sess.Close() // synchronous; updates is closed before Close returns
package session
