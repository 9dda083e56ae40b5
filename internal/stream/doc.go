// Package stream maintains live, ordered views over conversation logs.
//
// # Overview
//
// Two pieces cooperate:
//
//   - Broadcaster: in-memory pub/sub keyed by conversation id. Every writer
//     (composer, receipt tracker) publishes a Change after a successful
//     store mutation. Publishing is non-blocking; slow subscribers drop
//     changes, which is safe because a change only means "re-query".
//
//   - Stream: turns change signals into snapshot deliveries. A Subscription
//     receives the full ordered message sequence on open and again after
//     every observed change. No incremental diffs are exposed; diffing for
//     rendering is the consumer's concern.
//
// # Ordering
//
// Snapshots are ordered by created_at ascending with the message id as a
// tie-break, so burst sends with colliding timestamps still produce one
// deterministic total order across all subscribers.
//
// # Cancellation
//
// Subscription.Cancel is synchronous: it returns only after the delivery
// goroutine has stopped, so a caller that has cancelled can never observe
// another delivery. A failed snapshot query is surfaced once as a terminal
// Snapshot with Err set, after which the subscription cancels itself.
package stream
