// Package store provides persistence for dmsync conversations, messages,
// and user profiles.
//
// # Overview
//
// The Store interface is the document-store collaborator the sync core is
// built on: conversation lookup by participant pair, ordered message
// queries, point create/update/delete of messages, and user profile reads.
// Two implementations exist:
//
//   - SQLiteStore: the production store (modernc.org/sqlite, WAL mode,
//     automatic schema creation)
//   - MockStore: in-memory store for tests, with per-method error injection
//
// # Conversations
//
// A conversation is the durable record for one unordered participant pair.
// The pair is canonicalized into a PairKey ("min:max") with a UNIQUE
// constraint, so two clients racing to create the same conversation cannot
// both win: the loser gets ErrDuplicateConversation and re-reads.
//
// # Messages
//
// Messages are ordered by store-assigned created_at, with the message ID as
// a deterministic tie-break for bursts whose timestamps collide. The only
// field that changes after creation is the seen set, which grows
// monotonically via AddMessageSeen; the add is a transactional set-add and
// re-applying the same viewer is a no-op. Deletion is a hard delete.
package store
