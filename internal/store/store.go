// ABOUTME: Store interface and data types for dmsync persistence
// ABOUTME: Defines Conversation, Message, UserProfile and the Store interface

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation
// for a participant pair that already has one
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation pairs exactly two participants. Participants are stored in
// canonical (sorted) order so the pair is unordered for lookup but fixed
// once created. Conversations are never mutated or deleted.
type Conversation struct {
	ID           string
	ParticipantA string // lexicographically smaller participant
	ParticipantB string // lexicographically larger participant
	CreatedAt    time.Time
}

// PairKey returns the canonical key for an unordered participant pair.
// The storage layer carries a UNIQUE constraint on this key so two racing
// creates for the same pair cannot both succeed.
func PairKey(userA, userB string) string {
	if strings.Compare(userA, userB) > 0 {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}

// Message is an entry in a conversation's log. Immutable after creation
// except for SeenBy, which grows monotonically and never shrinks.
// Deletion is a hard delete of the whole row.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	CreatedAt      time.Time // store-assigned; authoritative ordering key
	Text           string    // optional; non-empty if present
	ImageRefs      []string  // ordered attachment references, optional
	VoiceRef       string    // single attachment reference, optional
	SeenBy         []string  // contains SenderID at creation
}

// SeenByUser reports whether the given viewer is in the message's seen set.
func (m *Message) SeenByUser(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// UserProfile is the directory record for a registered user.
type UserProfile struct {
	ID        string
	Username  string
	FirstName string
	LastName  string
	CreatedAt time.Time
}

// Store defines the persistence operations the sync core depends on.
// It is the document-store collaborator: conversation lookup by
// participant, ordered message queries, point create/update/delete of
// messages with set-add semantics for the seen set, and user profile reads.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error)
	ListConversationsByParticipant(ctx context.Context, userID string) ([]*Conversation, error)

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, descending bool, limit int) ([]*Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error

	// AddMessageSeen adds viewerID to the message's seen set. The add is
	// idempotent: it reports true when the set actually changed and false
	// when the viewer was already present.
	AddMessageSeen(ctx context.Context, conversationID, messageID, viewerID string) (bool, error)

	// Users
	PutUser(ctx context.Context, user *UserProfile) error
	GetUser(ctx context.Context, id string) (*UserProfile, error)
	ListUsers(ctx context.Context) ([]*UserProfile, error)

	// Close releases any resources held by the store
	Close() error
}
