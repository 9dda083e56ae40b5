// ABOUTME: Conversation directory resolving the unique conversation for a user pair
// ABOUTME: Find-or-create keyed on a canonical pair identifier, race tolerant

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quiltchat/dmsync/internal/store"
)

// ErrSelfConversation is returned when both participants are the same user.
var ErrSelfConversation = errors.New("cannot open a conversation with yourself")

// DirectoryStore defines what the directory needs from storage
type DirectoryStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	FindConversationByPairKey(ctx context.Context, pairKey string) (*store.Conversation, error)
	ListConversationsByParticipant(ctx context.Context, userID string) ([]*store.Conversation, error)
	GetUser(ctx context.Context, id string) (*store.UserProfile, error)
	ListUsers(ctx context.Context) ([]*store.UserProfile, error)
}

// Directory finds or creates the unique conversation for a pair of users
// and answers user-profile lookups for the contact list.
type Directory struct {
	store  DirectoryStore
	logger *slog.Logger
}

// New creates a directory. Pass nil logger for default.
func New(directoryStore DirectoryStore, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  directoryStore,
		logger: logger.With("component", "directory"),
	}
}

// Resolve returns the id of the conversation between the two users,
// creating it on first contact. The lookup and the create are keyed on the
// canonical pair key, which the store holds UNIQUE: when two clients race
// to create the same conversation, the loser re-reads and returns the
// winner's conversation, so at most one conversation exists per pair.
func (d *Directory) Resolve(ctx context.Context, currentUserID, otherUserID string) (string, error) {
	if currentUserID == otherUserID {
		return "", ErrSelfConversation
	}

	pairKey := store.PairKey(currentUserID, otherUserID)

	conv, err := d.store.FindConversationByPairKey(ctx, pairKey)
	if err == nil {
		return conv.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("looking up conversation: %w", err)
	}

	conv = &store.Conversation{
		ID:           uuid.New().String(),
		ParticipantA: currentUserID,
		ParticipantB: otherUserID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		// Another client created the conversation between our lookup
		// and insert; re-read and return the winner.
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := d.store.FindConversationByPairKey(ctx, pairKey)
			if lookupErr == nil {
				d.logger.Debug("found existing conversation after race",
					"conversation_id", existing.ID,
					"pair_key", pairKey)
				return existing.ID, nil
			}
			return "", fmt.Errorf("retry lookup after duplicate: %w", lookupErr)
		}
		return "", fmt.Errorf("creating conversation: %w", err)
	}

	d.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"pair_key", pairKey)
	return conv.ID, nil
}

// Conversations lists the user's conversations, most recent first.
func (d *Directory) Conversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	return d.store.ListConversationsByParticipant(ctx, userID)
}

// OtherUser fetches the profile shown in a conversation header.
func (d *Directory) OtherUser(ctx context.Context, userID string) (*store.UserProfile, error) {
	return d.store.GetUser(ctx, userID)
}

// ListContacts returns every registered user except the caller.
func (d *Directory) ListContacts(ctx context.Context, selfID string) ([]*store.UserProfile, error) {
	users, err := d.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	contacts := users[:0:0]
	for _, u := range users {
		if u.ID == selfID {
			continue
		}
		contacts = append(contacts, u)
	}
	return contacts, nil
}
