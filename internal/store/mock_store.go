// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory maps with optional per-method error injection

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing. Individual
// operations can be made to fail by setting the corresponding Err field.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	pairIndex     map[string]string        // pair key -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, insertion order
	users         map[string]*UserProfile  // keyed by user ID

	CreateConversationErr error
	CreateMessageErr      error
	ListMessagesErr       error
	DeleteMessageErr      error
	AddMessageSeenErr     error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairIndex:     make(map[string]string),
		messages:      make(map[string][]*Message),
		users:         make(map[string]*UserProfile),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if m.CreateConversationErr != nil {
		return m.CreateConversationErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := PairKey(conv.ParticipantA, conv.ParticipantB)
	if _, exists := m.pairIndex[key]; exists {
		return ErrDuplicateConversation
	}

	c := *conv
	m.conversations[c.ID] = &c
	m.pairIndex[key] = c.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// FindConversationByPairKey retrieves a conversation by canonical pair key.
func (m *MockStore) FindConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairIndex[pairKey]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.conversations[id]
	return &result, nil
}

// ListConversationsByParticipant returns conversations containing the user.
func (m *MockStore) ListConversationsByParticipant(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, c := range m.conversations {
		if c.ParticipantA == userID || c.ParticipantB == userID {
			result := *c
			convs = append(convs, &result)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
	return convs, nil
}

// CreateMessage stores a message, assigning CreatedAt if unset.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	if m.CreateMessageErr != nil {
		return m.CreateMessageErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if !msg.SeenByUser(msg.SenderID) {
		msg.SeenBy = append(msg.SeenBy, msg.SenderID)
	}

	stored := copyMessage(msg)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], stored)
	return nil
}

// GetMessage retrieves a message by conversation and message ID.
func (m *MockStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[conversationID] {
		if msg.ID == messageID {
			return copyMessage(msg), nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns ordered messages for a conversation.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, descending bool, limit int) ([]*Message, error) {
	if m.ListMessagesErr != nil {
		return nil, m.ListMessagesErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]*Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		msgs = append(msgs, copyMessage(msg))
	}

	sort.Slice(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if descending {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// DeleteMessage removes a message.
func (m *MockStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if m.DeleteMessageErr != nil {
		return m.DeleteMessageErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[conversationID]
	for i, msg := range msgs {
		if msg.ID == messageID {
			m.messages[conversationID] = append(msgs[:i:i], msgs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// AddMessageSeen adds a viewer to the seen set; idempotent.
func (m *MockStore) AddMessageSeen(ctx context.Context, conversationID, messageID, viewerID string) (bool, error) {
	if m.AddMessageSeenErr != nil {
		return false, m.AddMessageSeenErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[conversationID] {
		if msg.ID != messageID {
			continue
		}
		if msg.SeenByUser(viewerID) {
			return false, nil
		}
		msg.SeenBy = append(msg.SeenBy, viewerID)
		return true, nil
	}
	return false, ErrNotFound
}

// PutUser stores a user profile.
func (m *MockStore) PutUser(ctx context.Context, user *UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user profile by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// ListUsers returns all users ordered by username.
func (m *MockStore) ListUsers(ctx context.Context) ([]*UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*UserProfile, 0, len(m.users))
	for _, u := range m.users {
		result := *u
		users = append(users, &result)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

func copyMessage(msg *Message) *Message {
	c := *msg
	c.ImageRefs = append([]string(nil), msg.ImageRefs...)
	c.SeenBy = append([]string(nil), msg.SeenBy...)
	return &c
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
