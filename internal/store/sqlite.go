// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds. Timestamps are
// stored as TEXT and compared lexicographically in ORDER BY clauses, so
// the encoding must be order-preserving; time.RFC3339Nano trims trailing
// zeros and is not.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			pair_key      TEXT NOT NULL UNIQUE,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_participant_a
			ON conversations(participant_a);
		CREATE INDEX IF NOT EXISTS idx_conversations_participant_b
			ON conversations(participant_b);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			text            TEXT,
			image_refs      TEXT,
			voice_ref       TEXT,
			seen_by         TEXT NOT NULL,

			PRIMARY KEY (conversation_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, id);

		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			first_name TEXT,
			last_name  TEXT,
			created_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation inserts a new conversation. Participants are stored in
// canonical order regardless of the order on the struct. If a conversation
// for the same pair already exists, it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	a, b := conv.ParticipantA, conv.ParticipantB
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}

	query := `
		INSERT INTO conversations (id, participant_a, participant_b, pair_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		a,
		b,
		PairKey(a, b),
		conv.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "pair_key", PairKey(a, b))
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE id = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// FindConversationByPairKey retrieves the conversation for a canonical
// participant-pair key. Returns ErrNotFound if no conversation exists.
func (s *SQLiteStore) FindConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE pair_key = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, pairKey))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var createdAtStr string

	err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &conv, nil
}

// ListConversationsByParticipant returns all conversations containing the
// given user, most recent first.
func (s *SQLiteStore) ListConversationsByParticipant(ctx context.Context, userID string) ([]*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr string

		if err := rows.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		convs = append(convs, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// CreateMessage inserts a message. CreatedAt is assigned here if unset so
// ordering is decided by the store, not by client clocks. The sender is
// always added to the seen set.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if !msg.SeenByUser(msg.SenderID) {
		msg.SeenBy = append(msg.SeenBy, msg.SenderID)
	}

	imageRefs, err := encodeStrings(msg.ImageRefs)
	if err != nil {
		return fmt.Errorf("encoding image refs: %w", err)
	}
	seenBy, err := json.Marshal(msg.SeenBy)
	if err != nil {
		return fmt.Errorf("encoding seen set: %w", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, created_at, text, image_refs, voice_ref, seen_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.CreatedAt.UTC().Format(timeFormat),
		nullString(msg.Text),
		imageRefs,
		nullString(msg.VoiceRef),
		string(seenBy),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("created message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_id", msg.SenderID)
	return nil
}

// encodeStrings returns a JSON array for a non-empty slice, nil otherwise
func encodeStrings(vals []string) (any, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetMessage retrieves a message by conversation and message ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, created_at, text, image_refs, voice_ref, seen_by
		FROM messages
		WHERE conversation_id = ? AND id = ?
	`

	row := s.db.QueryRowContext(ctx, query, conversationID, messageID)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

// scanMessage decodes one message row via the given scan function
func scanMessage(scan func(...any) error) (*Message, error) {
	var msg Message
	var createdAtStr string
	var text, imageRefs, voiceRef sql.NullString
	var seenBy string

	err := scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &createdAtStr,
		&text, &imageRefs, &voiceRef, &seenBy)
	if err != nil {
		return nil, err
	}

	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}

	msg.Text = text.String
	msg.VoiceRef = voiceRef.String
	if imageRefs.Valid {
		if err := json.Unmarshal([]byte(imageRefs.String), &msg.ImageRefs); err != nil {
			return nil, fmt.Errorf("decoding image refs: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(seenBy), &msg.SeenBy); err != nil {
		return nil, fmt.Errorf("decoding seen set: %w", err)
	}

	return &msg, nil
}

// ListMessages retrieves a conversation's messages ordered by created_at
// with the message ID as a deterministic tie-break. When descending is set
// the order is reversed (used for the receipt window). If limit is 0 or
// negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, descending bool, limit int) ([]*Message, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT id, conversation_id, sender_id, created_at, text, image_refs, voice_ref, seen_by
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at %s, id %s
	`, order, order)
	args := []any{conversationID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// DeleteMessage permanently removes a message. No tombstone is written.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	query := `DELETE FROM messages WHERE conversation_id = ? AND id = ?`

	result, err := s.db.ExecContext(ctx, query, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted message", "id", messageID, "conversation_id", conversationID)
	return nil
}

// AddMessageSeen adds viewerID to a message's seen set inside a transaction
// so a concurrent add for the same message cannot lose an update. The seen
// set only ever grows; re-applying the same viewer is a no-op and reports
// false.
func (s *SQLiteStore) AddMessageSeen(ctx context.Context, conversationID, messageID, viewerID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seenByRaw string
	err = tx.QueryRowContext(ctx,
		`SELECT seen_by FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, messageID,
	).Scan(&seenByRaw)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("querying seen set: %w", err)
	}

	var seenBy []string
	if err := json.Unmarshal([]byte(seenByRaw), &seenBy); err != nil {
		return false, fmt.Errorf("decoding seen set: %w", err)
	}

	for _, id := range seenBy {
		if id == viewerID {
			return false, nil
		}
	}

	seenBy = append(seenBy, viewerID)
	updated, err := json.Marshal(seenBy)
	if err != nil {
		return false, fmt.Errorf("encoding seen set: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET seen_by = ? WHERE conversation_id = ? AND id = ?`,
		string(updated), conversationID, messageID,
	); err != nil {
		return false, fmt.Errorf("updating seen set: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing seen update: %w", err)
	}

	s.logger.Debug("marked message seen",
		"message_id", messageID,
		"conversation_id", conversationID,
		"viewer_id", viewerID)
	return true, nil
}

// PutUser inserts or replaces a user profile
func (s *SQLiteStore) PutUser(ctx context.Context, user *UserProfile) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT OR REPLACE INTO users (id, username, first_name, last_name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		nullString(user.FirstName),
		nullString(user.LastName),
		user.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	return nil
}

// GetUser retrieves a user profile by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*UserProfile, error) {
	query := `
		SELECT id, username, first_name, last_name, created_at
		FROM users
		WHERE id = ?
	`

	var user UserProfile
	var firstName, lastName sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Username, &firstName, &lastName, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.FirstName = firstName.String
	user.LastName = lastName.String
	user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// ListUsers returns all registered users ordered by username
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*UserProfile, error) {
	query := `
		SELECT id, username, first_name, last_name, created_at
		FROM users
		ORDER BY username
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*UserProfile
	for rows.Next() {
		var user UserProfile
		var firstName, lastName sql.NullString
		var createdAtStr string

		if err := rows.Scan(&user.ID, &user.Username, &firstName, &lastName, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}

		user.FirstName = firstName.String
		user.LastName = lastName.String
		user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		users = append(users, &user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}

	return users, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
