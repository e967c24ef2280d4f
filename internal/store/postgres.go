package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"learnhub/api/internal/identity"
	"learnhub/api/internal/util"
)

var ErrConversationNotFound = errors.New("conversation not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PairKey is the canonical key for a non-group conversation: the two tagged
// participant refs sorted and joined, so {A,B} and {B,A} collide.
func PairKey(a, b identity.Ref) string {
	keys := []string{
		string(a.Kind) + ":" + a.ID,
		string(b.Kind) + ":" + b.ID,
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}

// AccessConversation returns the non-group conversation between a and b,
// creating it if none exists. Idempotent: the unique pair key guarantees at
// most one such conversation survives concurrent creation.
func (s *PostgresStore) AccessConversation(ctx context.Context, a, b identity.Ref) (Conversation, error) {
	key := PairKey(a, b)

	conv, err := s.conversationByPairKey(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return Conversation{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin access conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv = Conversation{
		ID:           util.NewID("conv"),
		Participants: []identity.Ref{a, b},
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, is_group, pair_key)
		VALUES ($1, FALSE, $2)
		ON CONFLICT (pair_key) DO NOTHING
		RETURNING created_at
	`, conv.ID, key).Scan(&conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a creation race; the existing conversation wins.
		return s.conversationByPairKey(ctx, key)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	if err := insertParticipants(ctx, tx, conv.ID, conv.Participants); err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit access conversation: %w", err)
	}
	return conv, nil
}

// CreateGroupConversation creates a named group thread. Group conversations
// carry no pair key and are never deduplicated.
func (s *PostgresStore) CreateGroupConversation(ctx context.Context, name string, participants []identity.Ref) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin create group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv := Conversation{
		ID:           util.NewID("conv"),
		IsGroup:      true,
		GroupName:    name,
		Participants: participants,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, is_group, group_name)
		VALUES ($1, TRUE, $2)
		RETURNING created_at
	`, conv.ID, name).Scan(&conv.CreatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert group conversation: %w", err)
	}

	if err := insertParticipants(ctx, tx, conv.ID, participants); err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit create group: %w", err)
	}
	return conv, nil
}

func insertParticipants(ctx context.Context, tx *sql.Tx, conversationID string, refs []identity.Ref) error {
	for position, ref := range refs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, account_id, kind, position)
			VALUES ($1, $2, $3, $4)
		`, conversationID, ref.ID, ref.Kind, position); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, is_group, group_name, COALESCE(last_message_id, ''), created_at
		FROM conversations WHERE id = $1
	`, id))
	if err != nil {
		return Conversation{}, err
	}
	conv.Participants, err = s.participants(ctx, conv.ID)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (s *PostgresStore) conversationByPairKey(ctx context.Context, key string) (Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, is_group, group_name, COALESCE(last_message_id, ''), created_at
		FROM conversations WHERE pair_key = $1
	`, key))
	if err != nil {
		return Conversation{}, err
	}
	conv.Participants, err = s.participants(ctx, conv.ID)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (s *PostgresStore) scanConversation(row *sql.Row) (Conversation, error) {
	var conv Conversation
	err := row.Scan(&conv.ID, &conv.IsGroup, &conv.GroupName, &conv.LastMessageID, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) participants(ctx context.Context, conversationID string) ([]identity.Ref, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, kind
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY position
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var refs []identity.Ref
	for rows.Next() {
		var ref identity.Ref
		if err := rows.Scan(&ref.ID, &ref.Kind); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ListConversations returns every conversation the account participates in,
// most recently created first.
func (s *PostgresStore) ListConversations(ctx context.Context, ref identity.Ref) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.is_group, c.group_name, COALESCE(c.last_message_id, ''), c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.account_id = $1 AND p.kind = $2
		ORDER BY c.created_at DESC
	`, ref.ID, ref.Kind)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.IsGroup, &conv.GroupName, &conv.LastMessageID, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range conversations {
		participants, err := s.participants(ctx, conversations[i].ID)
		if err != nil {
			return nil, err
		}
		conversations[i].Participants = participants
	}
	return conversations, nil
}

// AppendMessage persists a message and moves the conversation's last-message
// pointer in one transaction, so readers never observe one without the other.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, sender identity.Ref, text string) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists string
	err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrConversationNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("lock conversation: %w", err)
	}

	msg := Message{
		ID:             util.NewID("msg"),
		ConversationID: conversationID,
		Sender:         sender,
		Text:           text,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_kind, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, msg.ID, conversationID, sender.ID, sender.Kind, text).Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = $1 WHERE id = $2
	`, msg.ID, conversationID); err != nil {
		return Message{}, fmt.Errorf("update last message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the full message history of a conversation ascending
// by creation time, ties broken by id for a stable order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1)`, conversationID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if !exists {
		return nil, ErrConversationNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_kind, body, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	index := make(map[string]int)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender.ID, &msg.Sender.Kind, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		index[msg.ID] = len(messages)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	readRows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.account_id, r.kind
		FROM message_reads r
		JOIN messages m ON m.id = r.message_id
		WHERE m.conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list message reads: %w", err)
	}
	defer readRows.Close()

	for readRows.Next() {
		var messageID string
		var ref identity.Ref
		if err := readRows.Scan(&messageID, &ref.ID, &ref.Kind); err != nil {
			return nil, fmt.Errorf("scan message read: %w", err)
		}
		if i, ok := index[messageID]; ok {
			messages[i].ReadBy = append(messages[i].ReadBy, ref)
		}
	}
	return messages, readRows.Err()
}

// MarkConversationRead appends the reader to every message in the
// conversation they have not read, excluding their own messages. Returns the
// number of newly marked messages.
func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID string, reader identity.Ref) (int64, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1)`, conversationID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check conversation: %w", err)
	}
	if !exists {
		return 0, ErrConversationNotFound
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, account_id, kind)
		SELECT m.id, $2, $3
		FROM messages m
		WHERE m.conversation_id = $1
			AND NOT (m.sender_id = $2 AND m.sender_kind = $3)
		ON CONFLICT DO NOTHING
	`, conversationID, reader.ID, reader.Kind)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	return result.RowsAffected()
}
