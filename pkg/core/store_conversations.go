package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError("create_conversation", ErrStoreClosed)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return wrapError("create_conversation", classifySQLiteErr(err))
	}
	return nil
}

// AppendMessage inserts a message and bumps the parent conversation's
// updated_at in the same call, establishing the happens-before ordering
// callers rely on before submitting any background task for this message.
func (s *Store) AppendMessage(ctx context.Context, m Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError("append_message", ErrStoreClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("append_message", classifySQLiteErr(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.UserID, m.Role, m.Content, m.CreatedAt); err != nil {
		return wrapError("append_message", classifySQLiteErr(err))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND user_id = ?`,
		m.CreatedAt, m.ConversationID, m.UserID); err != nil {
		return wrapError("append_message", classifySQLiteErr(err))
	}
	if err := tx.Commit(); err != nil {
		return wrapError("append_message", classifySQLiteErr(err))
	}
	return nil
}

// RecentMessages returns the earliest limit messages of a conversation
// created after since, in chronological order.
func (s *Store) RecentMessages(ctx context.Context, userID, conversationID string, since int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("recent_messages", ErrStoreClosed)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, created_at FROM messages
		 WHERE user_id = ? AND conversation_id = ? AND created_at > ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		userID, conversationID, since, limit)
	if err != nil {
		return nil, wrapError("recent_messages", classifySQLiteErr(err))
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, wrapError("recent_messages", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastMessages returns the most recent limit messages for a conversation,
// in chronological order, grounded on the fetch-then-reverse pattern
// background extraction triggers off of after a message commits.
func (s *Store) LastMessages(ctx context.Context, userID, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("last_messages", ErrStoreClosed)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, created_at FROM messages
		 WHERE user_id = ? AND conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, conversationID, limit)
	if err != nil {
		return nil, wrapError("last_messages", classifySQLiteErr(err))
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, wrapError("last_messages", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("last_messages", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func classifySQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	// modernc.org/sqlite reports UNIQUE constraint violations with this
	// substring; no typed sentinel is exported for it.
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
