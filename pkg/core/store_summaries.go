package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// GetSummary fetches the current summary of the given kind for a
// conversation, or ErrNotFound if none exists yet.
func (s *Store) GetSummary(ctx context.Context, userID, conversationID string, kind SummaryKind) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("get_summary", ErrStoreClosed)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, kind, text, cited_memory_ids, covers_until, updated_at
		FROM summaries WHERE user_id = ? AND conversation_id = ? AND kind = ?`,
		userID, conversationID, string(kind))

	sum, err := scanSummaryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapError("get_summary", ErrNotFound)
	}
	if err != nil {
		return nil, wrapError("get_summary", err)
	}
	return sum, nil
}

// UpsertSummary writes the current summary for a conversation, replacing
// any prior one of the same kind. Callers only call this after a successful
// completion; a failed summarize attempt never reaches here, so the prior
// summary is left untouched on failure.
func (s *Store) UpsertSummary(ctx context.Context, sum Summary) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError("upsert_summary", ErrStoreClosed)
	}

	cited, err := json.Marshal(sum.CitedMemoryIDs)
	if err != nil {
		return wrapError("upsert_summary", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (id, user_id, conversation_id, kind, text, cited_memory_ids, covers_until, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, conversation_id, kind) DO UPDATE SET
			text = excluded.text,
			cited_memory_ids = excluded.cited_memory_ids,
			covers_until = excluded.covers_until,
			updated_at = excluded.updated_at`,
		sum.ID, sum.UserID, sum.ConversationID, string(sum.Kind), sum.Text, string(cited), sum.CoversUntil, sum.UpdatedAt)
	if err != nil {
		return wrapError("upsert_summary", classifySQLiteErr(err))
	}
	return nil
}

func scanSummaryRow(r rowScanner) (*Summary, error) {
	var sum Summary
	var cited string
	if err := r.Scan(&sum.ID, &sum.UserID, &sum.ConversationID, &sum.Kind, &sum.Text, &cited, &sum.CoversUntil, &sum.UpdatedAt); err != nil {
		return nil, err
	}
	if cited != "" {
		if err := json.Unmarshal([]byte(cited), &sum.CitedMemoryIDs); err != nil {
			return nil, err
		}
	}
	return &sum, nil
}
