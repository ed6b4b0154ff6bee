package core

import (
	"context"
	"encoding/json"
)

// InsertInsight persists a mined insight.
func (s *Store) InsertInsight(ctx context.Context, in Insight) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError("insert_insight", ErrStoreClosed)
	}
	supporting, err := json.Marshal(in.Supporting)
	if err != nil {
		return wrapError("insert_insight", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO insights (id, user_id, text, supporting, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, in.Text, string(supporting), in.Confidence, in.CreatedAt)
	if err != nil {
		return wrapError("insert_insight", classifySQLiteErr(err))
	}
	return nil
}

// ListInsights returns the most recent insights for a user.
func (s *Store) ListInsights(ctx context.Context, userID string, limit int) ([]Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("list_insights", ErrStoreClosed)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, text, supporting, confidence, created_at
		FROM insights WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, wrapError("list_insights", classifySQLiteErr(err))
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		var in Insight
		var supporting string
		if err := rows.Scan(&in.ID, &in.UserID, &in.Text, &supporting, &in.Confidence, &in.CreatedAt); err != nil {
			return nil, wrapError("list_insights", err)
		}
		if supporting != "" {
			if err := json.Unmarshal([]byte(supporting), &in.Supporting); err != nil {
				return nil, wrapError("list_insights", err)
			}
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
