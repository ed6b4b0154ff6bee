package core

import "context"

// RecordSecurityEvent appends an audit entry for a Validator refusal.
func (s *Store) RecordSecurityEvent(ctx context.Context, e SecurityEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError("record_security_event", ErrStoreClosed)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, user_id, context_tag, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ContextTag, e.Reason, e.CreatedAt)
	if err != nil {
		return wrapError("record_security_event", classifySQLiteErr(err))
	}
	return nil
}
