package core

import (
	"context"
	"database/sql"
	"errors"
)

// ScoredMemory pairs a Memory with a component-specific raw score, returned
// by the three retrieval primitives below. The Retriever normalizes and
// fuses these; the Store never fuses across sources itself.
type ScoredMemory struct {
	Memory Memory
	Score  float64
}

// InsertMemory persists a new memory, including its vector in the on-disk
// row and the in-memory HNSW index. A conflicting idempotency_key for the
// same user returns ErrConflict, which callers treat as a successful no-op.
func (s *Store) InsertMemory(ctx context.Context, m Memory) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError("insert_memory", ErrStoreClosed)
	}

	vecBlob, err := encodeVector(m.Vector)
	if err != nil {
		return wrapError("insert_memory", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, conversation_id, type, text, vector, confidence,
			fingerprint, idempotency_key, pinned, bad, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.ConversationID, string(m.Type), m.Text, vecBlob, m.Confidence,
		m.Fingerprint, m.IdempotencyKey, boolInt(m.Pinned), boolInt(m.Bad), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return wrapError("insert_memory", classifySQLiteErr(err))
	}

	if len(m.Vector) > 0 {
		s.hnswMu.Lock()
		if ierr := s.hnswIndex.Insert(m.UserID, m.ID, m.Vector); ierr != nil {
			s.logger.Warn("hnsw insert failed", "error", ierr)
		}
		s.hnswMu.Unlock()
	}
	return nil
}

// FindByFingerprint looks up an existing, non-bad memory for the user with
// the given content fingerprint, used by the writer's dedup check.
func (s *Store) FindByFingerprint(ctx context.Context, userID, fingerprint string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("find_by_fingerprint", ErrStoreClosed)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, type, text, confidence, fingerprint,
			idempotency_key, pinned, bad, created_at, updated_at
		FROM memories WHERE user_id = ? AND fingerprint = ? AND bad = 0
		ORDER BY created_at DESC LIMIT 1`, userID, fingerprint)

	m, err := scanMemoryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapError("find_by_fingerprint", ErrNotFound)
	}
	if err != nil {
		return nil, wrapError("find_by_fingerprint", err)
	}
	return m, nil
}

// GetByIdempotencyKey looks up a memory by its caller-chosen idempotency
// key, used by correction submission to locate the row to update in place.
func (s *Store) GetByIdempotencyKey(ctx context.Context, userID, key string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("get_by_idempotency_key", ErrStoreClosed)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, type, text, confidence, fingerprint,
			idempotency_key, pinned, bad, created_at, updated_at
		FROM memories WHERE user_id = ? AND idempotency_key = ?`, userID, key)

	m, err := scanMemoryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapError("get_by_idempotency_key", ErrNotFound)
	}
	if err != nil {
		return nil, wrapError("get_by_idempotency_key", err)
	}
	return m, nil
}

// UpdateMemoryText overwrites a memory's text, vector and fingerprint in
// place, preserving its id and idempotency_key — the correction path.
func (s *Store) UpdateMemoryText(ctx context.Context, userID, id, text, fingerprint string, vector []float32, updatedAt int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError("update_memory_text", ErrStoreClosed)
	}

	vecBlob, err := encodeVector(vector)
	if err != nil {
		return wrapError("update_memory_text", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET text = ?, vector = ?, fingerprint = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		text, vecBlob, fingerprint, updatedAt, id, userID)
	if err != nil {
		return wrapError("update_memory_text", classifySQLiteErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapError("update_memory_text", ErrNotFound)
	}

	if len(vector) > 0 {
		s.hnswMu.Lock()
		_ = s.hnswIndex.Delete(userID, id)
		if ierr := s.hnswIndex.Insert(userID, id, vector); ierr != nil {
			s.logger.Warn("hnsw reinsert failed", "error", ierr)
		}
		s.hnswMu.Unlock()
	}
	return nil
}

// SetPinned toggles a memory's pinned flag.
func (s *Store) SetPinned(ctx context.Context, userID, id string, pinned bool) error {
	return s.setFlag(ctx, "set_pinned", userID, id, "pinned", pinned)
}

// MarkBad excludes a memory from future retrieval without deleting it.
func (s *Store) MarkBad(ctx context.Context, userID, id string, bad bool) error {
	err := s.setFlag(ctx, "mark_bad", userID, id, "bad", bad)
	if err == nil && bad {
		s.hnswMu.Lock()
		_ = s.hnswIndex.Delete(userID, id)
		s.hnswMu.Unlock()
	}
	return err
}

func (s *Store) setFlag(ctx context.Context, op, userID, id, column string, value bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError(op, ErrStoreClosed)
	}
	query := "UPDATE memories SET " + column + " = ? WHERE id = ? AND user_id = ?"
	res, err := s.db.ExecContext(ctx, query, boolInt(value), id, userID)
	if err != nil {
		return wrapError(op, classifySQLiteErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapError(op, ErrNotFound)
	}
	return nil
}

// VectorTopK returns the k nearest memories to queryVec by cosine
// similarity, restricted to userID and, if conversationID is non-empty,
// further restricted to that conversation.
func (s *Store) VectorTopK(ctx context.Context, userID, conversationID string, queryVec []float32, k int) ([]ScoredMemory, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, wrapError("vector_topk", ErrStoreClosed)
	}
	if len(queryVec) == 0 {
		return nil, wrapError("vector_topk", ErrEmptyQuery)
	}

	s.hnswMu.RLock()
	ids, dists := s.hnswIndex.SearchUser(userID, queryVec, k, k*16+64)
	s.hnswMu.RUnlock()

	if len(ids) == 0 {
		return nil, nil
	}
	candidateIDs := ids
	scoreByID := make(map[string]float64, len(ids))
	for i, memID := range ids {
		scoreByID[memID] = CosineScore(dists[i])
	}

	mems, err := s.fetchMemoriesByID(ctx, userID, conversationID, candidateIDs)
	if err != nil {
		return nil, wrapError("vector_topk", err)
	}
	out := make([]ScoredMemory, 0, len(mems))
	for _, m := range mems {
		out = append(out, ScoredMemory{Memory: m, Score: scoreByID[m.ID]})
	}
	return out, nil
}

// LexicalTopK returns the k best FTS5 bm25 matches for queryText.
func (s *Store) LexicalTopK(ctx context.Context, userID, conversationID, queryText string, k int) ([]ScoredMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("lexical_topk", ErrStoreClosed)
	}
	if queryText == "" {
		return nil, wrapError("lexical_topk", ErrEmptyQuery)
	}

	args := []any{queryText, userID}
	convFilter := ""
	if conversationID != "" {
		convFilter = " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.conversation_id, m.type, m.text, m.confidence, m.fingerprint,
			m.idempotency_key, m.pinned, m.bad, m.created_at, m.updated_at, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND m.user_id = ? AND m.bad = 0`+convFilter+`
		ORDER BY rank LIMIT ?`, args...)
	if err != nil {
		return nil, wrapError("lexical_topk", classifySQLiteErr(err))
	}
	defer rows.Close()

	var out []ScoredMemory
	for rows.Next() {
		var m Memory
		var pinned, bad int
		var bm25Rank float64
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Type, &m.Text, &m.Confidence,
			&m.Fingerprint, &m.IdempotencyKey, &pinned, &bad, &m.CreatedAt, &m.UpdatedAt, &bm25Rank); err != nil {
			return nil, wrapError("lexical_topk", err)
		}
		m.Pinned, m.Bad = pinned != 0, bad != 0
		// bm25 in sqlite's fts5 is a cost (lower is better, negative for
		// a match); fold its magnitude into [0, 1) so a stronger match
		// scores higher.
		strength := negToZero(-bm25Rank)
		out = append(out, ScoredMemory{Memory: m, Score: strength / (1.0 + strength)})
	}
	return out, rows.Err()
}

func negToZero(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

// RecentMemories returns the k most recently created, non-bad memories.
func (s *Store) RecentMemories(ctx context.Context, userID, conversationID string, k int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("recent_memories", ErrStoreClosed)
	}

	args := []any{userID}
	convFilter := ""
	if conversationID != "" {
		convFilter = " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, type, text, confidence, fingerprint,
			idempotency_key, pinned, bad, created_at, updated_at
		FROM memories WHERE user_id = ? AND bad = 0`+convFilter+`
		ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, wrapError("recent_memories", classifySQLiteErr(err))
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemoryCols(rows)
		if err != nil {
			return nil, wrapError("recent_memories", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HighConfidenceMemories returns the most recent M memories at or above
// minConfidence, for the insight miner.
func (s *Store) HighConfidenceMemories(ctx context.Context, userID string, minConfidence float64, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("high_confidence_memories", ErrStoreClosed)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, type, text, confidence, fingerprint,
			idempotency_key, pinned, bad, created_at, updated_at
		FROM memories WHERE user_id = ? AND bad = 0 AND confidence >= ?
		ORDER BY created_at DESC LIMIT ?`, userID, minConfidence, limit)
	if err != nil {
		return nil, wrapError("high_confidence_memories", classifySQLiteErr(err))
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemoryCols(rows)
		if err != nil {
			return nil, wrapError("high_confidence_memories", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) fetchMemoriesByID(ctx context.Context, userID, conversationID string, ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := []any{userID}
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	query := `SELECT id, user_id, conversation_id, type, text, confidence, fingerprint,
		idempotency_key, pinned, bad, created_at, updated_at
		FROM memories WHERE user_id = ? AND bad = 0 AND id IN (` + string(placeholders) + `)`
	if conversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, conversationID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemoryCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(r rowScanner) (*Memory, error) {
	var m Memory
	var pinned, bad int
	if err := r.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Type, &m.Text, &m.Confidence,
		&m.Fingerprint, &m.IdempotencyKey, &pinned, &bad, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Pinned, m.Bad = pinned != 0, bad != 0
	return &m, nil
}

func scanMemoryCols(r rowScanner) (Memory, error) {
	m, err := scanMemoryRow(r)
	if err != nil {
		return Memory{}, err
	}
	return *m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
