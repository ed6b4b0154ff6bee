package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// Init opens the database connection, applies pragmas, and creates the
// schema if it does not already exist.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("init", ErrStoreClosed)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000&_foreign_keys=on", s.config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return wrapError("init", fmt.Errorf("open database: %w", err))
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(2 * time.Hour)

	s.db = db

	if err := s.createTables(ctx); err != nil {
		return wrapError("init", err)
	}
	if err := s.loadHNSWIndex(ctx); err != nil {
		return wrapError("init", err)
	}

	s.logger.Info("store initialized", "path", s.config.Path)
	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	INSERT OR IGNORE INTO schema_meta (key, value) VALUES ('schema_version', '1');

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at ASC, id ASC);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		vector BLOB,
		confidence REAL NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		bad INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(user_id, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user_fp ON memories(user_id, fingerprint);
	CREATE INDEX IF NOT EXISTS idx_memories_user_recent ON memories(user_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_user_conv ON memories(user_id, conversation_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(text, content='memories', content_rowid='rowid');

	CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	  INSERT INTO memories_fts(rowid, text) VALUES (new.rowid, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	  INSERT INTO memories_fts(memories_fts, rowid, text) VALUES('delete', old.rowid, old.text);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
	  INSERT INTO memories_fts(memories_fts, rowid, text) VALUES('delete', old.rowid, old.text);
	  INSERT INTO memories_fts(rowid, text) VALUES (new.rowid, new.text);
	END;

	CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		text TEXT NOT NULL,
		cited_memory_ids TEXT,
		covers_until INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(user_id, conversation_id, kind)
	);

	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL,
		supporting TEXT,
		confidence REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_insights_user ON insights(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		conversation_id TEXT,
		payload_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		context_tag TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_security_events_user ON security_events(user_id, created_at DESC);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// loadHNSWIndex rebuilds the in-memory approximate-kNN index from persisted
// memories on startup, since the HNSW graph itself is not durable.
func (s *Store) loadHNSWIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, id, vector FROM memories WHERE vector IS NOT NULL AND bad = 0`)
	if err != nil {
		return fmt.Errorf("load hnsw index: %w", err)
	}
	defer rows.Close()

	s.hnswMu.Lock()
	defer s.hnswMu.Unlock()

	for rows.Next() {
		var userID, id string
		var blob []byte
		if err := rows.Scan(&userID, &id, &blob); err != nil {
			return fmt.Errorf("load hnsw index: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			continue
		}
		if err := s.hnswIndex.Insert(userID, id, vec); err != nil {
			s.logger.Warn("hnsw insert failed during load", "error", err)
		}
	}
	return rows.Err()
}
