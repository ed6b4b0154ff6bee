package core

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/liliang-cn/mnemo/pkg/index"
)

// Store is the SQLite-backed persistence layer. Every method over
// conversations, messages, memories, summaries, insights and security events
// carries the partition key (user_id) and scopes its statements to it, so
// none of them can read across users. Task methods address a task by id
// alone.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
	logger Logger

	hnswMu    sync.RWMutex
	hnswIndex *index.HNSW
}

// New opens a Store at path with the given embedding dimensionality.
func New(path string, vectorDim int) (*Store, error) {
	cfg := DefaultConfig(path)
	cfg.VectorDim = vectorDim
	return NewWithConfig(cfg)
}

// NewWithConfig opens a Store with full control over pooling.
func NewWithConfig(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, wrapError("init", fmt.Errorf("database path cannot be empty"))
	}
	if config.VectorDim < 0 {
		return nil, wrapError("init", fmt.Errorf("vector dimension must be non-negative"))
	}
	return &Store{
		config:    config,
		logger:    NopLogger(),
		hnswIndex: index.NewHNSW(16, 200, index.CosineDistance),
	}, nil
}

// SetLogger installs a logger; defaults to a no-op logger.
func (s *Store) SetLogger(l Logger) {
	if l == nil {
		l = NopLogger()
	}
	s.logger = l
}
