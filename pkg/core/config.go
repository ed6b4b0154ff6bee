package core

// Config configures the SQLite-backed Store.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for an
	// in-process store used by tests.
	Path string
	// VectorDim is the embedding dimensionality the store was opened with.
	// It is recorded only: vectors are not checked against it, and 0 means
	// no dimensionality was given.
	VectorDim int
	// MaxOpenConns/MaxIdleConns mirror database/sql's pool knobs.
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultConfig returns sane defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		VectorDim:    0,
		MaxOpenConns: 25,
		MaxIdleConns: 10,
	}
}
