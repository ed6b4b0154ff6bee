// Package core implements the persistence layer: a SQLite-backed store for
// conversations, messages, memories, summaries, insights and background
// tasks, partitioned by user.
package core

// MemoryType is a closed set of memory kinds.
type MemoryType string

const (
	TypeFact       MemoryType = "fact"
	TypePreference MemoryType = "preference"
	TypeEntity     MemoryType = "entity"
	TypeEvent      MemoryType = "event"
	TypeInstruction MemoryType = "instruction"
)

// SummaryKind distinguishes the rolling running summary from point-in-time
// snapshots, mirroring the data model's Summary.kind field.
type SummaryKind string

const (
	SummaryRolling  SummaryKind = "rolling"
	SummarySnapshot SummaryKind = "snapshot"
)

// TaskKind is the closed set of background task kinds the orchestrator runs.
type TaskKind string

const (
	TaskExtract   TaskKind = "extract"
	TaskSummarize TaskKind = "summarize"
	TaskInsights  TaskKind = "insights"
	TaskCorrect   TaskKind = "correct"
)

// TaskStatus is the lifecycle of a submitted task.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Conversation groups messages for a single user.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt int64
	UpdatedAt int64
}

// Message is one turn of a conversation.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Role           string // "user", "assistant", "system"
	Content        string
	CreatedAt      int64
}

// Memory is a single extracted, embeddable fact about a user.
type Memory struct {
	ID             string
	UserID         string
	ConversationID string
	Type           MemoryType
	Text           string
	Vector         []float32
	Confidence     float64
	Fingerprint    string
	IdempotencyKey string
	Pinned         bool
	Bad            bool
	CreatedAt      int64
	UpdatedAt      int64
}

// Summary is a rolling or point-in-time condensation of a conversation.
type Summary struct {
	ID             string
	UserID         string
	ConversationID string
	Kind           SummaryKind
	Text           string
	CitedMemoryIDs []string
	CoversUntil    int64
	UpdatedAt      int64
}

// Insight is a higher-order statement synthesized from multiple memories.
type Insight struct {
	ID         string
	UserID     string
	Text       string
	Supporting []string
	Confidence float64
	CreatedAt  int64
}

// Task is a unit of background work tracked by the orchestrator.
type Task struct {
	ID             string
	Kind           TaskKind
	UserID         string
	ConversationID string
	PayloadHash    string
	Status         TaskStatus
	Attempts       int
	LastError      string
	CreatedAt      int64
	UpdatedAt      int64
}

// SecurityEvent records a Validator refusal for audit purposes.
type SecurityEvent struct {
	ID         string
	UserID     string
	ContextTag string
	Reason     string
	CreatedAt  int64
}
