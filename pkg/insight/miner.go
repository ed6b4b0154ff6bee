// Package insight mines higher-order statements ("insights") from a user's
// recent high-confidence memories: patterns and generalizations an LLM can
// surface but that no single memory states outright.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/liliang-cn/mnemo/pkg/capability"
	"github.com/liliang-cn/mnemo/pkg/core"
)

// Store is the subset of *core.Store the miner depends on.
type Store interface {
	HighConfidenceMemories(ctx context.Context, userID string, minConfidence float64, limit int) ([]core.Memory, error)
	InsertInsight(ctx context.Context, in core.Insight) error
}

// Config bounds insight mining.
type Config struct {
	MinConfidence float64
	WindowSize    int
	MaxPerRun     int
}

func DefaultConfig() Config {
	return Config{MinConfidence: 0.6, WindowSize: 100, MaxPerRun: 5}
}

// Miner synthesizes insights from a user's memory history.
type Miner struct {
	store      Store
	completion capability.Completion
	validator  capability.Validator
	cfg        Config
	logger     core.Logger
	now        func() int64
}

func New(store Store, completion capability.Completion, validator capability.Validator, cfg Config, logger core.Logger, now func() int64) *Miner {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Miner{store: store, completion: completion, validator: validator, cfg: cfg, logger: logger, now: now}
}

const insightSystemPrompt = `Given these memories about a user, identify up to %d higher-order ` +
	`patterns, preferences or generalizations not stated by any single memory ` +
	`on its own. Respond with a JSON array of objects with "text" and ` +
	`"supporting" (an array of the memory IDs that justify the statement). ` +
	`Every insight must have at least one supporting memory ID.`

type candidate struct {
	Text       string   `json:"text"`
	Supporting []string `json:"supporting"`
}

// Mine reads the user's recent high-confidence memories grouped by type and
// asks the Completion capability for new insights, discarding any with no
// valid supporting memory.
func (m *Miner) Mine(ctx context.Context, userID string) ([]core.Insight, error) {
	memories, err := m.store.HighConfidenceMemories(ctx, userID, m.cfg.MinConfidence, m.cfg.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("%w: load memories: %v", core.ErrTransient, err)
	}
	if len(memories) == 0 {
		return nil, nil
	}

	validIDs := make(map[string]bool, len(memories))
	groups := make(map[core.MemoryType][]core.Memory)
	for _, mem := range memories {
		validIDs[mem.ID] = true
		groups[mem.Type] = append(groups[mem.Type], mem)
	}

	types := make([]core.MemoryType, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var out []core.Insight
	for _, t := range types {
		if len(out) >= m.cfg.MaxPerRun {
			break
		}
		group := groups[t]
		prompt := formatMemories(group)

		if safe, verr := m.isSafeInput(ctx, prompt); verr != nil {
			return nil, verr
		} else if !safe {
			m.logger.Warn("insight input failed validation, skipping group", "type", t)
			continue
		}

		raw, err := m.completion.Complete(ctx, fmt.Sprintf(insightSystemPrompt, m.cfg.MaxPerRun), prompt, capability.CompletionOptions{
			ResponseShape: capability.ShapeJSON,
			MaxTokens:     400,
		})
		if err != nil {
			m.logger.Warn("insight completion failed for group, skipping", "type", t, "error", err)
			continue
		}

		for _, c := range parseCandidates(raw) {
			supporting := filterValid(c.Supporting, validIDs)
			if len(supporting) == 0 {
				continue
			}
			in := core.Insight{
				ID:         uuid.NewString(),
				UserID:     userID,
				Text:       c.Text,
				Supporting: supporting,
				Confidence: m.cfg.MinConfidence,
				CreatedAt:  m.now(),
			}
			if err := m.store.InsertInsight(ctx, in); err != nil {
				m.logger.Warn("failed to persist insight", "error", err)
				continue
			}
			out = append(out, in)
			if len(out) >= m.cfg.MaxPerRun {
				break
			}
		}
	}
	return out, nil
}

func (m *Miner) isSafeInput(ctx context.Context, prompt string) (bool, error) {
	result, err := m.validator.Validate(ctx, prompt, capability.TagInsightInput)
	if err != nil {
		return false, fmt.Errorf("%w: validate insight input: %v", core.ErrTransient, err)
	}
	return result.Safe, nil
}

func formatMemories(mems []core.Memory) string {
	var sb strings.Builder
	for _, m := range mems {
		sb.WriteString(m.ID)
		sb.WriteString(": ")
		sb.WriteString(m.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func parseCandidates(raw string) []candidate {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []candidate
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func filterValid(ids []string, valid map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if valid[id] {
			out = append(out, id)
		}
	}
	return out
}
