// Package summarize maintains the rolling summary of a conversation: the
// messages since the last summary update are folded into a new bounded
// summary, citing only memories created within the window it covers.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/liliang-cn/mnemo/pkg/capability"
	"github.com/liliang-cn/mnemo/pkg/core"
)

// Store is the subset of *core.Store the Summarizer depends on.
type Store interface {
	GetSummary(ctx context.Context, userID, conversationID string, kind core.SummaryKind) (*core.Summary, error)
	UpsertSummary(ctx context.Context, sum core.Summary) error
	RecentMessages(ctx context.Context, userID, conversationID string, since int64, limit int) ([]core.Message, error)
	RecentMemories(ctx context.Context, userID, conversationID string, k int) ([]core.Memory, error)
}

// Config bounds summary generation.
type Config struct {
	MaxMessages   int
	MaxChars      int
	CitationLimit int
}

func DefaultConfig() Config {
	return Config{MaxMessages: 200, MaxChars: 2000, CitationLimit: 10}
}

// Summarizer maintains rolling per-conversation summaries.
type Summarizer struct {
	store      Store
	completion capability.Completion
	validator  capability.Validator
	cfg        Config
	logger     core.Logger
	now        func() int64
}

func New(store Store, completion capability.Completion, validator capability.Validator, cfg Config, logger core.Logger, now func() int64) *Summarizer {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Summarizer{store: store, completion: completion, validator: validator, cfg: cfg, logger: logger, now: now}
}

const summarizeSystemPrompt = `Update the running summary of this conversation using the prior ` +
	`summary and the new messages. Keep it concise and factual. After the ` +
	`summary, on its own line starting with "CITES:", list the memory IDs ` +
	`(comma-separated) the summary relies on, or leave it empty.`

// Summarize folds messages since the prior rolling summary into a new one.
// A failed Completion call leaves the prior summary row untouched.
func (s *Summarizer) Summarize(ctx context.Context, userID, conversationID string) (*core.Summary, error) {
	prior, err := s.store.GetSummary(ctx, userID, conversationID, core.SummaryRolling)
	var since int64
	priorText := ""
	if err == nil {
		since, priorText = prior.CoversUntil, prior.Text
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: load prior summary: %v", core.ErrTransient, err)
	}

	messages, err := s.store.RecentMessages(ctx, userID, conversationID, since, s.cfg.MaxMessages)
	if err != nil {
		return nil, fmt.Errorf("%w: load messages: %v", core.ErrTransient, err)
	}
	if len(messages) == 0 {
		if prior != nil {
			return prior, nil
		}
		return nil, fmt.Errorf("%w: nothing to summarize", core.ErrConflict)
	}

	eligibleMemories, err := s.store.RecentMemories(ctx, userID, conversationID, 200)
	if err != nil {
		return nil, fmt.Errorf("%w: load candidate citations: %v", core.ErrTransient, err)
	}
	eligibleIDs := make(map[string]bool, len(eligibleMemories))
	for _, m := range eligibleMemories {
		// Only memories created since the prior summary's watermark may
		// be cited by this update.
		if m.CreatedAt < since {
			continue
		}
		eligibleIDs[m.ID] = true
	}

	var sb strings.Builder
	sb.WriteString("PRIOR SUMMARY:\n")
	sb.WriteString(priorText)
	sb.WriteString("\n\nNEW MESSAGES:\n")
	var newestCreatedAt int64
	for _, m := range messages {
		if safe, verr := s.isSafeInput(ctx, userID, m.Content); verr != nil {
			return nil, verr
		} else if !safe {
			sb.WriteString(fmt.Sprintf("%s: [omitted unsafe content]\n", m.Role))
		} else {
			sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
		}
		if m.CreatedAt > newestCreatedAt {
			newestCreatedAt = m.CreatedAt
		}
	}

	raw, err := s.completion.Complete(ctx, summarizeSystemPrompt, sb.String(), capability.CompletionOptions{
		ResponseShape: capability.ShapeText,
		MaxTokens:     400,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: summarize completion: %v", core.ErrTransient, err)
	}

	text, cites := parseSummaryOutput(raw)
	if len(text) > s.cfg.MaxChars {
		text = text[:s.cfg.MaxChars]
	}

	validCites := make([]string, 0, len(cites))
	for _, id := range cites {
		if eligibleIDs[id] {
			validCites = append(validCites, id)
		}
		if len(validCites) >= s.cfg.CitationLimit {
			break
		}
	}

	sum := core.Summary{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Kind:           core.SummaryRolling,
		Text:           text,
		CitedMemoryIDs: validCites,
		CoversUntil:    newestCreatedAt,
		UpdatedAt:      s.now(),
	}
	if prior != nil {
		sum.ID = prior.ID
	}
	if err := s.store.UpsertSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("%w: persist summary: %v", core.ErrTransient, err)
	}
	return &sum, nil
}

func (s *Summarizer) isSafeInput(ctx context.Context, userID, text string) (bool, error) {
	result, err := s.validator.Validate(ctx, text, capability.TagSummaryInput)
	if err != nil {
		return false, fmt.Errorf("%w: validate input: %v", core.ErrTransient, err)
	}
	return result.Safe, nil
}

func parseSummaryOutput(raw string) (text string, cites []string) {
	lines := strings.Split(raw, "\n")
	var body []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "CITES:") {
			rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "CITES:"))
			if rest != "" {
				for _, id := range strings.Split(rest, ",") {
					if id = strings.TrimSpace(id); id != "" {
						cites = append(cites, id)
					}
				}
			}
			continue
		}
		body = append(body, line)
	}
	return strings.TrimSpace(strings.Join(body, "\n")), cites
}
