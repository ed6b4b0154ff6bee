// Package write implements the memory extraction and persistence pipeline:
// validate incoming text, extract candidate memories via a Completion call,
// parse its structured output strictly (skipping malformed elements rather
// than failing the whole batch), deduplicate by fingerprint, and embed and
// persist whatever survives.
package write

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/liliang-cn/mnemo/pkg/capability"
	"github.com/liliang-cn/mnemo/pkg/core"
)

// Store is the subset of *core.Store the Writer depends on.
type Store interface {
	FindByFingerprint(ctx context.Context, userID, fingerprint string) (*core.Memory, error)
	InsertMemory(ctx context.Context, m core.Memory) error
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*core.Memory, error)
	UpdateMemoryText(ctx context.Context, userID, id, text, fingerprint string, vector []float32, updatedAt int64) error
	RecordSecurityEvent(ctx context.Context, e core.SecurityEvent) error
}

// Config bounds extraction behavior.
type Config struct {
	MinConfidence float64
	EmbedBatch    int
	MaxRetries    int
}

func DefaultConfig() Config {
	return Config{MinConfidence: 0.4, EmbedBatch: 64, MaxRetries: 3}
}

// Writer extracts and persists memories.
type Writer struct {
	store      Store
	completion capability.Completion
	embedder   capability.Embedder
	validator  capability.Validator
	cfg        Config
	logger     core.Logger
	now        func() int64
}

func New(store Store, completion capability.Completion, embedder capability.Embedder, validator capability.Validator, cfg Config, logger core.Logger, now func() int64) *Writer {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Writer{store: store, completion: completion, embedder: embedder, validator: validator, cfg: cfg, logger: logger, now: now}
}

// candidate is the closed, tagged shape the extraction prompt is asked to
// emit one JSON array of. A strict decoder with DisallowUnknownFields
// rejects anything outside this shape per-element rather than failing the
// whole response, since a single malformed element should not discard the
// rest of a batch.
type candidate struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

const extractionSystemPrompt = `Extract discrete, durable facts, preferences, entities, events or ` +
	`instructions about the user from the conversation turn. Respond with a ` +
	`JSON array of objects, each with "type" (one of fact, preference, ` +
	`entity, event, instruction), "text", and "confidence" (0 to 1). Omit ` +
	`anything not worth remembering long-term.`

// Result summarizes what an Extract call did, mirroring the teacher's
// retained/skipped/errors reporting shape for a batch operation.
type Result struct {
	Retained int
	Skipped  int
	Errors   []error
}

func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return errors.Join(r.Errors...)
}

// Extract runs the full pipeline for a batch of message text belonging to
// one conversation turn.
func (w *Writer) Extract(ctx context.Context, userID, conversationID string, text string) (*Result, error) {
	safe, err := w.checkSafe(ctx, userID, text, capability.TagWriterExtract)
	if err != nil {
		return nil, err
	}
	if !safe {
		return &Result{}, fmt.Errorf("%w: input failed validation", core.ErrUnsafe)
	}

	raw, err := w.completion.Complete(ctx, extractionSystemPrompt, text, capability.CompletionOptions{
		ResponseShape: capability.ShapeJSON,
		MaxTokens:     512,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: extraction completion failed: %v", core.ErrTransient, err)
	}

	candidates := parseCandidates(raw)

	out := &Result{}
	for _, c := range candidates {
		if err := w.persistCandidate(ctx, userID, conversationID, c); err != nil {
			if errors.Is(err, core.ErrConflict) {
				// Duplicate of an existing memory: absorbed as success,
				// not a skip and not an error.
				continue
			}
			out.Skipped++
			out.Errors = append(out.Errors, err)
			continue
		}
		out.Retained++
	}
	return out, nil
}

func (w *Writer) checkSafe(ctx context.Context, userID, text string, tag capability.ContextTag) (bool, error) {
	result, err := w.validator.Validate(ctx, text, tag)
	if err != nil {
		return false, fmt.Errorf("%w: validate: %v", core.ErrTransient, err)
	}
	if !result.Safe {
		_ = w.store.RecordSecurityEvent(ctx, core.SecurityEvent{
			ID: uuid.NewString(), UserID: userID, ContextTag: string(tag), Reason: result.Reason, CreatedAt: w.now(),
		})
	}
	return result.Safe, nil
}

// parseCandidates strictly decodes each element of a JSON array, skipping
// (not failing on) any element with unknown fields, a missing type, or an
// out-of-range confidence — a malformed element never discards its siblings.
func parseCandidates(raw string) []candidate {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var rawElems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &rawElems); err != nil {
		return nil
	}

	var out []candidate
	for _, elem := range rawElems {
		var c candidate
		dec := json.NewDecoder(strings.NewReader(string(elem)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			continue
		}
		if c.Text == "" || !validMemoryType(c.Type) {
			continue
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			continue
		}
		out = append(out, c)
	}
	return out
}

func validMemoryType(t string) bool {
	switch core.MemoryType(t) {
	case core.TypeFact, core.TypePreference, core.TypeEntity, core.TypeEvent, core.TypeInstruction:
		return true
	default:
		return false
	}
}

func (w *Writer) persistCandidate(ctx context.Context, userID, conversationID string, c candidate) error {
	if c.Confidence < w.cfg.MinConfidence {
		return fmt.Errorf("confidence %v below minimum %v", c.Confidence, w.cfg.MinConfidence)
	}

	safe, err := w.checkSafe(ctx, userID, c.Text, capability.TagWriterExtract)
	if err != nil {
		return err
	}
	if !safe {
		return fmt.Errorf("%w: extracted memory failed validation", core.ErrUnsafe)
	}

	memType := core.MemoryType(c.Type)
	fp := core.Fingerprint(c.Text, memType)

	if _, err := w.store.FindByFingerprint(ctx, userID, fp); err == nil {
		return core.ErrConflict
	} else if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("%w: dedup lookup: %v", core.ErrTransient, err)
	}

	vec, err := w.embedOne(ctx, c.Text)
	if err != nil {
		w.logger.Warn("embed failed, persisting memory without a vector", "error", err)
	}

	now := w.now()
	mem := core.Memory{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Type:           memType,
		Text:           c.Text,
		Vector:         vec,
		Confidence:     c.Confidence,
		Fingerprint:    fp,
		IdempotencyKey: fp,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.store.InsertMemory(ctx, mem); err != nil {
		return err
	}
	return nil
}

func (w *Writer) embedOne(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		vecs, errs := w.embedder.Embed(ctx, []string{text})
		if len(errs) > 0 && errs[0] != nil {
			lastErr = errs[0]
			continue
		}
		if len(vecs) > 0 {
			return vecs[0], nil
		}
	}
	return nil, lastErr
}

// Correct overwrites an existing memory's text in place, preserving its ID
// and idempotency key, per the in-place-correction design decision.
func (w *Writer) Correct(ctx context.Context, userID, idempotencyKey, newText string) error {
	existing, err := w.store.GetByIdempotencyKey(ctx, userID, idempotencyKey)
	if err != nil {
		return err
	}

	safe, err := w.checkSafe(ctx, userID, newText, capability.TagCorrection)
	if err != nil {
		return err
	}
	if !safe {
		return fmt.Errorf("%w: correction text failed validation", core.ErrUnsafe)
	}

	vec, err := w.embedOne(ctx, newText)
	if err != nil {
		w.logger.Warn("embed failed during correction, keeping memory without a fresh vector", "error", err)
	}

	// Fingerprint is never recomputed on correction: the memory keeps its
	// identity so FindByFingerprint dedup lookups against its original
	// text still resolve to this row.
	return w.store.UpdateMemoryText(ctx, userID, existing.ID, newText, existing.Fingerprint, vec, w.now())
}
