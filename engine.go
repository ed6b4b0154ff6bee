package mnemo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/mnemo/pkg/capability"
	"github.com/liliang-cn/mnemo/pkg/core"
	"github.com/liliang-cn/mnemo/pkg/insight"
	"github.com/liliang-cn/mnemo/pkg/orchestrate"
	"github.com/liliang-cn/mnemo/pkg/retrieve"
	"github.com/liliang-cn/mnemo/pkg/summarize"
	"github.com/liliang-cn/mnemo/pkg/write"
)

// EngineConfig aggregates every component's configuration.
type EngineConfig struct {
	Retrieve    retrieve.Config
	Write       write.Config
	Summarize   summarize.Config
	Insight     insight.Config
	Orchestrate orchestrate.Config
}

// DefaultEngineConfig returns the defaults each component specifies for
// itself.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Retrieve:    retrieve.DefaultConfig(),
		Write:       write.DefaultConfig(),
		Summarize:   summarize.DefaultConfig(),
		Insight:     insight.DefaultConfig(),
		Orchestrate: orchestrate.DefaultConfig(),
	}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithEmbedder(e capability.Embedder) Option {
	return func(eng *Engine) { eng.embedder = e }
}

func WithCompletion(c capability.Completion) Option {
	return func(eng *Engine) { eng.completion = c }
}

func WithValidator(v capability.Validator) Option {
	return func(eng *Engine) { eng.validator = v }
}

func WithLogger(l core.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

func WithConfig(cfg EngineConfig) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// Engine wires the Store to the Retriever, Writer, Summarizer, Insight
// miner and Orchestrator, and is the surface a calling application talks
// to.
type Engine struct {
	store      *core.Store
	embedder   capability.Embedder
	completion capability.Completion
	validator  capability.Validator
	logger     core.Logger
	cfg        EngineConfig

	retriever  *retrieve.Retriever
	writer     *write.Writer
	summarizer *summarize.Summarizer
	miner      *insight.Miner
	orch       *orchestrate.Orchestrator

	// corrections holds payloads for in-flight TaskCorrect submissions,
	// keyed by task id. The orchestrator persists only a payload hash, so
	// the actual (idempotency_key, new_text) pair has to ride along
	// in-memory between Submit and the handler picking it up.
	corrections sync.Map
}

// correctionPayload is what SubmitCorrection stashes for its TaskCorrect
// handler to pick up.
type correctionPayload struct {
	UserID         string
	IdempotencyKey string
	NewText        string
}

// New builds an Engine over an already-initialized Store.
func New(store *core.Store, opts ...Option) *Engine {
	eng := &Engine{
		store:  store,
		logger: core.NopLogger(),
		cfg:    DefaultEngineConfig(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	store.SetLogger(eng.logger)

	eng.retriever = retrieve.New(eng.store, eng.embedder, eng.cfg.Retrieve, eng.logger.With("component", "retrieve"))
	eng.writer = write.New(eng.store, eng.completion, eng.embedder, eng.validator, eng.cfg.Write, eng.logger.With("component", "write"), nowUnix)
	eng.summarizer = summarize.New(eng.store, eng.completion, eng.validator, eng.cfg.Summarize, eng.logger.With("component", "summarize"), nowUnix)
	eng.miner = insight.New(eng.store, eng.completion, eng.validator, eng.cfg.Insight, eng.logger.With("component", "insight"), nowUnix)
	eng.orch = orchestrate.New(eng.store, eng.cfg.Orchestrate, eng.logger.With("component", "orchestrate"), nowUnix)

	eng.orch.RegisterHandler(core.TaskExtract, func(ctx context.Context, t core.Task) error {
		msgs, err := eng.store.LastMessages(ctx, t.UserID, t.ConversationID, extractionWindowMessages)
		if err != nil {
			return err
		}
		turnText := joinMessageContent(msgs)
		_, err = eng.writer.Extract(ctx, t.UserID, t.ConversationID, turnText)
		return err
	})
	eng.orch.RegisterHandler(core.TaskSummarize, func(ctx context.Context, t core.Task) error {
		_, err := eng.summarizer.Summarize(ctx, t.UserID, t.ConversationID)
		return err
	})
	eng.orch.RegisterHandler(core.TaskInsights, func(ctx context.Context, t core.Task) error {
		_, err := eng.miner.Mine(ctx, t.UserID)
		return err
	})
	eng.orch.RegisterHandler(core.TaskCorrect, func(ctx context.Context, t core.Task) error {
		v, ok := eng.corrections.Load(t.ID)
		if !ok {
			return fmt.Errorf("%w: correction payload not found for task %s", core.ErrFatal, t.ID)
		}
		p := v.(correctionPayload)
		err := eng.writer.Correct(ctx, p.UserID, p.IdempotencyKey, p.NewText)
		eng.corrections.Delete(t.ID)
		return err
	})

	return eng
}

func nowUnix() int64 { return time.Now().Unix() }

// extractionWindowMessages bounds how far back a single extract task looks
// when a caller doesn't otherwise track a watermark of already-processed
// messages.
const extractionWindowMessages = 4

func joinMessageContent(msgs []core.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// Start launches the orchestrator's worker pool.
func (e *Engine) Start() { e.orch.Start() }

// Stop drains in-flight tasks and shuts the worker pool down.
func (e *Engine) Stop() { e.orch.Stop() }

// AnswerResult is the foreground chat response: the Responder's answer, the
// memory ids it actually relied on, and the id of the assistant message
// appended to the conversation. Results and Summary are also exposed for
// callers that want to explain or re-rank what was retrieved.
type AnswerResult struct {
	AssistantText      string
	CitedMemoryIDs     []string
	AssistantMessageID string
	Results            []retrieve.Result
	Summary            *core.Summary
}

const responderSystemPrompt = `Answer the user's latest message using only the supplied memories ` +
	`and conversation summary; do not invent facts beyond them. After the answer, on its own ` +
	`line starting with "CITES:", list the comma-separated memory IDs you actually relied on, ` +
	`or leave it empty if you relied on none.`

// AssembleAndAnswer appends the user's message, retrieves relevant memories
// for it, and — when a Completion capability is configured — calls the
// Responder role to produce an answer grounded in those memories and the
// current rolling summary, appending it to the conversation as an assistant
// message. Without a Completion capability it falls back to returning the
// assembled context with no answer, for callers that only want retrieval.
func (e *Engine) AssembleAndAnswer(ctx context.Context, userID, conversationID, userText string) (*AnswerResult, error) {
	now := nowUnix()
	if err := e.store.AppendMessage(ctx, core.Message{
		ID: uuid.NewString(), ConversationID: conversationID, UserID: userID,
		Role: "user", Content: userText, CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	results, err := e.retriever.Retrieve(ctx, userID, conversationID, userText)
	if err != nil {
		return nil, err
	}

	summary, err := e.store.GetSummary(ctx, userID, conversationID, core.SummaryRolling)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	if e.completion == nil {
		return &AnswerResult{Results: results, Summary: summary}, nil
	}

	if e.validator != nil {
		safe, verr := e.checkSafe(ctx, userID, userText, capability.TagResponderUser)
		if verr != nil {
			return nil, verr
		}
		if !safe {
			return nil, fmt.Errorf("%w: user message failed validation", core.ErrUnsafe)
		}
	}

	raw, err := e.completion.Complete(ctx, responderSystemPrompt, buildResponderPrompt(results, summary), capability.CompletionOptions{
		ResponseShape: capability.ShapeText,
		Temperature:   0.4,
		MaxTokens:     600,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: responder completion failed: %v", core.ErrTransient, err)
	}

	eligible := make(map[string]bool, len(results))
	for _, r := range results {
		eligible[r.Memory.ID] = true
	}
	text, cites := parseCitedOutput(raw, eligible)

	assistantID := uuid.NewString()
	if err := e.store.AppendMessage(ctx, core.Message{
		ID: assistantID, ConversationID: conversationID, UserID: userID,
		Role: "assistant", Content: text, CreatedAt: nowUnix(),
	}); err != nil {
		return nil, err
	}

	return &AnswerResult{
		AssistantText:      text,
		CitedMemoryIDs:     cites,
		AssistantMessageID: assistantID,
		Results:            results,
		Summary:            summary,
	}, nil
}

// checkSafe validates text under tag, recording a security event when it is
// rejected — the same pattern the Writer uses at its own capability
// boundaries.
func (e *Engine) checkSafe(ctx context.Context, userID, text string, tag capability.ContextTag) (bool, error) {
	result, err := e.validator.Validate(ctx, text, tag)
	if err != nil {
		return false, fmt.Errorf("%w: validate: %v", core.ErrTransient, err)
	}
	if !result.Safe {
		_ = e.store.RecordSecurityEvent(ctx, core.SecurityEvent{
			ID: uuid.NewString(), UserID: userID, ContextTag: string(tag), Reason: result.Reason, CreatedAt: nowUnix(),
		})
	}
	return result.Safe, nil
}

func buildResponderPrompt(results []retrieve.Result, summary *core.Summary) string {
	var sb strings.Builder
	if summary != nil && summary.Text != "" {
		sb.WriteString("SUMMARY:\n")
		sb.WriteString(summary.Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString("MEMORIES:\n")
	for _, r := range results {
		sb.WriteString(r.Memory.ID)
		sb.WriteString(": ")
		sb.WriteString(r.Memory.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// parseCitedOutput splits a CITES: line (if any) off the end of raw,
// keeping only ids present in eligible — mirroring the Summarizer's own
// citation parsing against its eligible-memory set.
func parseCitedOutput(raw string, eligible map[string]bool) (text string, cites []string) {
	lines := strings.Split(raw, "\n")
	var body []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "CITES:") {
			rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "CITES:"))
			if rest != "" {
				for _, id := range strings.Split(rest, ",") {
					if id = strings.TrimSpace(id); id != "" && eligible[id] {
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

// SubmitExtract queues memory extraction for a conversation. turnText only
// feeds the task's payload hash (and so its dedup identity); the handler
// extracts from the conversation's last extractionWindowMessages stored
// messages.
func (e *Engine) SubmitExtract(ctx context.Context, userID, conversationID, turnText string) (string, error) {
	payloadHash := core.PayloadHash(turnText)
	return e.orch.Submit(ctx, core.TaskExtract, userID, conversationID, payloadHash)
}

// SubmitSummarize queues a rolling-summary update for a conversation.
func (e *Engine) SubmitSummarize(ctx context.Context, userID, conversationID string) (string, error) {
	return e.orch.Submit(ctx, core.TaskSummarize, userID, conversationID, core.PayloadHash(conversationID))
}

// SubmitInsights queues insight mining for a user.
func (e *Engine) SubmitInsights(ctx context.Context, userID string) (string, error) {
	return e.orch.Submit(ctx, core.TaskInsights, userID, "", core.PayloadHash(userID))
}

// SubmitCorrection queues an in-place correction of an existing memory,
// dispatched through the Orchestrator like every other mutating, LLM-heavy
// operation. The payload itself (idempotency key, new text) isn't
// rederivable from the store the way an extract or summarize task's input
// is, so it rides along in-memory, keyed by the task's deterministic id,
// for the TaskCorrect handler to pick up.
func (e *Engine) SubmitCorrection(ctx context.Context, userID, idempotencyKey, newText string) (string, error) {
	payloadHash := core.PayloadHash(idempotencyKey, newText)
	taskID := core.TaskID(core.TaskCorrect, userID, "", payloadHash)

	e.corrections.Store(taskID, correctionPayload{UserID: userID, IdempotencyKey: idempotencyKey, NewText: newText})

	got, err := e.orch.Submit(ctx, core.TaskCorrect, userID, "", payloadHash)
	if err != nil {
		e.corrections.Delete(taskID)
		return "", err
	}
	return got, nil
}

// Status reports a background task's current state.
func (e *Engine) Status(ctx context.Context, taskID string) (*core.Task, error) {
	return e.orch.Status(ctx, taskID)
}

// ListMemories returns a user's most recent memories.
func (e *Engine) ListMemories(ctx context.Context, userID string, limit int) ([]core.Memory, error) {
	return e.store.RecentMemories(ctx, userID, "", limit)
}

// ListInsights returns a user's most recent mined insights.
func (e *Engine) ListInsights(ctx context.Context, userID string, limit int) ([]core.Insight, error) {
	return e.store.ListInsights(ctx, userID, limit)
}

// SetPinned pins or unpins a memory so the retriever floors its score.
func (e *Engine) SetPinned(ctx context.Context, userID, memoryID string, pinned bool) error {
	return e.store.SetPinned(ctx, userID, memoryID, pinned)
}

// MarkBad excludes a memory from future retrieval without deleting it.
func (e *Engine) MarkBad(ctx context.Context, userID, memoryID string, bad bool) error {
	return e.store.MarkBad(ctx, userID, memoryID, bad)
}
