package mnemo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/mnemo/pkg/capability"
	"github.com/liliang-cn/mnemo/pkg/core"
)

func newTestEngine(t *testing.T, completionFn func(ctx context.Context, system, user string, opts capability.CompletionOptions) (string, error)) (*Engine, *core.Store) {
	t.Helper()
	store, err := core.New(filepath.Join(t.TempDir(), "mnemo.db"), 8)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := New(store,
		WithEmbedder(capability.NewFakeEmbedder(8)),
		WithCompletion(&capability.FakeCompletion{Fn: completionFn}),
		WithValidator(&capability.FakeValidator{}),
	)
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng, store
}

// TestScenarioS1ExtractsMultipleMemoryTypes exercises spec scenario S1:
// a single message containing a preference and a fact should yield at
// least two memories whose types are within the allowed set.
func TestScenarioS1ExtractsMultipleMemoryTypes(t *testing.T) {
	eng, store := newTestEngine(t, func(ctx context.Context, system, user string, opts capability.CompletionOptions) (string, error) {
		return `[{"type":"preference","text":"loves Python","confidence":0.9},
		         {"type":"fact","text":"works as a data scientist in Berlin","confidence":0.85}]`, nil
	})

	ctx := context.Background()
	convID := uuid.NewString()
	if err := store.CreateConversation(ctx, core.Conversation{ID: convID, UserID: "u1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	text := "I love Python and I work as a data scientist in Berlin"
	if _, err := eng.AssembleAndAnswer(ctx, "u1", convID, text); err != nil {
		t.Fatalf("AssembleAndAnswer: %v", err)
	}

	taskID, err := eng.SubmitExtract(ctx, "u1", convID, text)
	if err != nil {
		t.Fatalf("SubmitExtract: %v", err)
	}

	task := waitForTerminal(t, eng, taskID)
	if task.Status != core.StatusCompleted {
		t.Fatalf("expected extract task to complete, got %q (%s)", task.Status, task.LastError)
	}

	mems, err := eng.ListMemories(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(mems) < 2 {
		t.Fatalf("expected at least 2 memories, got %d", len(mems))
	}
	allowed := map[core.MemoryType]bool{core.TypePreference: true, core.TypeFact: true, core.TypeEntity: true}
	for _, m := range mems {
		if !allowed[m.Type] {
			t.Errorf("unexpected memory type %q", m.Type)
		}
	}
}

// TestScenarioS4PinnedMemorySurfacesForUnrelatedQuery exercises spec
// scenario S4: a pinned safety-relevant memory must surface with a fused
// score at or above the pinned floor even for an unrelated query.
func TestScenarioS4PinnedMemorySurfacesForUnrelatedQuery(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	mem := core.Memory{
		ID: uuid.NewString(), UserID: "u1", Type: core.TypeFact, Text: "allergic to peanuts",
		Fingerprint: core.Fingerprint("allergic to peanuts", core.TypeFact),
		IdempotencyKey: core.Fingerprint("allergic to peanuts", core.TypeFact),
		Pinned: true, CreatedAt: 1, UpdatedAt: 1,
	}
	if err := store.InsertMemory(ctx, mem); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}

	answer, err := eng.AssembleAndAnswer(ctx, "u1", "", "what dessert should I make tonight?")
	if err != nil {
		t.Fatalf("AssembleAndAnswer: %v", err)
	}

	var found *struct{ fused float64 }
	for _, r := range answer.Results {
		if r.Memory.ID == mem.ID {
			found = &struct{ fused float64 }{r.Fused}
		}
	}
	if found == nil {
		t.Fatalf("expected pinned memory to appear in results, got %+v", answer.Results)
	}
	if found.fused < 0.5 {
		t.Errorf("expected pinned memory fused score >= 0.5, got %v", found.fused)
	}
}

// TestAssembleAndAnswerCitesOnlyRetrievedMemories checks that the
// Responder's cited_memory_ids are restricted to memories actually present
// in the assembled context.
func TestAssembleAndAnswerCitesOnlyRetrievedMemories(t *testing.T) {
	eng, store := newTestEngine(t, func(ctx context.Context, system, user string, opts capability.CompletionOptions) (string, error) {
		return "You mentioned allergies before.\nCITES: mem-real, mem-fabricated", nil
	})
	ctx := context.Background()

	mem := core.Memory{
		ID: "mem-real", UserID: "u1", Type: core.TypeFact, Text: "allergic to peanuts",
		Fingerprint:    core.Fingerprint("allergic to peanuts", core.TypeFact),
		IdempotencyKey: core.Fingerprint("allergic to peanuts", core.TypeFact),
		Pinned:         true, CreatedAt: 1, UpdatedAt: 1,
	}
	if err := store.InsertMemory(ctx, mem); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}

	answer, err := eng.AssembleAndAnswer(ctx, "u1", "", "what should I avoid eating?")
	if err != nil {
		t.Fatalf("AssembleAndAnswer: %v", err)
	}
	if answer.AssistantMessageID == "" {
		t.Error("expected an assistant message id")
	}
	if answer.AssistantText != "You mentioned allergies before." {
		t.Errorf("expected the CITES line to be stripped from the answer, got %q", answer.AssistantText)
	}
	if len(answer.CitedMemoryIDs) != 1 || answer.CitedMemoryIDs[0] != "mem-real" {
		t.Errorf("expected only the retrieved memory to be cited, got %v", answer.CitedMemoryIDs)
	}
}

// TestSubmitCorrectionRunsThroughOrchestrator exercises spec's
// submit_correction contract: it returns a task id and the correction is
// applied asynchronously by a registered TaskCorrect handler.
func TestSubmitCorrectionRunsThroughOrchestrator(t *testing.T) {
	eng, store := newTestEngine(t, func(ctx context.Context, system, user string, opts capability.CompletionOptions) (string, error) {
		return `[{"type":"fact","text":"lives in Berlin","confidence":0.9}]`, nil
	})
	ctx := context.Background()

	convID := uuid.NewString()
	if err := store.CreateConversation(ctx, core.Conversation{ID: convID, UserID: "u1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	extractTaskID, err := eng.SubmitExtract(ctx, "u1", convID, "I live in Berlin")
	if err != nil {
		t.Fatalf("SubmitExtract: %v", err)
	}
	if task := waitForTerminal(t, eng, extractTaskID); task.Status != core.StatusCompleted {
		t.Fatalf("expected extract task to complete, got %q (%s)", task.Status, task.LastError)
	}

	mems, err := eng.ListMemories(ctx, "u1", 10)
	if err != nil || len(mems) == 0 {
		t.Fatalf("ListMemories: %v (%d results)", err, len(mems))
	}
	idemKey := mems[0].IdempotencyKey

	taskID, err := eng.SubmitCorrection(ctx, "u1", idemKey, "lives in Munich now")
	if err != nil {
		t.Fatalf("SubmitCorrection: %v", err)
	}
	task := waitForTerminal(t, eng, taskID)
	if task.Status != core.StatusCompleted {
		t.Fatalf("expected correction task to complete, got %q (%s)", task.Status, task.LastError)
	}

	updated, err := store.GetByIdempotencyKey(ctx, "u1", idemKey)
	if err != nil {
		t.Fatalf("GetByIdempotencyKey: %v", err)
	}
	if updated.Text != "lives in Munich now" {
		t.Errorf("expected corrected text, got %q", updated.Text)
	}
}

func waitForTerminal(t *testing.T, eng *Engine, taskID string) *core.Task {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		task, err := eng.Status(context.Background(), taskID)
		if err == nil && (task.Status == core.StatusCompleted || task.Status == core.StatusFailed) {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for task %s", taskID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
