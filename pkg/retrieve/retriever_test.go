package retrieve

import (
	"context"
	"testing"

	"github.com/liliang-cn/mnemo/pkg/capability"
	"github.com/liliang-cn/mnemo/pkg/core"
)

type fakeStore struct {
	vec    []core.ScoredMemory
	lex    []core.ScoredMemory
	recent []core.Memory
}

func (f *fakeStore) VectorTopK(ctx context.Context, userID, conversationID string, queryVec []float32, k int) ([]core.ScoredMemory, error) {
	return f.vec, nil
}

func (f *fakeStore) LexicalTopK(ctx context.Context, userID, conversationID, queryText string, k int) ([]core.ScoredMemory, error) {
	return f.lex, nil
}

func (f *fakeStore) RecentMemories(ctx context.Context, userID, conversationID string, k int) ([]core.Memory, error) {
	return f.recent, nil
}

func TestRetrievePinnedFloorLiftsLowScoringMemory(t *testing.T) {
	pinned := core.Memory{ID: "m-peanuts", Text: "allergic to peanuts", Pinned: true, CreatedAt: 1}
	other := core.Memory{ID: "m-other", Text: "likes chocolate cake", CreatedAt: 2}

	store := &fakeStore{
		vec: []core.ScoredMemory{{Memory: other, Score: 0.9}},
		lex: []core.ScoredMemory{{Memory: other, Score: 0.9}},
	}
	store.recent = []core.Memory{pinned}

	cfg := DefaultConfig()
	r := New(store, capability.NewFakeEmbedder(8), cfg, nil)

	results, err := r.Retrieve(context.Background(), "u1", "", "dessert recommendations")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	var pinnedResult *Result
	for i := range results {
		if results[i].Memory.ID == pinned.ID {
			pinnedResult = &results[i]
		}
	}
	if pinnedResult == nil {
		t.Fatalf("expected pinned memory to appear in results, got %+v", results)
	}
	if pinnedResult.Fused < cfg.PinnedFloor {
		t.Errorf("expected pinned memory fused score >= %v, got %v", cfg.PinnedFloor, pinnedResult.Fused)
	}
}

func TestRetrieveEmptyQueryReturnsRecencyOnly(t *testing.T) {
	m1 := core.Memory{ID: "m1", CreatedAt: 1}
	m2 := core.Memory{ID: "m2", CreatedAt: 2}
	store := &fakeStore{recent: []core.Memory{m1, m2}}
	cfg := DefaultConfig()
	cfg.KOut = 5

	r := New(store, capability.NewFakeEmbedder(8), cfg, nil)
	results, err := r.Retrieve(context.Background(), "u1", "", "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 || results[0].Memory.ID != "m2" {
		t.Fatalf("expected most-recent-first ordering from recency source, got %+v", results)
	}
}

func TestRetrieveBoundedByKOut(t *testing.T) {
	var vec []core.ScoredMemory
	for i := 0; i < 20; i++ {
		vec = append(vec, core.ScoredMemory{Memory: core.Memory{ID: string(rune('a' + i)), CreatedAt: int64(i)}, Score: float64(i) / 20})
	}
	store := &fakeStore{vec: vec}
	cfg := DefaultConfig()
	cfg.KOut = 3

	r := New(store, capability.NewFakeEmbedder(8), cfg, nil)
	results, err := r.Retrieve(context.Background(), "u1", "", "anything")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected k_out=3 results, got %d", len(results))
	}
}
