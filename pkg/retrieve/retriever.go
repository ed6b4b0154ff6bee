// Package retrieve implements the hybrid retrieval ranker: it fans out to
// the store's vector, lexical and recency sources concurrently, then fuses
// them with a fixed weighted combination rather than reciprocal rank
// fusion, so a caller can reason about a memory's final score directly from
// its component scores.
package retrieve

import (
	"context"
	"errors"
	"sort"

	"github.com/liliang-cn/mnemo/pkg/capability"
	"github.com/liliang-cn/mnemo/pkg/core"
	"golang.org/x/sync/errgroup"
)

// Config holds the fusion weights and per-source fan-out sizes.
type Config struct {
	KVec        int
	KLex        int
	KRecent     int
	KOut        int
	WVec        float64
	WLex        float64
	PinnedFloor float64
}

// DefaultConfig matches the defaults the retrieval algorithm is specified
// against.
func DefaultConfig() Config {
	return Config{
		KVec:        40,
		KLex:        40,
		KRecent:     10,
		KOut:        20,
		WVec:        0.6,
		WLex:        0.4,
		PinnedFloor: 0.5,
	}
}

// Store is the subset of *core.Store the Retriever depends on.
type Store interface {
	VectorTopK(ctx context.Context, userID, conversationID string, queryVec []float32, k int) ([]core.ScoredMemory, error)
	LexicalTopK(ctx context.Context, userID, conversationID, queryText string, k int) ([]core.ScoredMemory, error)
	RecentMemories(ctx context.Context, userID, conversationID string, k int) ([]core.Memory, error)
}

// Retriever answers queries against a user's memories.
type Retriever struct {
	store    Store
	embedder capability.Embedder
	cfg      Config
	logger   core.Logger
}

func New(store Store, embedder capability.Embedder, cfg Config, logger core.Logger) *Retriever {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Retriever{store: store, embedder: embedder, cfg: cfg, logger: logger}
}

// Result is a single ranked memory with its fused score and the component
// scores that produced it, for callers that want to explain a ranking.
type Result struct {
	Memory   core.Memory
	Fused    float64
	VecScore float64
	LexScore float64
}

// Retrieve implements the fusion algorithm: fused(m) = w_vec*s_vec(m) +
// w_lex*s_lex(m), a memory absent from a source contributes 0 for that
// source, pinned memories have their fused score floored at PinnedFloor,
// and among ties recency (most recent first) breaks the ordering — it is
// never added into the score itself.
func (r *Retriever) Retrieve(ctx context.Context, userID, conversationID, queryText string) ([]Result, error) {
	if userID == "" {
		return nil, errors.New("retrieve: user_id is required")
	}

	sanitized := queryText
	var vecResults, lexResults []core.ScoredMemory
	var recent []core.Memory

	if sanitized == "" {
		rec, err := r.store.RecentMemories(ctx, userID, conversationID, r.cfg.KOut)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		return recencyOnly(rec, r.cfg.KOut), nil
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		vecs, errs := r.embedder.Embed(gctx, []string{sanitized})
		if len(errs) > 0 && errs[0] != nil {
			r.logger.Warn("retrieve: embed failed, treating vector source as empty", "error", errs[0])
			return nil
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			return nil
		}
		res, err := r.store.VectorTopK(gctx, userID, conversationID, vecs[0], r.cfg.KVec)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrEmptyQuery) {
				return nil
			}
			r.logger.Warn("retrieve: vector source failed, treating as empty", "error", err)
			return nil
		}
		vecResults = res
		return nil
	})

	g.Go(func() error {
		res, err := r.store.LexicalTopK(gctx, userID, conversationID, sanitized, r.cfg.KLex)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrEmptyQuery) {
				return nil
			}
			r.logger.Warn("retrieve: lexical source failed, treating as empty", "error", err)
			return nil
		}
		lexResults = res
		return nil
	})

	g.Go(func() error {
		res, err := r.store.RecentMemories(gctx, userID, conversationID, r.cfg.KRecent)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			r.logger.Warn("retrieve: recency source failed, treating as empty", "error", err)
			return nil
		}
		recent = res
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fuse(vecResults, lexResults, recent, r.cfg), nil
}

func fuse(vecResults, lexResults []core.ScoredMemory, recent []core.Memory, cfg Config) []Result {
	byID := make(map[string]*Result)
	order := make([]string, 0, len(vecResults)+len(lexResults)+len(recent))

	get := func(m core.Memory) *Result {
		if res, ok := byID[m.ID]; ok {
			return res
		}
		res := &Result{Memory: m}
		byID[m.ID] = res
		order = append(order, m.ID)
		return res
	}

	for _, sm := range vecResults {
		res := get(sm.Memory)
		res.VecScore = sm.Score
	}
	for _, sm := range lexResults {
		res := get(sm.Memory)
		res.LexScore = sm.Score
	}
	for _, m := range recent {
		// Recency establishes presence (and tie-break ordering) but is
		// never folded into the fused score itself.
		get(m)
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		res := byID[id]
		res.Fused = cfg.WVec*res.VecScore + cfg.WLex*res.LexScore
		if res.Memory.Pinned && res.Fused < cfg.PinnedFloor {
			res.Fused = cfg.PinnedFloor
		}
		out = append(out, *res)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Fused != out[j].Fused {
			return out[i].Fused > out[j].Fused
		}
		return out[i].Memory.CreatedAt > out[j].Memory.CreatedAt
	})

	if len(out) > cfg.KOut {
		out = out[:cfg.KOut]
	}
	return out
}

func recencyOnly(mems []core.Memory, k int) []Result {
	sort.SliceStable(mems, func(i, j int) bool { return mems[i].CreatedAt > mems[j].CreatedAt })
	if len(mems) > k {
		mems = mems[:k]
	}
	out := make([]Result, 0, len(mems))
	for _, m := range mems {
		out = append(out, Result{Memory: m})
	}
	return out
}
