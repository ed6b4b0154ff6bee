// Package mnemo is a persistent, per-user semantic memory engine for LLM
// chat applications.
//
// It gives a chat application four things:
//
//   - A hybrid retrieval ranker (pkg/retrieve) that fuses vector, lexical
//     and recency signals into a bounded, explainable ranking.
//   - A memory extraction and write path (pkg/write) that turns raw
//     conversation turns into deduplicated, fingerprinted, embedded
//     memories.
//   - A rolling conversation summarizer (pkg/summarize) with citations
//     restricted to memories it can actually justify.
//   - An async task orchestrator (pkg/orchestrate) with single-flight
//     coalescing, deterministic task identity, and bounded retries.
//
// The LLM, the embedding model and the safety validator are all supplied
// by the caller through the interfaces in pkg/capability; mnemo has no
// opinion about which provider sits behind them.
//
// # Quick start
//
//	store, _ := core.New("mnemo.db", 1536)
//	store.Init(ctx)
//	eng := mnemo.New(store,
//		mnemo.WithEmbedder(myEmbedder),
//		mnemo.WithCompletion(myCompletion),
//		mnemo.WithValidator(myValidator),
//	)
//	eng.Start()
//	defer eng.Stop()
package mnemo
