// Package capability defines the three boundary interfaces the rest of the
// module calls through instead of embedding a provider directly: Embedder,
// Completion and Validator. Callers inject concrete implementations the way
// the rest of this corpus injects an Embedder into a vector store.
package capability

import "context"

// Embedder turns text into vectors. Embed is order-preserving: result[i]
// and errs[i] correspond to texts[i], so a partial batch failure doesn't
// require the caller to retry the whole batch.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (vectors [][]float32, errs []error)
}

// EmbedderFunc adapts a plain function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, []error)

func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, []error) {
	return f(ctx, texts)
}
