package capability

import "context"

// ResponseShape constrains how a Completion call's output should be
// interpreted by its caller.
type ResponseShape string

const (
	ShapeText ResponseShape = "text"
	ShapeJSON ResponseShape = "json"
)

// CompletionOptions configures a single Complete call.
type CompletionOptions struct {
	MaxTokens     int
	Temperature   float64
	ResponseShape ResponseShape
}

// Completion is the boundary to an LLM used for extraction, summarization
// and insight synthesis. It never appears in the retrieval path.
type Completion interface {
	Complete(ctx context.Context, system, user string, opts CompletionOptions) (string, error)
}

// CompletionFunc adapts a plain function to the Completion interface.
type CompletionFunc func(ctx context.Context, system, user string, opts CompletionOptions) (string, error)

func (f CompletionFunc) Complete(ctx context.Context, system, user string, opts CompletionOptions) (string, error) {
	return f(ctx, system, user, opts)
}
