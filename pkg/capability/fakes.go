package capability

import (
	"context"
	"strings"
)

// FakeEmbedder is a deterministic, dependency-free Embedder for tests: it
// hashes each text into a fixed-size vector so identical text always
// produces an identical vector and similar text produces nearby vectors.
type FakeEmbedder struct {
	Dim int
	// FailFor, if set, causes Embed to return an error for any text
	// containing this substring, for exercising partial-batch failure.
	FailFor string
}

func NewFakeEmbedder(dim int) *FakeEmbedder {
	return &FakeEmbedder{Dim: dim}
}

func (f *FakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, []error) {
	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	for i, t := range texts {
		if f.FailFor != "" && strings.Contains(t, f.FailFor) {
			errs[i] = context.DeadlineExceeded
			continue
		}
		vecs[i] = hashEmbed(t, f.Dim)
	}
	return vecs, errs
}

func hashEmbed(text string, dim int) []float32 {
	v := make([]float32, dim)
	words := strings.Fields(strings.ToLower(text))
	for _, w := range words {
		var h uint32 = 2166136261
		for i := 0; i < len(w); i++ {
			h ^= uint32(w[i])
			h *= 16777619
		}
		v[int(h)%dim] += 1
	}
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	inv := float32(1) / sqrt32(norm)
	for i := range v {
		v[i] *= inv
	}
	return v
}

func sqrt32(x float32) float32 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// FakeCompletion returns a fixed string for every call, or invokes Fn if
// set, for tests that need to script specific extraction/summary output.
type FakeCompletion struct {
	Fn func(ctx context.Context, system, user string, opts CompletionOptions) (string, error)
}

func (f *FakeCompletion) Complete(ctx context.Context, system, user string, opts CompletionOptions) (string, error) {
	if f.Fn != nil {
		return f.Fn(ctx, system, user, opts)
	}
	return "", nil
}

// FakeValidator treats everything as safe unless its text contains one of
// Blocked, and sanitizes by replacing blocked substrings with "[redacted]".
type FakeValidator struct {
	Blocked []string
}

func (f *FakeValidator) Validate(ctx context.Context, text string, tag ContextTag) (ValidationResult, error) {
	for _, b := range f.Blocked {
		if strings.Contains(text, b) {
			return ValidationResult{Safe: false, Reason: "blocked phrase: " + b, Score: 0}, nil
		}
	}
	return ValidationResult{Safe: true, Score: 1}, nil
}

func (f *FakeValidator) Sanitize(text string) string {
	out := text
	for _, b := range f.Blocked {
		out = strings.ReplaceAll(out, b, "[redacted]")
	}
	return out
}
