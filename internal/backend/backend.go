// Package backend abstracts text-generation backends behind a single
// interface with a typed error taxonomy, so the orchestrator can apply
// its fallback policy without knowing any vendor's API shape.
package backend

import "context"

// Backend is a single text-generation backend (a cloud gateway, a local
// Ollama instance, or any OpenAI-compatible server).
type Backend interface {
	// ID returns the stable identifier used for ordering and usage accounting.
	ID() string

	// Complete sends a prompt and returns the generated text.
	// Failures are returned as *Error so callers can branch on Kind.
	Complete(ctx context.Context, req CompleteRequest) (string, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// Embedder turns text into a fixed-length dense vector. A failure is an
// explicit error, never a zero vector — a zero vector would silently
// corrupt distance ranking downstream.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CompleteRequest carries everything a backend needs for one generation call.
type CompleteRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}
