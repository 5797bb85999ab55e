// Package llm defines the text-generation collaborator contract consumed by
// the quota ledger and orchestrator.
package llm

import (
	"context"
	"errors"
)

// Usage carries the provider-reported token accounting for one generation.
type Usage struct {
	PromptTokens    int
	CandidateTokens int
	TotalTokens     int
}

// Generation is the raw outcome of one provider call. Usage is nil when the
// provider reported no metadata.
type Generation struct {
	Text  string
	Usage *Usage
}

// Generator abstracts the text-generation provider.
type Generator interface {
	// CountTokens asks the provider's own tokenizer for the prompt cost.
	CountTokens(ctx context.Context, prompt string) (int, error)
	// Generate performs the billed call.
	Generate(ctx context.Context, prompt string) (Generation, error)
}

// ErrNotConfigured is returned by the placeholder generator when no provider
// credentials were supplied.
var ErrNotConfigured = errors.New("llm provider not configured")

// Placeholder is a stub Generator used when GEMINI_API_KEY is absent.
type Placeholder struct{}

func (Placeholder) CountTokens(ctx context.Context, prompt string) (int, error) {
	_ = ctx
	_ = prompt
	return 0, ErrNotConfigured
}

func (Placeholder) Generate(ctx context.Context, prompt string) (Generation, error) {
	_ = ctx
	_ = prompt
	return Generation{}, ErrNotConfigured
}
