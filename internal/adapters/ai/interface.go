package ai

import (
	"context"
)

// Request is one structured-output generation call. Immutable per call.
type Request struct {
	System      string
	Prompt      string
	Schema      *Schema
	Temperature float64
	MaxTokens   int

	// Provider and Model override the gateway's routing when set.
	Provider string
	Model    string

	// NoCache skips both cache lookup and store.
	NoCache bool
	// Label tags the call in logs and metrics, e.g. "analyst:swing".
	Label string
}

// Result is a validated JSON response.
type Result struct {
	Text          string `json:"text"`
	FinishReason  string `json:"finish_reason"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	CorrelationID string `json:"correlation_id"`
	Cached        bool   `json:"-"`

	fellBack bool
}

func (r *Result) clone() *Result {
	c := *r
	return &c
}

// Provider is a language-model backend capable of schema-constrained output.
type Provider interface {
	// Name returns provider name
	Name() string

	// Generate performs one call. Implementations return *errs.Error values of
	// kind Provider for upstream failures and Parse when no JSON can be recovered.
	Generate(ctx context.Context, req Request) (*Result, error)
}

// ProviderFactory constructs a provider client. Called lazily on first use.
type ProviderFactory func() (Provider, error)

// Generator is what callers of the gateway depend on.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Invalidator drops the cached result for req. Callers use it when a
// schema-valid result fails their own validation.
type Invalidator interface {
	Invalidate(ctx context.Context, req Request)
}

// Invalidate drops the cached result for req when gen supports it.
func Invalidate(ctx context.Context, gen Generator, req Request) {
	if inv, ok := gen.(Invalidator); ok {
		inv.Invalidate(ctx, req)
	}
}
