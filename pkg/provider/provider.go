package provider

import (
	"context"
	"fmt"
)

// Kind identifies the provider backend category.
type Kind string

const (
	KindLocal    Kind = "local"
	KindAPI      Kind = "api"
	KindTemplate Kind = "template"
)

// ParseKind validates a configuration kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLocal, KindAPI, KindTemplate:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// Provider is the generation capability every backend implements.
// Routing and fallback code operates only on this interface, never on
// kind-specific branches.
type Provider interface {
	// ID returns the provider's registry identifier.
	ID() string

	// Kind returns the backend category.
	Kind() Kind

	// Generate produces a completion for the request.
	Generate(ctx context.Context, req Request) (*Result, error)

	// Probe performs a lightweight test call used to re-admit an
	// unhealthy provider.
	Probe(ctx context.Context) bool

	// CostEstimate returns the cost in USD for the given token count.
	CostEstimate(tokens int) float64
}

// probePrompt is the fixed recovery-probe payload.
const probePrompt = "ping"

// probeMaxTokens keeps probes cheap.
const probeMaxTokens = 8
