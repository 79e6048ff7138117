package provider

import (
	"fmt"
	"strings"
)

// TemplateConfidence is the fixed confidence reported on the degrade
// path. Real providers report 1.0.
const TemplateConfidence = 0.3

// Request carries one generation call. It is immutable for the duration
// of the request; Tags are derived by the routing policy before
// execution.
type Request struct {
	ID          string
	Prompt      string
	MaxTokens   int
	Temperature float64

	// Preferred pins a provider to the front of the chain when set
	// and eligible.
	Preferred string

	// Tags holds content classification labels, e.g. "code".
	Tags []string
}

// Validate rejects malformed requests before any provider work.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt must not be empty")
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0,2]", r.Temperature)
	}
	return nil
}

// HasTag reports whether the request carries the given content tag.
func (r Request) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Result is the outcome of one successful generation attempt.
type Result struct {
	Content    string  `json:"content"`
	ProviderID string  `json:"provider_id"`
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	LatencyMS  int64   `json:"latency_ms"`
	Confidence float64 `json:"confidence"`
}

// CostFor computes attempt cost from token usage and per-1k pricing.
func CostFor(tokens int, costPer1K float64) float64 {
	if tokens <= 0 || costPer1K <= 0 {
		return 0
	}
	return float64(tokens) / 1000.0 * costPer1K
}

// EstimateTokens approximates token usage for backends that do not
// report it. Four characters per token is the usual rough cut.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
