package provider

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini implements the Provider interface for Google Gemini models.
type Gemini struct {
	id        string
	model     string
	costPer1K float64
	maxTokens int
	client    *genai.Client
}

// NewGemini creates a Google Gemini API provider.
func NewGemini(ctx context.Context, id, apiKey, model string, costPer1K float64, maxTokens int) (*Gemini, error) {
	if apiKey == "" {
		return nil, AuthError(id, fmt.Errorf("google API key is required"))
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, ConfigError(id, fmt.Errorf("failed to create google client: %w", err))
	}

	return &Gemini{
		id:        id,
		model:     model,
		costPer1K: costPer1K,
		maxTokens: maxTokens,
		client:    client,
	}, nil
}

// ID returns the provider identifier.
func (g *Gemini) ID() string { return g.id }

// Kind returns the backend category.
func (g *Gemini) Kind() Kind { return KindAPI }

// CostEstimate returns the USD cost for the given token count.
func (g *Gemini) CostEstimate(tokens int) float64 { return CostFor(tokens, g.costPer1K) }

// Generate sends the prompt to Gemini.
func (g *Gemini) Generate(ctx context.Context, req Request) (*Result, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt),
		g.generationConfig(req.MaxTokens, req.Temperature))
	if err != nil {
		return nil, g.wrapErr(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, TransientError(g.id, fmt.Errorf("google returned no candidates"))
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
		}
	}

	tokens := EstimateTokens(content)
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return &Result{
		Content:    content,
		ProviderID: g.id,
		TokensUsed: tokens,
		Cost:       g.CostEstimate(tokens),
		Confidence: 1.0,
	}, nil
}

// Probe sends a minimal prompt to check reachability.
func (g *Gemini) Probe(ctx context.Context) bool {
	_, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(probePrompt),
		g.generationConfig(probeMaxTokens, 0))
	return err == nil
}

// generationConfig clamps the requested token budget to the provider
// cap and forwards the sampling temperature.
func (g *Gemini) generationConfig(requested int, temperature float64) *genai.GenerateContentConfig {
	maxTokens := requested
	if maxTokens <= 0 || maxTokens > g.maxTokens {
		maxTokens = g.maxTokens
	}
	return &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Temperature:     genai.Ptr(float32(temperature)),
	}
}

func (g *Gemini) wrapErr(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return statusError(g.id, apierr.Code, fmt.Errorf("google API error: %w", err))
	}
	return TransientError(g.id, fmt.Errorf("google API error: %w", err))
}
