package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-haiku-20240307"

// Anthropic implements the Provider interface for Claude models.
type Anthropic struct {
	id        string
	model     string
	costPer1K float64
	maxTokens int
	client    anthropic.Client
}

// NewAnthropic creates an Anthropic API provider.
func NewAnthropic(id, apiKey, model string, costPer1K float64, maxTokens int) (*Anthropic, error) {
	if apiKey == "" {
		return nil, AuthError(id, fmt.Errorf("anthropic API key is required"))
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Anthropic{
		id:        id,
		model:     model,
		costPer1K: costPer1K,
		maxTokens: maxTokens,
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// ID returns the provider identifier.
func (a *Anthropic) ID() string { return a.id }

// Kind returns the backend category.
func (a *Anthropic) Kind() Kind { return KindAPI }

// CostEstimate returns the USD cost for the given token count.
func (a *Anthropic) CostEstimate(tokens int) float64 { return CostFor(tokens, a.costPer1K) }

// Generate sends the prompt to Claude.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > a.maxTokens {
		maxTokens = a.maxTokens
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, a.wrapErr(err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	tokens := int(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	return &Result{
		Content:    content,
		ProviderID: a.id,
		TokensUsed: tokens,
		Cost:       a.CostEstimate(tokens),
		Confidence: 1.0,
	}, nil
}

// Probe sends a minimal message to check reachability.
func (a *Anthropic) Probe(ctx context.Context) bool {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: probeMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(probePrompt)),
		},
	})
	return err == nil
}

func (a *Anthropic) wrapErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return statusError(a.id, apierr.StatusCode, fmt.Errorf("anthropic API error: %w", err))
	}
	return TransientError(a.id, fmt.Errorf("anthropic API error: %w", err))
}
