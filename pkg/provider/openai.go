package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI implements the Provider interface for OpenAI models.
type OpenAI struct {
	id        string
	model     string
	costPer1K float64
	maxTokens int
	client    openai.Client
}

// NewOpenAI creates an OpenAI API provider.
func NewOpenAI(id, apiKey, model string, costPer1K float64, maxTokens int) (*OpenAI, error) {
	if apiKey == "" {
		return nil, AuthError(id, fmt.Errorf("openai API key is required"))
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &OpenAI{
		id:        id,
		model:     model,
		costPer1K: costPer1K,
		maxTokens: maxTokens,
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// ID returns the provider identifier.
func (o *OpenAI) ID() string { return o.id }

// Kind returns the backend category.
func (o *OpenAI) Kind() Kind { return KindAPI }

// CostEstimate returns the USD cost for the given token count.
func (o *OpenAI) CostEstimate(tokens int) float64 { return CostFor(tokens, o.costPer1K) }

// Generate sends the prompt to OpenAI.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > o.maxTokens {
		maxTokens = o.maxTokens
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Temperature:         openai.Float(req.Temperature),
	})
	if err != nil {
		return nil, o.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, TransientError(o.id, fmt.Errorf("openai returned no choices"))
	}

	tokens := int(resp.Usage.TotalTokens)
	return &Result{
		Content:    resp.Choices[0].Message.Content,
		ProviderID: o.id,
		TokensUsed: tokens,
		Cost:       o.CostEstimate(tokens),
		Confidence: 1.0,
	}, nil
}

// Probe sends a minimal completion to check reachability.
func (o *OpenAI) Probe(ctx context.Context) bool {
	_, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(probePrompt),
		},
		MaxCompletionTokens: openai.Int(probeMaxTokens),
	})
	return err == nil
}

func (o *OpenAI) wrapErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return statusError(o.id, apierr.StatusCode, fmt.Errorf("openai API error: %w", err))
	}
	return TransientError(o.id, fmt.Errorf("openai API error: %w", err))
}
