package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	deepseekBaseURL      = "https://api.deepseek.com/v1"
	defaultDeepSeekModel = "deepseek-chat"
)

// DeepSeek implements the Provider interface against DeepSeek's
// OpenAI-compatible API. It is the cheapest configured remote backend.
type DeepSeek struct {
	id         string
	model      string
	costPer1K  float64
	maxTokens  int
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// deepseekRequest represents the OpenAI-compatible request format.
type deepseekRequest struct {
	Model       string            `json:"model"`
	Messages    []deepseekMessage `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
}

// deepseekMessage represents a chat message.
type deepseekMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// deepseekResponse represents the OpenAI-compatible response format.
type deepseekResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// NewDeepSeek creates a DeepSeek API provider.
func NewDeepSeek(id, apiKey, model string, costPer1K float64, maxTokens int) (*DeepSeek, error) {
	if apiKey == "" {
		return nil, AuthError(id, fmt.Errorf("deepseek API key is required"))
	}
	if model == "" {
		model = defaultDeepSeekModel
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &DeepSeek{
		id:         id,
		model:      model,
		costPer1K:  costPer1K,
		maxTokens:  maxTokens,
		apiKey:     apiKey,
		baseURL:    deepseekBaseURL,
		httpClient: &http.Client{},
	}, nil
}

// ID returns the provider identifier.
func (d *DeepSeek) ID() string { return d.id }

// Kind returns the backend category.
func (d *DeepSeek) Kind() Kind { return KindAPI }

// CostEstimate returns the USD cost for the given token count.
func (d *DeepSeek) CostEstimate(tokens int) float64 { return CostFor(tokens, d.costPer1K) }

// Generate sends the prompt to DeepSeek.
func (d *DeepSeek) Generate(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > d.maxTokens {
		maxTokens = d.maxTokens
	}

	resp, err := d.call(ctx, req.Prompt, maxTokens, req.Temperature)
	if err != nil {
		return nil, err
	}

	tokens := resp.Usage.TotalTokens
	return &Result{
		Content:    resp.Choices[0].Message.Content,
		ProviderID: d.id,
		TokensUsed: tokens,
		Cost:       d.CostEstimate(tokens),
		Confidence: 1.0,
	}, nil
}

// Probe sends a minimal completion to check reachability.
func (d *DeepSeek) Probe(ctx context.Context) bool {
	_, err := d.call(ctx, probePrompt, probeMaxTokens, 0)
	return err == nil
}

func (d *DeepSeek) call(ctx context.Context, prompt string, maxTokens int, temperature float64) (*deepseekResponse, error) {
	reqBody := deepseekRequest{
		Model: d.model,
		Messages: []deepseekMessage{
			{Role: "user", Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, ConfigError(d.id, fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, ConfigError(d.id, fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, TransientError(d.id, fmt.Errorf("deepseek API request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, TransientError(d.id, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(d.id, resp.StatusCode,
			fmt.Errorf("deepseek API returned status %d: %s", resp.StatusCode, string(body)))
	}

	var deepseekResp deepseekResponse
	if err := json.Unmarshal(body, &deepseekResp); err != nil {
		return nil, TransientError(d.id, fmt.Errorf("failed to parse response: %w", err))
	}

	if deepseekResp.Error != nil {
		return nil, TransientError(d.id, fmt.Errorf("deepseek API error: %s (type: %s, code: %s)",
			deepseekResp.Error.Message, deepseekResp.Error.Type, deepseekResp.Error.Code))
	}

	if len(deepseekResp.Choices) == 0 {
		return nil, TransientError(d.id, fmt.Errorf("deepseek returned no choices"))
	}

	return &deepseekResp, nil
}
