package localmodel

import (
	"context"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/provider"
)

// Provider adapts a managed local model to the provider interface.
// Generation acquires the manager's gate, so concurrent requests queue
// for the single resident instance; api and template providers are
// unaffected.
type Provider struct {
	cfg config.ProviderConfig
	mgr *Manager
}

// NewProvider wraps one configured local model.
func NewProvider(cfg config.ProviderConfig, mgr *Manager) *Provider {
	return &Provider{cfg: cfg, mgr: mgr}
}

// ID returns the provider identifier.
func (p *Provider) ID() string { return p.cfg.ID }

// Kind returns the backend category.
func (p *Provider) Kind() provider.Kind { return provider.KindLocal }

// CostEstimate always returns 0; local inference is free.
func (p *Provider) CostEstimate(int) float64 { return 0 }

// Generate ensures the model is resident and runs one gated inference.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	h, err := p.mgr.EnsureLoaded(ctx, p.cfg.ID)
	if err != nil {
		return nil, err
	}

	if err := p.mgr.Acquire(ctx); err != nil {
		return nil, provider.TransientError(p.cfg.ID, err)
	}
	defer p.mgr.Release()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > p.cfg.MaxTokens {
		maxTokens = p.cfg.MaxTokens
	}

	content, tokens, err := h.Generate(ctx, req.Prompt, maxTokens, req.Temperature)
	if err != nil {
		return nil, err
	}

	return &provider.Result{
		Content:    content,
		ProviderID: p.cfg.ID,
		TokensUsed: tokens,
		Cost:       0,
		Confidence: 1.0,
	}, nil
}

// Probe checks admissibility and artifact resolvability without
// triggering a load; a full load is too expensive for a health probe.
func (p *Provider) Probe(context.Context) bool {
	if !p.mgr.Resolvable(p.cfg.ID) {
		return false
	}
	return p.mgr.Admit(p.cfg.ID) == nil
}
