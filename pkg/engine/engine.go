// Package engine wires the registry, health monitor, routing policy,
// local model manager, and metrics tracker into one orchestration
// context, and walks fallback chains for generation requests.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/hardware"
	"github.com/revoforge/modelgate/pkg/health"
	"github.com/revoforge/modelgate/pkg/localmodel"
	"github.com/revoforge/modelgate/pkg/metrics"
	"github.com/revoforge/modelgate/pkg/provider"
	"github.com/revoforge/modelgate/pkg/registry"
	"github.com/revoforge/modelgate/pkg/routing"
)

// ProviderStatus is the admin view of one provider.
type ProviderStatus struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Enabled     bool   `json:"enabled"`
	Available   bool   `json:"available"`
	HealthState string `json:"health_state"`
}

// Factory builds a provider instance from its config and credential.
type Factory func(ctx context.Context, cfg config.ProviderConfig, credential string, mgr *localmodel.Manager) (provider.Provider, error)

// Engine is the orchestration facade exposed to transports.
type Engine struct {
	cfg      *config.Config
	registry *registry.Registry
	health   *health.Monitor
	metrics  *metrics.Tracker
	policy   *routing.Policy
	local    *localmodel.Manager
	factory  Factory

	mu        sync.RWMutex
	providers map[string]provider.Provider
	preferred string

	timeout      time.Duration
	cancelProber context.CancelFunc
	log          zerolog.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	probe   hardware.Prober
	loader  localmodel.Loader
	factory Factory
	logger  *zerolog.Logger
}

// WithProber injects a hardware prober; tests use it to pin resource
// state.
func WithProber(p hardware.Prober) Option {
	return func(o *options) { o.probe = p }
}

// WithLoader injects a local model loader.
func WithLoader(l localmodel.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithFactory injects a provider factory.
func WithFactory(f Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// New constructs the engine from validated configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := zerolog.Nop()
	if o.logger != nil {
		logger = *o.logger
	}
	if o.probe == nil {
		o.probe = hardware.Probe
	}
	if o.loader == nil {
		o.loader = localmodel.NewLlamaLoader()
	}
	if o.factory == nil {
		o.factory = defaultFactory
	}

	reg, err := registry.New(cfg.Providers)
	if err != nil {
		return nil, err
	}

	hm := health.New(cfg.Health.FailureThreshold, logger)
	mgr := localmodel.NewManager(cfg.Providers, o.loader, o.probe, logger)
	tracker := metrics.New(cfg.Providers)

	policy, err := routing.New(reg, hm, cfg.Routing, o.probe, tracker.CostRank)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		registry:  reg,
		health:    hm,
		metrics:   tracker,
		policy:    policy,
		local:     mgr,
		factory:   o.factory,
		providers: make(map[string]provider.Provider),
		timeout:   time.Duration(cfg.Executor.CandidateTimeoutSec) * time.Second,
		log:       logger.With().Str("component", "engine").Logger(),
	}

	// Only one local model can be resident at a time, so the
	// highest-capability admissible model starts available; any others
	// wait for an explicit enable.
	bestLocal, _ := mgr.SelectAdmissible()

	for _, pc := range cfg.Providers {
		if provider.Kind(pc.Kind) == provider.KindLocal {
			_ = reg.SetAvailable(pc.ID, pc.ID == bestLocal)
		}
		if provider.Kind(pc.Kind) == provider.KindAPI && reg.Credential(pc.ID) == "" {
			e.log.Warn().Str("provider", pc.ID).Str("env", pc.CredentialEnv).
				Msg("api provider registered without credential")
			continue
		}

		p, err := e.factory(ctx, pc, reg.Credential(pc.ID), mgr)
		if err != nil {
			e.log.Warn().Err(err).Str("provider", pc.ID).Msg("provider construction failed")
			_ = reg.SetAvailable(pc.ID, false)
			continue
		}
		e.providers[pc.ID] = p
	}

	return e, nil
}

// Start launches the background recovery prober. Stop cancels it.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelProber = cancel

	interval := time.Duration(e.cfg.Health.ProbeIntervalSec) * time.Second
	timeout := time.Duration(e.cfg.Health.ProbeTimeoutSec) * time.Second

	go e.health.RunProber(ctx, interval, timeout, e.probeTargets, e.probeProvider)
}

// Stop halts the background prober.
func (e *Engine) Stop() {
	if e.cancelProber != nil {
		e.cancelProber()
	}
}

func (e *Engine) probeTargets() []string {
	var ids []string
	for _, cfg := range e.registry.List("") {
		if e.registry.IsEnabled(cfg.ID) && e.registry.IsAvailable(cfg.ID) {
			ids = append(ids, cfg.ID)
		}
	}
	return ids
}

func (e *Engine) probeProvider(ctx context.Context, id string) bool {
	p := e.providerFor(id)
	if p == nil {
		return false
	}
	return p.Probe(ctx)
}

func (e *Engine) providerFor(id string) provider.Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.providers[id]
}

// Generate routes the request across the candidate chain and returns
// the first success. Provider failures never surface to the caller;
// the template degrade result is the unconditional backstop. Only a
// malformed request returns an error.
func (e *Engine) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Preferred == "" {
		e.mu.RLock()
		req.Preferred = e.preferred
		e.mu.RUnlock()
	}

	plan := e.policy.BuildChain(req)
	req.Tags = plan.Tags
	if req.MaxTokens <= 0 || req.MaxTokens > plan.MaxTokens {
		req.MaxTokens = plan.MaxTokens
	}

	e.log.Debug().Str("request", req.ID).Strs("chain", plan.Chain).
		Strs("tags", plan.Tags).Str("profile", plan.Profile).Msg("built candidate chain")

	for i, id := range plan.Chain {
		p := e.providerFor(id)
		if p == nil {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		start := time.Now()
		res, err := p.Generate(attemptCtx, req)
		latency := time.Since(start)
		cancel()

		if err == nil {
			e.health.RecordOutcome(id, true, latency)
			res.LatencyMS = latency.Milliseconds()
			e.metrics.Record(*res)
			if i > 0 {
				e.metrics.RecordFallback()
				e.log.Warn().Str("request", req.ID).Str("provider", id).
					Int("attempt", i+1).Msg("request served after fallback")
			}
			return res, nil
		}

		switch provider.Classify(err) {
		case provider.ClassAuth, provider.ClassConfig:
			// Not transient: the provider is unusable as
			// configured. Skip without a health penalty and keep
			// it out of the session's chains.
			e.log.Warn().Err(err).Str("request", req.ID).Str("provider", id).
				Msg("provider unusable, disabling for session")
			_ = e.registry.SetEnabled(id, false)
		case provider.ClassModelLoad:
			e.log.Warn().Err(err).Str("request", req.ID).Str("provider", id).
				Msg("local model failed to load, marking unavailable")
			_ = e.registry.SetAvailable(id, false)
		default:
			e.health.RecordOutcome(id, false, latency)
			e.log.Debug().Err(err).Str("request", req.ID).Str("provider", id).
				Dur("latency", latency).Msg("candidate failed, advancing")
		}
	}

	// Chain exhausted. The template result is the terminal path; it
	// never fails.
	e.log.Warn().Str("request", req.ID).Msg("chain exhausted, serving degrade response")
	res := e.degradeResult(req)
	e.metrics.Record(*res)
	e.metrics.RecordFallback()
	return res, nil
}

func (e *Engine) degradeResult(req provider.Request) *provider.Result {
	tmplCfg, ok := e.cfg.TemplateProvider()
	id := "template"
	if ok {
		id = tmplCfg.ID
	}
	if p := e.providerFor(id); p != nil {
		if res, err := p.Generate(context.Background(), req); err == nil {
			return res
		}
	}
	res, _ := provider.NewTemplate(id).Generate(context.Background(), req)
	return res
}

// GetMetrics returns the aggregate counters.
func (e *Engine) GetMetrics() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// GetProviderStatus returns the admin view of every provider.
func (e *Engine) GetProviderStatus() []ProviderStatus {
	var out []ProviderStatus
	for _, cfg := range e.registry.List("") {
		out = append(out, ProviderStatus{
			ID:          cfg.ID,
			Kind:        cfg.Kind,
			Enabled:     e.registry.IsEnabled(cfg.ID),
			Available:   e.registry.IsAvailable(cfg.ID),
			HealthState: e.health.StateOf(cfg.ID).String(),
		})
	}
	return out
}

// GetHealth returns the health snapshot of tracked providers.
func (e *Engine) GetHealth() map[string]health.Health {
	return e.health.Snapshot()
}

// SwitchPreferred pins a provider to the front of future chains.
// An empty id clears the pin.
func (e *Engine) SwitchPreferred(id string) error {
	if id != "" {
		if _, err := e.registry.Get(id); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.preferred = id
	e.mu.Unlock()
	return nil
}

// SetCredential stores a credential for an api provider and rebuilds
// its client.
func (e *Engine) SetCredential(ctx context.Context, id, secret string) error {
	if err := e.registry.SetCredential(id, secret); err != nil {
		return err
	}

	cfg, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	p, err := e.factory(ctx, cfg, secret, e.local)
	if err != nil {
		_ = e.registry.SetAvailable(id, false)
		return err
	}

	e.mu.Lock()
	e.providers[id] = p
	e.mu.Unlock()
	return nil
}

// SetEnabled toggles a provider. Re-enabling a local provider clears
// its permanent load failure and re-checks artifact resolvability;
// this is the explicit admin action that re-admits it.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	if err := e.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	cfg, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if enabled && provider.Kind(cfg.Kind) == provider.KindLocal {
		e.local.ClearFailure(id)
		_ = e.registry.SetAvailable(id, e.local.Resolvable(id))
	}
	return nil
}

// defaultFactory builds the real provider implementations.
func defaultFactory(ctx context.Context, cfg config.ProviderConfig, credential string, mgr *localmodel.Manager) (provider.Provider, error) {
	switch provider.Kind(cfg.Kind) {
	case provider.KindTemplate:
		return provider.NewTemplate(cfg.ID), nil
	case provider.KindLocal:
		return localmodel.NewProvider(cfg, mgr), nil
	case provider.KindAPI:
		switch cfg.VendorName() {
		case "anthropic":
			return provider.NewAnthropic(cfg.ID, credential, cfg.Model, cfg.CostPer1K, cfg.MaxTokens)
		case "openai":
			return provider.NewOpenAI(cfg.ID, credential, cfg.Model, cfg.CostPer1K, cfg.MaxTokens)
		case "google":
			return provider.NewGemini(ctx, cfg.ID, credential, cfg.Model, cfg.CostPer1K, cfg.MaxTokens)
		case "deepseek":
			return provider.NewDeepSeek(cfg.ID, credential, cfg.Model, cfg.CostPer1K, cfg.MaxTokens)
		}
	}
	return nil, provider.ConfigError(cfg.ID, fmt.Errorf("no implementation for kind=%s vendor=%s", cfg.Kind, cfg.VendorName()))
}
