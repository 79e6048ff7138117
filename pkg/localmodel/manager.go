// Package localmodel manages the lifecycle of locally-loaded quantized
// models: hardware admission, artifact download, singleton residency,
// and the generation gate.
package localmodel

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/hardware"
	"github.com/revoforge/modelgate/pkg/provider"
)

// Handle is a resident model instance.
type Handle interface {
	// ModelID returns the provider id of the loaded model.
	ModelID() string

	// Generate runs one inference. The underlying engines are not
	// reentrant; callers must hold the manager's generation gate.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (content string, tokens int, err error)

	// Close releases the instance.
	Close() error
}

// Loader materializes a Handle from a model artifact.
type Loader interface {
	Load(ctx context.Context, cfg config.ProviderConfig, level hardware.OptimizationLevel) (Handle, error)
}

// Manager enforces the single-resident-model invariant and permanent
// failure semantics: a failed download or load disables the model for
// the remainder of the process.
type Manager struct {
	mu      sync.Mutex
	loader  Loader
	probe   hardware.Prober
	models  map[string]config.ProviderConfig
	current Handle

	// failedMu guards failed on its own so availability checks never
	// wait behind an in-flight load holding mu.
	failedMu sync.Mutex
	failed   map[string]error

	// gate serializes generation on the resident instance. Size 1:
	// the inference engine is not safe for parallel generations.
	gate *semaphore.Weighted
	log  zerolog.Logger
}

// NewManager creates a manager for the configured local models.
func NewManager(cfgs []config.ProviderConfig, loader Loader, probe hardware.Prober, logger zerolog.Logger) *Manager {
	models := make(map[string]config.ProviderConfig)
	for _, cfg := range cfgs {
		if provider.Kind(cfg.Kind) == provider.KindLocal {
			models[cfg.ID] = cfg
		}
	}
	if probe == nil {
		probe = hardware.Probe
	}
	return &Manager{
		loader: loader,
		probe:  probe,
		models: models,
		failed: make(map[string]error),
		gate:   semaphore.NewWeighted(1),
		log:    logger.With().Str("component", "localmodel").Logger(),
	}
}

// Admit checks the model against probed host resources. Models whose
// min_ram_gb exceeds available RAM are rejected before any download.
func (m *Manager) Admit(id string) error {
	cfg, ok := m.models[id]
	if !ok {
		return provider.ConfigError(id, fmt.Errorf("unknown local model"))
	}
	profile := m.probe()
	if cfg.MinRAMGB > profile.AvailableRAMGB {
		return provider.ModelLoadError(id, fmt.Errorf(
			"model requires %.1f GB RAM, %.1f GB available", cfg.MinRAMGB, profile.AvailableRAMGB))
	}
	return nil
}

// SelectAdmissible returns the highest-capability usable model: the
// resolvable, admissible model with the largest min_ram_gb requirement.
func (m *Manager) SelectAdmissible() (string, bool) {
	var best string
	var bestRAM float64 = -1
	for id, cfg := range m.models {
		if !m.Resolvable(id) || m.Admit(id) != nil {
			continue
		}
		if cfg.MinRAMGB > bestRAM {
			best, bestRAM = id, cfg.MinRAMGB
		}
	}
	return best, bestRAM >= 0
}

// Resolvable reports whether the model artifact exists or can be
// fetched. Used at registration to decide initial availability.
func (m *Manager) Resolvable(id string) bool {
	cfg, ok := m.models[id]
	if !ok {
		return false
	}
	if m.failure(id) != nil {
		return false
	}
	return artifactPresent(cfg.ModelPath) || cfg.SourceURL != ""
}

func (m *Manager) failure(id string) error {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	return m.failed[id]
}

func (m *Manager) setFailure(id string, err error) {
	m.failedMu.Lock()
	m.failed[id] = err
	m.failedMu.Unlock()
}

// EnsureLoaded returns a handle to the resident instance of the model,
// loading it first if needed. Loading another model while one is
// resident unloads the current one. A download or load failure is
// permanent for the process.
func (m *Manager) EnsureLoaded(ctx context.Context, id string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.models[id]
	if !ok {
		return nil, provider.ConfigError(id, fmt.Errorf("unknown local model"))
	}
	if err := m.failure(id); err != nil {
		return nil, provider.ModelLoadError(id, fmt.Errorf("previously failed to load: %w", err))
	}
	if err := m.Admit(id); err != nil {
		return nil, err
	}

	if m.current != nil {
		if m.current.ModelID() == id {
			return m.current, nil
		}
		m.log.Info().Str("unloading", m.current.ModelID()).Str("loading", id).
			Msg("swapping resident model")
		m.unloadLocked()
	}

	if err := m.ensureArtifact(ctx, cfg); err != nil {
		m.setFailure(id, err)
		return nil, provider.ModelLoadError(id, err)
	}

	level := m.probe().OptimizationLevel()
	h, err := m.loader.Load(ctx, cfg, level)
	if err != nil {
		m.setFailure(id, err)
		return nil, provider.ModelLoadError(id, err)
	}

	m.log.Info().Str("model", id).Str("optimization", string(level)).Msg("local model loaded")
	m.current = h
	return h, nil
}

// Unload releases the resident instance if it is the given model.
func (m *Manager) Unload(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ModelID() == id {
		m.unloadLocked()
	}
}

func (m *Manager) unloadLocked() {
	if err := m.current.Close(); err != nil {
		m.log.Warn().Err(err).Str("model", m.current.ModelID()).Msg("unload failed")
	}
	m.current = nil
}

// CurrentLoaded returns the resident model id, if any.
func (m *Manager) CurrentLoaded() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.ModelID(), true
}

// ClearFailure re-admits a model after an explicit admin action.
func (m *Manager) ClearFailure(id string) {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	delete(m.failed, id)
}

// Acquire takes the generation gate; callers must Release after the
// inference call returns.
func (m *Manager) Acquire(ctx context.Context) error {
	return m.gate.Acquire(ctx, 1)
}

// Release returns the generation gate.
func (m *Manager) Release() {
	m.gate.Release(1)
}
