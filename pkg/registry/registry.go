// Package registry holds the typed configuration and runtime admin
// state (enabled, available, credential) for every provider.
package registry

import (
	"fmt"
	"sync"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/provider"
)

// ErrNotFound is returned when a provider id is not registered.
var ErrNotFound = fmt.Errorf("provider not found")

type entry struct {
	cfg        config.ProviderConfig
	enabled    bool
	available  bool
	credential string
}

// Registry indexes provider configurations by id, preserving
// registration order for deterministic listing and tie-breaking.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// New builds a registry from validated configuration. Availability at
// registration: api providers need a resolvable credential, local
// providers stay unavailable until the lifecycle manager confirms the
// model artifact, template providers are always available.
func New(cfgs []config.ProviderConfig) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(cfgs))}
	for _, cfg := range cfgs {
		if _, ok := r.entries[cfg.ID]; ok {
			return nil, fmt.Errorf("duplicate provider id %q", cfg.ID)
		}

		e := &entry{cfg: cfg, enabled: cfg.IsEnabled()}
		switch provider.Kind(cfg.Kind) {
		case provider.KindAPI:
			e.credential = cfg.Credential()
			e.available = e.credential != ""
		case provider.KindTemplate:
			e.available = true
		case provider.KindLocal:
			e.available = false
		}

		r.entries[cfg.ID] = e
		r.order = append(r.order, cfg.ID)
	}
	return r, nil
}

// List returns provider configs in registration order, optionally
// filtered by kind. An empty kind returns everything.
func (r *Registry) List(kind provider.Kind) []config.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []config.ProviderConfig
	for _, id := range r.order {
		e := r.entries[id]
		if kind != "" && provider.Kind(e.cfg.Kind) != kind {
			continue
		}
		out = append(out, e.cfg)
	}
	return out
}

// Get returns the config for a provider id.
func (r *Registry) Get(id string) (config.ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return config.ProviderConfig{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.cfg, nil
}

// SetEnabled toggles a provider. The template provider is the terminal
// degrade path and cannot be disabled.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !enabled && provider.Kind(e.cfg.Kind) == provider.KindTemplate {
		return fmt.Errorf("template provider %s cannot be disabled", id)
	}
	e.enabled = enabled
	return nil
}

// IsEnabled reports the provider's enabled flag.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return ok && e.enabled
}

// SetAvailable marks whether the provider's backing capability is
// usable (credential present, model artifact resolvable).
func (r *Registry) SetAvailable(id string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.available = available
	return nil
}

// IsAvailable reports the provider's availability flag.
func (r *Registry) IsAvailable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return ok && e.available
}

// SetCredential stores a credential for an api provider and marks it
// available. Non-api providers reject the call with an auth error.
func (r *Registry) SetCredential(id, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if provider.Kind(e.cfg.Kind) != provider.KindAPI {
		return provider.AuthError(id, fmt.Errorf("provider kind %s takes no credential", e.cfg.Kind))
	}
	if secret == "" {
		return provider.AuthError(id, fmt.Errorf("empty credential"))
	}
	e.credential = secret
	e.available = true
	return nil
}

// Credential returns the stored credential for an api provider.
func (r *Registry) Credential(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[id]; ok {
		return e.credential
	}
	return ""
}
