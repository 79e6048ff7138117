package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/revoforge/modelgate/pkg/provider"
)

// Config is the full orchestration configuration loaded at startup.
// A schema violation rejects process start; only absent optional fields
// are defaulted.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Health    HealthConfig     `yaml:"health"`
	Executor  ExecutorConfig   `yaml:"executor"`
}

// ProviderConfig is the immutable per-provider configuration.
type ProviderConfig struct {
	ID        string  `yaml:"id"`
	Kind      string  `yaml:"kind"`
	Priority  int     `yaml:"priority"`
	Enabled   *bool   `yaml:"enabled,omitempty"`
	Model     string  `yaml:"model,omitempty"`
	CostPer1K float64 `yaml:"cost_per_1k_tokens,omitempty"`
	MaxTokens int     `yaml:"max_tokens,omitempty"`

	// ContentTags bias routing toward this provider for matching
	// requests. Profiles name the resource profiles this provider is
	// suited for.
	ContentTags []string `yaml:"content_tags,omitempty"`
	Profiles    []string `yaml:"profiles,omitempty"`

	// api kind only. Vendor selects the client implementation
	// (anthropic, openai, google, deepseek); defaults to the id.
	Vendor        string `yaml:"vendor,omitempty"`
	CredentialEnv string `yaml:"credential_env,omitempty"`

	// local kind only.
	ModelPath     string  `yaml:"model_path,omitempty"`
	SourceURL     string  `yaml:"source_url,omitempty"`
	MinRAMGB      float64 `yaml:"min_ram_gb,omitempty"`
	Quantization  string  `yaml:"quantization,omitempty"`
	ContextWindow int     `yaml:"context_window,omitempty"`
}

// IsEnabled reports the configured enabled flag, defaulting to true.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// VendorName returns the api client vendor, defaulting to the id.
func (p ProviderConfig) VendorName() string {
	if p.Vendor != "" {
		return p.Vendor
	}
	return p.ID
}

// HasTag reports whether the provider declares the given content tag.
func (p ProviderConfig) HasTag(tag string) bool {
	for _, t := range p.ContentTags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasProfile reports whether the provider is flagged for the profile.
func (p ProviderConfig) HasProfile(name string) bool {
	for _, pr := range p.Profiles {
		if pr == name {
			return true
		}
	}
	return false
}

// Credential resolves the provider's API key from the environment.
func (p ProviderConfig) Credential() string {
	if p.CredentialEnv == "" {
		return ""
	}
	return os.Getenv(p.CredentialEnv)
}

// ContentRule is one ordered (pattern, tag) classification rule.
type ContentRule struct {
	Pattern string `yaml:"pattern"`
	Tag     string `yaml:"tag"`
}

// ResourceProfile caps request size for a host resource situation.
type ResourceProfile struct {
	MaxTokens int `yaml:"max_tokens"`
}

// RoutingConfig holds chain-building configuration.
type RoutingConfig struct {
	// Strategy is "priority" (tag/profile/priority ordering) or
	// "cheapest" (pure cost ascending).
	Strategy string `yaml:"strategy,omitempty"`

	ContentRules []ContentRule              `yaml:"content_rules,omitempty"`
	Profiles     map[string]ResourceProfile `yaml:"profiles,omitempty"`

	// LowMemoryThresholdGB selects the low_memory profile when probed
	// available RAM falls below it.
	LowMemoryThresholdGB float64 `yaml:"low_memory_threshold_gb,omitempty"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	FailureThreshold int `yaml:"failure_threshold,omitempty"`
	ProbeIntervalSec int `yaml:"probe_interval_sec,omitempty"`
	ProbeTimeoutSec  int `yaml:"probe_timeout_sec,omitempty"`
}

// ExecutorConfig tunes the fallback executor.
type ExecutorConfig struct {
	CandidateTimeoutSec int `yaml:"candidate_timeout_sec,omitempty"`
}

// Routing strategy names.
const (
	StrategyPriority = "priority"
	StrategyCheapest = "cheapest"
)

// Resource profile names referenced by the routing policy.
const (
	ProfileLowMemory = "low_memory"
	ProfileStandard  = "standard_memory"
)

// Load reads and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// TemplateProvider returns the configured template provider.
func (c *Config) TemplateProvider() (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Kind == string(provider.KindTemplate) {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func applyDefaults(cfg *Config) {
	if cfg.Routing.Strategy == "" {
		cfg.Routing.Strategy = StrategyPriority
	}
	if cfg.Routing.Profiles == nil {
		cfg.Routing.Profiles = map[string]ResourceProfile{}
	}
	if _, ok := cfg.Routing.Profiles[ProfileLowMemory]; !ok {
		cfg.Routing.Profiles[ProfileLowMemory] = ResourceProfile{MaxTokens: 1024}
	}
	if _, ok := cfg.Routing.Profiles[ProfileStandard]; !ok {
		cfg.Routing.Profiles[ProfileStandard] = ResourceProfile{MaxTokens: 4096}
	}
	if cfg.Routing.LowMemoryThresholdGB == 0 {
		cfg.Routing.LowMemoryThresholdGB = 4
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Health.ProbeIntervalSec == 0 {
		cfg.Health.ProbeIntervalSec = 30
	}
	if cfg.Health.ProbeTimeoutSec == 0 {
		cfg.Health.ProbeTimeoutSec = 5
	}
	if cfg.Executor.CandidateTimeoutSec == 0 {
		cfg.Executor.CandidateTimeoutSec = 10
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].MaxTokens == 0 {
			cfg.Providers[i].MaxTokens = 2048
		}
	}
}

// Validate checks the configuration schema.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	templates := 0
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		kind, err := provider.ParseKind(p.Kind)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.ID, err)
		}
		if p.CostPer1K < 0 {
			return fmt.Errorf("provider %q: cost_per_1k_tokens must not be negative", p.ID)
		}

		switch kind {
		case provider.KindAPI:
			switch p.VendorName() {
			case "anthropic", "openai", "google", "deepseek":
			default:
				return fmt.Errorf("provider %q: unknown api vendor %q", p.ID, p.VendorName())
			}
		case provider.KindLocal:
			if p.CostPer1K != 0 {
				return fmt.Errorf("provider %q: local providers have zero cost", p.ID)
			}
			if p.ModelPath == "" {
				return fmt.Errorf("provider %q: local provider requires model_path", p.ID)
			}
			if p.MinRAMGB <= 0 {
				return fmt.Errorf("provider %q: local provider requires min_ram_gb", p.ID)
			}
		case provider.KindTemplate:
			templates++
			if p.CostPer1K != 0 {
				return fmt.Errorf("provider %q: template provider has zero cost", p.ID)
			}
			if p.Enabled != nil && !*p.Enabled {
				return fmt.Errorf("provider %q: template provider cannot be disabled", p.ID)
			}
		}

		for _, name := range p.Profiles {
			if _, ok := c.Routing.Profiles[name]; !ok {
				return fmt.Errorf("provider %q: unknown resource profile %q", p.ID, name)
			}
		}
	}

	if templates != 1 {
		return fmt.Errorf("exactly one template provider is required, found %d", templates)
	}

	switch c.Routing.Strategy {
	case StrategyPriority, StrategyCheapest:
	default:
		return fmt.Errorf("unknown routing strategy %q", c.Routing.Strategy)
	}

	for i, rule := range c.Routing.ContentRules {
		if rule.Tag == "" {
			return fmt.Errorf("content rule %d: empty tag", i)
		}
		if _, err := regexp.Compile("(?i)" + rule.Pattern); err != nil {
			return fmt.Errorf("content rule %d (%s): invalid pattern: %w", i, rule.Tag, err)
		}
	}

	for name, profile := range c.Routing.Profiles {
		if profile.MaxTokens <= 0 {
			return fmt.Errorf("resource profile %q: max_tokens must be positive", name)
		}
	}

	return nil
}
