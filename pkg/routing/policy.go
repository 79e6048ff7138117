// Package routing derives the ordered candidate chain for one request
// from static priority, content classification, and host resource
// state.
package routing

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/hardware"
	"github.com/revoforge/modelgate/pkg/health"
	"github.com/revoforge/modelgate/pkg/provider"
	"github.com/revoforge/modelgate/pkg/registry"
)

// Plan is the routing decision for one request.
type Plan struct {
	// Chain is the ordered candidate provider ids.
	Chain []string

	// Tags are the content labels matched against the prompt.
	Tags []string

	// Profile is the selected resource profile name; MaxTokens is its
	// request cap.
	Profile   string
	MaxTokens int
}

type compiledRule struct {
	re  *regexp.Regexp
	tag string
}

// Policy builds deterministic candidate chains. Identical request,
// registry, and health state always produce the identical chain.
type Policy struct {
	registry *registry.Registry
	health   *health.Monitor
	rules    []compiledRule
	cfg      config.RoutingConfig
	probe    hardware.Prober
	rank     func() []string
}

// New compiles the routing configuration. rank supplies the cost
// ordering for the cheapest strategy.
func New(reg *registry.Registry, hm *health.Monitor, cfg config.RoutingConfig, probe hardware.Prober, rank func() []string) (*Policy, error) {
	p := &Policy{registry: reg, health: hm, cfg: cfg, probe: probe, rank: rank}
	if p.probe == nil {
		p.probe = hardware.Probe
	}

	for i, rule := range cfg.ContentRules {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("content rule %d (%s): %w", i, rule.Tag, err)
		}
		p.rules = append(p.rules, compiledRule{re: re, tag: rule.Tag})
	}
	return p, nil
}

// ClassifyTags matches the prompt against the ordered rules. First
// match wins per tag; a request may carry zero or more tags.
func (p *Policy) ClassifyTags(prompt string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, rule := range p.rules {
		if seen[rule.tag] {
			continue
		}
		if rule.re.MatchString(prompt) {
			seen[rule.tag] = true
			tags = append(tags, rule.tag)
		}
	}
	return tags
}

// BuildChain produces the ordered candidate list for the request. The
// chain is never empty: when zero real providers are eligible, the
// template provider is the sole entry.
func (p *Policy) BuildChain(req provider.Request) Plan {
	tags := req.Tags
	if tags == nil {
		tags = p.ClassifyTags(req.Prompt)
	}

	profileName := config.ProfileStandard
	if p.probe().AvailableRAMGB < p.cfg.LowMemoryThresholdGB {
		profileName = config.ProfileLowMemory
	}
	maxTokens := p.cfg.Profiles[profileName].MaxTokens

	var templateID string
	var candidates []config.ProviderConfig
	for _, cfg := range p.registry.List("") {
		if provider.Kind(cfg.Kind) == provider.KindTemplate {
			templateID = cfg.ID
		}
		if !p.eligible(cfg.ID) {
			continue
		}
		candidates = append(candidates, cfg)
	}

	if p.cfg.Strategy == config.StrategyCheapest {
		candidates = p.orderByCost(candidates, templateID)
	} else {
		candidates = p.orderByPriority(candidates, tags, profileName)
	}

	chain := make([]string, 0, len(candidates))
	for _, cfg := range candidates {
		chain = append(chain, cfg.ID)
	}

	// Preferred pin: move to the front when present and eligible.
	if req.Preferred != "" {
		for i, id := range chain {
			if id == req.Preferred {
				chain = append(chain[:i], chain[i+1:]...)
				chain = append([]string{id}, chain...)
				break
			}
		}
	}

	if len(chain) == 0 && templateID != "" {
		chain = []string{templateID}
	}

	return Plan{Chain: chain, Tags: tags, Profile: profileName, MaxTokens: maxTokens}
}

func (p *Policy) eligible(id string) bool {
	return p.registry.IsEnabled(id) && p.registry.IsAvailable(id) && p.health.IsEligible(id)
}

// orderByPriority applies the standard merge: content-tag matches
// first, then resource-profile matches, then ascending priority, then
// ascending cost. The sort is stable, so registration order breaks
// remaining ties.
func (p *Policy) orderByPriority(candidates []config.ProviderConfig, tags []string, profileName string) []config.ProviderConfig {
	matchesTag := func(cfg config.ProviderConfig) bool {
		for _, tag := range tags {
			if cfg.HasTag(tag) {
				return true
			}
		}
		return false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		at, bt := matchesTag(a), matchesTag(b)
		if at != bt {
			return at
		}
		ap, bp := a.HasProfile(profileName), b.HasProfile(profileName)
		if ap != bp {
			return ap
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CostPer1K < b.CostPer1K
	})
	return candidates
}

// orderByCost applies the "always cheapest" strategy. The template
// provider stays last regardless of its zero cost; it is the backstop,
// not a first choice.
func (p *Policy) orderByCost(candidates []config.ProviderConfig, templateID string) []config.ProviderConfig {
	pos := make(map[string]int)
	for i, id := range p.rank() {
		pos[id] = i
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.ID == templateID) != (b.ID == templateID) {
			return b.ID == templateID
		}
		return pos[a.ID] < pos[b.ID]
	})
	return candidates
}
