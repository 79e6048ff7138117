package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/hardware"
	"github.com/revoforge/modelgate/pkg/health"
	"github.com/revoforge/modelgate/pkg/localmodel"
	"github.com/revoforge/modelgate/pkg/provider"
)

type fakeProvider struct {
	id    string
	kind  provider.Kind
	calls atomic.Int32
	gen   func(ctx context.Context, req provider.Request) (*provider.Result, error)
}

func (f *fakeProvider) ID() string          { return f.id }
func (f *fakeProvider) Kind() provider.Kind { return f.kind }
func (f *fakeProvider) Probe(context.Context) bool {
	return true
}
func (f *fakeProvider) CostEstimate(tokens int) float64 { return 0 }

func (f *fakeProvider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	f.calls.Add(1)
	return f.gen(ctx, req)
}

func succeedWith(id string) func(context.Context, provider.Request) (*provider.Result, error) {
	return func(_ context.Context, req provider.Request) (*provider.Result, error) {
		return &provider.Result{
			Content:    "ok from " + id,
			ProviderID: id,
			TokensUsed: 10,
			Cost:       0.001,
			Confidence: 1,
		}, nil
	}
}

func failWith(err error) func(context.Context, provider.Request) (*provider.Result, error) {
	return func(context.Context, provider.Request) (*provider.Result, error) {
		return nil, err
	}
}

// fakeFactory returns scripted providers for api ids and the real
// template implementation for the template kind.
func fakeFactory(fakes map[string]*fakeProvider) Factory {
	return func(_ context.Context, cfg config.ProviderConfig, _ string, _ *localmodel.Manager) (provider.Provider, error) {
		if provider.Kind(cfg.Kind) == provider.KindTemplate {
			return provider.NewTemplate(cfg.ID), nil
		}
		if f, ok := fakes[cfg.ID]; ok {
			return f, nil
		}
		return nil, fmt.Errorf("no fake for %s", cfg.ID)
	}
}

func testConfig(providers ...config.ProviderConfig) *config.Config {
	return &config.Config{
		Providers: providers,
		Routing: config.RoutingConfig{
			Strategy: config.StrategyPriority,
			ContentRules: []config.ContentRule{
				{Pattern: "code|programming|function|algorithm", Tag: "code"},
			},
			Profiles: map[string]config.ResourceProfile{
				config.ProfileLowMemory: {MaxTokens: 1024},
				config.ProfileStandard:  {MaxTokens: 4096},
			},
			LowMemoryThresholdGB: 4,
		},
		Health:   config.HealthConfig{FailureThreshold: 3, ProbeIntervalSec: 30, ProbeTimeoutSec: 5},
		Executor: config.ExecutorConfig{CandidateTimeoutSec: 10},
	}
}

func apiProvider(id string, priority int) config.ProviderConfig {
	return config.ProviderConfig{
		ID: id, Kind: "api", Vendor: "openai", Priority: priority,
		CostPer1K: 0.01, CredentialEnv: "ENGINE_TEST_KEY", MaxTokens: 2048,
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, fakes map[string]*fakeProvider) *Engine {
	t.Helper()
	t.Setenv("ENGINE_TEST_KEY", "sk-test")

	e, err := New(context.Background(), cfg,
		WithFactory(fakeFactory(fakes)),
		WithProber(func() hardware.Profile {
			return hardware.Profile{CPUCores: 8, RAMGB: 16, AvailableRAMGB: 8}
		}),
	)
	require.NoError(t, err)
	return e
}

func TestGenerateFirstCandidateSucceeds(t *testing.T) {
	p1 := &fakeProvider{id: "p1", kind: provider.KindAPI, gen: succeedWith("p1")}
	p2 := &fakeProvider{id: "p2", kind: provider.KindAPI, gen: succeedWith("p2")}

	e := newTestEngine(t,
		testConfig(apiProvider("p1", 1), apiProvider("p2", 2),
			config.ProviderConfig{ID: "template", Kind: "template", Priority: 99}),
		map[string]*fakeProvider{"p1": p1, "p2": p2})

	res, err := e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "p1", res.ProviderID)
	require.Zero(t, p2.calls.Load(), "lower-ranked candidates must not be attempted")

	snap := e.GetMetrics()
	require.Equal(t, int64(1), snap.TotalRequests)
	require.Zero(t, snap.FallbackEvents)
	require.Equal(t, health.StateHealthy, e.GetHealth()["p1"].State)
}

func TestGenerateFallsBackOnTransientFailure(t *testing.T) {
	p1 := &fakeProvider{id: "p1", kind: provider.KindAPI,
		gen: failWith(provider.TransientError("p1", fmt.Errorf("connect timeout")))}
	p2 := &fakeProvider{id: "p2", kind: provider.KindAPI, gen: succeedWith("p2")}

	e := newTestEngine(t,
		testConfig(apiProvider("p1", 1), apiProvider("p2", 2),
			config.ProviderConfig{ID: "template", Kind: "template", Priority: 99}),
		map[string]*fakeProvider{"p1": p1, "p2": p2})

	res, err := e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "p2", res.ProviderID)

	snap := e.GetMetrics()
	require.Equal(t, int64(1), snap.FallbackEvents)
	require.Equal(t, int64(1), snap.RequestsByProvider["p2"])
	require.Zero(t, snap.RequestsByProvider["p1"])
	require.Equal(t, 1, e.GetHealth()["p1"].ConsecutiveFailures)
}

func TestCandidateTimeoutAdvancesChain(t *testing.T) {
	// p1 never returns on its own; only the per-candidate deadline
	// ends the attempt.
	p1 := &fakeProvider{id: "p1", kind: provider.KindAPI,
		gen: func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	p2 := &fakeProvider{id: "p2", kind: provider.KindAPI, gen: succeedWith("p2")}

	cfg := testConfig(apiProvider("p1", 1), apiProvider("p2", 2),
		config.ProviderConfig{ID: "template", Kind: "template", Priority: 99})
	cfg.Executor.CandidateTimeoutSec = 1
	e := newTestEngine(t, cfg, map[string]*fakeProvider{"p1": p1, "p2": p2})

	res, err := e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "p2", res.ProviderID)

	require.Equal(t, 1, e.GetHealth()["p1"].ConsecutiveFailures,
		"a timed-out attempt penalizes health like any transient failure")
	require.Equal(t, int64(1), e.GetMetrics().FallbackEvents)
	require.Equal(t, int64(1), e.GetMetrics().RequestsByProvider["p2"])
}

func TestHighestCapabilityLocalModelStartsAvailable(t *testing.T) {
	dir := t.TempDir()
	smallPath := filepath.Join(dir, "small.gguf")
	mediumPath := filepath.Join(dir, "medium.gguf")
	require.NoError(t, os.WriteFile(smallPath, []byte("gguf-bytes"), 0o644))
	require.NoError(t, os.WriteFile(mediumPath, []byte("gguf-bytes"), 0o644))

	localSmall := &fakeProvider{id: "local-small", kind: provider.KindLocal, gen: succeedWith("local-small")}
	localMedium := &fakeProvider{id: "local-medium", kind: provider.KindLocal, gen: succeedWith("local-medium")}

	cfg := testConfig(
		config.ProviderConfig{ID: "local-small", Kind: "local", Priority: 1,
			ModelPath: smallPath, MinRAMGB: 2, MaxTokens: 512},
		config.ProviderConfig{ID: "local-medium", Kind: "local", Priority: 2,
			ModelPath: mediumPath, MinRAMGB: 6, MaxTokens: 512},
		config.ProviderConfig{ID: "template", Kind: "template", Priority: 99},
	)
	e := newTestEngine(t, cfg, map[string]*fakeProvider{
		"local-small": localSmall, "local-medium": localMedium,
	})

	// The prober reports 8 GB available: both models fit, so the
	// larger one starts available and the smaller waits for an
	// explicit enable.
	available := map[string]bool{}
	for _, st := range e.GetProviderStatus() {
		available[st.ID] = st.Available
	}
	require.True(t, available["local-medium"])
	require.False(t, available["local-small"])

	res, err := e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "local-medium", res.ProviderID)

	require.NoError(t, e.SetEnabled("local-small", true))
	for _, st := range e.GetProviderStatus() {
		if st.ID == "local-small" {
			require.True(t, st.Available, "explicit enable re-admits the smaller model")
		}
	}
}

func TestGenerateAllDisabledServesTemplate(t *testing.T) {
	p1 := &fakeProvider{id: "p1", kind: provider.KindAPI, gen: succeedWith("p1")}

	e := newTestEngine(t,
		testConfig(apiProvider("p1", 1),
			config.ProviderConfig{ID: "template", Kind: "template", Priority: 99}),
		map[string]*fakeProvider{"p1": p1})
	require.NoError(t, e.SetEnabled("p1", false))

	res, err := e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err, "degraded service must not surface an error")
	require.Equal(t, "template", res.ProviderID)
	require.Zero(t, res.Cost)
	require.InDelta(t, 0.3, res.Confidence, 1e-9)
	require.Zero(t, p1.calls.Load())

	// The template served at chain position zero; no fallback occurred.
	require.Zero(t, e.GetMetrics().FallbackEvents)
}

func TestFallbackServesTagAwareTemplate(t *testing.T) {
	boom := provider.TransientError("p1", fmt.Errorf("boom"))
	p1 := &fakeProvider{id: "p1", kind: provider.KindAPI, gen: failWith(boom)}

	cfg := testConfig(apiProvider("p1", 1),
		config.ProviderConfig{ID: "template", Kind: "template", Priority: 99})
	e := newTestEngine(t, cfg, map[string]*fakeProvider{"p1": p1})

	// Template is in the chain and succeeds, so this is an ordinary
	// fallback, not exhaustion.
	res, err := e.Generate(context.Background(), provider.Request{
		Prompt: "write a function", Tags: []string{"code"}})
	require.NoError(t, err)
	require.Equal(t, "template", res.ProviderID)
	require.Contains(t, res.Content, "func solve()")
	require.Equal(t, int64(1), e.GetMetrics().FallbackEvents)
}

func TestAuthErrorDisablesWithoutHealthPenalty(t *testing.T) {
	p1 := &fakeProvider{id: "p1", kind: provider.KindAPI,
		gen: failWith(provider.AuthError("p1", fmt.Errorf("invalid api key")))}
	p2 := &fakeProvider{id: "p2", kind: provider.KindAPI, gen: succeedWith("p2")}

	e := newTestEngine(t,
		testConfig(apiProvider("p1", 1), apiProvider("p2", 2),
			config.ProviderConfig{ID: "template", Kind: "template", Priority: 99}),
		map[string]*fakeProvider{"p1": p1, "p2": p2})

	res, err := e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "p2", res.ProviderID)

	// No health penalty: the failure was configuration, not capacity.
	require.Equal(t, health.StateUnknown, e.GetHealth()["p1"].State)
	require.Zero(t, e.GetHealth()["p1"].ConsecutiveFailures)

	// And p1 is out of subsequent chains for the session.
	_, err = e.Generate(context.Background(), provider.Request{Prompt: "again"})
	require.NoError(t, err)
	require.Equal(t, int32(1), p1.calls.Load())

	for _, st := range e.GetProviderStatus() {
		if st.ID == "p1" {
			require.False(t, st.Enabled)
		}
	}
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	e := newTestEngine(t,
		testConfig(config.ProviderConfig{ID: "template", Kind: "template", Priority: 99}),
		nil)

	_, err := e.Generate(context.Background(), provider.Request{Prompt: ""})
	require.Error(t, err)

	_, err = e.Generate(context.Background(), provider.Request{Prompt: "x", Temperature: 9})
	require.Error(t, err)
}

func TestGenerateCapsMaxTokensToProfile(t *testing.T) {
	var seen atomic.Int32
	p1 := &fakeProvider{id: "p1", kind: provider.KindAPI,
		gen: func(_ context.Context, req provider.Request) (*provider.Result, error) {
			seen.Store(int32(req.MaxTokens))
			return succeedWith("p1")(context.Background(), req)
		}}

	e := newTestEngine(t,
		testConfig(apiProvider("p1", 1),
			config.ProviderConfig{ID: "template", Kind: "template", Priority: 99}),
		map[string]*fakeProvider{"p1": p1})

	_, err := e.Generate(context.Background(), provider.Request{Prompt: "hello", MaxTokens: 99999})
	require.NoError(t, err)
	require.Equal(t, int32(4096), seen.Load(), "request cap must clamp to the active profile")
}

func TestSwitchPreferred(t *testing.T) {
	p1 := &fakeProvider{id: "p1", kind: provider.KindAPI, gen: succeedWith("p1")}
	p2 := &fakeProvider{id: "p2", kind: provider.KindAPI, gen: succeedWith("p2")}

	e := newTestEngine(t,
		testConfig(apiProvider("p1", 1), apiProvider("p2", 2),
			config.ProviderConfig{ID: "template", Kind: "template", Priority: 99}),
		map[string]*fakeProvider{"p1": p1, "p2": p2})

	require.Error(t, e.SwitchPreferred("ghost"))
	require.NoError(t, e.SwitchPreferred("p2"))

	res, err := e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "p2", res.ProviderID)

	require.NoError(t, e.SwitchPreferred(""))
	res, err = e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "p1", res.ProviderID)
}

func TestSetCredentialRebuildsProvider(t *testing.T) {
	p1 := &fakeProvider{id: "p1", kind: provider.KindAPI, gen: succeedWith("p1")}

	cfg := testConfig(
		config.ProviderConfig{ID: "p1", Kind: "api", Vendor: "openai", Priority: 1,
			CredentialEnv: "ENGINE_TEST_MISSING", CostPer1K: 0.01},
		config.ProviderConfig{ID: "template", Kind: "template", Priority: 99},
	)
	e := newTestEngine(t, cfg, map[string]*fakeProvider{"p1": p1})

	// Without a credential p1 is unavailable; requests land on the
	// template backstop.
	res, err := e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "template", res.ProviderID)

	require.NoError(t, e.SetCredential(context.Background(), "p1", "sk-live"))

	res, err = e.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "p1", res.ProviderID)

	require.Error(t, e.SetCredential(context.Background(), "template", "sk-live"))
}

func TestDegradeResponseMentionsDegradedMode(t *testing.T) {
	e := newTestEngine(t,
		testConfig(config.ProviderConfig{ID: "template", Kind: "template", Priority: 99}),
		nil)

	res, err := e.Generate(context.Background(), provider.Request{Prompt: "what is the weather"})
	require.NoError(t, err)
	require.True(t, strings.Contains(strings.ToLower(res.Content), "degraded"))
}
