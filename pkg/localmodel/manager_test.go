package localmodel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/hardware"
	"github.com/revoforge/modelgate/pkg/provider"
)

type fakeHandle struct {
	id     string
	closed atomic.Bool
}

func (h *fakeHandle) ModelID() string { return h.id }

func (h *fakeHandle) Generate(_ context.Context, prompt string, _ int, _ float64) (string, int, error) {
	return "echo: " + prompt, 5, nil
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

type fakeLoader struct {
	loads   atomic.Int32
	failIDs map[string]bool
	last    *fakeHandle
}

func (l *fakeLoader) Load(_ context.Context, cfg config.ProviderConfig, _ hardware.OptimizationLevel) (Handle, error) {
	l.loads.Add(1)
	if l.failIDs[cfg.ID] {
		return nil, fmt.Errorf("engine refused %s", cfg.ID)
	}
	l.last = &fakeHandle{id: cfg.ID}
	return l.last, nil
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("gguf-bytes"), 0o644))
	return path
}

func newTestManager(t *testing.T, availableGB float64, loader Loader, cfgs ...config.ProviderConfig) *Manager {
	t.Helper()
	probe := func() hardware.Profile {
		return hardware.Profile{CPUCores: 4, RAMGB: 16, AvailableRAMGB: availableGB}
	}
	return NewManager(cfgs, loader, probe, zerolog.Nop())
}

func TestAdmissionRejectsBeforeDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte("gguf-bytes"))
	}))
	defer srv.Close()

	loader := &fakeLoader{}
	m := newTestManager(t, 2, loader, config.ProviderConfig{
		ID: "big", Kind: "local",
		ModelPath: filepath.Join(t.TempDir(), "big.gguf"),
		SourceURL: srv.URL,
		MinRAMGB:  8,
	})

	_, err := m.EnsureLoaded(context.Background(), "big")
	require.Error(t, err)
	require.True(t, provider.IsModelLoad(err))

	require.Zero(t, hits.Load(), "admission rejection must not trigger a download")
	require.Zero(t, loader.loads.Load())

	// Admission failure is resource-dependent, not permanent.
	require.NoError(t, newTestManager(t, 16, loader, config.ProviderConfig{
		ID: "big", Kind: "local", ModelPath: "x", MinRAMGB: 8,
	}).Admit("big"))
}

func TestDownloadIsIdempotent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte("gguf-bytes"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "tiny.gguf")
	loader := &fakeLoader{}
	m := newTestManager(t, 8, loader, config.ProviderConfig{
		ID: "tiny", Kind: "local", ModelPath: path, SourceURL: srv.URL, MinRAMGB: 2,
	})

	h, err := m.EnsureLoaded(context.Background(), "tiny")
	require.NoError(t, err)
	require.Equal(t, "tiny", h.ModelID())
	require.Equal(t, int32(1), hits.Load())
	require.True(t, artifactPresent(path))

	// Second load finds the resident instance; third load after an
	// explicit unload finds the artifact on disk. Neither refetches.
	_, err = m.EnsureLoaded(context.Background(), "tiny")
	require.NoError(t, err)
	m.Unload("tiny")
	_, err = m.EnsureLoaded(context.Background(), "tiny")
	require.NoError(t, err)
	require.Equal(t, int32(1), hits.Load(), "artifact on disk must not be refetched")
}

func TestDownloadFailureIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	loader := &fakeLoader{}
	m := newTestManager(t, 8, loader, config.ProviderConfig{
		ID: "tiny", Kind: "local",
		ModelPath: filepath.Join(t.TempDir(), "tiny.gguf"),
		SourceURL: srv.URL, MinRAMGB: 2,
	})

	_, err := m.EnsureLoaded(context.Background(), "tiny")
	require.Error(t, err)
	require.True(t, provider.IsModelLoad(err))
	require.False(t, m.Resolvable("tiny"))

	// Subsequent attempts fail without touching the network again.
	srv.Close()
	_, err = m.EnsureLoaded(context.Background(), "tiny")
	require.Error(t, err)
	require.True(t, provider.IsModelLoad(err))

	// An explicit admin reset re-admits it.
	m.ClearFailure("tiny")
	require.True(t, m.Resolvable("tiny"))
}

func TestLoadFailureIsPermanent(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "tiny.gguf")

	loader := &fakeLoader{failIDs: map[string]bool{"tiny": true}}
	m := newTestManager(t, 8, loader, config.ProviderConfig{
		ID: "tiny", Kind: "local", ModelPath: path, MinRAMGB: 2,
	})

	_, err := m.EnsureLoaded(context.Background(), "tiny")
	require.Error(t, err)
	require.Equal(t, int32(1), loader.loads.Load())

	_, err = m.EnsureLoaded(context.Background(), "tiny")
	require.Error(t, err)
	require.Equal(t, int32(1), loader.loads.Load(), "failed model must not be retried")
}

func TestSingletonResidencySwap(t *testing.T) {
	dir := t.TempDir()
	pathA := writeArtifact(t, dir, "a.gguf")
	pathB := writeArtifact(t, dir, "b.gguf")

	loader := &fakeLoader{}
	m := newTestManager(t, 8, loader,
		config.ProviderConfig{ID: "a", Kind: "local", ModelPath: pathA, MinRAMGB: 2},
		config.ProviderConfig{ID: "b", Kind: "local", ModelPath: pathB, MinRAMGB: 2},
	)

	ha, err := m.EnsureLoaded(context.Background(), "a")
	require.NoError(t, err)
	id, ok := m.CurrentLoaded()
	require.True(t, ok)
	require.Equal(t, "a", id)

	// Loading b evicts a first.
	_, err = m.EnsureLoaded(context.Background(), "b")
	require.NoError(t, err)
	require.True(t, ha.(*fakeHandle).closed.Load(), "previous model must be unloaded on swap")

	id, ok = m.CurrentLoaded()
	require.True(t, ok)
	require.Equal(t, "b", id)

	m.Unload("b")
	_, ok = m.CurrentLoaded()
	require.False(t, ok)
}

func TestSelectAdmissible(t *testing.T) {
	dir := t.TempDir()
	small := writeArtifact(t, dir, "small.gguf")
	medium := writeArtifact(t, dir, "medium.gguf")
	big := writeArtifact(t, dir, "big.gguf")

	m := newTestManager(t, 6, &fakeLoader{},
		config.ProviderConfig{ID: "small", Kind: "local", ModelPath: small, MinRAMGB: 2},
		config.ProviderConfig{ID: "medium", Kind: "local", ModelPath: medium, MinRAMGB: 5},
		config.ProviderConfig{ID: "big", Kind: "local", ModelPath: big, MinRAMGB: 12},
	)

	id, ok := m.SelectAdmissible()
	require.True(t, ok)
	require.Equal(t, "medium", id, "highest admissible capability wins")

	// A model that fits the host but has no artifact and no source is
	// not selectable; the next-best resolvable model wins.
	ghost := newTestManager(t, 6, &fakeLoader{},
		config.ProviderConfig{ID: "small", Kind: "local", ModelPath: small, MinRAMGB: 2},
		config.ProviderConfig{ID: "missing", Kind: "local", ModelPath: filepath.Join(dir, "none.gguf"), MinRAMGB: 5},
	)
	id, ok = ghost.SelectAdmissible()
	require.True(t, ok)
	require.Equal(t, "small", id)

	none := newTestManager(t, 1, &fakeLoader{},
		config.ProviderConfig{ID: "small", Kind: "local", ModelPath: small, MinRAMGB: 2},
	)
	_, ok = none.SelectAdmissible()
	require.False(t, ok)
}

type blockingLoader struct {
	started chan struct{}
	release chan struct{}
}

func (l *blockingLoader) Load(_ context.Context, cfg config.ProviderConfig, _ hardware.OptimizationLevel) (Handle, error) {
	close(l.started)
	<-l.release
	return &fakeHandle{id: cfg.ID}, nil
}

func TestResolvableSeesFailureDuringInFlightLoad(t *testing.T) {
	dir := t.TempDir()
	slowPath := writeArtifact(t, dir, "slow.gguf")
	tinyPath := writeArtifact(t, dir, "tiny.gguf")

	loader := &blockingLoader{started: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, 8, loader,
		config.ProviderConfig{ID: "slow", Kind: "local", ModelPath: slowPath, MinRAMGB: 2},
		config.ProviderConfig{ID: "tiny", Kind: "local", ModelPath: tinyPath, MinRAMGB: 2},
	)
	m.setFailure("tiny", fmt.Errorf("engine refused tiny"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.EnsureLoaded(context.Background(), "slow")
	}()
	<-loader.started

	// The load in flight holds the manager mutex; the failure state
	// must still be visible, and the check must not block behind it.
	require.False(t, m.Resolvable("tiny"))
	require.True(t, m.Resolvable("slow"))

	close(loader.release)
	<-done
}

func TestGenerationGateSerializes(t *testing.T) {
	m := newTestManager(t, 8, &fakeLoader{})

	require.NoError(t, m.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, m.Acquire(ctx), "second acquire must block until release")

	m.Release()
	require.NoError(t, m.Acquire(context.Background()))
	m.Release()
}
