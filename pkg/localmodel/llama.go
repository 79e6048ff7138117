package localmodel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/hardware"
	"github.com/revoforge/modelgate/pkg/provider"
)

// llamaBinEnv overrides the inference binary name.
const llamaBinEnv = "MODELGATE_LLAMA_BIN"

const defaultLlamaBin = "llama-cli"

// LlamaLoader runs GGUF models through a llama.cpp command-line
// binary. Each generation is one subprocess invocation; residency is
// the verified binary/artifact pair rather than mapped weights, which
// keeps the process footprint flat between requests.
type LlamaLoader struct {
	Bin string
}

// NewLlamaLoader creates a loader using MODELGATE_LLAMA_BIN or the
// default llama-cli binary.
func NewLlamaLoader() *LlamaLoader {
	bin := os.Getenv(llamaBinEnv)
	if bin == "" {
		bin = defaultLlamaBin
	}
	return &LlamaLoader{Bin: bin}
}

// Load verifies the binary and artifact and returns a handle tuned to
// the host optimization level.
func (l *LlamaLoader) Load(_ context.Context, cfg config.ProviderConfig, level hardware.OptimizationLevel) (Handle, error) {
	bin, err := exec.LookPath(l.Bin)
	if err != nil {
		return nil, fmt.Errorf("inference binary %q not found: %w", l.Bin, err)
	}
	if !artifactPresent(cfg.ModelPath) {
		return nil, fmt.Errorf("model artifact missing at %s", cfg.ModelPath)
	}

	threads := 2
	switch level {
	case hardware.LevelMedium:
		threads = 4
	case hardware.LevelHigh:
		threads = 8
	}

	ctxWindow := cfg.ContextWindow
	if ctxWindow <= 0 {
		ctxWindow = 2048
	}
	if level == hardware.LevelLow && ctxWindow > 2048 {
		ctxWindow = 2048
	}

	return &llamaHandle{
		modelID:   cfg.ID,
		bin:       bin,
		modelPath: cfg.ModelPath,
		threads:   threads,
		ctxWindow: ctxWindow,
	}, nil
}

type llamaHandle struct {
	modelID   string
	bin       string
	modelPath string
	threads   int
	ctxWindow int
}

func (h *llamaHandle) ModelID() string { return h.modelID }

func (h *llamaHandle) Close() error { return nil }

// Generate invokes the inference binary for one completion.
func (h *llamaHandle) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, int, error) {
	if maxTokens <= 0 {
		maxTokens = 512
	}

	args := []string{
		"-m", h.modelPath,
		"-p", prompt,
		"-n", strconv.Itoa(maxTokens),
		"-t", strconv.Itoa(h.threads),
		"-c", strconv.Itoa(h.ctxWindow),
		"--temp", strconv.FormatFloat(temperature, 'f', 2, 64),
		"--no-display-prompt",
	}

	cmd := exec.CommandContext(ctx, h.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", 0, provider.TransientError(h.modelID, ctx.Err())
		}
		return "", 0, provider.TransientError(h.modelID,
			fmt.Errorf("inference failed: %w: %s", err, strings.TrimSpace(stderr.String())))
	}

	content := strings.TrimSpace(stdout.String())
	return content, provider.EstimateTokens(content), nil
}
