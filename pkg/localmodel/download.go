package localmodel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/revoforge/modelgate/pkg/config"
)

// ensureArtifact makes the model file present at its configured path.
// Idempotent: a complete artifact already on disk is a no-op. Downloads
// go through a .part temp file and rename so a crashed fetch never
// leaves a truncated artifact behind.
func (m *Manager) ensureArtifact(ctx context.Context, cfg config.ProviderConfig) error {
	if artifactPresent(cfg.ModelPath) {
		return nil
	}
	if cfg.SourceURL == "" {
		return fmt.Errorf("model artifact missing at %s and no source_url configured", cfg.ModelPath)
	}

	m.log.Info().Str("model", cfg.ID).Str("url", cfg.SourceURL).
		Str("path", cfg.ModelPath).Msg("downloading model artifact")

	if err := os.MkdirAll(filepath.Dir(cfg.ModelPath), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", cfg.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	part := cfg.ModelPath + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", part, err)
	}

	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return fmt.Errorf("download failed after %d bytes: %w", written, err)
	}
	if written == 0 {
		os.Remove(part)
		return fmt.Errorf("download produced an empty artifact")
	}

	if err := os.Rename(part, cfg.ModelPath); err != nil {
		os.Remove(part)
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}

	m.log.Info().Str("model", cfg.ID).Int64("bytes", written).Msg("model artifact downloaded")
	return nil
}

// artifactPresent reports whether a non-empty model file exists.
func artifactPresent(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
