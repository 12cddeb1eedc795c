// Package validation runs pre-flight environment checks so misconfiguration
// surfaces at boot instead of on the first job.
package validation

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
)

// CheckStorage verifies the artifact root can be created and written to.
func CheckStorage(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("create storage root %s: %w", path, err)
	}

	probe := filepath.Join(path, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("storage root %s is not writable: %w", path, err)
	}
	_ = os.Remove(probe)
	return nil
}

// CheckTools verifies the external binaries the worker shells out to are
// resolvable. ffmpeg is always required; yt-dlp only when that provider is
// enabled.
func CheckTools(cfg *config.Config) error {
	if err := lookup(cfg.FFmpegPath, "ffmpeg"); err != nil {
		return err
	}
	if cfg.YtdlpEnabled() {
		if err := lookup(cfg.YtdlpPath, "yt-dlp"); err != nil {
			return err
		}
	}
	return nil
}

func lookup(path, fallback string) error {
	binary := strings.TrimSpace(path)
	if binary == "" {
		binary = fallback
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%s binary not found: %w", fallback, err)
	}
	return nil
}
