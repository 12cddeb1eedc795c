// Package ytdlp resolves playback URLs by shelling out to yt-dlp. It is the
// fallback provider: slower than the player API but far more resilient to
// upstream changes.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/procgroup"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxies"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/resolve"
)

const (
	runTimeout = 30 * time.Second
	killGrace  = 3 * time.Second
	defaultFPS = 30
	watchBase  = "https://www.youtube.com/watch?v="
)

// Provider implements resolve.Provider over a yt-dlp subprocess.
type Provider struct {
	binary    string
	maxHeight int
	logger    zerolog.Logger
}

// New builds the provider. An empty ytdlpPath falls back to $PATH lookup.
func New(cfg *config.Config, logger zerolog.Logger) *Provider {
	binary := strings.TrimSpace(cfg.YtdlpPath)
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Provider{
		binary:    binary,
		maxHeight: cfg.DefaultMaxHeight,
		logger:    logger.With().Str(log.FieldComponent, "ytdlp").Logger(),
	}
}

func (p *Provider) Name() string { return "ytdlp" }

// Resolve spawns yt-dlp with --dump-json and parses its stdout. Every
// failure is transient: the chain may still succeed elsewhere, and yt-dlp
// exit codes carry no playability classification worth trusting.
func (p *Provider) Resolve(ctx context.Context, videoID string, proxy *proxies.Proxy) (resolve.PlaybackURL, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	args := []string{"--dump-json", "--no-playlist", "--no-warnings"}
	if proxy != nil {
		args = append(args, "--proxy", proxy.URL)
	}
	args = append(args, "-f", p.formatSelector(), watchBase+videoID)

	cmd := exec.CommandContext(ctx, p.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// yt-dlp spawns helper processes; cancellation must reach all of them.
	procgroup.Attach(cmd, killGrace)

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return resolve.PlaybackURL{}, fmt.Errorf("yt-dlp failed: %w", err)
		}
		return resolve.PlaybackURL{}, fmt.Errorf("yt-dlp failed: %w: %s", err, msg)
	}

	pb, err := parseDumpJSON(stdout.Bytes())
	if err != nil {
		return resolve.PlaybackURL{}, fmt.Errorf("yt-dlp output: %w", err)
	}
	return pb, nil
}

// formatSelector caps the stream height like the primary provider's format
// selection, falling back to the worst stream when nothing fits.
func (p *Provider) formatSelector() string {
	return fmt.Sprintf("best[height<=%d]/worst", p.maxHeight)
}

type dumpInfo struct {
	URL              string  `json:"url"`
	FPS              float64 `json:"fps"`
	IsLive           bool    `json:"is_live"`
	RequestedFormats []struct {
		URL string  `json:"url"`
		FPS float64 `json:"fps"`
	} `json:"requested_formats"`
}

func parseDumpJSON(out []byte) (resolve.PlaybackURL, error) {
	var info dumpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return resolve.PlaybackURL{}, err
	}

	url, fps := info.URL, info.FPS
	if url == "" && len(info.RequestedFormats) > 0 {
		// Merged selections report per-format URLs instead of a top-level
		// one; the first entry is the video stream.
		url = info.RequestedFormats[0].URL
		if fps == 0 {
			fps = info.RequestedFormats[0].FPS
		}
	}
	if url == "" {
		return resolve.PlaybackURL{}, errors.New("no url in output")
	}
	if fps == 0 {
		fps = defaultFPS
	}
	return resolve.PlaybackURL{URL: url, FPS: fps, IsLive: info.IsLive}, nil
}
