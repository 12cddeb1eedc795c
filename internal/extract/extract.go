// Package extract pulls single frames out of media streams with ffmpeg.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/procgroup"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// runTimeout is the hard kill for one invocation. The -timelimit flag
// mirrors it so ffmpeg can exit on its own before we reach for SIGKILL.
const runTimeout = 20 * time.Second

// killGrace is how long a cancelled invocation gets to exit on SIGTERM
// before the process group is killed outright.
const killGrace = 3 * time.Second

// Error reports a failed invocation. ffmpeg's stdio is kept in a log file
// for failed runs only; successful runs delete theirs.
type Error struct {
	ExitCode int
	Timeout  bool
	LogPath  string
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("ffmpeg timed out after %s (log: %s)", runTimeout, e.LogPath)
	}
	return fmt.Sprintf("ffmpeg exited with code %d (log: %s)", e.ExitCode, e.LogPath)
}

// Request describes one frame extraction.
type Request struct {
	// Source is a remote media URL, or a local file for the livestream path.
	Source string
	// Output is the destination image path. The extension picks the codec.
	Output string
	// Time is the frame-rounded offset in seconds.
	Time float64
	// ProxyURL routes the media fetch through a proxy when set.
	ProxyURL string
}

// Runner invokes ffmpeg.
type Runner struct {
	binary string
	logDir string
	logger zerolog.Logger
}

// New builds a runner. An empty ffmpegPath falls back to $PATH lookup.
func New(cfg *config.Config, logger zerolog.Logger) *Runner {
	binary := strings.TrimSpace(cfg.FFmpegPath)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Runner{
		binary: binary,
		logDir: os.TempDir(),
		logger: logger.With().Str(log.FieldComponent, "extract").Logger(),
	}
}

// BuildArgs lays out the ffmpeg arguments for one frame grab.
func BuildArgs(req Request) []string {
	args := []string{"-y"}
	if req.ProxyURL != "" {
		args = append(args, "-http_proxy", req.ProxyURL)
	}
	args = append(args,
		"-ss", thumbnail.FormatTime(req.Time),
		"-i", req.Source,
		"-vframes", "1",
		"-lossless", "0",
		"-pix_fmt", "bgra",
		req.Output,
		"-timelimit", strconv.Itoa(int(runTimeout/time.Second)),
	)
	return args
}

// Extract runs one invocation. stdout and stderr go to a per-run log file,
// removed again when the run succeeds. A non-zero exit or the hard timeout
// returns *Error.
func (r *Runner) Extract(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	logPath := filepath.Join(r.logDir, "ffmpeg-"+uuid.NewString()+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create extractor log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.binary, BuildArgs(req)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	procgroup.Attach(cmd, killGrace)

	runErr := cmd.Run()
	_ = logFile.Close()

	proxied := req.ProxyURL != ""
	if runErr == nil {
		metrics.RecordExtractorRun("ok", proxied)
		_ = os.Remove(logPath)
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		metrics.RecordExtractorRun("timeout", proxied)
		r.logger.Warn().
			Str(log.FieldEvent, "extract.timeout").
			Str(log.FieldPath, logPath).
			Msg("ffmpeg hit the hard timeout")
		return &Error{Timeout: true, LogPath: logPath}
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	metrics.RecordExtractorRun("failed", proxied)
	return &Error{ExitCode: exitCode, LogPath: logPath}
}
