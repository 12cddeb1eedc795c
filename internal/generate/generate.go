// Package generate implements the thumbnail generation pipeline: resolve a
// playback URL, grab the requested frame, validate and account for the
// artifact, and publish the job's terminal status.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/extract"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxies"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/resolve"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/store"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/telemetry"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

const (
	// minImageSize separates real frames from upstream placeholder frames:
	// premiere and "not yet available" stills compress to almost nothing.
	minImageSize = 100

	// downloadTimeout bounds one livestream segment fetch.
	downloadTimeout = 5 * time.Second

	// retryDelay separates the two pipeline attempts.
	retryDelay = time.Second
)

// ErrGeneration marks failures of the extraction stage itself. The pipeline
// retries these once; resolver and validation errors propagate unretried.
var ErrGeneration = errors.New("thumbnail generation failed")

// Resolver turns a video id into a fetchable playback URL.
type Resolver interface {
	Resolve(ctx context.Context, videoID string, proxy *proxies.Proxy) (resolve.PlaybackURL, error)
}

// ProxyPicker selects the egress proxy for one generation attempt.
type ProxyPicker interface {
	Pick(ctx context.Context) (*proxies.Proxy, error)
}

// Extractor grabs a single frame from a media source.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) error
}

// Deps holds the generator's collaborators.
type Deps struct {
	Coord     *coord.Client
	Store     *store.Store
	Resolver  Resolver
	Proxies   ProxyPicker
	Extractor Extractor

	// OnStorageFull fires after a successful generation pushed the storage
	// counter past the configured maximum. Optional.
	OnStorageFull func(ctx context.Context)
}

// Options adjust one generation run.
type Options struct {
	// UpdateIndex controls the best-effort coordination-store bookkeeping:
	// the recency touch, the storage counter and the best-time hint. Status
	// publication is unaffected. Batch imports disable it.
	UpdateIndex bool
}

// DefaultOptions returns the options used by queue workers.
func DefaultOptions() Options {
	return Options{UpdateIndex: true}
}

// Generator runs generation jobs end to end.
type Generator struct {
	cfg    *config.Config
	deps   Deps
	client *http.Client
	logger zerolog.Logger
}

// New builds a generator from its collaborators.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Generator {
	return &Generator{
		cfg:  cfg,
		deps: deps,
		client: &http.Client{
			Timeout:   downloadTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With().Str(log.FieldComponent, "generate").Logger(),
	}
}

// Generate runs one job. The job's terminal status is published exactly
// once: "true" after the artifact is stored and accounted, "false" on any
// failure including invalid input.
func (g *Generator) Generate(ctx context.Context, job coord.Job, opts Options) error {
	start := time.Now()
	ctx, span := telemetry.Tracer("thumbnail.generate").Start(ctx, "generate.job",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(telemetry.JobAttributes(job.VideoID, job.Time, job.Priority, job.Livestream)...))
	defer span.End()

	logger := g.logger.With().
		Str(log.FieldJobID, job.ID()).
		Str(log.FieldVideoID, job.VideoID).
		Float64(log.FieldOffset, job.Time).
		Logger()

	used, err := g.run(ctx, job, opts, logger)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		logger.Err(err).
			Str(log.FieldEvent, "generate.failed").
			Dur("duration", time.Since(start)).
			Msg("thumbnail generation failed")
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info().
			Str(log.FieldEvent, "generate.done").
			Dur("duration", time.Since(start)).
			Msg("thumbnail generated")
	}
	metrics.RecordGeneration(outcome, time.Since(start).Seconds())

	if perr := g.deps.Coord.PublishStatus(ctx, job.ID(), err == nil); perr != nil {
		logger.Err(perr).
			Str(log.FieldEvent, "generate.publish_failed").
			Msg("failed to publish job status")
	}

	if err == nil && g.deps.OnStorageFull != nil && used > g.cfg.ThumbnailStorage.MaxSize {
		g.deps.OnStorageFull(ctx)
	}
	return err
}

// run produces and accounts for the artifact, returning the storage counter
// value after the job's bytes were added (zero when unknown).
func (g *Generator) run(ctx context.Context, job coord.Job, opts Options, logger zerolog.Logger) (int64, error) {
	if !thumbnail.ValidVideoID(job.VideoID) {
		return 0, fmt.Errorf("%w: %q", thumbnail.ErrInvalidVideoID, job.VideoID)
	}
	if !thumbnail.ValidTime(job.Time) {
		return 0, fmt.Errorf("%w: %v", thumbnail.ErrInvalidTime, job.Time)
	}

	if opts.UpdateIndex {
		if err := g.deps.Coord.UpdateLastUsed(ctx, job.VideoID); err != nil {
			logger.Err(err).
				Str(log.FieldEvent, "generate.recency_failed").
				Msg("failed to update recency index")
		}
	}

	if err := g.generateFrame(ctx, job, logger); err != nil {
		return 0, err
	}

	paths, err := g.deps.Store.ArtifactPaths(job.VideoID, job.Time, job.Livestream)
	if err != nil {
		return 0, err
	}

	var titleSize int64
	if job.Title != "" {
		titleSize, err = g.deps.Store.WriteTitle(job.VideoID, job.Time, job.Title)
		if err != nil {
			return 0, err
		}
	}

	info, err := os.Stat(paths.Image)
	if err != nil {
		return 0, fmt.Errorf("stat image: %w", err)
	}

	if info.Size() < minImageSize {
		if derr := g.deps.Store.DeleteArtifact(job.VideoID, job.Time, job.Livestream); derr != nil {
			logger.Err(derr).
				Str(log.FieldEvent, "generate.undersized_cleanup_failed").
				Msg("failed to delete undersized artifact")
		}
		return 0, fmt.Errorf("%w: image for %s at %s is %d bytes, probably a premiere",
			ErrGeneration, job.VideoID, thumbnail.FormatTime(job.Time), info.Size())
	}

	var used int64
	if opts.UpdateIndex {
		used, err = g.deps.Coord.AddStorage(ctx, info.Size()+titleSize)
		if err != nil {
			logger.Err(err).
				Str(log.FieldEvent, "generate.storage_failed").
				Msg("failed to update storage counter")
			used = 0
		}
		if job.Title != "" {
			if err := g.deps.Coord.SetBestTime(ctx, job.VideoID, job.Time); err != nil {
				logger.Err(err).
					Str(log.FieldEvent, "generate.best_time_failed").
					Msg("failed to store best time hint")
			}
		}
	}
	return used, nil
}

// generateFrame runs the resolve+extract attempt, retrying once after a
// short delay when extraction failed. Resolver errors are never retried
// here: a video that is unplayable now is still unplayable a second later.
func (g *Generator) generateFrame(ctx context.Context, job coord.Job, logger zerolog.Logger) error {
	attempts := 0
	op := func() error {
		if attempts > 0 {
			metrics.GenerationRetriesTotal.Inc()
			logger.Warn().
				Str(log.FieldEvent, "generate.retry").
				Int("attempt", attempts+1).
				Msg("retrying thumbnail generation")
		}
		attempts++

		err := g.attempt(ctx, job, logger)
		if err != nil && !errors.Is(err, ErrGeneration) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), 1)
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// attempt resolves a playback URL and grabs the frame. One proxy choice
// covers both steps so resolution and extraction share the same egress.
func (g *Generator) attempt(ctx context.Context, job coord.Job, logger zerolog.Logger) error {
	proxy, err := g.deps.Proxies.Pick(ctx)
	if err != nil {
		return fmt.Errorf("pick proxy: %w", err)
	}

	playback, err := g.deps.Resolver.Resolve(ctx, job.VideoID, proxy)
	if err != nil {
		return fmt.Errorf("resolve playback url: %w", err)
	}

	if _, err := g.deps.Store.EnsureFolder(job.VideoID); err != nil {
		return err
	}
	paths, err := g.deps.Store.ArtifactPaths(job.VideoID, job.Time, job.Livestream)
	if err != nil {
		return err
	}

	// The seek is frame-rounded; the artifact keeps the requested offset.
	seek := thumbnail.RoundToFrame(job.Time, playback.FPS)

	if job.Livestream {
		return g.extractLive(ctx, playback.URL, paths, seek, proxy, logger)
	}
	return g.extractRemote(ctx, playback.URL, paths.Image, seek, proxy, logger)
}

// extractRemote grabs the frame straight off the stream URL. The first run
// routes through the proxy only when local extraction is disabled; a failed
// direct run gets one more try with the proxy inserted.
func (g *Generator) extractRemote(ctx context.Context, src, output string, seek float64, proxy *proxies.Proxy, logger zerolog.Logger) error {
	req := extract.Request{Source: src, Output: output, Time: seek}
	if proxy != nil && g.cfg.SkipLocalFfmpeg {
		req.ProxyURL = proxy.URL
	}

	err := g.runExtract(ctx, req)
	if err == nil {
		return nil
	}
	if proxy == nil || req.ProxyURL != "" {
		return fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	logger.Warn().
		Err(err).
		Str(log.FieldEvent, "generate.extract_retry").
		Str(log.FieldProxy, proxy.CountryCode).
		Msg("direct extraction failed, retrying through proxy")
	req.ProxyURL = proxy.URL
	if err := g.runExtract(ctx, req); err != nil {
		return fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return nil
}

// extractLive downloads the segment and decodes it locally. The download may
// route through the proxy; the decoder never does. The segment is removed on
// every exit path.
func (g *Generator) extractLive(ctx context.Context, src string, paths store.Paths, seek float64, proxy *proxies.Proxy, logger zerolog.Logger) error {
	defer func() {
		if err := os.Remove(paths.Video); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Err(err).
				Str(log.FieldEvent, "generate.segment_cleanup_failed").
				Str(log.FieldPath, paths.Video).
				Msg("failed to remove downloaded segment")
		}
	}()

	proxied := proxy != nil && g.cfg.SkipLocalFfmpeg
	if err := g.download(ctx, src, paths.Video, proxy, proxied); err != nil {
		return err
	}

	req := extract.Request{Source: paths.Video, Output: paths.Image, Time: seek}
	err := g.runExtract(ctx, req)
	if err == nil {
		return nil
	}
	if proxy == nil || proxied {
		return fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	// The direct download may have been served a broken segment; a proxied
	// fetch sees a different edge.
	logger.Warn().
		Err(err).
		Str(log.FieldEvent, "generate.extract_retry").
		Str(log.FieldProxy, proxy.CountryCode).
		Msg("local decode failed, retrying with proxied download")
	if err := g.download(ctx, src, paths.Video, proxy, true); err != nil {
		return err
	}
	if err := g.runExtract(ctx, req); err != nil {
		return fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return nil
}

// download fetches a livestream segment to dst.
func (g *Generator) download(ctx context.Context, src, dst string, proxy *proxies.Proxy, proxied bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("build segment request: %w", err)
	}

	client := g.client
	if proxied && proxy != nil {
		u, err := url.Parse(proxy.URL)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Timeout:   downloadTimeout,
			Transport: otelhttp.NewTransport(&http.Transport{Proxy: http.ProxyURL(u)}),
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download segment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download segment: unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write segment: %w", err)
	}

	g.logger.Debug().
		Str(log.FieldPath, dst).
		Int64(log.FieldBytes, n).
		Msg("downloaded livestream segment")
	return nil
}

// runExtract invokes the extractor and clears any partial output a failed
// run left behind.
func (g *Generator) runExtract(ctx context.Context, req extract.Request) error {
	err := g.deps.Extractor.Extract(ctx, req)
	if err == nil {
		return nil
	}
	if rerr := os.Remove(req.Output); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		g.logger.Err(rerr).
			Str(log.FieldEvent, "generate.output_cleanup_failed").
			Str(log.FieldPath, req.Output).
			Msg("failed to remove partial output")
	}
	return err
}
