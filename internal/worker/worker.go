// Package worker consumes the generation queues: each slot pops one job at a
// time, runs the generation pipeline and deletes the job record. The worker
// also owns its heartbeat, the periodic cleanup pass and a tiny health
// endpoint for process supervisors.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/generate"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
)

const (
	// dequeueTimeout is the BLPOP poll interval; it bounds how long shutdown
	// waits for an idle slot.
	dequeueTimeout = time.Second

	heartbeatPeriod = 15 * time.Second
)

// Generator runs one generation job.
type Generator interface {
	Generate(ctx context.Context, job coord.Job, opts generate.Options) error
}

// CleanupRunner executes one cleanup pass.
type CleanupRunner interface {
	Run(ctx context.Context, trigger string) error
}

// Worker drives a fixed number of job slots against the shared queues.
type Worker struct {
	cfg         *config.Config
	coord       *coord.Client
	gen         Generator
	cleaner     CleanupRunner
	concurrency int
	id          string
	logger      zerolog.Logger

	healthAddr atomic.Value // string, set once the health listener is up
}

// New builds a worker. concurrency values below one are clamped to one slot.
func New(cfg *config.Config, coordClient *coord.Client, gen Generator, cleaner CleanupRunner, concurrency int, logger zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		cfg:         cfg,
		coord:       coordClient,
		gen:         gen,
		cleaner:     cleaner,
		concurrency: concurrency,
		id:          newID(cfg.Server.UniqueWorkerNames),
		logger:      logger.With().Str(log.FieldComponent, "worker").Logger(),
	}
}

// ID returns the worker's registry name.
func (w *Worker) ID() string {
	return w.id
}

// HealthAddr returns the bound health endpoint address, or "" before the
// listener is up.
func (w *Worker) HealthAddr() string {
	if addr, ok := w.healthAddr.Load().(string); ok {
		return addr
	}
	return ""
}

func newID(unique bool) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	id := fmt.Sprintf("%s-%d", host, os.Getpid())
	if unique {
		id += "-" + uuid.NewString()[:8]
	}
	return id
}

// Run blocks until ctx is cancelled, driving the queue slots, the heartbeat,
// the periodic cleanup pass and the health endpoint. In-flight jobs finish
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Str(log.FieldEvent, "worker.start").
		Str("worker_id", w.id).
		Int("concurrency", w.concurrency).
		Msg("worker starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(ctx) })
	g.Go(func() error { return w.cleanupLoop(ctx) })
	g.Go(func() error { return w.serveHealth(ctx) })
	for slot := range w.concurrency {
		g.Go(func() error { return w.consume(ctx, slot) })
	}

	err := g.Wait()
	w.logger.Info().
		Str(log.FieldEvent, "worker.stop").
		Str("worker_id", w.id).
		Msg("worker stopped")
	return err
}

// consume pops and processes jobs until ctx is cancelled.
func (w *Worker) consume(ctx context.Context, slot int) error {
	logger := w.logger.With().Int("slot", slot).Logger()
	for {
		if ctx.Err() != nil {
			return nil
		}

		jobID, err := w.coord.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			logger.Err(err).
				Str(log.FieldEvent, "worker.dequeue_failed").
				Msg("failed to pop the queue")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueTimeout):
			}
			continue
		}
		if jobID == "" {
			continue
		}
		w.process(ctx, jobID, logger)
	}
}

// process loads the job record and runs the pipeline. The job runs on a
// detached context so shutdown never abandons a half-written artifact; the
// pipeline's own timeouts bound how long that can take.
func (w *Worker) process(ctx context.Context, jobID string, logger zerolog.Logger) {
	jobCtx := context.WithoutCancel(ctx)

	job, ok, err := w.coord.Job(jobCtx, jobID)
	if err != nil {
		logger.Err(err).
			Str(log.FieldJobID, jobID).
			Str(log.FieldEvent, "worker.job_load_failed").
			Msg("failed to load job record")
		return
	}
	if !ok {
		logger.Warn().
			Str(log.FieldJobID, jobID).
			Str(log.FieldEvent, "worker.job_missing").
			Msg("queue entry without a job record, dropping")
		return
	}

	logger.Info().
		Str(log.FieldJobID, jobID).
		Str(log.FieldVideoID, job.VideoID).
		Str(log.FieldPriority, job.Priority).
		Str(log.FieldEvent, "worker.job_start").
		Msg("processing job")

	// Outcome logging and status publication happen inside the pipeline.
	_ = w.gen.Generate(jobCtx, job, generate.DefaultOptions())

	if err := w.coord.DeleteJob(jobCtx, jobID); err != nil {
		logger.Err(err).
			Str(log.FieldJobID, jobID).
			Str(log.FieldEvent, "worker.job_delete_failed").
			Msg("failed to delete job record")
	}
}

// heartbeatLoop keeps the worker's registry entry fresh and refreshes the
// shared gauges while it is at it.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			if err := w.coord.Deregister(context.WithoutCancel(ctx), w.id); err != nil {
				w.logger.Err(err).
					Str(log.FieldEvent, "worker.deregister_failed").
					Msg("failed to deregister worker")
			}
			return nil
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	if err := w.coord.Heartbeat(ctx, w.id); err != nil {
		w.logger.Err(err).
			Str(log.FieldEvent, "worker.heartbeat_failed").
			Msg("failed to register heartbeat")
		return
	}

	// Gauge refreshes are best-effort.
	if n, err := w.coord.ActiveWorkers(ctx); err == nil {
		metrics.ActiveWorkers.Set(float64(n))
	}
	for _, q := range []string{coord.PriorityHigh, coord.PriorityNormal} {
		if depth, err := w.coord.QueueDepth(ctx, q); err == nil {
			metrics.QueueDepth.WithLabelValues(q).Set(float64(depth))
		}
	}
	if used, err := w.coord.ReadStorage(ctx); err == nil {
		metrics.StorageUsedBytes.Set(float64(used))
	}
}

// cleanupLoop runs the drift-reconciliation pass on a fixed cadence.
// Threshold-triggered passes are wired into the generator instead.
func (w *Worker) cleanupLoop(ctx context.Context) error {
	if w.cleaner == nil || w.cfg.CleanupInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.cleaner.Run(ctx, "interval"); err != nil {
				w.logger.Err(err).
					Str(log.FieldEvent, "worker.cleanup_failed").
					Msg("periodic cleanup pass failed")
			}
		}
	}
}

// serveHealth answers process supervisors with a constant OK.
func (w *Worker) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = rw.Write([]byte("OK"))
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", w.cfg.WorkerHealthAddr())
	if err != nil {
		return fmt.Errorf("worker health listener: %w", err)
	}
	w.healthAddr.Store(ln.Addr().String())
	w.logger.Info().
		Str(log.FieldEvent, "worker.health_up").
		Str("addr", ln.Addr().String()).
		Msg("health endpoint listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("worker health server: %w", err)
	}
}
