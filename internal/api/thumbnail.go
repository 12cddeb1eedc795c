package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/store"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// Response headers consumed by the front-end.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderTitle     = "X-Title"
	HeaderFailure   = "X-Failure"
)

// handleThumbnail is the admission path: serve from disk when possible, else
// attach the request to the fingerprint's single build and wait or bail
// depending on queue position.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	videoID, err := thumbnail.ParseVideoID(q.Get("videoID"))
	if err != nil {
		s.reject(w, start, err.Error())
		return
	}

	title := q.Get("title")
	live := queryFlag(q, "isLivestream")
	generateNow := queryFlag(q, "generateNow")

	if q.Get("time") == "" {
		s.serveLatest(w, r, videoID, live, start)
		return
	}
	t, err := thumbnail.ParseTime(q.Get("time"))
	if err != nil {
		s.reject(w, start, err.Error())
		return
	}

	thumb, _, err := s.store.Read(videoID, t, live, title)
	if err == nil {
		s.touchRecency(r.Context(), videoID)
		s.writeThumbnail(w, thumb)
		metrics.RecordRequest("hit", time.Since(start).Seconds())
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().
			Err(err).
			Str(log.FieldEvent, "api.read_failed").
			Str(log.FieldVideoID, videoID).
			Msg("artifact read failed")
		writeError(w, http.StatusInternalServerError, "artifact read failed")
		metrics.RecordRequest("failed", time.Since(start).Seconds())
		return
	}

	job := coord.Job{
		VideoID:    videoID,
		Time:       t,
		Title:      title,
		Priority:   s.priority(r),
		Livestream: live,
	}
	s.admit(w, r, job, generateNow, start)
}

// admit funnels a cache miss into the single build for its fingerprint.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, job coord.Job, generateNow bool, start time.Time) {
	ctx := r.Context()
	jobID := job.ID()
	logger := s.logger.With().
		Str(log.FieldJobID, jobID).
		Str(log.FieldVideoID, job.VideoID).
		Logger()

	depth, err := s.coord.TotalQueueDepth(ctx)
	if err != nil {
		s.unavailable(w, start, logger, err)
		return
	}
	if depth >= s.cfg.ThumbnailStorage.MaxQueueSize {
		writeError(w, http.StatusServiceUnavailable, "overloaded")
		metrics.RecordRequest("overloaded", time.Since(start).Seconds())
		return
	}

	created, err := s.coord.CreateJob(ctx, job)
	if err != nil {
		s.unavailable(w, start, logger, err)
		return
	}

	// Subscribe before enqueueing: the worker cannot publish before the job
	// is visible in the queue, so a subscription that exists first cannot
	// miss the status.
	sub, err := s.coord.SubscribeStatus(ctx, jobID)
	if err != nil {
		if created {
			// A record without a queue entry would block the fingerprint
			// until its TTL.
			_ = s.coord.DeleteJob(ctx, jobID)
		}
		s.unavailable(w, start, logger, err)
		return
	}
	defer sub.Close()

	if created {
		if err := s.coord.Enqueue(ctx, jobID, job.Priority); err != nil {
			_ = s.coord.DeleteJob(ctx, jobID)
			s.unavailable(w, start, logger, err)
			return
		}
		logger.Info().
			Str(log.FieldEvent, "api.enqueued").
			Str(log.FieldPriority, job.Priority).
			Msg("queued thumbnail generation")
	} else {
		metrics.DedupHitsTotal.Inc()
		logger.Debug().
			Str(log.FieldEvent, "api.dedup").
			Msg("attached to the in-flight build")
	}

	if !generateNow {
		pos, err := s.coord.Position(ctx, jobID)
		if err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldEvent, "api.position_failed").
				Msg("queue position unknown, waiting anyway")
		} else if pos > s.cfg.ThumbnailStorage.MaxBeforeAsyncGeneration {
			w.WriteHeader(http.StatusNoContent)
			metrics.RecordRequest("not_ready", time.Since(start).Seconds())
			return
		}
	}

	s.await(w, r, job, sub, start, logger)
}

// await blocks on the status channel up to the configured sync window.
func (s *Server) await(w http.ResponseWriter, r *http.Request, job coord.Job, sub *coord.StatusSubscription, start time.Time, logger zerolog.Logger) {
	ctx := r.Context()
	timer := time.NewTimer(s.cfg.TimeoutBeforeAsync)
	defer timer.Stop()

	select {
	case ok, open := <-sub.C:
		if !open {
			// Lost the subscription mid-wait. The build keeps running; the
			// client retries like any other not-ready case.
			metrics.SyncWaitsTotal.WithLabelValues("timeout").Inc()
			w.WriteHeader(http.StatusNoContent)
			metrics.RecordRequest("not_ready", time.Since(start).Seconds())
			return
		}
		if !ok {
			metrics.SyncWaitsTotal.WithLabelValues("failed").Inc()
			w.Header().Set(HeaderFailure, "generation")
			w.WriteHeader(http.StatusNoContent)
			metrics.RecordRequest("failed", time.Since(start).Seconds())
			return
		}

		metrics.SyncWaitsTotal.WithLabelValues("done").Inc()
		thumb, _, err := s.store.Read(job.VideoID, job.Time, job.Livestream, job.Title)
		if err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldEvent, "api.reread_failed").
				Msg("artifact missing after a completed build")
			w.WriteHeader(http.StatusNoContent)
			metrics.RecordRequest("not_ready", time.Since(start).Seconds())
			return
		}
		s.touchRecency(ctx, job.VideoID)
		s.writeThumbnail(w, thumb)
		metrics.RecordRequest("generated", time.Since(start).Seconds())

	case <-timer.C:
		metrics.SyncWaitsTotal.WithLabelValues("timeout").Inc()
		w.WriteHeader(http.StatusNoContent)
		metrics.RecordRequest("not_ready", time.Since(start).Seconds())

	case <-ctx.Done():
		// Client hung up. The build keeps running for the next caller.
	}
}

// serveLatest handles requests that name a video but no offset: the hinted
// best artifact if it still exists, else the newest one on disk.
func (s *Server) serveLatest(w http.ResponseWriter, r *http.Request, videoID string, live bool, start time.Time) {
	ctx := r.Context()

	var hint string
	if v, ok, err := s.coord.BestTime(ctx, videoID); err != nil {
		s.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "api.best_time_failed").
			Str(log.FieldVideoID, videoID).
			Msg("best-time lookup failed")
	} else if ok {
		hint = v
	}

	thumb, _, err := s.store.Latest(videoID, live, hint, "")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no thumbnail for this video")
			metrics.RecordRequest("miss", time.Since(start).Seconds())
			return
		}
		s.logger.Error().
			Err(err).
			Str(log.FieldEvent, "api.read_failed").
			Str(log.FieldVideoID, videoID).
			Msg("artifact read failed")
		writeError(w, http.StatusInternalServerError, "artifact read failed")
		metrics.RecordRequest("failed", time.Since(start).Seconds())
		return
	}

	s.touchRecency(ctx, videoID)
	s.writeThumbnail(w, thumb)
	metrics.RecordRequest("hit", time.Since(start).Seconds())
}

// writeThumbnail sends the image with its canonical offset. The stored title
// rides along only when the read decided the client should see it.
func (s *Server) writeThumbnail(w http.ResponseWriter, thumb store.Thumbnail) {
	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set(HeaderTimestamp, thumbnail.FormatTime(thumb.Time))
	if thumb.Title != "" {
		if v := headerValue(thumb.Title); v != "" {
			w.Header().Set(HeaderTitle, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(thumb.Image)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(thumb.Image)
}

// reject answers a malformed request before any coordination work happens.
func (s *Server) reject(w http.ResponseWriter, start time.Time, reason string) {
	writeError(w, http.StatusBadRequest, reason)
	metrics.RecordRequest("invalid", time.Since(start).Seconds())
}

// unavailable reports a coordination-store outage. The front-end treats it
// like overload and retries later.
func (s *Server) unavailable(w http.ResponseWriter, start time.Time, logger zerolog.Logger, err error) {
	logger.Error().
		Err(err).
		Str(log.FieldEvent, "api.coord_unavailable").
		Msg("coordination store unavailable")
	writeError(w, http.StatusServiceUnavailable, "coordination unavailable")
	metrics.RecordRequest("failed", time.Since(start).Seconds())
}

// touchRecency is best-effort; a stale score only risks earlier eviction.
func (s *Server) touchRecency(ctx context.Context, videoID string) {
	if err := s.coord.UpdateLastUsed(ctx, videoID); err != nil {
		s.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "api.recency_failed").
			Str(log.FieldVideoID, videoID).
			Msg("failed to update the recency index")
	}
}

// priority grants the high queue to the trusted front-end only.
func (s *Server) priority(r *http.Request) string {
	auth := s.cfg.FrontAuth
	if auth != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(auth)) == 1 {
		return coord.PriorityHigh
	}
	return coord.PriorityNormal
}

// queryFlag treats any truthy value as set; the front-end sends 1 and true
// interchangeably.
func queryFlag(q url.Values, name string) bool {
	switch strings.ToLower(q.Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
