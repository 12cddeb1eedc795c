package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
)

// handleRoot bounces visitors to the project page.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.cfg.ProjectURL, http.StatusFound)
}

type queueDepths struct {
	High   int64 `json:"high"`
	Normal int64 `json:"normal"`
}

type statusResponse struct {
	Queues        queueDepths `json:"queues"`
	StorageUsed   int64       `json:"storageUsed"`
	ActiveWorkers int64       `json:"activeWorkers"`
}

// handleStatus reports queue and storage state. Guarded by the shared
// operator token; fails closed when none is configured.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.StatusAuthPassword
	if token == "" {
		s.logger.Warn().
			Str(log.FieldEvent, "api.status_disabled").
			Msg("status endpoint hit but no status password is configured")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(token)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctx := r.Context()
	var resp statusResponse
	var err error
	if resp.Queues.High, err = s.coord.QueueDepth(ctx, coord.PriorityHigh); err != nil {
		s.statusUnavailable(w, err)
		return
	}
	if resp.Queues.Normal, err = s.coord.QueueDepth(ctx, coord.PriorityNormal); err != nil {
		s.statusUnavailable(w, err)
		return
	}
	if resp.StorageUsed, err = s.coord.ReadStorage(ctx); err != nil {
		s.statusUnavailable(w, err)
		return
	}
	if resp.ActiveWorkers, err = s.coord.ActiveWorkers(ctx); err != nil {
		s.statusUnavailable(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statusUnavailable(w http.ResponseWriter, err error) {
	s.logger.Error().
		Err(err).
		Str(log.FieldEvent, "api.status_failed").
		Msg("status snapshot failed")
	writeError(w, http.StatusServiceUnavailable, "coordination unavailable")
}

// handleHealthz answers liveness probes. Degraded means the process is up
// but cannot reach the coordination store.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.coord.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
