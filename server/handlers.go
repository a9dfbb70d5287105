package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/async"
	"github.com/teranos/metronome/version"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// submitResponse is the job as created. Warning is set when the job was
// stored but its first dispatch could not be enqueued.
type submitResponse struct {
	*async.Job
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.engine.Backend(),
		"version": version.Get().Short(),
	})
}

// handleSubmit handles POST /api/jobs
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec async.Spec
	if err := readJSON(w, r, &spec); err != nil {
		return
	}

	job, err := s.engine.Submit(r.Context(), spec)
	if err != nil {
		if job != nil && errors.Is(err, errors.ErrDispatchLoss) {
			// Stored; recovery will enqueue it
			_ = writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Warning: err.Error()})
			return
		}
		s.writeEngineError(w, r, err)
		return
	}

	s.requestLogger(r).Infow("Job submitted over HTTP",
		logger.FieldJobID, job.ID,
		logger.FieldAction, job.Action)
	_ = writeJSON(w, http.StatusCreated, submitResponse{Job: job})
}

// handleList handles GET /api/jobs?status=&kind=&limit=
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := async.ListFilter{
		Status: async.JobStatus(q.Get("status")),
		Kind:   async.Kind(q.Get("kind")),
		Limit:  parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit),
	}

	jobs, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGet handles GET /api/jobs/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, job)
}

// handleLogs handles GET /api/jobs/{id}/logs?level=&source=&since=&limit=
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := async.LogFilter{
		Level:  async.LogLevel(q.Get("level")),
		Source: q.Get("source"),
		Limit:  parseIntQueryParam(r, "limit", async.DefaultLogLimit, 1, async.MaxLogLimit),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}

	entries, err := s.engine.Logs(r.Context(), chi.URLParam(r, "id"), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []async.LogEntry{}
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"count": len(entries),
	})
}

// handleDisable handles POST /api/jobs/{id}/disable
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Disable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, job)
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, stats)
}
