package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

// enqueueJob handles POST /v1/jobs. The body is a crawler.JobConfig.
func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var cfg crawler.JobConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.jobs.Enqueue(r.Context(), cfg)
	if err != nil {
		s.writeFailure(w, "enqueue job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "state": job.State})
}

// listJobs handles GET /v1/jobs?state=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var filter *crawler.JobState
	if raw := r.URL.Query().Get("state"); raw != "" {
		state := crawler.JobState(raw)
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, "unknown state "+raw)
			return
		}
		filter = &state
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []crawler.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// getJob handles GET /v1/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// cancelJob handles POST /v1/jobs/{job_id}/cancel. Cancellation is
// asynchronous: the job reaches Cancelled once its crawl loop exits.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		s.writeFailure(w, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancel requested"})
}

func (s *Server) listCrawlers(w http.ResponseWriter, _ *http.Request) {
	crawlers := s.fleet.Crawlers()
	if crawlers == nil {
		crawlers = []crawler.Registration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawlers": crawlers})
}

// writeFailure maps domain errors onto status codes.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, crawler.ErrJobNotFound), errors.Is(err, crawler.ErrNotRunning):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, crawler.ErrJobExists), errors.Is(err, crawler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, crawler.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
