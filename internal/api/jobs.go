package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

const jobReadTimeout = 3 * time.Second

// progressResponse is the body of GET /v1/jobs/{job_id}/progress.
type progressResponse struct {
	JobID       string                     `json:"job_id"`
	Status      crawler.JobStatus          `json:"status"`
	Total       int                        `json:"total"`
	ProgressLog []crawler.ProgressLogEntry `json:"progress_log"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// getProgress returns the job's progress log. ?since=N skips the first N
// entries so pollers only receive what is new.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	entries := job.ProgressLog
	if since >= len(entries) {
		entries = []crawler.ProgressLogEntry{}
	} else {
		entries = entries[since:]
	}
	s.writeJSON(w, http.StatusOK, progressResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Total:       len(job.ProgressLog),
		ProgressLog: entries,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (crawler.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	ctx, cancel := context.WithTimeout(r.Context(), jobReadTimeout)
	defer cancel()

	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return crawler.Job{}, false
	case err != nil:
		s.logger.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return crawler.Job{}, false
	}
	if job.ProgressLog == nil {
		job.ProgressLog = []crawler.ProgressLogEntry{}
	}
	return job, true
}

func parseSince(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("since must be a non-negative integer")
	}
	return n, nil
}
