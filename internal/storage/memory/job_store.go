// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

// JobStore keeps jobs in memory. Every mutation holds one lock, so a status
// transition and its progress entry land together.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// CreateJob stores a new job. Status defaults to pending and CreatedAt to now.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.ProgressLog = cloneLog(job.ProgressLog)
	s.jobs[job.ID] = job
	return nil
}

// GetJob returns a copy of the job.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return copyJob(job), nil
}

// MarkRunning moves a pending job to running.
func (s *JobStore) MarkRunning(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if job.Status != crawler.JobStatusPending {
		return false, nil
	}
	job.Status = crawler.JobStatusRunning
	s.jobs[jobID] = job
	return true, nil
}

// MarkCompleted finishes a non-terminal job and appends entry.
func (s *JobStore) MarkCompleted(_ context.Context, jobID string, completedAt time.Time, entry crawler.ProgressLogEntry) (bool, error) {
	return s.finish(jobID, crawler.JobStatusCompleted, "", completedAt, entry)
}

// MarkFailed fails a non-terminal job and appends entry.
func (s *JobStore) MarkFailed(
	_ context.Context,
	jobID string,
	reason string,
	completedAt time.Time,
	entry crawler.ProgressLogEntry,
) (bool, error) {
	return s.finish(jobID, crawler.JobStatusFailed, reason, completedAt, entry)
}

func (s *JobStore) finish(
	jobID string,
	status crawler.JobStatus,
	reason string,
	completedAt time.Time,
	entry crawler.ProgressLogEntry,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if job.Status.Terminal() {
		return false, nil
	}
	at := completedAt.UTC()
	job.Status = status
	job.ErrorMessage = reason
	job.CompletedAt = &at
	job.ProgressLog = append(job.ProgressLog, entry)
	s.jobs[jobID] = job
	return true, nil
}

// ListStaleJobs returns matching jobs oldest first.
func (s *JobStore) ListStaleJobs(
	_ context.Context,
	kind crawler.JobKind,
	statuses []crawler.JobStatus,
	createdBefore time.Time,
) ([]crawler.Job, error) {
	wanted := make(map[crawler.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Job
	for _, job := range s.jobs {
		if job.Kind == kind && wanted[job.Status] && job.CreatedAt.Before(createdBefore) {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendProgress adds entry to the end of the job's progress log.
func (s *JobStore) AppendProgress(_ context.Context, jobID string, entry crawler.ProgressLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	job.ProgressLog = append(job.ProgressLog, entry)
	s.jobs[jobID] = job
	return nil
}

func copyJob(job crawler.Job) crawler.Job {
	job.ProgressLog = cloneLog(job.ProgressLog)
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		job.CompletedAt = &at
	}
	return job
}

func cloneLog(log []crawler.ProgressLogEntry) []crawler.ProgressLogEntry {
	out := make([]crawler.ProgressLogEntry, len(log))
	copy(out, log)
	return out
}
