package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

const jobColumns = `id, kind, status, target, created_at, completed_at, COALESCE(error_message, ''), progress_log`

// JobStore persists jobs in the jobs table. Status transitions are single
// conditional UPDATE statements that also append to the JSONB progress log,
// so a transition and its log entry commit together.
type JobStore struct {
	pool Pool
}

// NewJobStore wraps pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Ping checks connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJob inserts a job. Status defaults to pending and CreatedAt to now.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	log, err := marshalLog(job.ProgressLog)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO jobs (id, kind, status, target, created_at, progress_log)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		job.ID, string(job.Kind), string(job.Status), job.Target, job.CreatedAt, log)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads one job.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// MarkRunning moves a pending job to running.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1 AND status = $3`,
		jobID, string(crawler.JobStatusRunning), string(crawler.JobStatusPending))
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted finishes a non-terminal job and appends entry.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID string, completedAt time.Time, entry crawler.ProgressLogEntry) (bool, error) {
	return s.finish(ctx, jobID, crawler.JobStatusCompleted, nil, completedAt, entry)
}

// MarkFailed fails a non-terminal job and appends entry. Already-terminal or
// unknown jobs report false.
func (s *JobStore) MarkFailed(
	ctx context.Context,
	jobID string,
	reason string,
	completedAt time.Time,
	entry crawler.ProgressLogEntry,
) (bool, error) {
	return s.finish(ctx, jobID, crawler.JobStatusFailed, &reason, completedAt, entry)
}

func (s *JobStore) finish(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	reason *string,
	completedAt time.Time,
	entry crawler.ProgressLogEntry,
) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshal progress entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status = $2,
    error_message = $3,
    completed_at = $4,
    progress_log = progress_log || jsonb_build_array($5::jsonb)
WHERE id = $1 AND status = ANY($6)`,
		jobID, string(status), reason, completedAt.UTC(), data, activeStatuses())
	if err != nil {
		return false, fmt.Errorf("mark job %s: %w", status, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStaleJobs returns matching jobs oldest first.
func (s *JobStore) ListStaleJobs(
	ctx context.Context,
	kind crawler.JobKind,
	statuses []crawler.JobStatus,
	createdBefore time.Time,
) ([]crawler.Job, error) {
	wanted := make([]string, 0, len(statuses))
	for _, st := range statuses {
		wanted = append(wanted, string(st))
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE kind = $1 AND status = ANY($2) AND created_at < $3
ORDER BY created_at`,
		string(kind), wanted, createdBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// AppendProgress adds entry to the end of the job's progress log.
func (s *JobStore) AppendProgress(ctx context.Context, jobID string, entry crawler.ProgressLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal progress entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress_log = progress_log || jsonb_build_array($2::jsonb) WHERE id = $1`,
		jobID, data)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job            crawler.Job
		kind, status   string
		completedAt    *time.Time
		progressLogRaw []byte
	)
	if err := row.Scan(
		&job.ID,
		&kind,
		&status,
		&job.Target,
		&job.CreatedAt,
		&completedAt,
		&job.ErrorMessage,
		&progressLogRaw,
	); err != nil {
		return crawler.Job{}, err
	}
	job.Kind = crawler.JobKind(kind)
	job.Status = crawler.JobStatus(status)
	job.CompletedAt = completedAt
	job.ProgressLog = []crawler.ProgressLogEntry{}
	if len(progressLogRaw) > 0 {
		if err := json.Unmarshal(progressLogRaw, &job.ProgressLog); err != nil {
			return crawler.Job{}, fmt.Errorf("decode progress log: %w", err)
		}
	}
	return job, nil
}

func marshalLog(log []crawler.ProgressLogEntry) ([]byte, error) {
	if log == nil {
		log = []crawler.ProgressLogEntry{}
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("marshal progress log: %w", err)
	}
	return data, nil
}

func activeStatuses() []string {
	out := make([]string, 0, len(crawler.ActiveStatuses))
	for _, st := range crawler.ActiveStatuses {
		out = append(out, string(st))
	}
	return out
}
