package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

var jobCols = []string{"id", "kind", "status", "target", "created_at", "completed_at", "error_message", "progress_log"}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *JobStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStore(mock)
	require.NoError(t, err)
	return mock, store
}

func TestCreateJobDefaults(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", "scrape", "pending", "https://x.test/", created, []byte("[]")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateJob(context.Background(), crawler.Job{
		ID: "job-1", Kind: crawler.JobKindScrape, Target: "https://x.test/", CreatedAt: created,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobDecodesProgressLog(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	done := created.Add(4 * time.Minute)
	log := []byte(`[{"timestamp":"2026-02-01T08:04:00Z","message":"Job timed out after 3 minutes","type":"error"}]`)

	mock.ExpectQuery("SELECT id, kind, status").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("job-1", "scrape", "failed", "https://x.test/", created, &done, "Job timed out after 3 minutes", log))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, crawler.JobKindScrape, job.Kind)
	require.Equal(t, done, *job.CompletedAt)
	require.Len(t, job.ProgressLog, 1)
	require.Equal(t, crawler.LogError, job.ProgressLog[0].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT id, kind, status").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(jobCols))

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestMarkFailedIsConditional(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Date(2026, 2, 1, 8, 4, 0, 0, time.UTC)
	reason := "Job timed out after 3 minutes"
	entry := crawler.NewProgressLogEntry(now, reason, crawler.LogError, map[string]any{"threshold_minutes": 3})
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE jobs\s+SET status = \$2`).
		WithArgs("job-1", "failed", &reason, now, data, []string{"pending", "running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE jobs\s+SET status = \$2`).
		WithArgs("job-1", "failed", &reason, now, data, []string{"pending", "running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.MarkFailed(context.Background(), "job-1", reason, now, entry)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.MarkFailed(context.Background(), "job-1", reason, now, entry)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedClearsReason(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Date(2026, 2, 1, 8, 1, 0, 0, time.UTC)
	entry := crawler.NewProgressLogEntry(now, "done", crawler.LogSuccess, nil)
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE jobs\s+SET status = \$2`).
		WithArgs("job-1", "completed", (*string)(nil), now, data, []string{"pending", "running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.MarkCompleted(context.Background(), "job-1", now, entry)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunning(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec(`UPDATE jobs SET status`).
		WithArgs("job-1", "running", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.MarkRunning(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleJobs(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	cutoff := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM jobs\s+WHERE kind = \$1`).
		WithArgs("analysis", []string{"pending", "running"}, cutoff).
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("a", "analysis", "pending", "", cutoff.Add(-time.Hour), nil, "", []byte("[]")).
			AddRow("b", "analysis", "running", "", cutoff.Add(-time.Minute), nil, "", []byte("[]")))

	jobs, err := store.ListStaleJobs(context.Background(), crawler.JobKindAnalysis, crawler.ActiveStatuses, cutoff)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "a", jobs[0].ID)
	require.Nil(t, jobs[0].CompletedAt)
	require.Equal(t, crawler.JobStatusRunning, jobs[1].Status)
	require.NotNil(t, jobs[1].ProgressLog)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendProgress(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	entry := crawler.NewProgressLogEntry(time.Unix(0, 0), "hello", crawler.LogInfo, nil)
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	mock.ExpectExec(`SET progress_log = progress_log`).
		WithArgs("job-1", data).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET progress_log = progress_log`).
		WithArgs("gone", data).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`SET progress_log = progress_log`).
		WithArgs("job-1", data).
		WillReturnError(errors.New("conn reset"))

	ctx := context.Background()
	require.NoError(t, store.AppendProgress(ctx, "job-1", entry))
	require.ErrorIs(t, store.AppendProgress(ctx, "gone", entry), crawler.ErrNotFound)
	require.ErrorContains(t, store.AppendProgress(ctx, "job-1", entry), "conn reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
