package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/progress"
	"github.com/JakeFAU/policy-ingest/internal/storage/memory"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

var scrapePolicy = SweepPolicy{Kind: crawler.JobKindScrape, Interval: time.Minute, Threshold: 3 * time.Minute}

func TestSweepFailsStaleJobOnlyPastThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	created := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	store := memory.NewJobStore()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "job-1", Kind: crawler.JobKindScrape, CreatedAt: created}))

	clock := &fixedClock{now: created.Add(2 * time.Minute)}
	emitter := &recordingEmitter{}
	core, logs := observer.New(zapcore.InfoLevel)
	guard, err := New(store, []SweepPolicy{scrapePolicy},
		WithClock(clock), WithEmitter(emitter), WithLogger(zap.New(core)))
	require.NoError(t, err)

	report, err := guard.Sweep(ctx, scrapePolicy)
	require.NoError(t, err)
	require.Zero(t, report.Stale)
	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Nil(t, job.CompletedAt)

	clock.set(created.Add(4 * time.Minute))
	report, err = guard.Sweep(ctx, scrapePolicy)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, report.Failed)

	job, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, "Job timed out after 3 minutes", job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
	require.True(t, job.CompletedAt.Equal(created.Add(4*time.Minute)))
	require.Len(t, job.ProgressLog, 1)
	require.Equal(t, crawler.LogError, job.ProgressLog[0].Type)
	require.Equal(t, "Job timed out after 3 minutes", job.ProgressLog[0].Message)

	require.Equal(t, 1, emitter.count())
	require.Equal(t, progress.StageJobTimeout, emitter.events[0].Stage)
	require.Equal(t, "job-1", emitter.events[0].JobID)
	require.Equal(t, 4*time.Minute, emitter.events[0].Dur)

	warns := logs.FilterMessage("job timed out").All()
	require.Len(t, warns, 1)
	require.Equal(t, zapcore.WarnLevel, warns[0].Level)
}

func TestSweepIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	created := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	store := memory.NewJobStore()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "a", Kind: crawler.JobKindScrape, CreatedAt: created}))
	require.NoError(t, store.CreateJob(ctx, crawler.Job{
		ID: "b", Kind: crawler.JobKindScrape, Status: crawler.JobStatusRunning, CreatedAt: created,
	}))

	emitter := &recordingEmitter{}
	guard, err := New(store, nil, WithClock(&fixedClock{now: created.Add(time.Hour)}), WithEmitter(emitter))
	require.NoError(t, err)

	first, err := guard.Sweep(ctx, scrapePolicy)
	require.NoError(t, err)
	second, err := guard.Sweep(ctx, scrapePolicy)
	require.NoError(t, err)

	require.Len(t, first.Failed, 2)
	require.Empty(t, second.Failed)
	require.Equal(t, 2, emitter.count())

	for _, id := range []string{"a", "b"} {
		job, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		require.Len(t, job.ProgressLog, 1)
	}
}

// racingStore reports every job as stale even after it was failed, the way a
// second sweep sees rows read before a concurrent sweep committed.
type racingStore struct {
	*memory.JobStore
	snapshot []crawler.Job
}

func (s *racingStore) ListStaleJobs(context.Context, crawler.JobKind, []crawler.JobStatus, time.Time) ([]crawler.Job, error) {
	return s.snapshot, nil
}

func TestOverlappingSweepsTransitionOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	created := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	mem := memory.NewJobStore()
	job := crawler.Job{ID: "job-1", Kind: crawler.JobKindScrape, CreatedAt: created}
	require.NoError(t, mem.CreateJob(ctx, job))
	store := &racingStore{JobStore: mem, snapshot: []crawler.Job{job}}

	emitter := &recordingEmitter{}
	guard, err := New(store, nil, WithClock(&fixedClock{now: created.Add(10 * time.Minute)}), WithEmitter(emitter))
	require.NoError(t, err)

	var wg sync.WaitGroup
	reports := make([]SweepReport, 8)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], _ = guard.Sweep(ctx, scrapePolicy)
		}(i)
	}
	wg.Wait()

	failed, skipped := 0, 0
	for _, r := range reports {
		failed += len(r.Failed)
		skipped += r.Skipped
	}
	require.Equal(t, 1, failed)
	require.Equal(t, 7, skipped)
	require.Equal(t, 1, emitter.count())

	got, err := mem.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got.ProgressLog, 1)
}

func TestSweepUsesKindThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	created := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	store := memory.NewJobStore()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "scrape", Kind: crawler.JobKindScrape, CreatedAt: created}))
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "analysis", Kind: crawler.JobKindAnalysis, CreatedAt: created}))

	guard, err := New(store, nil, WithClock(&fixedClock{now: created.Add(10 * time.Minute)}))
	require.NoError(t, err)
	reports, err := guard.SweepAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, []string{"scrape"}, reports[0].Failed)
	require.Empty(t, reports[1].Failed)

	analysis, err := store.GetJob(ctx, "analysis")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, analysis.Status)
}

type brokenStore struct {
	*memory.JobStore
	listErr error
	failErr error
	stale   []crawler.Job
}

func (s *brokenStore) ListStaleJobs(context.Context, crawler.JobKind, []crawler.JobStatus, time.Time) ([]crawler.Job, error) {
	return s.stale, s.listErr
}

func (s *brokenStore) MarkFailed(context.Context, string, string, time.Time, crawler.ProgressLogEntry) (bool, error) {
	return false, s.failErr
}

func TestSweepReportsStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boom := errors.New("db down")

	guard, err := New(&brokenStore{JobStore: memory.NewJobStore(), listErr: boom}, nil)
	require.NoError(t, err)
	_, err = guard.Sweep(ctx, scrapePolicy)
	require.ErrorIs(t, err, boom)

	guard, err = New(&brokenStore{
		JobStore: memory.NewJobStore(),
		failErr:  boom,
		stale:    []crawler.Job{{ID: "x"}, {ID: "y"}},
	}, nil)
	require.NoError(t, err)
	report, err := guard.Sweep(ctx, scrapePolicy)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, report.Stale)
	require.Empty(t, report.Failed)
}

func TestNewValidatesPolicies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
	_, err = New(memory.NewJobStore(), []SweepPolicy{{Kind: crawler.JobKindScrape}})
	require.Error(t, err)

	guard, err := New(memory.NewJobStore(), nil)
	require.NoError(t, err)
	require.Equal(t, DefaultPolicies(), guard.Policies())
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	created := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	store := memory.NewJobStore()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "job-1", Kind: crawler.JobKindScrape, CreatedAt: created}))

	emitter := &recordingEmitter{}
	guard, err := New(store,
		[]SweepPolicy{{Kind: crawler.JobKindScrape, Interval: 10 * time.Millisecond, Threshold: time.Minute}},
		WithClock(&fixedClock{now: created.Add(time.Hour)}), WithEmitter(emitter))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		guard.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return emitter.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, 1, emitter.count())
}
