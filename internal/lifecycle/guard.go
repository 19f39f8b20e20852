// Package lifecycle force-fails jobs that stayed pending or running past the
// timeout for their kind.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/clock/system"
	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/progress"
)

// SweepPolicy is one periodic sweep: jobs of Kind older than Threshold are
// failed, checked every Interval.
type SweepPolicy struct {
	Kind      crawler.JobKind `mapstructure:"kind" validate:"required"`
	Interval  time.Duration   `mapstructure:"interval" validate:"gt=0"`
	Threshold time.Duration   `mapstructure:"threshold" validate:"gt=0"`
}

// DefaultPolicies returns the scrape and analysis cleanup sweeps.
func DefaultPolicies() []SweepPolicy {
	return []SweepPolicy{
		{Kind: crawler.JobKindScrape, Interval: time.Minute, Threshold: 3 * time.Minute},
		{Kind: crawler.JobKindAnalysis, Interval: 5 * time.Minute, Threshold: 15 * time.Minute},
	}
}

// Config toggles the guard and carries its sweeps.
type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Policies []SweepPolicy `mapstructure:"policies" validate:"dive"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Kind   crawler.JobKind
	Cutoff time.Time
	// Stale is how many jobs the query returned.
	Stale int
	// Failed lists the jobs this sweep transitioned.
	Failed []string
	// Skipped counts jobs another writer finished first.
	Skipped int
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock replaces the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithEmitter sends JOB_TIMEOUT events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(g *Guard) { g.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger.Named("lifecycle")
		}
	}
}

// Guard runs the timeout sweeps.
type Guard struct {
	store    crawler.JobStore
	policies []SweepPolicy
	clock    crawler.Clock
	emitter  progress.Emitter
	logger   *zap.Logger
}

// New builds a Guard. An empty policy list means DefaultPolicies.
func New(store crawler.JobStore, policies []SweepPolicy, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	for _, p := range policies {
		if p.Kind == "" || p.Interval <= 0 || p.Threshold <= 0 {
			return nil, fmt.Errorf("invalid sweep policy %+v", p)
		}
	}
	g := &Guard{
		store:    store,
		policies: append([]SweepPolicy(nil), policies...),
		clock:    system.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Policies returns the configured sweeps.
func (g *Guard) Policies() []SweepPolicy {
	return append([]SweepPolicy(nil), g.policies...)
}

// Sweep fails every job of p.Kind still pending or running that was created
// before now minus p.Threshold. Jobs are never retried here. A job that
// reached a terminal state between the query and the update is skipped, so
// overlapping sweeps fail each job once.
func (g *Guard) Sweep(ctx context.Context, p SweepPolicy) (SweepReport, error) {
	now := g.clock.Now()
	report := SweepReport{Kind: p.Kind, Cutoff: now.Add(-p.Threshold)}

	jobs, err := g.store.ListStaleJobs(ctx, p.Kind, crawler.ActiveStatuses, report.Cutoff)
	if err != nil {
		return report, fmt.Errorf("list stale %s jobs: %w", p.Kind, err)
	}
	report.Stale = len(jobs)

	timeout := &crawler.JobTimeoutError{Kind: p.Kind, Threshold: p.Threshold}
	reason := timeout.Error()

	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		entry := crawler.NewProgressLogEntry(now, reason, crawler.LogError, map[string]any{
			"kind":              string(p.Kind),
			"previous_status":   string(job.Status),
			"threshold_minutes": int(p.Threshold / time.Minute),
		})
		changed, err := g.store.MarkFailed(ctx, job.ID, reason, now, entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("mark job %s failed: %w", job.ID, err))
			continue
		}
		if !changed {
			report.Skipped++
			g.logger.Debug("stale job already terminal", zap.String("job_id", job.ID))
			continue
		}
		report.Failed = append(report.Failed, job.ID)
		g.timedOut(job, p, reason, now)
	}
	return report, errors.Join(errs...)
}

func (g *Guard) timedOut(job crawler.Job, p SweepPolicy, reason string, now time.Time) {
	age := now.Sub(job.CreatedAt)
	g.logger.Warn("job timed out",
		zap.String("job_id", job.ID),
		zap.String("kind", string(p.Kind)),
		zap.String("previous_status", string(job.Status)),
		zap.Duration("age", age),
		zap.Duration("threshold", p.Threshold),
	)
	if g.emitter != nil {
		g.emitter.Emit(progress.Event{
			JobID: job.ID,
			TS:    now,
			Stage: progress.StageJobTimeout,
			Dur:   age,
			Note:  reason,
		})
	}
}

// SweepAll runs every policy once.
func (g *Guard) SweepAll(ctx context.Context) ([]SweepReport, error) {
	reports := make([]SweepReport, 0, len(g.policies))
	var errs []error
	for _, p := range g.policies {
		r, err := g.Sweep(ctx, p)
		reports = append(reports, r)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// Run starts one ticker per policy and blocks until ctx is done. Each policy
// sweeps once immediately.
func (g *Guard) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range g.policies {
		wg.Add(1)
		go func(p SweepPolicy) {
			defer wg.Done()
			g.loop(ctx, p)
		}(p)
	}
	<-ctx.Done()
	wg.Wait()
}

func (g *Guard) loop(ctx context.Context, p SweepPolicy) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		g.runOnce(ctx, p)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Guard) runOnce(ctx context.Context, p SweepPolicy) {
	if ctx.Err() != nil {
		return
	}
	report, err := g.Sweep(ctx, p)
	if err != nil && ctx.Err() == nil {
		g.logger.Error("sweep failed", zap.String("kind", string(p.Kind)), zap.Error(err))
	}
	if len(report.Failed) > 0 {
		g.logger.Info("sweep finished",
			zap.String("kind", string(p.Kind)),
			zap.Int("stale", report.Stale),
			zap.Int("failed", len(report.Failed)),
			zap.Int("skipped", report.Skipped),
		)
	}
}
