// Package pipeline runs an ingest job end to end: discover candidate policy
// documents on a site, scrape each one, archive the raw snapshot, publish the
// normalized document downstream and record the outcome.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/policy-ingest/internal/clock/system"
	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/discovery"
	"github.com/JakeFAU/policy-ingest/internal/joblog"
	"github.com/JakeFAU/policy-ingest/internal/progress"
	"github.com/JakeFAU/policy-ingest/internal/retrieval"
	"github.com/JakeFAU/policy-ingest/internal/storage"
)

// ErrJobFinished reports that another actor, such as the lifecycle guard,
// moved the job to a terminal state before the run could finish it.
var ErrJobFinished = errors.New("job already finished")

// Config controls a Runner.
type Config struct {
	ScrapeConcurrency int     `mapstructure:"scrape_concurrency" validate:"gte=0"`
	Topic             string  `mapstructure:"topic"`
	ArchivePrefix     string  `mapstructure:"archive_prefix"`
	MinConfidence     float64 `mapstructure:"min_confidence" validate:"gte=0,lte=1"`
	MaxDocuments      int     `mapstructure:"max_documents" validate:"gte=0"`
}

// Discoverer finds candidate documents on a site.
type Discoverer interface {
	Discover(ctx context.Context, root string, cfg discovery.Config) crawler.DiscoveryResult
}

// Deps are the collaborators a Runner needs. Blobs, Documents and Publisher
// are optional; a nil value skips that step.
type Deps struct {
	Jobs       crawler.JobStore
	Discoverer Discoverer
	Scraper    crawler.Scraper
	Blobs      crawler.BlobStore
	Documents  crawler.DocumentStore
	Publisher  crawler.Publisher
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	Emitter    progress.Emitter
	Logger     *zap.Logger
}

// Summary is what one ingest run produced.
type Summary struct {
	JobID      string `json:"job_id"`
	Root       string `json:"root"`
	Candidates int    `json:"candidates"`
	Scraped    int    `json:"scraped"`
	Failed     int    `json:"failed"`
	Published  int    `json:"published"`
	Duplicates int    `json:"duplicates"`
}

// Runner executes ingest jobs.
type Runner struct {
	deps      Deps
	cfg       Config
	discovery discovery.Config
	jlog      *joblog.Logger
	logger    *zap.Logger
}

// New validates deps and applies defaults.
func New(deps Deps, cfg Config, discoveryCfg discovery.Config) (*Runner, error) {
	if deps.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	if deps.Discoverer == nil {
		return nil, errors.New("discoverer is required")
	}
	if deps.Scraper == nil {
		return nil, errors.New("scraper is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if cfg.ScrapeConcurrency <= 0 {
		cfg.ScrapeConcurrency = 4
	}
	logger := deps.Logger.Named("pipeline")
	return &Runner{
		deps:      deps,
		cfg:       cfg,
		discovery: discoveryCfg.WithDefaults(),
		jlog:      joblog.New(deps.Jobs, deps.Clock, logger),
		logger:    logger,
	}, nil
}

// Start creates a pending scrape job for root and returns its ID without
// running it. Pair it with Run.
func (r *Runner) Start(ctx context.Context, root string) (string, error) {
	if _, err := crawler.NormalizeURL(root); err != nil {
		return "", fmt.Errorf("invalid root: %w", err)
	}
	id, err := r.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{
		ID:        id,
		Kind:      crawler.JobKindScrape,
		Status:    crawler.JobStatusPending,
		Target:    root,
		CreatedAt: r.deps.Clock.Now().UTC(),
	}
	if err := r.deps.Jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// Ingest creates a job for root and runs it to completion.
func (r *Runner) Ingest(ctx context.Context, root string) (Summary, error) {
	id, err := r.Start(ctx, root)
	if err != nil {
		return Summary{}, err
	}
	return r.Run(ctx, id, root)
}

// Run executes a job created by Start. The job ends completed or failed unless
// another actor (such as the lifecycle guard) already finished it.
func (r *Runner) Run(ctx context.Context, jobID, root string) (Summary, error) {
	ctx = progress.WithJobID(ctx, jobID)
	start := r.deps.Clock.Now()
	sum := Summary{JobID: jobID, Root: root}

	ok, err := r.deps.Jobs.MarkRunning(ctx, jobID)
	if err != nil {
		return sum, fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		return sum, fmt.Errorf("job %s is not pending", jobID)
	}
	r.emit(progress.Event{JobID: jobID, Stage: progress.StageJobStart, URL: root})
	r.note(ctx, jobID, crawler.LogInfo, "Starting policy discovery", map[string]any{"root": root})

	found := r.deps.Discoverer.Discover(ctx, root, r.discovery)
	if !found.Success {
		return sum, r.fail(ctx, jobID, start, fmt.Sprintf("Discovery failed: %s", found.Error))
	}
	candidates := r.selectCandidates(found.Policies)
	sum.Candidates = len(candidates)
	r.note(ctx, jobID, crawler.LogInfo, fmt.Sprintf("Found %d candidate documents", len(candidates)), map[string]any{
		"urls_crawled": found.URLsCrawled,
		"discovered":   len(found.Policies),
	})

	r.scrapeAll(ctx, jobID, candidates, &sum)

	if err := ctx.Err(); err != nil {
		return sum, r.fail(ctx, jobID, start, "Ingest canceled")
	}
	if sum.Candidates > 0 && sum.Scraped == 0 {
		return sum, r.fail(ctx, jobID, start, "No candidate document could be scraped")
	}

	data := map[string]any{
		"scraped":    sum.Scraped,
		"failed":     sum.Failed,
		"published":  sum.Published,
		"duplicates": sum.Duplicates,
	}
	entry := crawler.NewProgressLogEntry(r.deps.Clock.Now(), "Ingest completed", crawler.LogSuccess, data)
	done, err := r.deps.Jobs.MarkCompleted(context.WithoutCancel(ctx), jobID, r.deps.Clock.Now().UTC(), entry)
	if err != nil {
		return sum, fmt.Errorf("mark completed: %w", err)
	}
	if !done {
		r.logger.Warn("ingest result discarded, job already finished",
			zap.String("job_id", jobID),
			zap.Int("scraped", sum.Scraped),
			zap.Int("published", sum.Published),
		)
		return sum, fmt.Errorf("job %s: %w", jobID, ErrJobFinished)
	}
	dur := r.deps.Clock.Now().Sub(start)
	r.emit(progress.Event{JobID: jobID, Stage: progress.StageJobDone, URL: root, Success: true, Count: int64(sum.Published), Dur: dur})
	r.logger.Info("ingest completed",
		zap.String("job_id", jobID),
		zap.String("root", root),
		zap.Int("scraped", sum.Scraped),
		zap.Int("failed", sum.Failed),
		zap.Int("published", sum.Published),
		zap.Duration("dur", dur),
	)
	return sum, nil
}

func (r *Runner) selectCandidates(policies []crawler.DiscoveredPolicy) []crawler.DiscoveredPolicy {
	out := make([]crawler.DiscoveredPolicy, 0, len(policies))
	for _, p := range policies {
		if p.Confidence < r.cfg.MinConfidence {
			continue
		}
		out = append(out, p)
		if r.cfg.MaxDocuments > 0 && len(out) == r.cfg.MaxDocuments {
			break
		}
	}
	return out
}

func (r *Runner) scrapeAll(ctx context.Context, jobID string, candidates []crawler.DiscoveredPolicy, sum *Summary) {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ScrapeConcurrency)
	for _, cand := range candidates {
		g.Go(func() error {
			res := r.deps.Scraper.Scrape(gctx, cand.URL)
			var firstSeen bool
			if res.Success {
				mu.Lock()
				_, dup := seen[res.ContentHash]
				seen[res.ContentHash] = struct{}{}
				mu.Unlock()
				firstSeen = !dup
			}
			published := r.handle(gctx, jobID, cand, res, firstSeen)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case !res.Success:
				sum.Failed++
			case !firstSeen:
				sum.Scraped++
				sum.Duplicates++
			default:
				sum.Scraped++
			}
			if published {
				sum.Published++
			}
			return nil
		})
	}
	_ = g.Wait()
}

// handle archives, publishes and records one scrape outcome. It reports
// whether a DocumentReady message was published.
func (r *Runner) handle(ctx context.Context, jobID string, cand crawler.DiscoveredPolicy, res crawler.ScrapeResult, firstSeen bool) bool {
	now := r.deps.Clock.Now().UTC()
	rec := crawler.ScrapeRecord{
		JobID:       jobID,
		URL:         cand.URL,
		FinalURL:    res.FinalURL,
		Success:     res.Success,
		Tier:        tierOf(res),
		ContentHash: res.ContentHash,
		WordCount:   res.WordCount,
		Language:    res.Language,
		StatusCode:  res.HTTPStatus,
		Error:       res.Error,
		RetrievedAt: now,
	}
	if id, err := r.deps.IDs.NewID(); err == nil {
		rec.ID = id
	}

	if !res.Success {
		r.note(ctx, jobID, crawler.LogWarning, fmt.Sprintf("Failed to scrape %s", cand.URL), map[string]any{
			"error": res.Error,
			"tier":  rec.Tier,
		})
		r.record(ctx, rec)
		return false
	}

	var published bool
	if firstSeen {
		rec.SnapshotURI = r.archive(ctx, jobID, res)
		published = r.publish(ctx, jobID, cand, res, rec.SnapshotURI, now)
	}
	r.record(ctx, rec)

	r.note(ctx, jobID, crawler.LogSuccess, fmt.Sprintf("Scraped %s", cand.URL), map[string]any{
		"document_type": cand.DocumentType,
		"content_hash":  res.ContentHash,
		"word_count":    res.WordCount,
		"tier":          rec.Tier,
		"duplicate":     !firstSeen,
	})
	return published
}

func (r *Runner) archive(ctx context.Context, jobID string, res crawler.ScrapeResult) string {
	if r.deps.Blobs == nil || len(res.RawContent) == 0 {
		return ""
	}
	path := storage.SnapshotPath(r.cfg.ArchivePrefix, res.URL, res.ContentHash, res.ContentType)
	uri, err := r.deps.Blobs.PutObject(ctx, path, res.ContentType, bytes.NewReader(res.RawContent))
	if err != nil {
		r.logger.Warn("snapshot archive failed", zap.String("job_id", jobID), zap.String("path", path), zap.Error(err))
		r.note(ctx, jobID, crawler.LogWarning, "Snapshot archive failed", map[string]any{"url": res.URL, "error": err.Error()})
		return ""
	}
	return uri
}

func (r *Runner) publish(
	ctx context.Context,
	jobID string,
	cand crawler.DiscoveredPolicy,
	res crawler.ScrapeResult,
	snapshotURI string,
	now time.Time,
) bool {
	if r.deps.Publisher == nil {
		return false
	}
	msg := crawler.DocumentReady{
		JobID:          jobID,
		URL:            cand.URL,
		FinalURL:       res.FinalURL,
		DocumentType:   cand.DocumentType,
		DocumentTypeID: cand.DocumentTypeID,
		Method:         cand.Method,
		Text:           res.Text,
		Markdown:       res.Markdown,
		ContentHash:    res.ContentHash,
		WordCount:      res.WordCount,
		CharacterCount: res.CharacterCount,
		Language:       res.Language,
		SnapshotURI:    snapshotURI,
		RetrievedAt:    now,
	}
	if _, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, msg); err != nil {
		r.logger.Error("publish failed", zap.String("job_id", jobID), zap.String("url", cand.URL), zap.Error(err))
		r.note(ctx, jobID, crawler.LogError, "Publishing document failed", map[string]any{"url": cand.URL, "error": err.Error()})
		return false
	}
	return true
}

func (r *Runner) record(ctx context.Context, rec crawler.ScrapeRecord) {
	if r.deps.Documents == nil {
		return
	}
	if err := r.deps.Documents.SaveScrape(ctx, rec); err != nil {
		r.logger.Error("save scrape failed", zap.String("job_id", rec.JobID), zap.String("url", rec.URL), zap.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, jobID string, start time.Time, reason string) error {
	// The job may be failing because ctx ended; the terminal write still has to land.
	wctx := context.WithoutCancel(ctx)
	entry := crawler.NewProgressLogEntry(r.deps.Clock.Now(), reason, crawler.LogError, nil)
	failed, err := r.deps.Jobs.MarkFailed(wctx, jobID, reason, r.deps.Clock.Now().UTC(), entry)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !failed {
		r.logger.Warn("ingest failure not recorded, job already finished", zap.String("job_id", jobID), zap.String("reason", reason))
		return fmt.Errorf("job %s: %w", jobID, ErrJobFinished)
	}
	r.emit(progress.Event{JobID: jobID, Stage: progress.StageJobError, Dur: r.deps.Clock.Now().Sub(start), Note: reason})
	r.logger.Warn("ingest failed", zap.String("job_id", jobID), zap.String("reason", reason))
	return errors.New(reason)
}

func (r *Runner) note(ctx context.Context, jobID string, typ crawler.LogType, message string, data map[string]any) {
	if err := r.jlog.LogProgress(ctx, jobID, message, typ, data); err != nil {
		r.logger.Debug("progress log append failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (r *Runner) emit(evt progress.Event) {
	evt.TS = r.deps.Clock.Now()
	r.deps.Emitter.Emit(evt)
}

func tierOf(res crawler.ScrapeResult) string {
	tier, _ := res.Metadata[retrieval.MetaTier].(string)
	return tier
}
