package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs tier-one HTTP retrieval.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) FetchResult
}

// Renderer performs tier-two headless retrieval.
type Renderer interface {
	Render(ctx context.Context, url string, opts RenderOptions) BrowserRenderResult
}

// Normalizer turns raw content into comparable text.
type Normalizer interface {
	Normalize(raw []byte, contentType string) (NormalizedContent, error)
}

// Scraper retrieves and normalizes one URL.
type Scraper interface {
	Scrape(ctx context.Context, url string) ScrapeResult
}

// JobStore persists job state and the per-job progress log. Transitions out
// of a terminal status are rejected by every implementation.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	MarkRunning(ctx context.Context, jobID string) (bool, error)
	MarkCompleted(ctx context.Context, jobID string, completedAt time.Time, entry ProgressLogEntry) (bool, error)
	// ListStaleJobs returns jobs of kind in one of statuses created before createdBefore.
	ListStaleJobs(ctx context.Context, kind JobKind, statuses []JobStatus, createdBefore time.Time) ([]Job, error)
	// MarkFailed moves a non-terminal job to failed and appends entry in the same
	// atomic step. It reports false when the job was already terminal.
	MarkFailed(ctx context.Context, jobID string, reason string, completedAt time.Time, entry ProgressLogEntry) (bool, error)
	AppendProgress(ctx context.Context, jobID string, entry ProgressLogEntry) error
}

// ProgressLogger is the sink components use to append to a job's progress log.
type ProgressLogger interface {
	LogProgress(ctx context.Context, jobID string, message string, typ LogType, data map[string]any) error
}

// DocumentStore records scrape outcomes.
type DocumentStore interface {
	SaveScrape(ctx context.Context, record ScrapeRecord) error
}

// BlobStore writes raw snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher hands normalized documents to the downstream analysis consumer.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
