package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of an ingestion job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ActiveStatuses are the statuses the lifecycle guard considers stale-able.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

// JobKind separates scrape jobs from analysis jobs; each kind has its own timeout.
type JobKind string

// Supported job kinds.
const (
	JobKindScrape   JobKind = "scrape"
	JobKindAnalysis JobKind = "analysis"
)

// LogType tags a progress log entry.
type LogType string

// Progress log entry types.
const (
	LogInfo    LogType = "info"
	LogSuccess LogType = "success"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
)

// Valid reports whether t is one of the known log types.
func (t LogType) Valid() bool {
	switch t {
	case LogInfo, LogSuccess, LogWarning, LogError:
		return true
	default:
		return false
	}
}

// ProgressLogEntry is one append-only line in a job's progress log.
type ProgressLogEntry struct {
	Timestamp string         `json:"timestamp"`
	Message   string         `json:"message"`
	Type      LogType        `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewProgressLogEntry stamps an entry with an RFC 3339 UTC timestamp.
func NewProgressLogEntry(at time.Time, message string, typ LogType, data map[string]any) ProgressLogEntry {
	return ProgressLogEntry{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Message:   message,
		Type:      typ,
		Data:      data,
	}
}

// Job is the minimal job record shared by scrape and analysis work.
type Job struct {
	ID           string             `json:"id"`
	Kind         JobKind            `json:"kind"`
	Status       JobStatus          `json:"status"`
	Target       string             `json:"target,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	ProgressLog  []ProgressLogEntry `json:"progress_log"`
}

// NormalizedContent is the output of the content processor.
type NormalizedContent struct {
	Text           string `json:"text"`
	Markdown       string `json:"markdown"`
	Hash           string `json:"content_hash"`
	WordCount      int    `json:"word_count"`
	CharacterCount int    `json:"character_count"`
	Language       string `json:"language,omitempty"`
}

// ScrapeResult is the outcome of retrieving one URL. Build it with
// NewScrapeSuccess or NewScrapeFailure and treat it as immutable afterwards.
type ScrapeResult struct {
	Success        bool           `json:"success"`
	URL            string         `json:"url"`
	RawContent     []byte         `json:"-"`
	Text           string         `json:"text,omitempty"`
	Markdown       string         `json:"markdown,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	WordCount      int            `json:"word_count,omitempty"`
	CharacterCount int            `json:"character_count,omitempty"`
	Language       string         `json:"language,omitempty"`
	ContentType    string         `json:"content_type,omitempty"`
	HTTPStatus     int            `json:"http_status,omitempty"`
	Headers        http.Header    `json:"headers,omitempty"`
	FinalURL       string         `json:"final_url,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ScrapeSource carries the retrieval facts a successful ScrapeResult is built from.
type ScrapeSource struct {
	URL         string
	Raw         []byte
	ContentType string
	StatusCode  int
	Headers     http.Header
	FinalURL    string
}

// NewScrapeSuccess combines the retrieved bytes with their normalized form.
func NewScrapeSuccess(src ScrapeSource, content NormalizedContent, metadata map[string]any) ScrapeResult {
	return ScrapeResult{
		Success:        true,
		URL:            src.URL,
		RawContent:     append([]byte(nil), src.Raw...),
		Text:           content.Text,
		Markdown:       content.Markdown,
		ContentHash:    content.Hash,
		WordCount:      content.WordCount,
		CharacterCount: content.CharacterCount,
		Language:       content.Language,
		ContentType:    src.ContentType,
		HTTPStatus:     src.StatusCode,
		Headers:        cloneHeader(src.Headers),
		FinalURL:       src.FinalURL,
		Metadata:       metadata,
	}
}

// NewScrapeFailure builds a failed result; content fields stay empty.
func NewScrapeFailure(url string, err error, httpStatus int, metadata map[string]any) ScrapeResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ScrapeResult{
		Success:    false,
		URL:        url,
		HTTPStatus: httpStatus,
		Error:      msg,
		Metadata:   metadata,
	}
}

// FetchOptions tune a single tier-one fetch.
type FetchOptions struct {
	Headers   http.Header
	Timeout   time.Duration
	UserAgent string
}

// FetchResult is the raw outcome of a direct HTTP retrieval. Fallback
// candidates keep Raw so callers can still inspect what the server sent.
type FetchResult struct {
	Success     bool
	URL         string
	Raw         []byte
	ContentType string
	StatusCode  int
	Headers     http.Header
	FinalURL    string
	Attempts    int
	Duration    time.Duration
	Err         error
}

// FallbackCandidate reports whether the fetch asked for rendering instead of failing.
func (r FetchResult) FallbackCandidate() bool {
	return IsFallbackCandidate(r.Err)
}

// Source converts the fetch into the facts a ScrapeResult is built from.
func (r FetchResult) Source() ScrapeSource {
	return ScrapeSource{
		URL:         r.URL,
		Raw:         r.Raw,
		ContentType: r.ContentType,
		StatusCode:  r.StatusCode,
		Headers:     r.Headers,
		FinalURL:    r.FinalURL,
	}
}

// RenderOptions tune a single headless render.
type RenderOptions struct {
	Headers http.Header
	// Timeout overrides the renderer's navigation timeout when positive.
	Timeout time.Duration
}

// BrowserRenderResult is the outcome of one headless render attempt.
type BrowserRenderResult struct {
	Success        bool           `json:"success"`
	URL            string         `json:"url"`
	HTML           string         `json:"html,omitempty"`
	Text           string         `json:"text,omitempty"`
	StatusCode     int            `json:"status_code,omitempty"`
	Headers        http.Header    `json:"headers,omitempty"`
	FinalURL       string         `json:"final_url,omitempty"`
	Error          string         `json:"error,omitempty"`
	Err            error          `json:"-"`
	Browser        string         `json:"browser,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Fallback       bool           `json:"fallback"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
}

// DiscoveryMethod records how a candidate URL was found.
type DiscoveryMethod string

// Discovery provenance tags.
const (
	MethodSitemap DiscoveryMethod = "sitemap"
	MethodRobots  DiscoveryMethod = "robots"
	MethodCrawl   DiscoveryMethod = "crawl"
)

// Priority orders methods by reliability; higher wins confidence ties.
func (m DiscoveryMethod) Priority() int {
	switch m {
	case MethodSitemap:
		return 3
	case MethodRobots:
		return 2
	case MethodCrawl:
		return 1
	default:
		return 0
	}
}

// DiscoveredPolicy is one candidate document found during a discovery run.
type DiscoveredPolicy struct {
	URL            string          `json:"url"`
	DocumentType   string          `json:"document_type,omitempty"`
	DocumentTypeID string          `json:"document_type_id,omitempty"`
	Confidence     float64         `json:"confidence"`
	Method         DiscoveryMethod `json:"method"`
	AnchorText     string          `json:"anchor_text,omitempty"`
}

// RobotsGroup is one user-agent block of a robots.txt file.
type RobotsGroup struct {
	UserAgents []string `json:"user_agents"`
	Allow      []string `json:"allow,omitempty"`
	Disallow   []string `json:"disallow,omitempty"`
	CrawlDelay string   `json:"crawl_delay,omitempty"`
}

// RobotsDirectives is the structured form of a robots.txt file.
type RobotsDirectives struct {
	Groups   []RobotsGroup `json:"groups,omitempty"`
	Sitemaps []string      `json:"sitemaps,omitempty"`
}

// DiscoveryResult is the outcome of one discovery run over a website.
type DiscoveryResult struct {
	Success     bool               `json:"success"`
	Root        string             `json:"root"`
	Policies    []DiscoveredPolicy `json:"policies"`
	URLsCrawled int                `json:"urls_crawled"`
	SitemapURLs []string           `json:"sitemap_urls,omitempty"`
	Robots      *RobotsDirectives  `json:"robots,omitempty"`
	Error       string             `json:"error,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// NewDiscoveryFailure builds a failed run with an empty candidate list.
func NewDiscoveryFailure(root string, err error) DiscoveryResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return DiscoveryResult{
		Success:  false,
		Root:     root,
		Policies: []DiscoveredPolicy{},
		Error:    msg,
	}
}

// DocumentReady is published to the downstream analysis consumer.
type DocumentReady struct {
	JobID          string          `json:"job_id,omitempty"`
	URL            string          `json:"url"`
	FinalURL       string          `json:"final_url,omitempty"`
	DocumentType   string          `json:"document_type,omitempty"`
	DocumentTypeID string          `json:"document_type_id,omitempty"`
	Method         DiscoveryMethod `json:"method,omitempty"`
	Text           string          `json:"text"`
	Markdown       string          `json:"markdown"`
	ContentHash    string          `json:"content_hash"`
	WordCount      int             `json:"word_count"`
	CharacterCount int             `json:"character_count"`
	Language       string          `json:"language,omitempty"`
	SnapshotURI    string          `json:"snapshot_uri,omitempty"`
	RetrievedAt    time.Time       `json:"retrieved_at"`
}

// ScrapeRecord is the persisted outcome of scraping one document.
type ScrapeRecord struct {
	ID          string
	JobID       string
	URL         string
	FinalURL    string
	Success     bool
	Tier        string
	ContentHash string
	WordCount   int
	Language    string
	StatusCode  int
	SnapshotURI string
	Error       string
	RetrievedAt time.Time
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	return src.Clone()
}

// Attributes are the message attributes a DocumentReady is published with, so
// consumers can filter or skip unchanged content without decoding the body.
func (d DocumentReady) Attributes() map[string]string {
	attrs := map[string]string{
		"content_hash": d.ContentHash,
		"url":          d.URL,
	}
	if d.JobID != "" {
		attrs["job_id"] = d.JobID
	}
	if d.DocumentType != "" {
		attrs["document_type"] = d.DocumentType
	}
	if d.Language != "" {
		attrs["language"] = d.Language
	}
	return attrs
}
