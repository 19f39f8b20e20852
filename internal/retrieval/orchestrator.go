// Package retrieval implements the two-tier scrape: a cheap direct fetch,
// escalated to headless rendering only when the fetch cannot be trusted.
package retrieval

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/clock/system"
	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/metrics"
	"github.com/JakeFAU/policy-ingest/internal/progress"
)

// Tier labels.
const (
	TierFetch  = "fetch"
	TierRender = "render"
)

// Metadata keys recorded on every ScrapeResult.
const (
	MetaTier                 = "tier"
	MetaFallbackUsed         = "fallback_used"
	MetaFetchError           = "fetch_error"
	MetaFetchAttempts        = "fetch_attempts"
	MetaRenderFallback       = "render_fallback"
	MetaRenderFallbackReason = "render_fallback_reason"
)

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEmitter sends SCRAPE_DONE events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.Named("retrieval")
		}
	}
}

// WithClock replaces the wall clock used for event timestamps.
func WithClock(c crawler.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithFetchOptions sets the options passed to every fetch.
func WithFetchOptions(opts crawler.FetchOptions) Option {
	return func(o *Orchestrator) { o.fetchOpts = opts }
}

// WithRenderOptions sets the options passed to every render.
func WithRenderOptions(opts crawler.RenderOptions) Option {
	return func(o *Orchestrator) { o.renderOpts = opts }
}

// Orchestrator implements crawler.Scraper.
type Orchestrator struct {
	fetcher    crawler.Fetcher
	renderer   crawler.Renderer
	normalizer crawler.Normalizer
	emitter    progress.Emitter
	clock      crawler.Clock
	logger     *zap.Logger
	fetchOpts  crawler.FetchOptions
	renderOpts crawler.RenderOptions
}

// New builds an Orchestrator over the two retrieval tiers.
func New(fetcher crawler.Fetcher, renderer crawler.Renderer, normalizer crawler.Normalizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:    fetcher,
		renderer:   renderer,
		normalizer: normalizer,
		clock:      system.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ShouldEscalate decides whether a fetch outcome goes to the renderer: fallback
// candidates and retryable failures whose retries ran out do; genuine successes
// and definitive failures do not.
func ShouldEscalate(res crawler.FetchResult) bool {
	if res.Success {
		return false
	}
	return res.FallbackCandidate() || crawler.IsRetryable(res.Err)
}

// Scrape retrieves and normalizes rawURL. It always returns a structured result.
func (o *Orchestrator) Scrape(ctx context.Context, rawURL string) crawler.ScrapeResult {
	start := time.Now()
	res := o.scrape(ctx, rawURL)
	o.finish(ctx, res, time.Since(start))
	return res
}

func (o *Orchestrator) scrape(ctx context.Context, rawURL string) crawler.ScrapeResult {
	fetched := o.fetcher.Fetch(ctx, rawURL, o.fetchOpts)
	meta := map[string]any{
		MetaTier:          TierFetch,
		MetaFallbackUsed:  false,
		MetaFetchAttempts: fetched.Attempts,
	}

	if fetched.Success {
		content, err := o.normalizer.Normalize(fetched.Raw, fetched.ContentType)
		if err != nil {
			return crawler.NewScrapeFailure(rawURL, err, fetched.StatusCode, meta)
		}
		return crawler.NewScrapeSuccess(fetched.Source(), content, meta)
	}

	meta[MetaFetchError] = errorText(fetched.Err)
	if !ShouldEscalate(fetched) || ctx.Err() != nil {
		return crawler.NewScrapeFailure(rawURL, fetched.Err, fetched.StatusCode, meta)
	}

	o.logger.Debug("escalating to renderer", zap.String("url", rawURL), zap.Error(fetched.Err))
	meta[MetaTier] = TierRender
	meta[MetaFallbackUsed] = true

	rendered := o.renderer.Render(ctx, rawURL, o.renderOpts)
	meta[MetaRenderFallback] = rendered.Fallback
	if rendered.FallbackReason != "" {
		meta[MetaRenderFallbackReason] = rendered.FallbackReason
	}

	if rendered.Success {
		src, content, err := o.normalizeRendered(rawURL, rendered)
		if err != nil {
			return crawler.NewScrapeFailure(rawURL, err, rendered.StatusCode, meta)
		}
		return crawler.NewScrapeSuccess(src, content, meta)
	}

	err := renderError(rendered)
	if err == nil {
		err = fetched.Err
	}
	status := rendered.StatusCode
	if status == 0 {
		status = fetched.StatusCode
	}
	return crawler.NewScrapeFailure(rawURL, err, status, meta)
}

// normalizeRendered prefers the rendered DOM and falls back to the visible
// text when the markup yields nothing usable.
func (o *Orchestrator) normalizeRendered(rawURL string, rendered crawler.BrowserRenderResult) (crawler.ScrapeSource, crawler.NormalizedContent, error) {
	src := crawler.ScrapeSource{
		URL:         rawURL,
		Raw:         []byte(rendered.HTML),
		ContentType: "text/html; charset=utf-8",
		StatusCode:  rendered.StatusCode,
		Headers:     rendered.Headers,
		FinalURL:    rendered.FinalURL,
	}
	content, err := o.normalizer.Normalize(src.Raw, src.ContentType)
	if err == nil {
		return src, content, nil
	}
	if rendered.Text == "" {
		return src, crawler.NormalizedContent{}, err
	}
	src.Raw = []byte(rendered.Text)
	src.ContentType = "text/plain; charset=utf-8"
	content, textErr := o.normalizer.Normalize(src.Raw, src.ContentType)
	if textErr != nil {
		return src, crawler.NormalizedContent{}, err
	}
	return src, content, nil
}

func (o *Orchestrator) finish(ctx context.Context, res crawler.ScrapeResult, dur time.Duration) {
	tier, _ := res.Metadata[MetaTier].(string)
	metrics.ObserveScrape(tier, res.Success)

	if o.emitter != nil {
		o.emitter.Emit(progress.Event{
			JobID:       progress.JobIDFrom(ctx),
			TS:          o.clock.Now(),
			Stage:       progress.StageScrapeDone,
			Site:        metrics.SanitizeSite(res.URL),
			URL:         res.URL,
			Tier:        tier,
			Success:     res.Success,
			Bytes:       int64(len(res.RawContent)),
			StatusClass: progress.ClassifyStatus(res.HTTPStatus),
			Dur:         dur,
			Note:        res.Error,
		})
	}

	fields := []zap.Field{
		zap.String("url", res.URL),
		zap.String("tier", tier),
		zap.Bool("success", res.Success),
		zap.Duration("dur", dur),
	}
	if res.Success {
		o.logger.Debug("scrape finished", append(fields, zap.String("content_hash", res.ContentHash))...)
		return
	}
	o.logger.Info("scrape failed", append(fields, zap.String("error", res.Error))...)
}

func renderError(r crawler.BrowserRenderResult) error {
	if r.Err != nil {
		return r.Err
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
