// Package collyfetcher implements the direct HTTP fetch tier using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/headless/detector"
	"github.com/JakeFAU/policy-ingest/internal/metrics"
	"github.com/JakeFAU/policy-ingest/internal/policy/ratelimit"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 10 * 1024 * 1024
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string              `mapstructure:"user_agent"`
	Timeout      time.Duration       `mapstructure:"timeout"`
	MaxBodyBytes int                 `mapstructure:"max_body_bytes"`
	Retry        crawler.RetryConfig `mapstructure:"retry"`
}

// ScriptDetector decides whether an HTML body only renders with JavaScript.
type ScriptDetector interface {
	RequiresScript(body []byte) bool
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithDetector replaces the default heuristic detector.
func WithDetector(d ScriptDetector) Option {
	return func(f *Fetcher) { f.detector = d }
}

// WithLimiter shares a per-host rate limiter with the fetcher.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger.Named("fetcher")
		}
	}
}

// WithTransport replaces the pooled HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

// Fetcher implements crawler.Fetcher using a fresh Colly collector per attempt.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	retry     *crawler.ExponentialRetryPolicy
	detector  ScriptDetector
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// response is what a single attempt observed on the wire.
type response struct {
	statusCode int
	headers    http.Header
	body       []byte
	finalURL   string
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	f := &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		retry:     crawler.NewExponentialRetryPolicy(cfg.Retry),
		detector:  detector.NewHeuristic(detector.Config{}),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves rawURL, retrying transient failures. The result is never a
// panic or bare error: failures and fallback candidates are reported in Err.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts crawler.FetchOptions) crawler.FetchResult {
	start := time.Now()
	result := crawler.FetchResult{URL: rawURL}
	if err := validateURL(rawURL); err != nil {
		result.Err = err
		return result
	}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			result.Err = &crawler.NetworkError{URL: rawURL, Err: err}
			break
		}

		resp, err := f.attempt(ctx, rawURL, opts)
		if err == nil {
			err = f.classify(rawURL, resp)
			result.Raw = resp.body
			result.StatusCode = resp.statusCode
			result.Headers = resp.headers
			result.FinalURL = resp.finalURL
			result.ContentType = resp.headers.Get("Content-Type")
		}
		metrics.ObserveFetchAttempt(outcomeLabel(err))

		if err == nil {
			result.Success = true
			result.Err = nil
			break
		}
		result.Err = err
		f.logger.Debug("fetch attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if ctx.Err() != nil || crawler.IsFallbackCandidate(err) || !f.retry.ShouldRetry(err, attempt) {
			break
		}
		if err := sleepWithContext(ctx, f.retry.Backoff(attempt)); err != nil {
			result.Err = &crawler.NetworkError{URL: rawURL, Err: err}
			break
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string, opts crawler.FetchOptions) (response, error) {
	timeout := f.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		resp     response
		fetchErr error
	)
	collector := f.buildCollector(attemptCtx, opts, timeout)
	f.configureCollectorHooks(collector, opts, &resp, &fetchErr)
	if err := f.runCollector(attemptCtx, collector, rawURL, &fetchErr); err != nil {
		return response{}, &crawler.NetworkError{URL: rawURL, Err: err}
	}
	if resp.statusCode == 0 {
		return response{}, &crawler.NetworkError{URL: rawURL, Err: fmt.Errorf("no response received")}
	}
	return resp, nil
}

// buildCollector returns a collector whose transport is bound to ctx so a
// cancelled caller aborts the in-flight request.
func (f *Fetcher) buildCollector(ctx context.Context, opts crawler.FetchOptions, timeout time.Duration) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.IgnoreRobotsTxt(),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
	)
	switch {
	case opts.UserAgent != "":
		collector.UserAgent = opts.UserAgent
	case f.cfg.UserAgent != "":
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.WithTransport(&contextTransport{base: f.transport, ctx: ctx})
	collector.SetRequestTimeout(timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	opts crawler.FetchOptions,
	resp *response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(opts.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*resp = response{
			statusCode: r.StatusCode,
			headers:    r.Headers.Clone(),
			body:       append([]byte(nil), r.Body...),
			finalURL:   r.Request.URL.String(),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// classify turns a completed response into nil (genuine success), a
// fallback candidate, or a status error.
func (f *Fetcher) classify(rawURL string, resp response) error {
	switch {
	case resp.statusCode == http.StatusTooManyRequests:
		return &crawler.FallbackError{
			Reason: "rate limited",
			Err:    &crawler.HTTPStatusError{URL: rawURL, StatusCode: resp.statusCode},
		}
	case resp.statusCode < 200 || resp.statusCode > 299:
		return &crawler.HTTPStatusError{URL: rawURL, StatusCode: resp.statusCode}
	}

	mediaType := mediaTypeOf(resp.headers.Get("Content-Type"), resp.body)
	if !isTextual(mediaType) {
		return &crawler.FallbackError{Reason: "non-text content type " + mediaType}
	}
	if isHTML(mediaType) && f.detector != nil && f.detector.RequiresScript(resp.body) {
		return &crawler.FallbackError{Reason: "content requires script execution"}
	}
	return nil
}

func mediaTypeOf(contentType string, body []byte) string {
	if strings.TrimSpace(contentType) == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return strings.ToLower(mediaType)
}

func isTextual(mediaType string) bool {
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case strings.HasSuffix(mediaType, "+xml"), strings.HasSuffix(mediaType, "+json"):
		return true
	}
	switch mediaType {
	case "application/xml", "application/json", "application/xhtml+xml":
		return true
	}
	return false
}

func isHTML(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if crawler.IsFallbackCandidate(err) {
		return "fallback"
	}
	var statusErr *crawler.HTTPStatusError
	if errors.As(err, &statusErr) {
		return "http_error"
	}
	return "network_error"
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", rawURL)
	}
	return nil
}

func copyHeaders(headers http.Header, r *colly.Request) {
	if headers == nil {
		return
	}
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}
