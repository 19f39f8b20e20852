// Package headless implements the browser rendering tier on top of a bounded
// pool of headless browser sessions.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/metrics"
)

// Config controls the renderer and its browser sessions.
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxSessions       int           `mapstructure:"max_sessions"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	CaptureTimeout    time.Duration `mapstructure:"capture_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	UserAgent         string        `mapstructure:"user_agent"`
	ExecPath          string        `mapstructure:"exec_path"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 2
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = 5 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	return c
}

// Renderer implements crawler.Renderer.
type Renderer struct {
	pool    *Pool
	cfg     Config
	browser string
	logger  *zap.Logger
}

// NewRenderer builds a Renderer over pool. browserName labels results.
func NewRenderer(pool *Pool, cfg Config, browserName string, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		pool:    pool,
		cfg:     cfg.withDefaults(),
		browser: browserName,
		logger:  logger.Named("renderer"),
	}
}

// Close shuts down the session pool.
func (r *Renderer) Close() error {
	return r.pool.Close()
}

// Render loads rawURL in a pooled browser session. The session is released on
// every exit path, including panics inside the browser driver.
func (r *Renderer) Render(ctx context.Context, rawURL string, opts crawler.RenderOptions) (result crawler.BrowserRenderResult) {
	start := time.Now()
	base := crawler.BrowserRenderResult{
		URL:      rawURL,
		Browser:  r.browser,
		Metadata: map[string]any{"browser": r.browser},
	}

	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return r.fail(base, fmt.Errorf("acquire browser session: %w", err), "failure")
	}
	base.Metadata["session"] = lease.Browser().ID()

	defer func() {
		if rec := recover(); rec != nil {
			lease.Discard()
			r.logger.Error("render panicked", zap.String("url", rawURL), zap.Any("panic", rec))
			result = r.fail(base, fmt.Errorf("render panic: %v", rec), "panic")
			return
		}
		lease.Release()
	}()

	page, err := lease.Browser().NewPage(ctx)
	if err != nil {
		lease.Discard()
		return r.fail(base, fmt.Errorf("open page: %w", err), "failure")
	}
	defer func() {
		if err := page.Close(); err != nil {
			r.logger.Debug("close page", zap.Error(err))
		}
	}()

	timeout := r.cfg.NavigationTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	navErr := page.Navigate(navCtx, rawURL, opts.Headers)
	timedOut := errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	base.Metadata["navigation_ms"] = time.Since(start).Milliseconds()

	if navErr == nil {
		snap, err := r.capture(ctx, page)
		if err != nil {
			return r.fail(base, fmt.Errorf("capture page: %w", err), "failure")
		}
		if !hasContent(snap) {
			return r.fail(base, errors.New("rendered page has no content"), "failure")
		}
		metrics.ObserveRender("success")
		return r.succeed(base, snap)
	}

	if ctx.Err() != nil {
		return r.fail(base, fmt.Errorf("render canceled: %w", ctx.Err()), "canceled")
	}

	// One degraded attempt: take whatever the tab managed to load.
	snap, capErr := r.capture(ctx, page)
	if capErr == nil && hasContent(snap) {
		res := r.succeed(base, snap)
		res.Fallback = true
		if timedOut {
			res.FallbackReason = fmt.Sprintf("navigation timed out after %s; partial content captured", timeout)
		} else {
			res.FallbackReason = fmt.Sprintf("navigation failed (%v); partial content captured", navErr)
		}
		res.Metadata["navigation_error"] = navErr.Error()
		metrics.ObserveRender("fallback")
		r.logger.Info("render degraded to partial content",
			zap.String("url", rawURL),
			zap.String("reason", res.FallbackReason),
		)
		return res
	}

	if timedOut {
		return r.fail(base, &crawler.RenderTimeoutError{URL: rawURL, Timeout: timeout}, "timeout")
	}
	return r.fail(base, fmt.Errorf("navigate: %w", navErr), "failure")
}

func (r *Renderer) capture(ctx context.Context, page Page) (Snapshot, error) {
	captureCtx, cancel := context.WithTimeout(ctx, r.cfg.CaptureTimeout)
	defer cancel()
	snap, err := page.Capture(captureCtx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture: %w", err)
	}
	return snap, nil
}

func (r *Renderer) succeed(base crawler.BrowserRenderResult, snap Snapshot) crawler.BrowserRenderResult {
	res := base
	res.Success = true
	res.HTML = snap.HTML
	res.Text = snap.Text
	res.StatusCode = snap.StatusCode
	res.Headers = snap.Headers
	res.FinalURL = snap.FinalURL
	if res.FinalURL == "" {
		res.FinalURL = base.URL
	}
	return res
}

func (r *Renderer) fail(base crawler.BrowserRenderResult, err error, outcome string) crawler.BrowserRenderResult {
	metrics.ObserveRender(outcome)
	r.logger.Debug("render failed", zap.String("url", base.URL), zap.Error(err))
	res := base
	res.Success = false
	res.Err = err
	res.Error = err.Error()
	return res
}

func hasContent(s Snapshot) bool {
	return strings.TrimSpace(s.Text) != "" || bodyHasMarkup(s.HTML)
}

// bodyHasMarkup is false for the blank document a tab shows before anything loads.
func bodyHasMarkup(html string) bool {
	lower := strings.ToLower(html)
	i := strings.Index(lower, "<body")
	if i < 0 {
		return false
	}
	open := strings.IndexByte(lower[i:], '>')
	if open < 0 {
		return false
	}
	rest := lower[i+open+1:]
	if end := strings.Index(rest, "</body>"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest) != ""
}
