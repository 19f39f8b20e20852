package retrieval

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/policy-ingest/internal/content"
	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/progress"
)

const staticHTML = `<html><body><h1>Privacy Policy</h1><p>We keep your data safe.</p></body></html>`

type fakeFetcher struct {
	result crawler.FetchResult
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ crawler.FetchOptions) crawler.FetchResult {
	f.calls++
	res := f.result
	res.URL = url
	return res
}

type fakeRenderer struct {
	result crawler.BrowserRenderResult
	calls  int
}

func (r *fakeRenderer) Render(_ context.Context, url string, _ crawler.RenderOptions) crawler.BrowserRenderResult {
	r.calls++
	res := r.result
	res.URL = url
	return res
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

func newOrchestrator(f *fakeFetcher, r *fakeRenderer, opts ...Option) *Orchestrator {
	return New(f, r, content.New(content.Config{}, nil), opts...)
}

func okFetch() crawler.FetchResult {
	return crawler.FetchResult{
		Success:     true,
		Raw:         []byte(staticHTML),
		ContentType: "text/html",
		StatusCode:  http.StatusOK,
		FinalURL:    "https://example.com/privacy",
		Attempts:    1,
	}
}

func fallbackFetch() crawler.FetchResult {
	return crawler.FetchResult{
		Raw:         []byte(`<div id="root"></div>`),
		ContentType: "text/html",
		StatusCode:  http.StatusOK,
		Attempts:    1,
		Err:         &crawler.FallbackError{Reason: "content requires script execution"},
	}
}

func okRender() crawler.BrowserRenderResult {
	return crawler.BrowserRenderResult{
		Success:    true,
		HTML:       staticHTML,
		Text:       "Privacy Policy\nWe keep your data safe.",
		StatusCode: http.StatusOK,
		FinalURL:   "https://example.com/legal/privacy",
	}
}

func TestScrapeStaticPageNeverRenders(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{result: okFetch()}
	r := &fakeRenderer{result: okRender()}
	res := newOrchestrator(f, r).Scrape(context.Background(), "https://example.com/privacy")

	require.True(t, res.Success)
	require.Zero(t, r.calls)
	require.Equal(t, "Privacy Policy We keep your data safe.", res.Text)
	require.Equal(t, TierFetch, res.Metadata[MetaTier])
	require.Equal(t, false, res.Metadata[MetaFallbackUsed])
	require.Equal(t, 1, res.Metadata[MetaFetchAttempts])

	norm, err := content.New(content.Config{}, nil).Normalize([]byte(res.Text), "text/plain")
	require.NoError(t, err)
	require.Equal(t, norm.Hash, res.ContentHash)
}

func TestScrapeEscalatesFallbackCandidate(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{result: fallbackFetch()}
	rendered := okRender()
	rendered.Fallback = true
	rendered.FallbackReason = "navigation timed out"
	r := &fakeRenderer{result: rendered}

	res := newOrchestrator(f, r).Scrape(context.Background(), "https://example.com/privacy")
	require.True(t, res.Success)
	require.Equal(t, 1, r.calls)
	require.Equal(t, TierRender, res.Metadata[MetaTier])
	require.Equal(t, true, res.Metadata[MetaFallbackUsed])
	require.Equal(t, true, res.Metadata[MetaRenderFallback])
	require.Equal(t, "navigation timed out", res.Metadata[MetaRenderFallbackReason])
	require.Contains(t, res.Metadata[MetaFetchError], "fallback candidate")
	require.Equal(t, "https://example.com/legal/privacy", res.FinalURL)
	require.Equal(t, "Privacy Policy We keep your data safe.", res.Text)
}

func TestScrapeEscalatesExhaustedRetries(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{result: crawler.FetchResult{
		StatusCode: http.StatusServiceUnavailable,
		Attempts:   3,
		Err:        &crawler.HTTPStatusError{StatusCode: http.StatusServiceUnavailable},
	}}
	r := &fakeRenderer{result: okRender()}

	res := newOrchestrator(f, r).Scrape(context.Background(), "https://example.com/privacy")
	require.True(t, res.Success)
	require.Equal(t, 1, r.calls)
	require.Equal(t, 3, res.Metadata[MetaFetchAttempts])
}

func TestScrapeDefinitiveClientErrorIsTerminal(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{result: crawler.FetchResult{
		StatusCode: http.StatusNotFound,
		Attempts:   1,
		Err:        &crawler.HTTPStatusError{URL: "https://example.com/gone", StatusCode: http.StatusNotFound},
	}}
	r := &fakeRenderer{result: okRender()}

	res := newOrchestrator(f, r).Scrape(context.Background(), "https://example.com/gone")
	require.False(t, res.Success)
	require.Zero(t, r.calls)
	require.Equal(t, http.StatusNotFound, res.HTTPStatus)
	require.Contains(t, res.Error, "404")
	require.Empty(t, res.ContentHash)
}

func TestScrapeBothTiersFailPrefersRendererError(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{result: crawler.FetchResult{
		StatusCode: http.StatusTooManyRequests,
		Attempts:   1,
		Err:        &crawler.FallbackError{Reason: "rate limited", Err: &crawler.HTTPStatusError{StatusCode: 429}},
	}}
	renderErr := &crawler.RenderTimeoutError{URL: "https://example.com", Timeout: time.Second}
	r := &fakeRenderer{result: crawler.BrowserRenderResult{Err: renderErr, Error: renderErr.Error()}}

	res := newOrchestrator(f, r).Scrape(context.Background(), "https://example.com")
	require.False(t, res.Success)
	require.Equal(t, renderErr.Error(), res.Error)
	require.Equal(t, http.StatusTooManyRequests, res.HTTPStatus)
	require.Equal(t, TierRender, res.Metadata[MetaTier])
}

func TestScrapeNormalizationFailureIsTerminal(t *testing.T) {
	t.Parallel()

	fetched := okFetch()
	fetched.Raw = []byte(`<html><body><script>only()</script></body></html>`)
	f := &fakeFetcher{result: fetched}
	r := &fakeRenderer{result: okRender()}

	res := newOrchestrator(f, r).Scrape(context.Background(), "https://example.com")
	require.False(t, res.Success)
	require.Zero(t, r.calls)
	require.Contains(t, res.Error, "no textual content")
	require.Empty(t, res.Text)
}

func TestScrapeRenderedTextUsedWhenMarkupEmpty(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{result: fallbackFetch()}
	r := &fakeRenderer{result: crawler.BrowserRenderResult{
		Success:  true,
		HTML:     `<html><body><canvas></canvas></body></html>`,
		Text:     "Terms drawn on canvas",
		Fallback: true,
	}}

	res := newOrchestrator(f, r).Scrape(context.Background(), "https://example.com/terms")
	require.True(t, res.Success)
	require.Equal(t, "Terms drawn on canvas", res.Text)
	require.Equal(t, "text/plain; charset=utf-8", res.ContentType)
}

func TestScrapeSkipsRenderWhenCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeFetcher{result: crawler.FetchResult{Attempts: 1, Err: &crawler.NetworkError{Err: errors.New("timeout")}}}
	r := &fakeRenderer{result: okRender()}

	res := newOrchestrator(f, r).Scrape(ctx, "https://example.com")
	require.False(t, res.Success)
	require.Zero(t, r.calls)
}

func TestScrapeEmitsEvent(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	o := newOrchestrator(&fakeFetcher{result: okFetch()}, &fakeRenderer{}, WithEmitter(emitter), WithClock(fixedClock(at)))

	ctx := progress.WithJobID(context.Background(), "job-42")
	o.Scrape(ctx, "https://Example.com/privacy")

	require.Len(t, emitter.events, 1)
	evt := emitter.events[0]
	require.Equal(t, progress.StageScrapeDone, evt.Stage)
	require.Equal(t, "job-42", evt.JobID)
	require.Equal(t, "example.com", evt.Site)
	require.Equal(t, TierFetch, evt.Tier)
	require.Equal(t, progress.Status2xx, evt.StatusClass)
	require.Equal(t, int64(len(staticHTML)), evt.Bytes)
	require.Equal(t, at, evt.TS)
	require.NoError(t, evt.Validate())
}

func TestShouldEscalate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		res  crawler.FetchResult
		want bool
	}{
		{"success", okFetch(), false},
		{"fallback", fallbackFetch(), true},
		{"network", crawler.FetchResult{Err: &crawler.NetworkError{Err: errors.New("reset")}}, true},
		{"5xx", crawler.FetchResult{Err: &crawler.HTTPStatusError{StatusCode: 502}}, true},
		{"403", crawler.FetchResult{Err: &crawler.HTTPStatusError{StatusCode: 403}}, false},
		{"canceled", crawler.FetchResult{Err: &crawler.NetworkError{Err: context.Canceled}}, false},
		{"invalid url", crawler.FetchResult{Err: errors.New("invalid url")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ShouldEscalate(tc.res))
		})
	}
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }
