package discovery

import (
	"context"
	"net/http"
	"sync"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/progress"
)

// siteFetcher serves canned responses by URL; anything else is a 404.
type siteFetcher struct {
	mu       sync.Mutex
	pages    map[string]crawler.FetchResult
	requests []string
}

func newSiteFetcher() *siteFetcher {
	return &siteFetcher{pages: make(map[string]crawler.FetchResult)}
}

func (f *siteFetcher) html(url, body string) *siteFetcher {
	f.pages[url] = crawler.FetchResult{
		Success:     true,
		URL:         url,
		Raw:         []byte(body),
		ContentType: "text/html; charset=utf-8",
		StatusCode:  http.StatusOK,
		FinalURL:    url,
	}
	return f
}

func (f *siteFetcher) text(url, contentType, body string) *siteFetcher {
	f.pages[url] = crawler.FetchResult{
		Success:     true,
		URL:         url,
		Raw:         []byte(body),
		ContentType: contentType,
		StatusCode:  http.StatusOK,
		FinalURL:    url,
	}
	return f
}

func (f *siteFetcher) set(url string, res crawler.FetchResult) *siteFetcher {
	f.pages[url] = res
	return f
}

func (f *siteFetcher) Fetch(_ context.Context, url string, _ crawler.FetchOptions) crawler.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, url)
	if res, ok := f.pages[url]; ok {
		return res
	}
	return crawler.FetchResult{
		URL:        url,
		StatusCode: http.StatusNotFound,
		Err:        &crawler.HTTPStatusError{URL: url, StatusCode: http.StatusNotFound},
	}
}

func (f *siteFetcher) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
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

func (e *recordingEmitter) all() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}
