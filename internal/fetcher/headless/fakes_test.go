package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

type fakePage struct {
	navigate func(ctx context.Context, url string) error
	capture  func(ctx context.Context) (Snapshot, error)
	closed   atomic.Bool
}

func (p *fakePage) Navigate(ctx context.Context, url string, _ http.Header) error {
	if p.navigate == nil {
		return nil
	}
	return p.navigate(ctx, url)
}

func (p *fakePage) Capture(ctx context.Context) (Snapshot, error) {
	if p.capture == nil {
		return Snapshot{}, errors.New("nothing to capture")
	}
	return p.capture(ctx)
}

func (p *fakePage) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeBrowser struct {
	id      string
	page    func() *fakePage
	pages   []*fakePage
	mu      sync.Mutex
	closed  atomic.Bool
	pageErr error
}

func (b *fakeBrowser) ID() string { return b.id }

func (b *fakeBrowser) NewPage(context.Context) (Page, error) {
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	p := &fakePage{}
	if b.page != nil {
		p = b.page()
	}
	b.mu.Lock()
	b.pages = append(b.pages, p)
	b.mu.Unlock()
	return p, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	page     func() *fakePage
	err      error
}

func (f *fakeFactory) New(context.Context) (Browser, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &fakeBrowser{id: fmt.Sprintf("fake-%d", len(f.browsers)+1), page: f.page}
	f.browsers = append(f.browsers, b)
	return b, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.browsers)
}
