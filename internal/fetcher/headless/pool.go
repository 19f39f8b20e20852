package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/JakeFAU/policy-ingest/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// Browser is one headless browser session.
type Browser interface {
	ID() string
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab inside a Browser.
type Page interface {
	// Navigate loads url and waits for the DOM to settle or ctx to end.
	Navigate(ctx context.Context, url string, headers http.Header) error
	// Capture reads whatever the tab currently shows.
	Capture(ctx context.Context) (Snapshot, error)
	Close() error
}

// Snapshot is the page state read from a tab.
type Snapshot struct {
	HTML       string
	Text       string
	FinalURL   string
	StatusCode int
	Headers    http.Header
}

// BrowserFactory starts a new browser session.
type BrowserFactory func(ctx context.Context) (Browser, error)

// Pool caps the number of concurrently leased browser sessions. Sessions are
// created lazily and reused after release.
type Pool struct {
	factory BrowserFactory
	slots   chan struct{}

	mu     sync.Mutex
	idle   []Browser
	inUse  int
	closed bool
}

// NewPool builds a pool of at most maxSessions browsers.
func NewPool(maxSessions int, factory BrowserFactory) (*Pool, error) {
	if maxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be > 0, got %d", maxSessions)
	}
	if factory == nil {
		return nil, errors.New("browser factory is required")
	}
	return &Pool{
		factory: factory,
		slots:   make(chan struct{}, maxSessions),
	}, nil
}

// Acquire blocks until a session is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for browser session: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	var browser Browser
	if n := len(p.idle); n > 0 {
		browser = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.inUse++
	p.reportLocked()
	p.mu.Unlock()

	if browser == nil {
		b, err := p.factory(ctx)
		if err != nil {
			p.free(nil, false)
			return nil, fmt.Errorf("start browser: %w", err)
		}
		browser = b
	}
	return &Lease{pool: p, browser: browser}, nil
}

// InUse reports the number of leased sessions.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Close shuts down idle browsers. Leased browsers are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, b := range idle {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) free(browser Browser, reuse bool) {
	p.mu.Lock()
	p.inUse--
	if browser != nil && reuse && !p.closed {
		p.idle = append(p.idle, browser)
		browser = nil
	}
	p.reportLocked()
	p.mu.Unlock()

	if browser != nil {
		_ = browser.Close()
	}
	<-p.slots
}

func (p *Pool) reportLocked() {
	metrics.SetRendererSessionsInUse(p.inUse)
}

// Lease is a scoped hold on one browser session. Exactly one of Release or
// Discard takes effect; later calls are no-ops.
type Lease struct {
	pool    *Pool
	browser Browser
	once    sync.Once
}

// Browser returns the leased session.
func (l *Lease) Browser() Browser {
	return l.browser
}

// Release returns the session to the pool for reuse.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.free(l.browser, true) })
}

// Discard closes the session instead of reusing it, e.g. after a crash.
func (l *Lease) Discard() {
	l.once.Do(func() { l.pool.free(l.browser, false) })
}
