package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// BrowserName labels results produced by the chromedp sessions.
const BrowserName = "chromium-chromedp"

// ChromeAllocator owns the Chrome process options shared by every session.
type ChromeAllocator struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	seq         atomic.Int64
}

// NewChromeAllocator prepares an exec allocator. Chrome is not started until
// the first session is requested.
func NewChromeAllocator(cfg Config) *ChromeAllocator {
	cfg = cfg.withDefaults()
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeAllocator{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}
}

// NewBrowser is a BrowserFactory that starts one Chrome browser per session.
// ctx bounds startup only; the browser lives until Close.
func (a *ChromeAllocator) NewBrowser(ctx context.Context) (Browser, error) {
	browserCtx, cancel := chromedp.NewContext(a.allocator)
	if err := startTarget(ctx, browserCtx, cancel); err != nil {
		cancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chromeBrowser{
		id:     fmt.Sprintf("chrome-%d", a.seq.Add(1)),
		ctx:    browserCtx,
		cancel: cancel,
		cfg:    a.cfg,
	}, nil
}

// Close stops the allocator and every browser it started.
func (a *ChromeAllocator) Close() {
	a.allocCancel()
}

type chromeBrowser struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
}

func (b *chromeBrowser) ID() string { return b.id }

func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)
	if err := startTarget(ctx, tabCtx, cancel); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromePage{ctx: tabCtx, cancel: cancel, meta: meta, cfg: b.cfg}, nil
}

func (b *chromeBrowser) Close() error {
	b.cancel()
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	meta   *responseMeta
	cfg    Config
	url    string
}

func (p *chromePage) Navigate(ctx context.Context, url string, headers http.Header) error {
	p.url = url
	runCtx, stop := bindContext(p.ctx, ctx)
	defer stop()
	actions := []chromedp.Action{
		p.networkSetupAction(headers),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(p.cfg.SettleDelay),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (p *chromePage) Capture(ctx context.Context) (Snapshot, error) {
	runCtx, stop := bindContext(p.ctx, ctx)
	defer stop()
	var (
		html     string
		text     string
		finalURL string
	)
	err := chromedp.Run(runCtx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery, chromedp.AtLeast(0)),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("chromedp capture: %w", err)
	}
	status, headers, _ := p.meta.snapshotWithFallbacks(p.url, finalURL)
	if finalURL == "" {
		finalURL = p.url
	}
	return Snapshot{
		HTML:       html,
		Text:       text,
		FinalURL:   finalURL,
		StatusCode: status,
		Headers:    headers,
	}, nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

func (p *chromePage) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// startTarget makes the first chromedp.Run on chromeCtx itself. chromedp ties
// the lifetime of the browser process (or tab event loop) to the context of
// that first Run, so it must never be a derived, short-lived context. caller
// only bounds startup: when it ends first, cancel tears the target down.
func startTarget(caller, chromeCtx context.Context, cancel context.CancelFunc) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(chromeCtx) }()
	select {
	case err := <-done:
		return err
	case <-caller.Done():
		cancel()
		<-done
		return caller.Err()
	}
}

// bindContext derives a context from an already started chromedp context
// that also ends when caller ends. Cancelling it aborts the running actions
// without closing the tab.
func bindContext(chromeCtx, caller context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(chromeCtx)
	if deadline, ok := caller.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		prev := cancel
		cancel = func() { cancelDeadline(); prev() }
	}
	stop := context.AfterFunc(caller, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks fills in a status and URL when no document response
// was observed, e.g. for a page served from cache.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
