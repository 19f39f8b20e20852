package discovery

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/policy-ingest/internal/clock/system"
	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/metrics"
	"github.com/JakeFAU/policy-ingest/internal/progress"
)

// Metadata keys on a DiscoveryResult.
const (
	MetaBounded     = "bounded"
	MetaPagesFailed = "pages_failed"
	MetaMethods     = "methods"
)

// Config bounds one discovery run. A zero limit means "use the default", so
// configured limits must be positive; MaxPages of 1 crawls the root only.
type Config struct {
	MaxPages       int        `mapstructure:"max_pages" validate:"gt=0"`
	MaxDepth       int        `mapstructure:"max_depth" validate:"gt=0"`
	Concurrency    int        `mapstructure:"concurrency" validate:"gt=0"`
	UserAgent      string     `mapstructure:"user_agent"`
	SitemapPaths   []string   `mapstructure:"sitemap_paths"`
	MaxSitemaps    int        `mapstructure:"max_sitemaps" validate:"gt=0"`
	MaxSitemapURLs int        `mapstructure:"max_sitemap_urls" validate:"gt=0"`
	Heuristics     Heuristics `mapstructure:"heuristics"`
}

// WithDefaults replaces unset (zero or negative) limits with defaults.
func (c Config) WithDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.UserAgent == "" {
		c.UserAgent = "policy-ingest/1.0"
	}
	if len(c.SitemapPaths) == 0 {
		c.SitemapPaths = []string{"/sitemap.xml"}
	}
	if c.MaxSitemaps <= 0 {
		c.MaxSitemaps = 10
	}
	if c.MaxSitemapURLs <= 0 {
		c.MaxSitemapURLs = 5000
	}
	c.Heuristics = c.Heuristics.withDefaults()
	return c
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithEmitter sends DISCOVERY_DONE events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(c *Crawler) { c.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Crawler) {
		if logger != nil {
			c.logger = logger.Named("discovery")
		}
	}
}

// WithClock replaces the clock used for event timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(c *Crawler) { c.clock = clock }
}

// Crawler implements discovery over the direct fetch tier.
type Crawler struct {
	fetcher crawler.Fetcher
	emitter progress.Emitter
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds a Crawler that retrieves robots.txt, sitemaps and pages with fetcher.
func New(fetcher crawler.Fetcher, opts ...Option) *Crawler {
	c := &Crawler{
		fetcher: fetcher,
		clock:   system.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// page is the outcome of fetching one frontier URL.
type page struct {
	ok    bool
	links []link
}

// Discover finds candidate policy documents under root. Only an unusable root
// (invalid, disallowed, unreachable) or cancellation fails the run; hitting a
// page or depth limit returns the partial result as success.
func (c *Crawler) Discover(ctx context.Context, root string, cfg Config) crawler.DiscoveryResult {
	start := time.Now()
	cfg = cfg.WithDefaults()
	res := c.discover(ctx, root, cfg)
	c.finish(ctx, res, time.Since(start))
	return res
}

func (c *Crawler) discover(ctx context.Context, root string, cfg Config) crawler.DiscoveryResult {
	normalized, err := crawler.NormalizeURL(root)
	if err != nil {
		return crawler.NewDiscoveryFailure(root, fmt.Errorf("invalid root: %w", err))
	}
	rootURL, _ := url.Parse(normalized)
	if rootURL.Scheme != "http" && rootURL.Scheme != "https" {
		return crawler.NewDiscoveryFailure(root, fmt.Errorf("invalid root: unsupported scheme %q", rootURL.Scheme))
	}

	robots := c.loadRobots(ctx, rootURL, cfg)
	if !robots.Allowed(rootURL) {
		return crawler.NewDiscoveryFailure(root, errors.New("root disallowed by robots.txt"))
	}

	h := cfg.Heuristics
	found := newCandidateSet()

	for _, path := range robots.AllowPaths() {
		u, err := rootURL.Parse(path)
		if err != nil || !robots.Allowed(u) {
			continue
		}
		if cand, ok := h.Classify(u, "", crawler.MethodRobots); ok {
			found.add(cand)
		}
	}

	sitemapPages, sitemapsRead := c.readSitemaps(ctx, sitemapSeeds(rootURL, robots, cfg), cfg)
	var seeds []*url.URL
	for _, loc := range sitemapPages {
		u, ok := c.admissible(loc, rootURL, robots)
		if !ok {
			continue
		}
		if cand, ok := h.Classify(u, "", crawler.MethodSitemap); ok {
			found.add(cand)
			seeds = append(seeds, u)
		}
	}

	crawled, failed, bounded, err := c.crawl(ctx, rootURL, seeds, robots, found, cfg)
	if err != nil {
		return crawler.NewDiscoveryFailure(root, err)
	}

	methods := make(map[string]int)
	policies := found.list()
	for _, p := range policies {
		methods[string(p.Method)]++
	}
	return crawler.DiscoveryResult{
		Success:     true,
		Root:        normalized,
		Policies:    policies,
		URLsCrawled: crawled,
		SitemapURLs: sitemapsRead,
		Robots:      robots.directives,
		Metadata: map[string]any{
			MetaBounded:     bounded,
			MetaPagesFailed: failed,
			MetaMethods:     methods,
		},
	}
}

// crawl runs the breadth-first walk level by level. It returns the number of
// URLs fetched, how many of those failed, and whether a limit cut it short.
func (c *Crawler) crawl(
	ctx context.Context,
	rootURL *url.URL,
	seeds []*url.URL,
	robots *robotsPolicy,
	found *candidateSet,
	cfg Config,
) (crawled, failed int, bounded bool, err error) {
	visited := map[string]bool{rootURL.String(): true}
	level := []*url.URL{rootURL}

	for depth := 0; len(level) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return crawled, failed, bounded, fmt.Errorf("discovery canceled: %w", err)
		}
		if budget := cfg.MaxPages - crawled; len(level) > budget {
			level = level[:budget]
			bounded = true
		}
		if len(level) == 0 {
			break
		}

		pages := c.fetchLevel(ctx, level, cfg)
		crawled += len(level)
		if err := ctx.Err(); err != nil {
			return crawled, failed, bounded, fmt.Errorf("discovery canceled: %w", err)
		}
		if depth == 0 && !pages[0].ok {
			return crawled, failed, bounded, fmt.Errorf("root %s unreachable", rootURL)
		}

		var next []*url.URL
		enqueue := func(u *url.URL) {
			key := u.String()
			if !visited[key] {
				visited[key] = true
				next = append(next, u)
			}
		}
		for _, p := range pages {
			if !p.ok {
				failed++
				continue
			}
			for _, l := range p.links {
				u, ok := c.admissible(l.URL.String(), rootURL, robots)
				if !ok {
					continue
				}
				if cand, ok := cfg.Heuristics.Classify(u, l.Anchor, crawler.MethodCrawl); ok {
					found.add(cand)
				}
				enqueue(u)
			}
		}
		if depth == 0 {
			for _, u := range seeds {
				enqueue(u)
			}
		}

		if depth >= cfg.MaxDepth {
			if len(next) > 0 {
				bounded = true
			}
			break
		}
		level = next
	}
	if crawled >= cfg.MaxPages {
		bounded = true
	}
	return crawled, failed, bounded, nil
}

// fetchLevel fetches one BFS level with bounded concurrency. Results keep the
// order of level so the walk stays deterministic.
func (c *Crawler) fetchLevel(ctx context.Context, level []*url.URL, cfg Config) []page {
	pages := make([]page, len(level))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, u := range level {
		g.Go(func() error {
			pages[i] = c.fetchPage(gctx, u, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return pages
}

func (c *Crawler) fetchPage(ctx context.Context, u *url.URL, cfg Config) page {
	res := c.fetcher.Fetch(ctx, u.String(), crawler.FetchOptions{UserAgent: cfg.UserAgent})
	// Fallback candidates still carry the served markup, which is enough to
	// follow links even when the visible content needs scripts.
	if res.StatusCode < 200 || res.StatusCode > 299 || len(res.Raw) == 0 {
		c.logger.Debug("discovery page failed",
			zap.String("url", u.String()),
			zap.Int("status", res.StatusCode),
			zap.Error(res.Err),
		)
		return page{}
	}
	if !isHTMLType(res.ContentType) {
		return page{ok: true}
	}
	base := u
	if res.FinalURL != "" {
		if fu, err := url.Parse(res.FinalURL); err == nil {
			base = fu
		}
	}
	return page{ok: true, links: extractLinks(base, res.Raw)}
}

// admissible normalizes raw and keeps it only if it is an internal,
// robots-allowed http(s) URL.
func (c *Crawler) admissible(raw string, rootURL *url.URL, robots *robotsPolicy) (*url.URL, bool) {
	normalized, err := crawler.NormalizeURL(raw)
	if err != nil {
		return nil, false
	}
	u, err := url.Parse(normalized)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	if !crawler.SameSite(u, rootURL) || !robots.Allowed(u) {
		return nil, false
	}
	return u, true
}

func (c *Crawler) loadRobots(ctx context.Context, rootURL *url.URL, cfg Config) *robotsPolicy {
	robotsURL := rootURL.ResolveReference(&url.URL{Path: "/robots.txt"})
	res := c.fetcher.Fetch(ctx, robotsURL.String(), crawler.FetchOptions{UserAgent: cfg.UserAgent})
	if res.StatusCode == 0 {
		c.logger.Debug("robots.txt unavailable", zap.String("url", robotsURL.String()), zap.Error(res.Err))
	}
	return newRobotsPolicy(res.StatusCode, res.Raw, cfg.UserAgent)
}

func (c *Crawler) finish(ctx context.Context, res crawler.DiscoveryResult, dur time.Duration) {
	site := metrics.SanitizeSite(res.Root)
	if c.emitter != nil {
		c.emitter.Emit(progress.Event{
			JobID:   progress.JobIDFrom(ctx),
			TS:      c.clock.Now(),
			Stage:   progress.StageDiscoveryDone,
			Site:    site,
			URL:     res.Root,
			Success: res.Success,
			Count:   int64(len(res.Policies)),
			Pages:   int64(res.URLsCrawled),
			Dur:     dur,
			Note:    res.Error,
		})
	}
	if !res.Success {
		c.logger.Warn("discovery failed", zap.String("root", res.Root), zap.String("error", res.Error))
		return
	}
	c.logger.Info("discovery finished",
		zap.String("root", res.Root),
		zap.Int("policies", len(res.Policies)),
		zap.Int("urls_crawled", res.URLsCrawled),
		zap.Int("sitemaps", len(res.SitemapURLs)),
		zap.Any("methods", res.Metadata[MetaMethods]),
		zap.Any("bounded", res.Metadata[MetaBounded]),
		zap.Duration("dur", dur),
	)
}

func sitemapSeeds(rootURL *url.URL, robots *robotsPolicy, cfg Config) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(raw string) {
		u, err := rootURL.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			return
		}
		if s := u.String(); !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range robots.Sitemaps() {
		add(s)
	}
	for _, p := range cfg.SitemapPaths {
		add(p)
	}
	return out
}

func isHTMLType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// candidateSet deduplicates candidates by normalized URL.
type candidateSet struct {
	mu    sync.Mutex
	byURL map[string]crawler.DiscoveredPolicy
}

func newCandidateSet() *candidateSet {
	return &candidateSet{byURL: make(map[string]crawler.DiscoveredPolicy)}
}

// add keeps the higher-confidence entry; ties go to the more reliable method.
// Anchor text from a losing entry fills an empty one.
func (s *candidateSet) add(p crawler.DiscoveredPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byURL[p.URL]
	switch {
	case !ok:
		s.byURL[p.URL] = p
	case better(p, cur):
		if p.AnchorText == "" {
			p.AnchorText = cur.AnchorText
		}
		s.byURL[p.URL] = p
	case cur.AnchorText == "" && p.AnchorText != "":
		cur.AnchorText = p.AnchorText
		s.byURL[p.URL] = cur
	}
}

func better(a, b crawler.DiscoveredPolicy) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Method.Priority() > b.Method.Priority()
}

// list returns candidates by confidence descending, then URL.
func (s *candidateSet) list() []crawler.DiscoveredPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.DiscoveredPolicy, 0, len(s.byURL))
	for _, p := range s.byURL {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].URL < out[j].URL
	})
	return out
}
