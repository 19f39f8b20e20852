package discovery

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

// sitemapDoc is one parsed sitemap file.
type sitemapDoc struct {
	// index is true for <sitemapindex>, whose locs are further sitemaps.
	index bool
	locs  []string
}

// readSitemaps walks sitemap files breadth-first starting from seeds and
// returns the page URLs they list plus the sitemap files actually read.
func (c *Crawler) readSitemaps(ctx context.Context, seeds []string, cfg Config) (pages []string, read []string) {
	queue := append([]string(nil), seeds...)
	seen := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seen[s] = true
	}
	seenPage := make(map[string]bool)

	for len(queue) > 0 && len(read) < cfg.MaxSitemaps && len(pages) < cfg.MaxSitemapURLs {
		if ctx.Err() != nil {
			return pages, read
		}
		loc := queue[0]
		queue = queue[1:]

		res := c.fetcher.Fetch(ctx, loc, crawler.FetchOptions{UserAgent: cfg.UserAgent})
		if res.StatusCode < 200 || res.StatusCode > 299 || len(res.Raw) == 0 {
			c.logger.Debug("sitemap unavailable", zap.String("url", loc), zap.Int("status", res.StatusCode), zap.Error(res.Err))
			continue
		}
		doc, err := parseSitemap(res.Raw)
		if err != nil {
			c.logger.Debug("sitemap unparseable", zap.String("url", loc), zap.Error(err))
			continue
		}
		read = append(read, loc)

		for _, l := range doc.locs {
			if doc.index {
				if !seen[l] {
					seen[l] = true
					queue = append(queue, l)
				}
				continue
			}
			if seenPage[l] {
				continue
			}
			seenPage[l] = true
			pages = append(pages, l)
			if len(pages) >= cfg.MaxSitemapURLs {
				break
			}
		}
	}
	return pages, read
}

// parseSitemap reads a urlset or sitemapindex document, gzip or plain.
func parseSitemap(raw []byte) (sitemapDoc, error) {
	body, err := maybeGunzip(raw)
	if err != nil {
		return sitemapDoc{}, err
	}
	root, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return sitemapDoc{}, fmt.Errorf("parse sitemap xml: %w", err)
	}

	var doc sitemapDoc
	switch {
	case xmlquery.FindOne(root, "/*[local-name()='sitemapindex']") != nil:
		doc.index = true
		doc.locs = locsOf(root, "/*[local-name()='sitemapindex']/*[local-name()='sitemap']/*[local-name()='loc']")
	case xmlquery.FindOne(root, "/*[local-name()='urlset']") != nil:
		doc.locs = locsOf(root, "/*[local-name()='urlset']/*[local-name()='url']/*[local-name()='loc']")
	default:
		return sitemapDoc{}, fmt.Errorf("not a sitemap document")
	}
	return doc, nil
}

func locsOf(root *xmlquery.Node, expr string) []string {
	nodes := xmlquery.Find(root, expr)
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}

func maybeGunzip(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip sitemap: %w", err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(io.LimitReader(zr, 50<<20))
	if err != nil {
		return nil, fmt.Errorf("read gzip sitemap: %w", err)
	}
	return out, nil
}
