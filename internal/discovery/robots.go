package discovery

import (
	"bufio"
	"bytes"
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

// robotsPolicy answers allow/deny questions for one site and keeps the
// structured directives for the discovery result.
type robotsPolicy struct {
	data       *robotstxt.RobotsData
	agent      string
	directives *crawler.RobotsDirectives
}

// newRobotsPolicy parses a robots.txt response. A status of 0 (no response)
// or any parse failure means no restrictions.
func newRobotsPolicy(status int, body []byte, agent string) *robotsPolicy {
	p := &robotsPolicy{agent: robotsAgent(agent)}
	if status == 0 {
		return p
	}
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return p
	}
	p.data = data
	if status >= 200 && status < 300 {
		p.directives = parseDirectives(body)
		if len(data.Sitemaps) > 0 && len(p.directives.Sitemaps) == 0 {
			p.directives.Sitemaps = append([]string(nil), data.Sitemaps...)
		}
	}
	return p
}

// Allowed reports whether u may be crawled.
func (p *robotsPolicy) Allowed(u *url.URL) bool {
	if p == nil || p.data == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return p.data.TestAgent(path, p.agent)
}

// Sitemaps returns the sitemap URLs referenced by robots.txt.
func (p *robotsPolicy) Sitemaps() []string {
	if p == nil || p.directives == nil {
		return nil
	}
	return p.directives.Sitemaps
}

// AllowPaths returns literal Allow paths from every group, in file order.
func (p *robotsPolicy) AllowPaths() []string {
	if p == nil || p.directives == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, g := range p.directives.Groups {
		for _, path := range g.Allow {
			if path == "" || path == "/" || strings.ContainsAny(path, "*$") || seen[path] {
				continue
			}
			seen[path] = true
			out = append(out, path)
		}
	}
	return out
}

// parseDirectives records the raw user-agent groups. robotstxt only answers
// path queries and does not expose its rules.
func parseDirectives(body []byte) *crawler.RobotsDirectives {
	out := &crawler.RobotsDirectives{}
	var current *crawler.RobotsGroup
	inRules := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if current == nil || inRules {
				out.Groups = append(out.Groups, crawler.RobotsGroup{})
				current = &out.Groups[len(out.Groups)-1]
				inRules = false
			}
			current.UserAgents = append(current.UserAgents, value)
		case "allow", "disallow", "crawl-delay":
			if current == nil {
				continue
			}
			inRules = true
			switch key {
			case "allow":
				current.Allow = append(current.Allow, value)
			case "disallow":
				if value != "" {
					current.Disallow = append(current.Disallow, value)
				}
			case "crawl-delay":
				current.CrawlDelay = value
			}
		case "sitemap":
			if value != "" {
				out.Sitemaps = append(out.Sitemaps, value)
			}
		}
	}
	return out
}

// robotsAgent reduces a full user agent to its product token, which is what
// robots.txt groups name.
func robotsAgent(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return "*"
	}
	if i := strings.IndexAny(ua, "/ "); i > 0 {
		ua = ua[:i]
	}
	return ua
}
