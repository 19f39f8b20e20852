package discovery

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleRobots = `# comment
User-agent: Googlebot
User-agent: policy-ingest
Disallow: /search
Allow: /legal/privacy
Crawl-delay: 2

User-agent: *
Disallow: /
Allow: /terms$
Allow: /legal/privacy

Sitemap: https://x.test/sitemap.xml
`

func TestParseDirectives(t *testing.T) {
	t.Parallel()

	d := parseDirectives([]byte(sampleRobots))
	require.Len(t, d.Groups, 2)
	require.Equal(t, []string{"Googlebot", "policy-ingest"}, d.Groups[0].UserAgents)
	require.Equal(t, []string{"/search"}, d.Groups[0].Disallow)
	require.Equal(t, []string{"/legal/privacy"}, d.Groups[0].Allow)
	require.Equal(t, "2", d.Groups[0].CrawlDelay)
	require.Equal(t, []string{"*"}, d.Groups[1].UserAgents)
	require.Equal(t, []string{"https://x.test/sitemap.xml"}, d.Sitemaps)
}

func TestRobotsPolicyAgentGroups(t *testing.T) {
	t.Parallel()

	ours := newRobotsPolicy(http.StatusOK, []byte(sampleRobots), "policy-ingest/1.0 (+https://x.test/bot)")
	require.True(t, ours.Allowed(mustURL(t, "https://x.test/about")))
	require.False(t, ours.Allowed(mustURL(t, "https://x.test/search?q=privacy")))

	other := newRobotsPolicy(http.StatusOK, []byte(sampleRobots), "otherbot")
	require.False(t, other.Allowed(mustURL(t, "https://x.test/about")))
	require.True(t, other.Allowed(mustURL(t, "https://x.test/legal/privacy")))

	require.Equal(t, []string{"/legal/privacy"}, ours.AllowPaths())
	require.Equal(t, []string{"https://x.test/sitemap.xml"}, ours.Sitemaps())
}

func TestRobotsPolicyStatuses(t *testing.T) {
	t.Parallel()

	root := mustURL(t, "https://x.test/")
	require.True(t, newRobotsPolicy(0, nil, "bot").Allowed(root))
	require.True(t, newRobotsPolicy(http.StatusNotFound, []byte("Disallow: /"), "bot").Allowed(root))
	require.False(t, newRobotsPolicy(http.StatusServiceUnavailable, nil, "bot").Allowed(root))
	require.Nil(t, newRobotsPolicy(http.StatusNotFound, nil, "bot").Sitemaps())

	var nilPolicy *robotsPolicy
	require.True(t, nilPolicy.Allowed(root))
}

func TestRobotsAgent(t *testing.T) {
	t.Parallel()

	require.Equal(t, "*", robotsAgent(""))
	require.Equal(t, "policy-ingest", robotsAgent("policy-ingest/2.1"))
	require.Equal(t, "Mozilla", robotsAgent("Mozilla/5.0 (X11)"))
	require.Equal(t, "bot", robotsAgent("bot"))
}

func TestRobotsPolicyWildcardDisallow(t *testing.T) {
	t.Parallel()

	body := []byte("User-agent: *\nDisallow: /private/*\nDisallow: /*.pdf$\n")
	p := newRobotsPolicy(http.StatusOK, body, "policy-ingest/1.0")

	require.False(t, p.Allowed(mustURL(t, "https://x.test/private/x")))
	require.False(t, p.Allowed(mustURL(t, "https://x.test/private/legal/privacy")))
	require.False(t, p.Allowed(mustURL(t, "https://x.test/docs/terms.pdf")))
	require.True(t, p.Allowed(mustURL(t, "https://x.test/privatex")))
	require.True(t, p.Allowed(mustURL(t, "https://x.test/public/privacy")))
	require.True(t, p.Allowed(mustURL(t, "https://x.test/docs/terms.pdf?v=2")))
	require.Equal(t, []string{"/private/*", "/*.pdf$"}, p.directives.Groups[0].Disallow)
}
