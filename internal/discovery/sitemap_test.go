package discovery

import (
	"bytes"
	"compress/gzip"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSitemap(t *testing.T) {
	t.Parallel()

	doc, err := parseSitemap([]byte(shopPages))
	require.NoError(t, err)
	require.False(t, doc.index)
	require.Len(t, doc.locs, 4)

	idx, err := parseSitemap([]byte(shopIndex))
	require.NoError(t, err)
	require.True(t, idx.index)
	require.Equal(t, []string{"https://shop.test/sitemap-pages.xml"}, idx.locs)

	_, err = parseSitemap([]byte(`<rss><channel/></rss>`))
	require.Error(t, err)
}

func TestParseSitemapGzip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`<urlset><url><loc> https://x.test/eula </loc></url></urlset>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	doc, err := parseSitemap(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, []string{"https://x.test/eula"}, doc.locs)
}

func TestReadSitemapsBounds(t *testing.T) {
	t.Parallel()

	site := newSiteFetcher().
		text("https://x.test/a.xml", "application/xml", `<sitemapindex>
			<sitemap><loc>https://x.test/b.xml</loc></sitemap>
			<sitemap><loc>https://x.test/a.xml</loc></sitemap>
		</sitemapindex>`).
		text("https://x.test/b.xml", "application/xml", `<urlset>
			<url><loc>https://x.test/1</loc></url>
			<url><loc>https://x.test/2</loc></url>
			<url><loc>https://x.test/2</loc></url>
			<url><loc>https://x.test/3</loc></url>
		</urlset>`)
	c := New(site)

	pages, read := c.readSitemaps(context.Background(), []string{"https://x.test/a.xml"}, Config{MaxSitemapURLs: 2}.WithDefaults())
	require.Equal(t, []string{"https://x.test/1", "https://x.test/2"}, pages)
	require.Equal(t, []string{"https://x.test/a.xml", "https://x.test/b.xml"}, read)

	_, read = c.readSitemaps(context.Background(), []string{"https://x.test/a.xml"}, Config{MaxSitemaps: 1}.WithDefaults())
	require.Equal(t, []string{"https://x.test/a.xml"}, read)
}

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	body := `<html><head><base href="https://cdn.x.test/docs/"></head><body>
		<a href="legal/privacy#section">  Privacy
		  notice </a>
		<a href="#top">Top</a>
		<a href="mailto:legal@x.test">Mail</a>
		<a href="/terms" aria-label="Terms of use"><img src="t.png"></a>
		<map><area href="https://x.test/eula" title="EULA"></map>
	</body></html>`

	links := extractLinks(mustURL(t, "https://x.test/home"), []byte(body))
	require.Len(t, links, 3)
	require.Equal(t, "https://cdn.x.test/docs/legal/privacy", links[0].URL.String())
	require.Equal(t, "Privacy notice", links[0].Anchor)
	require.Equal(t, "https://cdn.x.test/terms", links[1].URL.String())
	require.Equal(t, "Terms of use", links[1].Anchor)
	require.Equal(t, "EULA", links[2].Anchor)
}
