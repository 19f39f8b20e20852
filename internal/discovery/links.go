package discovery

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// link is one outbound anchor on a crawled page.
type link struct {
	URL    *url.URL
	Anchor string
}

// extractLinks returns absolute http(s) links from an HTML page, resolved
// against base (or the document's <base href>).
func extractLinks(base *url.URL, body []byte) []link {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	var out []link
	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		u.Fragment = ""
		anchor := strings.Join(strings.Fields(s.Text()), " ")
		if anchor == "" {
			anchor = strings.TrimSpace(s.AttrOr("aria-label", s.AttrOr("title", "")))
		}
		out = append(out, link{URL: u, Anchor: anchor})
	})
	return out
}
