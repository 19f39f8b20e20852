// Package discovery finds candidate policy documents on a website. It reads
// robots.txt and sitemaps, crawls internal links breadth-first within page and
// depth bounds, and classifies each URL and anchor text against a configurable
// heuristics table.
package discovery
