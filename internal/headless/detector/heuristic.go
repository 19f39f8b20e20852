// Package detector decides when an HTML page needs script execution to show
// its content, which makes a plain fetch a rendering fallback candidate.
package detector

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Config tunes the heuristic. Zero values fall back to defaults.
type Config struct {
	// MinTextChars is the visible text length at which a page is always considered rendered.
	MinTextChars int `mapstructure:"min_text_chars"`
	// MinTextRatio is the visible-text to raw-HTML ratio below which a short page is script gated.
	MinTextRatio float64 `mapstructure:"min_text_ratio"`
}

// Heuristic implements a handful of rule-based checks.
type Heuristic struct {
	minTextChars int
	minTextRatio float64
}

// NewHeuristic creates a new detector.
func NewHeuristic(cfg Config) *Heuristic {
	h := &Heuristic{minTextChars: 200, minTextRatio: 0.02}
	if cfg.MinTextChars > 0 {
		h.minTextChars = cfg.MinTextChars
	}
	if cfg.MinTextRatio > 0 {
		h.minTextRatio = cfg.MinTextRatio
	}
	return h
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
	[]byte("enable javascript"),
}

// RequiresScript reports whether body looks like a shell that only renders
// its content after scripts run.
func (h *Heuristic) RequiresScript(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	textLen := visibleTextLength(body)
	if textLen >= h.minTextChars {
		return false
	}
	if float64(textLen)/float64(len(body)) < h.minTextRatio {
		return true
	}
	if scriptDensityHigh(body) {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func visibleTextLength(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")
	return utf8.RuneCountInString(text)
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
