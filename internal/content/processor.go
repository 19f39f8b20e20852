package content

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/hash/sha256"
)

// Config tunes language detection.
type Config struct {
	// MinLanguageConfidence is the detector confidence below which no language is reported.
	MinLanguageConfidence float64 `mapstructure:"min_language_confidence"`
	// MinLanguageRunes skips detection for very short texts.
	MinLanguageRunes int `mapstructure:"min_language_runes"`
}

// boilerplate is removed before text and markdown extraction.
const boilerplate = "script, style, noscript, template, nav, header, footer, iframe, svg, form, " +
	"object, embed, [role=navigation], [aria-hidden=true]"

// Processor implements crawler.Normalizer.
type Processor struct {
	cfg       Config
	hasher    crawler.Hasher
	converter *md.Converter
}

// New builds a Processor. A nil hasher defaults to SHA-256.
func New(cfg Config, hasher crawler.Hasher) *Processor {
	if cfg.MinLanguageConfidence <= 0 {
		cfg.MinLanguageConfidence = 0.5
	}
	if cfg.MinLanguageRunes <= 0 {
		cfg.MinLanguageRunes = 20
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Processor{
		cfg:       cfg,
		hasher:    hasher,
		converter: md.NewConverter("", true, nil),
	}
}

// Normalize converts raw content of the declared type into its normalized form.
// Unsupported or unparseable input fails with a *crawler.ProcessingError and no
// partial output.
func (p *Processor) Normalize(raw []byte, contentType string) (crawler.NormalizedContent, error) {
	mediaType, params, err := resolveMediaType(raw, contentType)
	if err != nil {
		return crawler.NormalizedContent{}, &crawler.ProcessingError{ContentType: contentType, Reason: "invalid content type", Err: err}
	}
	decoded, err := decode(raw, params["charset"])
	if err != nil {
		return crawler.NormalizedContent{}, &crawler.ProcessingError{ContentType: mediaType, Reason: "undecodable body", Err: err}
	}

	var text, markdown string
	switch {
	case isHTML(mediaType):
		text, markdown, err = p.fromHTML(decoded)
		if err != nil {
			return crawler.NormalizedContent{}, &crawler.ProcessingError{ContentType: mediaType, Reason: "malformed html", Err: err}
		}
	case isPlainText(mediaType):
		text = collapseWhitespace(decoded)
		markdown = text
	default:
		return crawler.NormalizedContent{}, &crawler.ProcessingError{ContentType: mediaType, Reason: "unsupported content type"}
	}

	if text == "" {
		return crawler.NormalizedContent{}, &crawler.ProcessingError{ContentType: mediaType, Reason: "no textual content"}
	}

	return crawler.NormalizedContent{
		Text:           text,
		Markdown:       markdown,
		Hash:           p.hasher.Hash([]byte(text)),
		WordCount:      len(strings.Fields(text)),
		CharacterCount: utf8.RuneCountInString(text),
		Language:       detectLanguage(text, p.cfg),
	}, nil
}

func (p *Processor) fromHTML(body string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(boilerplate).Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	text := extractText(root)

	cleaned, err := root.Html()
	if err != nil {
		return "", "", fmt.Errorf("render cleaned html: %w", err)
	}
	markdown, err := p.converter.ConvertString(cleaned)
	if err != nil {
		return "", "", fmt.Errorf("convert markdown: %w", err)
	}
	return text, strings.TrimSpace(markdown), nil
}

func resolveMediaType(raw []byte, contentType string) (string, map[string]string, error) {
	if strings.TrimSpace(contentType) == "" {
		contentType = http.DetectContentType(raw)
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", nil, fmt.Errorf("parse media type: %w", err)
	}
	return strings.ToLower(mediaType), params, nil
}

func decode(raw []byte, label string) (string, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("body is not valid utf-8")
		}
		return string(raw), nil
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("charset %q: %w", label, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decode %q: %w", label, err)
	}
	return string(out), nil
}

func isHTML(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func isPlainText(mediaType string) bool {
	return mediaType == "text/plain" || mediaType == "text/markdown"
}
