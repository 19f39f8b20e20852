package discovery

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

// Rule maps keywords to a document type. URL keywords match whole
// hyphen-separated path tokens; anchor keywords match whole words.
type Rule struct {
	DocumentType   string   `mapstructure:"document_type"`
	URLKeywords    []string `mapstructure:"url_keywords"`
	AnchorKeywords []string `mapstructure:"anchor_keywords"`
}

// Heuristics is the classification table. Each method owns the confidence
// band between the next lower method's base and its own base; the weight of
// what matched places a candidate inside that band. A weaker method therefore
// never outranks a stronger one, whatever matched.
type Heuristics struct {
	Rules             []Rule                              `mapstructure:"rules"`
	MethodConfidence  map[crawler.DiscoveryMethod]float64 `mapstructure:"method_confidence"`
	BothMatchWeight   float64                             `mapstructure:"both_match_weight"`
	URLMatchWeight    float64                             `mapstructure:"url_match_weight"`
	AnchorMatchWeight float64                             `mapstructure:"anchor_match_weight"`
	// Taxonomy maps a document type label to a stable downstream identifier.
	Taxonomy map[string]string `mapstructure:"taxonomy"`
}

// DefaultHeuristics returns the compiled-in classification table.
func DefaultHeuristics() Heuristics {
	return Heuristics{
		Rules: []Rule{
			{
				DocumentType:   "privacy_policy",
				URLKeywords:    []string{"privacy", "privacy-policy", "privacy-notice", "privacy-statement", "datenschutz", "gdpr", "ccpa"},
				AnchorKeywords: []string{"privacy", "privacy policy", "privacy notice", "privacy statement", "your privacy choices"},
			},
			{
				DocumentType:   "terms_of_service",
				URLKeywords:    []string{"terms", "tos", "terms-of-service", "terms-of-use", "terms-and-conditions", "conditions", "user-agreement"},
				AnchorKeywords: []string{"terms", "terms of service", "terms of use", "terms and conditions", "user agreement", "conditions of use"},
			},
			{
				DocumentType:   "cookie_policy",
				URLKeywords:    []string{"cookie", "cookies", "cookie-policy", "cookie-notice"},
				AnchorKeywords: []string{"cookie policy", "cookies", "cookie notice", "cookie settings"},
			},
			{
				DocumentType:   "acceptable_use_policy",
				URLKeywords:    []string{"acceptable-use", "aup", "use-policy"},
				AnchorKeywords: []string{"acceptable use", "acceptable use policy"},
			},
			{
				DocumentType:   "data_processing_agreement",
				URLKeywords:    []string{"dpa", "data-processing", "data-processing-agreement", "data-processing-addendum"},
				AnchorKeywords: []string{"data processing", "data processing agreement", "data processing addendum", "dpa"},
			},
			{
				DocumentType:   "refund_policy",
				URLKeywords:    []string{"refund", "refunds", "refund-policy", "returns", "return-policy"},
				AnchorKeywords: []string{"refund policy", "refunds", "returns", "return policy"},
			},
			{
				DocumentType:   "community_guidelines",
				URLKeywords:    []string{"community-guidelines", "guidelines", "code-of-conduct"},
				AnchorKeywords: []string{"community guidelines", "code of conduct"},
			},
			{
				DocumentType:   "eula",
				URLKeywords:    []string{"eula", "license-agreement", "end-user-license-agreement"},
				AnchorKeywords: []string{"eula", "license agreement", "end user license agreement"},
			},
		},
		MethodConfidence: map[crawler.DiscoveryMethod]float64{
			crawler.MethodSitemap: 0.9,
			crawler.MethodRobots:  0.8,
			crawler.MethodCrawl:   0.7,
		},
		BothMatchWeight:   1.0,
		URLMatchWeight:    0.85,
		AnchorMatchWeight: 0.75,
		Taxonomy: map[string]string{
			"privacy_policy":            "privacy-policy",
			"terms_of_service":          "terms-of-service",
			"cookie_policy":             "cookie-policy",
			"acceptable_use_policy":     "acceptable-use-policy",
			"data_processing_agreement": "data-processing-agreement",
			"refund_policy":             "refund-policy",
			"community_guidelines":      "community-guidelines",
			"eula":                      "eula",
		},
	}
}

// withDefaults fills unset parts from DefaultHeuristics.
func (h Heuristics) withDefaults() Heuristics {
	def := DefaultHeuristics()
	if len(h.Rules) == 0 {
		h.Rules = def.Rules
	}
	if h.MethodConfidence == nil {
		h.MethodConfidence = def.MethodConfidence
	}
	if h.BothMatchWeight <= 0 {
		h.BothMatchWeight = def.BothMatchWeight
	}
	if h.URLMatchWeight <= 0 {
		h.URLMatchWeight = def.URLMatchWeight
	}
	if h.AnchorMatchWeight <= 0 {
		h.AnchorMatchWeight = def.AnchorMatchWeight
	}
	if h.Taxonomy == nil {
		h.Taxonomy = def.Taxonomy
	}
	return h
}

// Classify matches a URL and its anchor text against the rules. ok is false
// when nothing matched.
func (h Heuristics) Classify(u *url.URL, anchor string, method crawler.DiscoveryMethod) (crawler.DiscoveredPolicy, bool) {
	tokens := pathTokens(u)
	words := " " + wordsOf(anchor) + " "

	var (
		best       Rule
		bestWeight float64
	)
	for _, rule := range h.Rules {
		urlHit := matchesAny(tokens, rule.URLKeywords, matchPathKeyword)
		anchorHit := strings.TrimSpace(words) != "" && matchesAny(words, rule.AnchorKeywords, matchWord)
		var weight float64
		switch {
		case urlHit && anchorHit:
			weight = h.BothMatchWeight
		case urlHit:
			weight = h.URLMatchWeight
		case anchorHit:
			weight = h.AnchorMatchWeight
		}
		if weight > bestWeight {
			best, bestWeight = rule, weight
		}
	}
	if bestWeight == 0 {
		return crawler.DiscoveredPolicy{}, false
	}

	return crawler.DiscoveredPolicy{
		URL:            u.String(),
		DocumentType:   best.DocumentType,
		DocumentTypeID: h.Taxonomy[best.DocumentType],
		Confidence:     h.confidence(method, bestWeight),
		Method:         method,
		AnchorText:     strings.TrimSpace(anchor),
	}, true
}

// confidence maps a match weight in (0,1] into the method's band.
func (h Heuristics) confidence(method crawler.DiscoveryMethod, weight float64) float64 {
	ceiling := clamp01(h.MethodConfidence[method])
	floor := 0.0
	for _, base := range h.MethodConfidence {
		if base = clamp01(base); base < ceiling && base > floor {
			floor = base
		}
	}
	return clamp01(min(floor+(ceiling-floor)*weight, ceiling))
}

func clamp01(v float64) float64 {
	return max(0, min(v, 1))
}

func matchesAny(subject string, keywords []string, match func(subject, keyword string) bool) bool {
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && match(subject, kw) {
			return true
		}
	}
	return false
}

// pathTokens renders the path as "/seg-a/seg-b/" with every separator folded
// into '-' inside segments, so keywords can be matched on token boundaries.
func pathTokens(u *url.URL) string {
	path := strings.ToLower(u.Path)
	path = strings.NewReplacer("_", "-", ".", "-", " ", "-", "%20", "-").Replace(path)
	return "/" + strings.Trim(path, "/") + "/"
}

func matchPathKeyword(tokens, keyword string) bool {
	keyword = strings.NewReplacer("_", "-", " ", "-").Replace(keyword)
	for _, seg := range strings.Split(strings.Trim(tokens, "/"), "/") {
		if strings.Contains("-"+seg+"-", "-"+keyword+"-") {
			return true
		}
	}
	return false
}

func wordsOf(text string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

func matchWord(words, keyword string) bool {
	return strings.Contains(words, " "+wordsOf(keyword)+" ")
}
