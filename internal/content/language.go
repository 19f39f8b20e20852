package content

import (
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
)

const languageSampleWords = 400

// detectLanguage returns an ISO 639-1 code, or "" when unsure.
func detectLanguage(text string, cfg Config) string {
	if utf8.RuneCountInString(text) < cfg.MinLanguageRunes {
		return ""
	}
	words := strings.Fields(text)
	if len(words) > languageSampleWords {
		words = words[:languageSampleWords]
	}
	info := whatlanggo.Detect(strings.Join(words, " "))
	if info.Confidence < cfg.MinLanguageConfidence {
		return ""
	}
	code := info.Lang.Iso6391()
	if code == "" {
		return info.Lang.Iso6393()
	}
	return code
}
