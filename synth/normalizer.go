package synth

import (
	"regexp"
	"strings"
)

var (
	markdownMarkers = []string{"**", "__", "~~", "`", "*"}
	emojiRegex      = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}\n]`)
	multiSpaceRegex = regexp.MustCompile(`[ \t]+`)
)

// normalizeForSpeech strips formatting the synthesizer would read aloud:
// markdown markers and emoji, with runs of spaces collapsed. Leading and
// trailing whitespace is kept — incremental chunks rely on it to keep word
// boundaries intact across forwards.
func normalizeForSpeech(text string) string {
	for _, marker := range markdownMarkers {
		text = strings.ReplaceAll(text, marker, "")
	}
	text = emojiRegex.ReplaceAllString(text, "")
	text = multiSpaceRegex.ReplaceAllString(text, " ")
	return text
}
