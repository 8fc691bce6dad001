package response

import (
	"regexp"
	"strings"
)

// continuationOffer matches phrasings a model naturally uses to offer more,
// so we don't stack a second offer on top.
var continuationOffer = regexp.MustCompile(`(?i)(want me to (continue|go on|keep going|elaborate)|` +
	`should i (continue|go on|keep going|elaborate)|` +
	`shall i (continue|go on|keep going)|` +
	`would you like (me to continue|to hear more|more detail)|` +
	`want to hear more|` +
	`let me know if you('d| would) like more)`)

const offerPhrase = "Want me to continue?"

// HasContinuationOffer reports whether the text already offers to continue.
func HasContinuationOffer(text string) bool {
	return continuationOffer.MatchString(text)
}

func endsWithTerminator(text string) bool {
	trimmed := strings.TrimRight(text, " \t\n\r\"'")
	if trimmed == "" {
		return false
	}
	return isTerminator(trimmed[len(trimmed)-1])
}

// EnsureContinuation post-processes a fully generated response so every
// spoken turn either completes its thought or explicitly signals it was cut
// short. A dangling fragment gets an ellipsis plus an offer; a clean ending
// without an offer gets one appended. Returns the final text and whatever
// was appended (empty when the text was left alone).
func EnsureContinuation(text string) (string, string) {
	trimmed := strings.TrimRight(text, " \t\n\r")
	if trimmed == "" {
		return text, ""
	}
	var appended string
	switch {
	case !endsWithTerminator(trimmed):
		appended = "... " + offerPhrase
	case !HasContinuationOffer(trimmed):
		appended = " " + offerPhrase
	default:
		return trimmed, ""
	}
	return trimmed + appended, appended
}
