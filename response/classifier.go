package response

import "strings"

// Classifier maps a user utterance to a generation mode. The matching
// strategy is pluggable so it can be swapped (e.g. for a model-based intent
// detector) without touching the orchestrator.
type Classifier interface {
	Classify(text string, voiceMode bool) Mode
}

// detailPhrases are utterance fragments that signal the user wants a longer,
// more thorough answer than the concise voice default.
var detailPhrases = []string{
	"explain in detail",
	"in detail",
	"in depth",
	"walk me through",
	"step by step",
	"tell me everything",
	"tell me more about",
	"go deeper",
	"deep dive",
	"elaborate",
	"comprehensive",
	"thorough",
	"full explanation",
	"long answer",
}

// KeywordClassifier detects detail requests by substring matching against a
// fixed phrase list.
type KeywordClassifier struct {
	phrases []string
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{phrases: detailPhrases}
}

func (c *KeywordClassifier) Classify(text string, voiceMode bool) Mode {
	if !voiceMode {
		return ModeText
	}
	lowered := strings.ToLower(text)
	for _, phrase := range c.phrases {
		if strings.Contains(lowered, phrase) {
			return ModeVoiceDetailed
		}
	}
	return ModeVoiceConcise
}
