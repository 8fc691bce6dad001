package transcript

import (
	"regexp"
	"strings"

	"avatarkit/core"
)

// garbageToken matches recognizer annotations that carry no semantic content,
// e.g. "[inaudible]", "[music]", "(laughter)".
var garbageToken = regexp.MustCompile(`(?i)[\[(](?:inaudible|music|noise|laughter|applause|silence|blank_audio|crosstalk)[\])]`)

// Partial is a live caption to republish to the client. It never mutates
// committed state.
type Partial struct {
	Text string
}

// Final is a finalized segment that has been appended to the running
// utterance. Accumulated is the full space-joined text so far; the caller
// takes it with Consume when it actually starts a turn, so a rejected final
// (session busy) keeps its text for the next one.
type Final struct {
	Text        string
	Accumulated string
}

// Accumulator buffers partial recognition output into committed utterances.
// It is owned by a single session and is not safe for concurrent use; the
// session's event loop is the only caller.
type Accumulator struct {
	buf strings.Builder
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Observe feeds one normalized transcript event through the accumulator.
// For a partial event it returns a Partial to republish. For a final event
// it appends to the running utterance and returns the Final result. Both
// returns are nil when stripping left no text.
func (a *Accumulator) Observe(ev core.TranscriptEvent) (*Partial, *Final) {
	text := Clean(ev.Text)
	if text == "" {
		return nil, nil
	}
	if ev.Kind == core.TranscriptPartial {
		return &Partial{Text: text}, nil
	}

	if a.buf.Len() > 0 {
		a.buf.WriteByte(' ')
	}
	a.buf.WriteString(text)

	return nil, &Final{Text: text, Accumulated: a.buf.String()}
}

// Consume returns the full accumulated utterance and resets the buffer.
func (a *Accumulator) Consume() string {
	text := a.buf.String()
	a.buf.Reset()
	return text
}

// Pending returns the not-yet-consumed utterance text.
func (a *Accumulator) Pending() string {
	return a.buf.String()
}

// Reset drops any buffered utterance text.
func (a *Accumulator) Reset() {
	a.buf.Reset()
}

// Clean strips non-semantic recognizer tokens and collapses the whitespace
// left behind. Returns "" when nothing meaningful remains.
func Clean(text string) string {
	text = garbageToken.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(text), " ")
}
