package response

import "strings"

// A sentence boundary is terminator punctuation (., !, ?) followed by
// whitespace. A terminator at the very end of the buffer is not a boundary
// until the following rune arrives, which keeps abbreviations and decimals
// from splitting mid-stream.

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// sentenceSpan is one completed sentence with its absolute end offset
// (exclusive, just past the final terminator) in the generated text.
type sentenceSpan struct {
	text string
	end  int
}

// sentenceScanner incrementally segments streaming text into sentences.
type sentenceScanner struct {
	buf     strings.Builder
	start   int // absolute offset where the current (incomplete) sentence begins
	scanPos int // absolute offset of the next byte to examine
}

func newSentenceScanner() *sentenceScanner {
	return &sentenceScanner{}
}

// feed appends a delta and returns any sentences it completed.
func (s *sentenceScanner) feed(delta string) []sentenceSpan {
	s.buf.WriteString(delta)
	text := s.buf.String()

	var spans []sentenceSpan
	// Stop one byte short: a terminator needs a confirmed following byte.
	for i := s.scanPos; i < len(text)-1; i++ {
		if !isTerminator(text[i]) || isTerminator(text[i+1]) {
			continue
		}
		if !isSpace(text[i+1]) {
			continue
		}
		end := i + 1
		sentence := strings.TrimSpace(text[s.start:end])
		if sentence != "" {
			spans = append(spans, sentenceSpan{text: sentence, end: end})
		}
		s.start = end
	}
	if len(text) > 0 {
		s.scanPos = len(text) - 1
	}
	return spans
}

// remainder returns the text after the last completed sentence.
func (s *sentenceScanner) remainder() string {
	return strings.TrimSpace(s.buf.String()[s.start:])
}

// remainderIsSentence reports whether the trailing text ends with terminator
// punctuation, i.e. becomes a sentence once the stream ends.
func (s *sentenceScanner) remainderIsSentence() bool {
	rem := s.remainder()
	return rem != "" && isTerminator(rem[len(rem)-1])
}
