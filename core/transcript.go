package core

// TranscriptEventKind distinguishes live captions from committed utterances.
type TranscriptEventKind int

const (
	TranscriptPartial TranscriptEventKind = iota // ephemeral, overwritten by the next partial
	TranscriptFinal                              // utterance complete, consumed exactly once
)

// TranscriptEvent is the normalized form of a speech-recognition result,
// independent of the provider that produced it.
type TranscriptEvent struct {
	Kind TranscriptEventKind
	Text string
}
