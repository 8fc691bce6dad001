package core

import "context"

// RecognitionService is a duplex streaming speech-to-text connection.
// Start dials the provider and begins delivering normalized transcript
// events; a connection-level failure is pushed on errs and leaves the
// service disconnected until the next Start.
// SetLanguage changes the transcription language; an active connection keeps
// its language until the next Start.
type RecognitionService interface {
	Start(ctx context.Context, events chan<- TranscriptEvent, errs chan<- error) error
	SendAudio(data []byte) error
	SetLanguage(language string)
	Finalize() error
	Close() error
	IsConnected() bool
}

// CompletionService streams a language-model completion. Deltas are sent on
// the provided channel in generation order; the call returns once the
// provider stream terminates or ctx is cancelled. Cancelling ctx aborts the
// upstream call rather than abandoning it.
type CompletionService interface {
	StreamCompletion(ctx context.Context, llmCtx LLMContext, maxTokens int, deltas chan<- string) error
}

// SynthesisService is a duplex streaming text-to-speech connection. Text is
// buffered incrementally; Flush forces emission of any trailing audio and
// the provider marks the last chunk of the generation IsFinal.
type SynthesisService interface {
	Start(ctx context.Context, audio chan<- AudioChunk, alignments chan<- AlignmentData, errs chan<- error) error
	BufferText(text string) error
	Flush() error
	Reset() error
	Close() error
	IsConnected() bool
}
