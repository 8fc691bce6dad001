package response

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"avatarkit/core"
)

// Request describes one turn's worth of generation input.
type Request struct {
	SystemPrompt string
	Utterance    string
	Bundle       core.ContextBundle
	History      []core.LLMMessage
	VoiceMode    bool
}

// Generator streams a language-model response shaped for spoken delivery:
// sentence-bounded truncation at the mode's cap and a continuation offer on
// every untruncated turn.
type Generator struct {
	Service    core.CompletionService
	Classifier Classifier
	Logger     *core.Logger
}

func NewGenerator(service core.CompletionService, classifier Classifier, logger *core.Logger) *Generator {
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Generator{
		Service:    service,
		Classifier: classifier,
		Logger:     logger,
	}
}

// Generate runs one streaming completion, emitting chunks on out in
// generation order and finishing with a Done chunk. It returns a non-nil
// error on provider failure or external cancellation, in which case no Done
// chunk is emitted; the caller reports the failure and keeps the session
// alive.
//
// Once the sentence cap is reached the upstream call is cancelled and the
// rest of the provider stream is drained without emitting, so the final Done
// text is a strict prefix of the full generation ending exactly at a
// sentence boundary.
func (g *Generator) Generate(ctx context.Context, req Request, out chan<- core.ResponseChunk) error {
	mode := g.Classifier.Classify(req.Utterance, req.VoiceMode)
	st := NewTruncationState(mode)
	g.Logger.Debug("starting generation", "mode", mode.String(), "max_sentences", st.MaxSentences)

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deltas := make(chan string, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Service.StreamCompletion(genCtx, g.buildContext(req), mode.MaxTokens(), deltas)
		close(deltas)
	}()

	var generated, emitted strings.Builder
	scan := newSentenceScanner()

	for delta := range deltas {
		if st.Truncated {
			continue // drain without emitting so the goroutine can finish
		}
		generated.WriteString(delta)
		completed := scan.feed(delta)

		emitLen := len(delta)
		sentences := make([]core.ResponseChunk, 0, len(completed))
		for _, span := range completed {
			st.SentenceCount++
			sentences = append(sentences, core.ResponseChunk{
				Kind:          core.ChunkSentence,
				Text:          span.text,
				SentenceCount: st.SentenceCount,
			})
			if st.SentenceCount >= st.MaxSentences {
				// Emit exactly the prefix of this delta that completes the
				// triggering sentence. The terminator may sit in an earlier,
				// already-emitted delta, in which case nothing more goes out.
				deltaStart := generated.Len() - len(delta)
				emitLen = span.end - deltaStart
				if emitLen < 0 {
					emitLen = 0
				}
				st.Truncated = true
				break
			}
		}

		if emitLen > 0 {
			out <- core.ResponseChunk{Kind: core.ChunkTokenDelta, Text: delta[:emitLen]}
			emitted.WriteString(delta[:emitLen])
		}
		for _, sc := range sentences {
			out <- sc
		}
		if st.Truncated {
			cancel()
		}
	}

	err := <-errCh

	// Only the generator's own truncation cancel may complete the turn. The
	// caller cancelling ctx (barge-in, turn timeout) ends it with no done
	// chunk even when the provider maps the cancellation to a nil error.
	if ctx.Err() != nil && !st.Truncated {
		return ctx.Err()
	}
	if err != nil && !st.Truncated && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("response generation: %w", err)
	}

	finalText := emitted.String()
	if st.Truncated {
		out <- core.ResponseChunk{
			Kind:          core.ChunkDone,
			Text:          finalText,
			SentenceCount: st.SentenceCount,
			Truncated:     true,
		}
		return nil
	}

	// Trailing text becomes the last sentence once the stream ends.
	if scan.remainderIsSentence() {
		st.SentenceCount++
		out <- core.ResponseChunk{Kind: core.ChunkSentence, Text: scan.remainder(), SentenceCount: st.SentenceCount}
	}

	// The cap was reached exactly at stream end: the text already stops at a
	// sentence boundary and there is no room for an offer sentence.
	if st.SentenceCount < st.MaxSentences {
		final, appended := EnsureContinuation(finalText)
		if appended != "" {
			st.SentenceCount++
			out <- core.ResponseChunk{Kind: core.ChunkTokenDelta, Text: appended}
			out <- core.ResponseChunk{Kind: core.ChunkSentence, Text: strings.TrimSpace(appended), SentenceCount: st.SentenceCount}
			finalText = final
		}
	}

	out <- core.ResponseChunk{
		Kind:          core.ChunkDone,
		Text:          finalText,
		SentenceCount: st.SentenceCount,
	}
	return nil
}

func (g *Generator) buildContext(req Request) core.LLMContext {
	var llmCtx core.LLMContext
	if req.SystemPrompt != "" {
		llmCtx.AddSystemMessage(req.SystemPrompt)
	}
	if req.Bundle.KnowledgeText != "" {
		llmCtx.AddSystemMessage("Relevant knowledge base passages:\n" + req.Bundle.KnowledgeText)
	}
	if req.Bundle.MemoryText != "" {
		llmCtx.AddSystemMessage("Relevant conversation memory:\n" + req.Bundle.MemoryText)
	}
	llmCtx.Messages = append(llmCtx.Messages, req.History...)
	llmCtx.AddUserMessage(req.Utterance)
	return llmCtx
}
