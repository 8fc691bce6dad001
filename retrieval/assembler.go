package retrieval

import (
	"context"
	"strings"
	"time"

	"avatarkit/core"
)

// DefaultDeadline is the time budget for assembling a turn's context. It is
// a deliberate latency-over-completeness trade-off: conversational latency
// matters more than a fully populated bundle.
const DefaultDeadline = 250 * time.Millisecond

// DefaultLimit is the number of passages requested per retriever.
const DefaultLimit = 5

// Assembler races knowledge and memory retrieval against a fixed deadline.
// Either retriever may be nil, in which case its text is always empty.
type Assembler struct {
	Knowledge Retriever
	Memory    Retriever
	Deadline  time.Duration
	Limit     int
	Logger    *core.Logger
}

func NewAssembler(knowledge, memory Retriever, logger *core.Logger) *Assembler {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Assembler{
		Knowledge: knowledge,
		Memory:    memory,
		Deadline:  DefaultDeadline,
		Limit:     DefaultLimit,
		Logger:    logger,
	}
}

// Assemble issues both retrievals concurrently and waits for their combined
// completion or the deadline, whichever comes first. On deadline the bundle
// is returned empty and incomplete; the in-flight retrievals are abandoned
// for this turn, not cancelled, and any late results are discarded.
// Retrieval errors degrade to empty text and are never propagated.
func (a *Assembler) Assemble(ctx context.Context, query string) core.ContextBundle {
	deadline := a.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	limit := a.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	type pair struct {
		knowledge string
		memory    string
	}
	done := make(chan pair, 1)

	go func() {
		var knowledge, memory string
		inner := make(chan struct{}, 2)
		go func() {
			knowledge = a.retrieve(ctx, a.Knowledge, "knowledge", query, limit)
			inner <- struct{}{}
		}()
		go func() {
			memory = a.retrieve(ctx, a.Memory, "memory", query, limit)
			inner <- struct{}{}
		}()
		<-inner
		<-inner
		done <- pair{knowledge: knowledge, memory: memory}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case p := <-done:
		return core.ContextBundle{
			KnowledgeText: p.knowledge,
			MemoryText:    p.memory,
			Complete:      true,
		}
	case <-timer.C:
		a.Logger.Warn("context assembly deadline exceeded, proceeding without context",
			"deadline", deadline.String())
		return core.ContextBundle{Complete: false}
	case <-ctx.Done():
		return core.ContextBundle{Complete: false}
	}
}

func (a *Assembler) retrieve(ctx context.Context, r Retriever, name, query string, limit int) string {
	if r == nil {
		return ""
	}
	results, err := r.Retrieve(ctx, query, limit)
	if err != nil {
		// Best-effort enrichment: an upstream failure is an empty result.
		a.Logger.Warnf("%s retrieval failed: %v", name, err)
		return ""
	}
	texts := make([]string, 0, len(results))
	for _, res := range results {
		if t := strings.TrimSpace(res.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n")
}
