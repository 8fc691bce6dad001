package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"avatarkit/core"
)

type fakeRetriever struct {
	results []Result
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, limit int) ([]Result, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.results, f.err
}

func newTestAssembler(knowledge, memory Retriever) *Assembler {
	a := NewAssembler(knowledge, memory, core.GetLogger())
	a.Deadline = 100 * time.Millisecond
	return a
}

func TestAssembleBothFast(t *testing.T) {
	knowledge := &fakeRetriever{results: []Result{{Text: "k1", Score: 0.9}, {Text: "k2", Score: 0.8}}}
	memory := &fakeRetriever{results: []Result{{Text: "m1", Score: 0.7}}}
	a := newTestAssembler(knowledge, memory)

	bundle := a.Assemble(context.Background(), "query")
	if !bundle.Complete {
		t.Fatal("fast retrievals must produce a complete bundle")
	}
	if bundle.KnowledgeText != "k1\nk2" {
		t.Errorf("knowledge = %q", bundle.KnowledgeText)
	}
	if bundle.MemoryText != "m1" {
		t.Errorf("memory = %q", bundle.MemoryText)
	}
}

func TestAssembleDeadlineAbandonsSlowRetrieval(t *testing.T) {
	knowledge := &fakeRetriever{results: []Result{{Text: "never seen"}}, delay: 500 * time.Millisecond}
	memory := &fakeRetriever{results: []Result{{Text: "also never"}}, delay: 10 * time.Millisecond}
	a := newTestAssembler(knowledge, memory)

	start := time.Now()
	bundle := a.Assemble(context.Background(), "query")
	elapsed := time.Since(start)

	if bundle.Complete {
		t.Fatal("bundle must be incomplete when the deadline fires")
	}
	if bundle.KnowledgeText != "" || bundle.MemoryText != "" {
		t.Errorf("deadline bundle must be empty, got %+v", bundle)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("assembly took %v, must return at roughly the deadline", elapsed)
	}
}

func TestAssembleRetrievalErrorDegradesToEmpty(t *testing.T) {
	knowledge := &fakeRetriever{err: errors.New("store down")}
	memory := &fakeRetriever{results: []Result{{Text: "m1"}}}
	a := newTestAssembler(knowledge, memory)

	bundle := a.Assemble(context.Background(), "query")
	if !bundle.Complete {
		t.Fatal("an error is a completed (empty) retrieval, not a timeout")
	}
	if bundle.KnowledgeText != "" {
		t.Errorf("failed retrieval must yield empty text, got %q", bundle.KnowledgeText)
	}
	if bundle.MemoryText != "m1" {
		t.Errorf("memory = %q", bundle.MemoryText)
	}
}

func TestAssembleNilRetrievers(t *testing.T) {
	a := newTestAssembler(nil, nil)
	bundle := a.Assemble(context.Background(), "query")
	if !bundle.Complete {
		t.Fatal("nil retrievers complete immediately")
	}
	if bundle.KnowledgeText != "" || bundle.MemoryText != "" {
		t.Errorf("bundle = %+v", bundle)
	}
}

func TestAssembleRunsRetrievalsConcurrently(t *testing.T) {
	knowledge := &fakeRetriever{results: []Result{{Text: "k"}}, delay: 60 * time.Millisecond}
	memory := &fakeRetriever{results: []Result{{Text: "m"}}, delay: 60 * time.Millisecond}
	a := newTestAssembler(knowledge, memory)

	start := time.Now()
	bundle := a.Assemble(context.Background(), "query")
	if !bundle.Complete {
		t.Fatal("both fit inside the deadline only if they run in parallel")
	}
	if elapsed := time.Since(start); elapsed > 95*time.Millisecond {
		t.Errorf("sequential execution suspected, took %v", elapsed)
	}
}
