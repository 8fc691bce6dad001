package transcript

import (
	"testing"

	"avatarkit/core"
)

func TestCleanStripsGarbageTokens(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello world", "hello world"},
		{"[inaudible] hello", "hello"},
		{"hello (laughter) there", "hello there"},
		{"[MUSIC] [noise]", ""},
		{"  spaced   out  ", "spaced out"},
		{"(applause)[silence](crosstalk)", ""},
		{"keep [brackets] that are not annotations", "keep [brackets] that are not annotations"},
	}
	for _, tc := range cases {
		if got := Clean(tc.in); got != tc.want {
			t.Errorf("Clean(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestObservePartialDoesNotAccumulate(t *testing.T) {
	a := NewAccumulator()
	partial, final := a.Observe(core.TranscriptEvent{Kind: core.TranscriptPartial, Text: "hello wor"})
	if partial == nil || partial.Text != "hello wor" {
		t.Fatalf("expected partial %q, got %+v", "hello wor", partial)
	}
	if final != nil {
		t.Fatalf("partial must not produce a final, got %+v", final)
	}
	if a.Pending() != "" {
		t.Errorf("partial must not touch the buffer, pending = %q", a.Pending())
	}
}

func TestObserveFinalAccumulates(t *testing.T) {
	a := NewAccumulator()
	_, first := a.Observe(core.TranscriptEvent{Kind: core.TranscriptFinal, Text: "hello there"})
	if first == nil || first.Accumulated != "hello there" {
		t.Fatalf("unexpected first final: %+v", first)
	}
	_, second := a.Observe(core.TranscriptEvent{Kind: core.TranscriptFinal, Text: "how are you"})
	if second == nil || second.Accumulated != "hello there how are you" {
		t.Fatalf("unexpected second final: %+v", second)
	}
	if second.Text != "how are you" {
		t.Errorf("final Text = %q, want just the new segment", second.Text)
	}
}

func TestObserveAllGarbageYieldsNothing(t *testing.T) {
	a := NewAccumulator()
	partial, final := a.Observe(core.TranscriptEvent{Kind: core.TranscriptFinal, Text: "[inaudible] (noise)"})
	if partial != nil || final != nil {
		t.Fatalf("garbage-only event must yield nothing, got %+v / %+v", partial, final)
	}
	if a.Pending() != "" {
		t.Errorf("garbage must not accumulate, pending = %q", a.Pending())
	}
}

func TestConsumeResetsBuffer(t *testing.T) {
	a := NewAccumulator()
	a.Observe(core.TranscriptEvent{Kind: core.TranscriptFinal, Text: "first part"})
	a.Observe(core.TranscriptEvent{Kind: core.TranscriptFinal, Text: "second part"})

	if got := a.Consume(); got != "first part second part" {
		t.Fatalf("Consume() = %q", got)
	}
	if a.Pending() != "" {
		t.Errorf("buffer must be empty after Consume, pending = %q", a.Pending())
	}
	if got := a.Consume(); got != "" {
		t.Errorf("second Consume must be empty, got %q", got)
	}
}

// A final that the session rejects (busy) is not consumed; its text must
// still be there when the next final arrives.
func TestUnconsumedFinalSurvivesForNextTurn(t *testing.T) {
	a := NewAccumulator()
	a.Observe(core.TranscriptEvent{Kind: core.TranscriptFinal, Text: "rejected while busy"})
	_, final := a.Observe(core.TranscriptEvent{Kind: core.TranscriptFinal, Text: "and the follow-up"})
	if final.Accumulated != "rejected while busy and the follow-up" {
		t.Fatalf("accumulated = %q", final.Accumulated)
	}
	if got := a.Consume(); got != "rejected while busy and the follow-up" {
		t.Errorf("Consume() = %q", got)
	}
}

func TestResetDropsBufferedText(t *testing.T) {
	a := NewAccumulator()
	a.Observe(core.TranscriptEvent{Kind: core.TranscriptFinal, Text: "to be dropped"})
	a.Reset()
	if a.Pending() != "" {
		t.Errorf("pending after Reset = %q", a.Pending())
	}
}
