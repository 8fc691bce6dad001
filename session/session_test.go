package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"avatarkit/core"
	"avatarkit/protocol"
	"avatarkit/response"
	"avatarkit/retrieval"
)

type sentMsg struct {
	Type    protocol.MessageType
	Payload interface{}
}

type fakeConn struct {
	mu     sync.Mutex
	msgs   []sentMsg
	closed bool
}

func (c *fakeConn) Send(msgType protocol.MessageType, payload interface{}) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, sentMsg{Type: msgType, Payload: payload})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) count(msgType protocol.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(msgType protocol.MessageType) (sentMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Type == msgType {
			return c.msgs[i], true
		}
	}
	return sentMsg{}, false
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeRecognition struct {
	mu        sync.Mutex
	events    chan<- core.TranscriptEvent
	errs      chan<- error
	connected bool
	audio     [][]byte
	finalized int
	language  string
	starts    int
}

func (f *fakeRecognition) Start(ctx context.Context, events chan<- core.TranscriptEvent, errs chan<- error) error {
	f.mu.Lock()
	f.events, f.errs = events, errs
	f.connected = true
	f.starts++
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognition) SetLanguage(language string) {
	f.mu.Lock()
	f.language = language
	f.mu.Unlock()
}

func (f *fakeRecognition) SendAudio(data []byte) error {
	f.mu.Lock()
	f.audio = append(f.audio, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognition) Finalize() error {
	f.mu.Lock()
	f.finalized++
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognition) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognition) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRecognition) audioFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeRecognition) frame(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio[i]
}

func (f *fakeRecognition) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeRecognition) lang() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.language
}

func (f *fakeRecognition) emitFinal(text string) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- core.TranscriptEvent{Kind: core.TranscriptFinal, Text: text}
}

func (f *fakeRecognition) emitPartial(text string) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- core.TranscriptEvent{Kind: core.TranscriptPartial, Text: text}
}

// fakeSynthSvc completes every flushed generation immediately with one final
// chunk so turns never wait on real audio.
type fakeSynthSvc struct {
	mu       sync.Mutex
	audio    chan<- core.AudioChunk
	buffered []string
	resets   int
}

func (f *fakeSynthSvc) Start(ctx context.Context, audio chan<- core.AudioChunk, alignments chan<- core.AlignmentData, errs chan<- error) error {
	f.mu.Lock()
	f.audio = audio
	f.mu.Unlock()
	return nil
}

func (f *fakeSynthSvc) BufferText(text string) error {
	f.mu.Lock()
	f.buffered = append(f.buffered, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSynthSvc) Flush() error {
	f.mu.Lock()
	ch := f.audio
	f.mu.Unlock()
	data := []byte{0, 0}
	ch <- core.AudioChunk{Data: &data, SampleRate: 24000, Channels: 1, Format: core.PCM, IsFinal: true}
	return nil
}

func (f *fakeSynthSvc) Reset() error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func (f *fakeSynthSvc) Close() error { return nil }

func (f *fakeSynthSvc) IsConnected() bool { return true }

func (f *fakeSynthSvc) bufferedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffered)
}

func (f *fakeSynthSvc) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// recordingCompletion streams fixed deltas, optionally blocking on a gate so
// tests can hold a turn open.
type recordingCompletion struct {
	mu         sync.Mutex
	deltas     []string
	gate       chan struct{}
	utterances []string
}

func (r *recordingCompletion) StreamCompletion(ctx context.Context, llmCtx core.LLMContext, maxTokens int, out chan<- string) error {
	r.mu.Lock()
	if n := len(llmCtx.Messages); n > 0 {
		r.utterances = append(r.utterances, llmCtx.Messages[n-1].Message)
	}
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil
		}
	}
	for _, d := range r.deltas {
		select {
		case out <- d:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (r *recordingCompletion) turnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.utterances)
}

func (r *recordingCompletion) utterance(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.utterances[i]
}

func newTestSession(t *testing.T, completion core.CompletionService) (*Session, *fakeConn, *fakeRecognition, *fakeSynthSvc) {
	t.Helper()
	conn := &fakeConn{}
	rec := &fakeRecognition{}
	synthSvc := &fakeSynthSvc{}
	logger := core.GetLogger()

	s := New("test-session", conn, Config{
		SystemPrompt: "Be brief.",
		OutputFormat: core.PCM,
		TurnTimeout:  5 * time.Second,
	}, Deps{
		Recognition: rec,
		Synthesis:   synthSvc,
		Generator:   response.NewGenerator(completion, nil, logger),
		Assembler:   retrieval.NewAssembler(nil, nil, logger),
		Logger:      logger,
	})
	s.Start(context.Background())
	t.Cleanup(s.Close)
	return s, conn, rec, synthSvc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startListening(t *testing.T, s *Session, conn *fakeConn) {
	t.Helper()
	s.HandleControl(protocol.MsgStartRecognition, nil)
	waitFor(t, "listening state", func() bool { return s.State() == StateListening })
	if conn.count(protocol.MsgSTTReady) == 0 {
		t.Fatal("stt_ready not announced")
	}
}

func TestStartAnnouncesSessionAndPrimesSynthesis(t *testing.T) {
	s, conn, _, _ := newTestSession(t, &recordingCompletion{deltas: []string{"Hi."}})

	if s.State() != StateReady {
		t.Fatalf("state = %v, want ready", s.State())
	}
	if conn.count(protocol.MsgConnected) != 1 {
		t.Error("connected not sent")
	}
	if conn.count(protocol.MsgTTSReady) != 1 {
		t.Error("tts_ready not sent")
	}
}

func TestAudioDroppedOutsideListening(t *testing.T) {
	s, conn, rec, _ := newTestSession(t, &recordingCompletion{deltas: []string{"Hi."}})

	s.HandleAudio([]byte{1, 2, 3})
	if rec.audioFrames() != 0 {
		t.Fatal("audio must be dropped before recognition starts")
	}

	startListening(t, s, conn)
	s.HandleAudio([]byte{4, 5, 6})
	waitFor(t, "forwarded frame", func() bool { return rec.audioFrames() == 1 })
}

func TestAudioChunkControlFrameForwarded(t *testing.T) {
	s, conn, rec, _ := newTestSession(t, &recordingCompletion{deltas: []string{"Hi."}})

	frame, _ := json.Marshal(protocol.AudioPayload{Audio: base64.StdEncoding.EncodeToString([]byte{7, 8, 9})})
	s.HandleControl(protocol.MsgAudioChunk, frame)
	startListening(t, s, conn)
	if rec.audioFrames() != 0 {
		t.Fatal("json-wrapped audio must be dropped before recognition starts")
	}
	if conn.count(protocol.MsgError) != 0 {
		t.Fatal("audio_chunk is a valid message type, not an error")
	}

	s.HandleControl(protocol.MsgAudioChunk, frame)
	waitFor(t, "forwarded frame", func() bool { return rec.audioFrames() == 1 })
	if got := rec.frame(0); len(got) != 3 || got[0] != 7 {
		t.Errorf("decoded frame = %v", got)
	}
}

func TestStartRecognitionLanguagePropagates(t *testing.T) {
	s, conn, rec, _ := newTestSession(t, &recordingCompletion{deltas: []string{"Hi."}})
	startListening(t, s, conn)

	payload, _ := json.Marshal(protocol.StartRecognitionPayload{Language: "es"})
	s.HandleControl(protocol.MsgStartRecognition, payload)
	waitFor(t, "recognition re-dial", func() bool { return rec.startCount() == 2 })
	if rec.lang() != "es" {
		t.Errorf("recognition language = %q, want es", rec.lang())
	}
	waitFor(t, "listening state", func() bool { return s.State() == StateListening })
}

func TestFinalTranscriptDrivesFullTurn(t *testing.T) {
	completion := &recordingCompletion{deltas: []string{"Sure, happy to help."}}
	s, conn, rec, synthSvc := newTestSession(t, completion)
	startListening(t, s, conn)

	rec.emitFinal("what can you do")

	waitFor(t, "response_complete", func() bool { return conn.count(protocol.MsgResponseComplete) == 1 })
	if conn.count(protocol.MsgSTTFinal) != 1 {
		t.Error("stt_final not republished")
	}
	if conn.count(protocol.MsgLLMDelta) == 0 {
		t.Error("no llm deltas streamed")
	}

	msg, ok := conn.last(protocol.MsgLLMComplete)
	if !ok {
		t.Fatal("llm_complete missing")
	}
	payload := msg.Payload.(protocol.CompletePayload)
	if payload.Text != "Sure, happy to help. Want me to continue?" {
		t.Errorf("complete text = %q", payload.Text)
	}
	if payload.Truncated {
		t.Error("short turn marked truncated")
	}

	audioMsg, ok := conn.last(protocol.MsgAudioOut)
	if !ok {
		t.Fatal("no audio delivered")
	}
	if !audioMsg.Payload.(protocol.AudioPayload).IsFinal {
		t.Error("final audio chunk not flagged")
	}
	if synthSvc.bufferedCount() == 0 {
		t.Error("no text reached synthesis")
	}

	waitFor(t, "return to listening", func() bool { return s.State() == StateListening })
	if completion.utterance(0) != "what can you do" {
		t.Errorf("turn utterance = %q", completion.utterance(0))
	}
}

func TestPartialRepublishedWithoutAccumulating(t *testing.T) {
	s, conn, rec, _ := newTestSession(t, &recordingCompletion{deltas: []string{"Hi."}})
	startListening(t, s, conn)

	rec.emitPartial("hello wor")
	waitFor(t, "stt_partial", func() bool { return conn.count(protocol.MsgSTTPartial) == 1 })
	if conn.count(protocol.MsgResponseComplete) != 0 {
		t.Error("a partial must never start a turn")
	}
}

func TestFinalDuringProcessingIsRejectedBusy(t *testing.T) {
	gate := make(chan struct{})
	completion := &recordingCompletion{deltas: []string{"Answer one."}, gate: gate}
	s, conn, rec, _ := newTestSession(t, completion)
	startListening(t, s, conn)

	rec.emitFinal("first question")
	waitFor(t, "processing state", func() bool { return s.State() == StateProcessing })

	rec.emitFinal("spoken while busy")
	waitFor(t, "busy rejection", func() bool { return conn.count(protocol.MsgBusy) == 1 })

	close(gate)
	waitFor(t, "first turn done", func() bool { return conn.count(protocol.MsgResponseComplete) == 1 })
	waitFor(t, "listening again", func() bool { return s.State() == StateListening })

	// The rejected text was kept; it prefixes the next turn's utterance.
	rec.emitFinal("second question")
	waitFor(t, "second turn", func() bool { return completion.turnCount() == 2 })
	if got := completion.utterance(1); got != "spoken while busy second question" {
		t.Errorf("second utterance = %q", got)
	}
}

func TestBargeInCancelsTurnAndResetsSynthesis(t *testing.T) {
	gate := make(chan struct{})
	completion := &recordingCompletion{deltas: []string{"Long answer."}, gate: gate}
	s, conn, rec, synthSvc := newTestSession(t, completion)
	startListening(t, s, conn)

	rec.emitFinal("tell me something")
	waitFor(t, "processing state", func() bool { return s.State() == StateProcessing })

	s.HandleControl(protocol.MsgStartRecognition, nil)
	waitFor(t, "listening after barge-in", func() bool { return s.State() == StateListening })
	waitFor(t, "synthesis reset", func() bool { return synthSvc.resetCount() >= 1 })

	// Let the cancelled turn goroutine drain; it must stay silent.
	time.Sleep(50 * time.Millisecond)
	if conn.count(protocol.MsgResponseComplete) != 0 {
		t.Error("a barged-in turn must not complete")
	}
	if conn.count(protocol.MsgLLMComplete) != 0 {
		t.Error("a barged-in turn must not report a completed response")
	}
}

func TestSendTextRunsTurnWithoutRecognition(t *testing.T) {
	completion := &recordingCompletion{deltas: []string{"Typed reply."}}
	s, conn, _, _ := newTestSession(t, completion)

	payload, _ := json.Marshal(protocol.SendTextPayload{Text: "hello there", VoiceMode: false})
	s.HandleControl(protocol.MsgSendText, payload)

	waitFor(t, "response_complete", func() bool { return conn.count(protocol.MsgResponseComplete) == 1 })
	if completion.utterance(0) != "hello there" {
		t.Errorf("utterance = %q", completion.utterance(0))
	}
}

func TestSendTextEmptyRejected(t *testing.T) {
	s, conn, _, _ := newTestSession(t, &recordingCompletion{deltas: []string{"Hi."}})

	payload, _ := json.Marshal(protocol.SendTextPayload{Text: "   "})
	s.HandleControl(protocol.MsgSendText, payload)

	waitFor(t, "error reply", func() bool { return conn.count(protocol.MsgError) == 1 })
	if conn.count(protocol.MsgResponseComplete) != 0 {
		t.Error("empty text must not start a turn")
	}
}

func TestStopRecognitionReturnsToReady(t *testing.T) {
	s, conn, rec, _ := newTestSession(t, &recordingCompletion{deltas: []string{"Hi."}})
	startListening(t, s, conn)

	s.HandleControl(protocol.MsgStopRecognition, nil)
	waitFor(t, "ready state", func() bool { return s.State() == StateReady })

	rec.mu.Lock()
	finalized := rec.finalized
	rec.mu.Unlock()
	if finalized != 1 {
		t.Errorf("finalize calls = %d, want 1", finalized)
	}
}

func TestRecognitionErrorDropsToReady(t *testing.T) {
	s, conn, rec, _ := newTestSession(t, &recordingCompletion{deltas: []string{"Hi."}})
	startListening(t, s, conn)

	rec.mu.Lock()
	errCh := rec.errs
	rec.connected = false
	rec.mu.Unlock()
	errCh <- context.DeadlineExceeded

	waitFor(t, "error surfaced", func() bool { return conn.count(protocol.MsgError) >= 1 })
	waitFor(t, "ready state", func() bool { return s.State() == StateReady })
}

func TestCloseIsTerminalAndIdempotent(t *testing.T) {
	s, conn, rec, _ := newTestSession(t, &recordingCompletion{deltas: []string{"Hi."}})
	startListening(t, s, conn)

	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
	if !conn.isClosed() {
		t.Error("client connection not closed")
	}
	if rec.IsConnected() {
		t.Error("recognition leg not closed")
	}

	s.Close() // must not panic or block
	s.HandleAudio([]byte{1})
	if rec.audioFrames() != 0 {
		t.Error("audio accepted after close")
	}
}

func TestGreetingSpokenOnStart(t *testing.T) {
	conn := &fakeConn{}
	rec := &fakeRecognition{}
	synthSvc := &fakeSynthSvc{}
	logger := core.GetLogger()

	s := New("greeting-session", conn, Config{
		Greeting:     "Hello! How can I help?",
		OutputFormat: core.PCM,
	}, Deps{
		Recognition: rec,
		Synthesis:   synthSvc,
		Generator:   response.NewGenerator(&recordingCompletion{}, nil, logger),
		Assembler:   retrieval.NewAssembler(nil, nil, logger),
		Logger:      logger,
	})
	s.Start(context.Background())
	t.Cleanup(s.Close)

	waitFor(t, "greeting spoken", func() bool { return conn.count(protocol.MsgResponseComplete) == 1 })
	if synthSvc.bufferedCount() == 0 {
		t.Error("greeting never reached synthesis")
	}
}
