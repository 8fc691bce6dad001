package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"avatarkit/core"
	"avatarkit/fillercache"
	"avatarkit/protocol"
	"avatarkit/response"
	"avatarkit/retrieval"
	"avatarkit/synth"
	"avatarkit/transcript"
	"avatarkit/utils/audio"
)

// ClientConn is the client-facing side of a session. The server's WebSocket
// wrapper implements it; tests substitute an in-memory recorder.
type ClientConn interface {
	Send(msgType protocol.MessageType, payload interface{}) error
	Close() error
}

// Config carries the per-session persona and delivery settings.
type Config struct {
	SystemPrompt string
	Greeting     string
	VoiceID      string
	Language     string
	OutputFormat core.AudioEncodingFormat
	HistoryLimit int
	TurnTimeout  time.Duration
}

// Deps are the pipeline legs a session orchestrates. Everything is an
// interface or a small struct so tests can wire fakes. The synthesis bridge
// is built internally because the session is its delivery sink.
type Deps struct {
	Recognition core.RecognitionService
	Synthesis   core.SynthesisService
	Generator   *response.Generator
	Assembler   *retrieval.Assembler
	Fillers     *fillercache.Cache
	Logger      *core.Logger
}

type inboundMsg struct {
	msgType protocol.MessageType
	payload json.RawMessage
}

type turnResult struct {
	id        int
	cancelled bool
	err       error
}

// Session owns one client conversation: the recognition, generation and
// synthesis legs, the transcript accumulator, and the state machine tying
// them together. All state transitions happen on the event loop goroutine;
// other goroutines reach it through channels.
type Session struct {
	ID     string
	config Config
	conn   ClientConn
	logger *core.Logger

	stt         core.RecognitionService
	bridge      *synth.Bridge
	generator   *response.Generator
	assembler   *retrieval.Assembler
	accumulator *transcript.Accumulator
	fillers     *fillercache.Cache

	mu    sync.Mutex
	state State

	inbound   chan inboundMsg
	sttEvents chan core.TranscriptEvent
	sttErrs   chan error
	turnDone  chan turnResult

	turnSeq    int // loop-owned; identifies the current turn
	turnCancel context.CancelFunc
	history    []core.LLMMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(id string, conn ClientConn, config Config, deps Deps) *Session {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 20
	}
	if config.TurnTimeout <= 0 {
		config.TurnTimeout = 60 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = core.GetLogger()
	}
	s := &Session{
		ID:          id,
		config:      config,
		conn:        conn,
		logger:      logger.With(map[string]interface{}{"session_id": id}),
		stt:         deps.Recognition,
		generator:   deps.Generator,
		assembler:   deps.Assembler,
		accumulator: transcript.NewAccumulator(),
		fillers:     deps.Fillers,
		state:       StateConnecting,
		inbound:     make(chan inboundMsg, 16),
		sttEvents:   make(chan core.TranscriptEvent, 32),
		sttErrs:     make(chan error, 4),
		turnDone:    make(chan turnResult, 1),
	}
	s.bridge = synth.NewBridge(deps.Synthesis, s, config.OutputFormat, s.logger)
	return s
}

// Start primes the synthesis leg, announces the session to the client, plays
// the greeting and launches the event loop. The session is Ready once this
// returns, even when priming failed; the bridge is re-dialed on demand.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.send(protocol.MsgConnected, protocol.ConnectedPayload{
		SessionID: s.ID,
		VoiceID:   s.config.VoiceID,
	})

	if s.fillers != nil && s.config.VoiceID != "" {
		s.fillers.Retain(s.config.VoiceID)
	}

	if err := s.bridge.Start(s.ctx); err != nil {
		s.logger.Warnf("synthesis leg failed to prime: %v", err)
		s.sendError("speech synthesis unavailable", "tts_connect")
	} else {
		s.send(protocol.MsgTTSReady, nil)
	}
	s.setState(StateReady)

	if s.config.Greeting != "" {
		s.speakGreeting()
	}

	s.wg.Add(1)
	go s.run()
}

func (s *Session) speakGreeting() {
	s.send(protocol.MsgLLMDelta, protocol.DeltaPayload{Text: s.config.Greeting})
	s.bridge.ForwardText(s.config.Greeting)
	s.bridge.Flush()
	s.send(protocol.MsgLLMComplete, protocol.CompletePayload{Text: s.config.Greeting, SentenceCount: 1})
	s.bridge.AwaitFinal(s.ctx, 10*time.Second)
	s.send(protocol.MsgResponseComplete, nil)
}

// HandleControl queues one client control message for the event loop.
func (s *Session) HandleControl(msgType protocol.MessageType, payload json.RawMessage) {
	select {
	case s.inbound <- inboundMsg{msgType: msgType, payload: payload}:
	case <-s.ctx.Done():
	}
}

// HandleAudio forwards one raw audio frame to recognition. Frames arriving
// outside the listening state are dropped, not buffered.
func (s *Session) HandleAudio(data []byte) {
	if s.State() != StateListening {
		s.logger.Debug("dropping audio frame outside listening state")
		return
	}
	if err := s.stt.SendAudio(data); err != nil {
		s.logger.Warnf("failed to forward audio frame: %v", err)
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.inbound:
			s.handleControl(msg)
		case ev := <-s.sttEvents:
			s.handleTranscript(ev)
		case err := <-s.sttErrs:
			s.handleSTTError(err)
		case res := <-s.turnDone:
			s.handleTurnDone(res)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleControl(msg inboundMsg) {
	switch msg.msgType {
	case protocol.MsgStartRecognition:
		s.handleStartRecognition(msg.payload)
	case protocol.MsgAudioChunk:
		s.handleAudioChunk(msg.payload)
	case protocol.MsgStopRecognition:
		s.handleStopRecognition()
	case protocol.MsgSendText:
		s.handleSendText(msg.payload)
	default:
		s.sendError("unknown message type: "+string(msg.msgType), "bad_request")
	}
}

func (s *Session) handleStartRecognition(payload json.RawMessage) {
	if len(payload) > 0 {
		if p, err := protocol.UnmarshalPayload[protocol.StartRecognitionPayload](payload); err == nil && p.Language != "" {
			s.setLanguage(p.Language)
		}
	}

	// start_recognition while a response is in flight is a barge-in: the
	// user wants to talk over the answer.
	if s.State() == StateProcessing {
		s.cancelTurn()
		s.bridge.Reset()
	}

	if !s.stt.IsConnected() {
		if err := s.stt.Start(s.ctx, s.sttEvents, s.sttErrs); err != nil {
			s.logger.Warnf("recognition leg failed: %v", err)
			s.sendError("speech recognition unavailable", "stt_connect")
			s.setState(StateReady)
			return
		}
	}
	if !s.bridge.Ready() {
		if err := s.bridge.Start(s.ctx); err != nil {
			s.logger.Warnf("synthesis re-dial failed: %v", err)
		}
	}
	s.send(protocol.MsgSTTReady, nil)
	s.setState(StateListening)
}

// setLanguage updates the session language and pushes it to the recognition
// leg. A live connection is torn down so the dial below picks up the new
// language; filler lookups use the new language from the next turn on.
func (s *Session) setLanguage(language string) {
	s.mu.Lock()
	changed := language != s.config.Language
	s.config.Language = language
	s.mu.Unlock()
	if !changed {
		return
	}
	s.stt.SetLanguage(language)
	if s.stt.IsConnected() {
		if err := s.stt.Close(); err != nil {
			s.logger.Debugf("recognition close for language change: %v", err)
		}
	}
}

// handleAudioChunk accepts audio wrapped in a JSON control frame for clients
// that cannot send binary frames. Same drop semantics as raw frames.
func (s *Session) handleAudioChunk(payload json.RawMessage) {
	p, err := protocol.UnmarshalPayload[protocol.AudioPayload](payload)
	if err != nil || p.Audio == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		s.logger.Debug("dropping audio_chunk with undecodable audio")
		return
	}
	s.HandleAudio(data)
}

func (s *Session) handleStopRecognition() {
	if s.State() != StateListening {
		return
	}
	// Ask the recognizer to flush buffered audio, then take whatever has
	// been committed so far as the turn's utterance.
	if err := s.stt.Finalize(); err != nil {
		s.logger.Debugf("finalize: %v", err)
	}
	if pending := s.accumulator.Pending(); pending != "" {
		s.startTurn(s.accumulator.Consume(), true)
		return
	}
	s.setState(StateReady)
}

func (s *Session) handleSendText(payload json.RawMessage) {
	p, err := protocol.UnmarshalPayload[protocol.SendTextPayload](payload)
	if err != nil || strings.TrimSpace(p.Text) == "" {
		s.sendError("send_text requires non-empty text", "bad_request")
		return
	}
	if s.State() == StateProcessing {
		s.send(protocol.MsgBusy, protocol.BusyPayload{Reason: "response in flight"})
		return
	}

	utterance := transcript.Clean(p.Text)
	if pending := s.accumulator.Consume(); pending != "" {
		utterance = pending + " " + utterance
	}
	s.startTurn(utterance, p.VoiceMode)
}

func (s *Session) handleTranscript(ev core.TranscriptEvent) {
	partial, final := s.accumulator.Observe(ev)
	if partial != nil {
		if s.State() == StateListening {
			s.send(protocol.MsgSTTPartial, protocol.TranscriptPayload{Text: partial.Text})
		}
		return
	}
	if final == nil {
		return
	}

	s.send(protocol.MsgSTTFinal, protocol.TranscriptPayload{
		Text:        final.Text,
		Accumulated: final.Accumulated,
	})

	switch s.State() {
	case StateListening:
		s.startTurn(s.accumulator.Consume(), true)
	case StateProcessing:
		// Rejected rather than queued; the text stays accumulated for the
		// next turn.
		s.send(protocol.MsgBusy, protocol.BusyPayload{Reason: "response in flight"})
	}
}

func (s *Session) handleSTTError(err error) {
	s.logger.Warnf("recognition leg lost: %v", err)
	s.sendError("speech recognition interrupted", "stt_read")
	if s.State() == StateListening {
		s.setState(StateReady)
	}
}

// startTurn transitions to processing and runs the turn on its own
// goroutine so the event loop stays responsive to barge-in.
func (s *Session) startTurn(utterance string, voiceMode bool) {
	if strings.TrimSpace(utterance) == "" {
		return
	}
	s.setState(StateProcessing)

	turnCtx, cancel := context.WithTimeout(s.ctx, s.config.TurnTimeout)
	s.turnSeq++
	s.turnCancel = cancel

	s.wg.Add(1)
	go s.runTurn(turnCtx, s.turnSeq, utterance, voiceMode)
}

func (s *Session) runTurn(ctx context.Context, id int, utterance string, voiceMode bool) {
	defer s.wg.Done()

	s.playFiller()

	bundle := s.assembler.Assemble(ctx, utterance)

	req := response.Request{
		SystemPrompt: s.config.SystemPrompt,
		Utterance:    utterance,
		Bundle:       bundle,
		History:      s.historySnapshot(),
		VoiceMode:    voiceMode,
	}

	chunks := make(chan core.ResponseChunk, 16)
	genErr := make(chan error, 1)
	go func() {
		genErr <- s.generator.Generate(ctx, req, chunks)
		close(chunks)
	}()

	var finalText string
	var done bool
	for chunk := range chunks {
		switch chunk.Kind {
		case core.ChunkTokenDelta:
			s.send(protocol.MsgLLMDelta, protocol.DeltaPayload{Text: chunk.Text})
			s.bridge.ForwardText(chunk.Text)
		case core.ChunkDone:
			finalText = chunk.Text
			done = true
			s.send(protocol.MsgLLMComplete, protocol.CompletePayload{
				Text:          chunk.Text,
				SentenceCount: chunk.SentenceCount,
				Truncated:     chunk.Truncated,
			})
		}
	}
	err := <-genErr

	if ctx.Err() != nil {
		// Barge-in or timeout; the loop already owns the state transition.
		s.finishTurn(turnResult{id: id, cancelled: true})
		return
	}
	if err != nil {
		s.finishTurn(turnResult{id: id, err: err})
		return
	}

	if done && finalText != "" {
		s.bridge.Flush()
		s.bridge.AwaitFinal(ctx, 15*time.Second)
		s.recordExchange(utterance, finalText)
	}
	s.send(protocol.MsgResponseComplete, nil)
	s.finishTurn(turnResult{id: id})
}

func (s *Session) finishTurn(res turnResult) {
	select {
	case s.turnDone <- res:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleTurnDone(res turnResult) {
	// A turn cancelled by barge-in can report after its replacement has
	// started; only the current turn may drive state.
	if res.id != s.turnSeq {
		return
	}
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	if res.cancelled {
		// Barge-in already moved the session back to listening.
		if s.State() == StateProcessing {
			s.setState(StateReady)
		}
		return
	}
	if res.err != nil {
		s.logger.Warnf("turn failed: %v", res.err)
		s.sendError("response generation failed", "generation")
	}
	if s.stt.IsConnected() {
		s.setState(StateListening)
	} else {
		s.setState(StateReady)
	}
}

func (s *Session) cancelTurn() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
}

// playFiller plays a pre-rendered thinking sound while retrieval and
// generation spin up. Best effort; a cache miss is silence.
func (s *Session) playFiller() {
	if s.fillers == nil || s.config.VoiceID == "" {
		return
	}
	s.mu.Lock()
	language := s.config.Language
	s.mu.Unlock()
	data, ok := s.fillers.Get(s.config.VoiceID, language)
	if !ok {
		return
	}
	chunk := core.AudioChunk{
		Data:       &data,
		SampleRate: 24000,
		Channels:   1,
		Format:     core.PCM,
	}
	if converted, err := audio.ConvertAudioChunk(chunk, s.config.OutputFormat); err == nil {
		chunk = converted
	}
	if err := s.SendAudio(chunk); err != nil {
		s.logger.Debugf("filler playback failed: %v", err)
	}
}

func (s *Session) historySnapshot() []core.LLMMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LLMMessage, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) recordExchange(utterance, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		core.LLMMessage{Role: core.LLMMessageRoleUser, Message: utterance},
		core.LLMMessage{Role: core.LLMMessageRoleAssistant, Message: reply},
	)
	if len(s.history) > s.config.HistoryLimit {
		s.history = s.history[len(s.history)-s.config.HistoryLimit:]
	}
}

// SendAudio delivers one synthesized chunk to the client in order. Part of
// the synth.Sink interface.
func (s *Session) SendAudio(chunk core.AudioChunk) error {
	encoded := ""
	if chunk.Data != nil {
		encoded = base64.StdEncoding.EncodeToString(*chunk.Data)
	}
	return s.conn.Send(protocol.MsgAudioOut, protocol.AudioPayload{
		Audio:      encoded,
		SampleRate: chunk.SampleRate,
		Format:     audio.FormatName(chunk.Format),
		IsFinal:    chunk.IsFinal,
	})
}

// SendAlignment delivers character timing for lip-sync. Part of the
// synth.Sink interface.
func (s *Session) SendAlignment(align core.AlignmentData) error {
	return s.conn.Send(protocol.MsgAudioAlignment, protocol.AlignmentPayload{
		Chars:            align.Chars,
		CharStartTimesMs: align.CharStartTimesMs,
		CharDurationsMs:  align.CharDurationsMs,
	})
}

func (s *Session) send(msgType protocol.MessageType, payload interface{}) {
	if err := s.conn.Send(msgType, payload); err != nil {
		s.logger.Debugf("send %s failed: %v", msgType, err)
	}
}

func (s *Session) sendError(message, code string) {
	s.send(protocol.MsgError, protocol.ErrorPayload{Message: message, Code: code})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug("state transition", "from", prev.String(), "to", next.String())
	}
}

// Close tears the session down from any state. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		if err := s.stt.Close(); err != nil {
			s.logger.Debugf("recognition close: %v", err)
		}
		s.bridge.Close()
		if s.fillers != nil && s.config.VoiceID != "" {
			s.fillers.Release(s.config.VoiceID)
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debugf("client close: %v", err)
		}
		s.wg.Wait()
		s.logger.Info("session closed")
	})
}
