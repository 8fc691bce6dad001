package protocol

import "encoding/json"

// MessageType enumerates all message types exchanged with the client.
type MessageType string

const (
	// Client -> server
	MsgStartRecognition MessageType = "start_recognition"
	MsgAudioChunk       MessageType = "audio_chunk"
	MsgStopRecognition  MessageType = "stop_recognition"
	MsgSendText         MessageType = "send_text"

	// Server -> client
	MsgConnected        MessageType = "connected"
	MsgSTTReady         MessageType = "stt_ready"
	MsgTTSReady         MessageType = "tts_ready"
	MsgSTTPartial       MessageType = "stt_partial"
	MsgSTTFinal         MessageType = "stt_final"
	MsgLLMDelta         MessageType = "llm_delta"
	MsgLLMComplete      MessageType = "llm_complete"
	MsgAudioOut         MessageType = "audio_chunk" // shares the wire name; direction disambiguates
	MsgAudioAlignment   MessageType = "audio_alignment"
	MsgError            MessageType = "error"
	MsgBusy             MessageType = "busy"
	MsgResponseComplete MessageType = "response_complete"
)

// Envelope is the outer JSON wrapper for all control-plane messages. Binary
// audio frames travel outside the envelope and are distinguished by a
// leading-byte sniff (see IsControlFrame).
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsControlFrame reports whether a client frame is a JSON control message.
// Anything not starting with '{' is treated as a raw binary audio frame.
func IsControlFrame(frame []byte) bool {
	for _, b := range frame {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// --- Client -> server payloads ---

// StartRecognitionPayload opens (or re-opens) the speech-recognition leg.
type StartRecognitionPayload struct {
	Language string `json:"language,omitempty"`
}

// SendTextPayload submits a typed utterance, bypassing recognition.
type SendTextPayload struct {
	Text      string `json:"text"`
	VoiceMode bool   `json:"voice_mode,omitempty"`
}

// --- Server -> client payloads ---

// ConnectedPayload is sent once when the session is established.
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
	PersonaID string `json:"persona_id,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
}

// TranscriptPayload carries a live caption (stt_partial) or the running
// committed utterance (stt_final).
type TranscriptPayload struct {
	Text        string `json:"text"`
	Accumulated string `json:"accumulated,omitempty"`
}

// DeltaPayload carries one raw token delta for live display.
type DeltaPayload struct {
	Text string `json:"text"`
}

// CompletePayload carries the full yielded response text.
type CompletePayload struct {
	Text          string `json:"text"`
	SentenceCount int    `json:"sentence_count"`
	Truncated     bool   `json:"truncated"`
}

// AudioPayload carries one synthesized audio chunk, base64-encoded.
type AudioPayload struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	IsFinal    bool   `json:"is_final"`
}

// AlignmentPayload carries character timing for lip-sync. Advisory only.
type AlignmentPayload struct {
	Chars            []string `json:"chars"`
	CharStartTimesMs []int    `json:"char_start_times_ms"`
	CharDurationsMs  []int    `json:"char_durations_ms"`
}

// ErrorPayload reports a client-visible failure.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// BusyPayload signals that a final transcript arrived while a response was
// already in flight and was rejected rather than queued.
type BusyPayload struct {
	Reason string `json:"reason,omitempty"`
}
