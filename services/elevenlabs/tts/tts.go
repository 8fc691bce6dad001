package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"avatarkit/core"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// ElevenLabsConfig holds configuration for the ElevenLabs TTS service.
type ElevenLabsConfig struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url"`
	HTTPBaseURL string `json:"http_base_url"`
	VoiceID     string `json:"voice_id"`
	ModelID     string `json:"model_id"`

	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// DefaultConfig returns defaults matching low-latency conversational use.
func DefaultConfig() ElevenLabsConfig {
	return ElevenLabsConfig{
		BaseURL:         "wss://api.elevenlabs.io/v1/text-to-speech",
		HTTPBaseURL:     "https://api.elevenlabs.io/v1/text-to-speech",
		VoiceID:         "pNInz6obpgDQGcFmaJgB",
		ModelID:         "eleven_turbo_v2_5",
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
}

// Client messages
type (
	// BOS (Beginning of Stream) - sent once on connect. The whitespace text
	// primes the voice so the first real utterance starts with low latency.
	elBOSMessage struct {
		Text             string          `json:"text"`
		VoiceSettings    elVoiceSettings `json:"voice_settings"`
		GenerationConfig elGenConfig     `json:"generation_config"`
	}

	elVoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	}

	elGenConfig struct {
		ChunkLengthSchedule []int `json:"chunk_length_schedule"`
	}

	elTextMessage struct {
		Text                 string `json:"text"`
		TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
	}
)

// Server messages
type (
	elAudioMessage struct {
		Audio               string           `json:"audio"`
		IsFinal             bool             `json:"isFinal"`
		NormalizedAlignment *elAlignmentData `json:"normalizedAlignment,omitempty"`
	}

	elAlignmentData struct {
		CharStartTimesMs []int    `json:"charStartTimesMs"`
		CharDurationsMs  []int    `json:"charDurationsMs"`
		Chars            []string `json:"chars"`
	}

	elErrorMessage struct {
		Error   string `json:"error"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)

// ElevenLabsTTS implements core.SynthesisService over the ElevenLabs
// stream-input WebSocket API. A connection failure is pushed on the error
// channel and leaves the service disconnected; the owning session re-dials
// on its next listening transition.
type ElevenLabsTTS struct {
	config ElevenLabsConfig
	logger *core.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// writeMu serializes all writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	httpClient *http.Client
}

func NewElevenLabsTTS(config ElevenLabsConfig, logger *core.Logger) *ElevenLabsTTS {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.HTTPBaseURL == "" {
		config.HTTPBaseURL = def.HTTPBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = def.VoiceID
	}
	if config.ModelID == "" {
		config.ModelID = def.ModelID
	}
	if config.Stability == 0 {
		config.Stability = def.Stability
	}
	if config.SimilarityBoost == 0 {
		config.SimilarityBoost = def.SimilarityBoost
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &ElevenLabsTTS{
		config:     config,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Start dials the stream-input endpoint and sends the warm-up BOS message.
func (e *ElevenLabsTTS) Start(ctx context.Context, audio chan<- core.AudioChunk, alignments chan<- core.AlignmentData, errs chan<- error) error {
	if e.config.APIKey == "" {
		return errors.New("ElevenLabs API key is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return nil
	}

	conn, err := e.dial(ctx)
	if err != nil {
		return err
	}
	if err := e.sendJSON(conn, e.bosMessage()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send BOS: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	e.conn = conn
	e.cancel = cancel

	e.wg.Add(2)
	go e.readLoop(sessionCtx, conn, audio, alignments, errs)
	go e.heartbeat(sessionCtx)
	return nil
}

func (e *ElevenLabsTTS) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/%s/stream-input?model_id=%s&output_format=pcm_24000",
		e.config.BaseURL,
		e.config.VoiceID,
		e.config.ModelID,
	)
	headers := map[string][]string{
		"xi-api-key": {e.config.APIKey},
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ElevenLabs: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	return conn, nil
}

func (e *ElevenLabsTTS) bosMessage() elBOSMessage {
	return elBOSMessage{
		Text: " ",
		VoiceSettings: elVoiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.SimilarityBoost,
		},
		GenerationConfig: elGenConfig{
			ChunkLengthSchedule: []int{120, 160, 250, 290},
		},
	}
}

// BufferText sends one incremental text unit with a try-generate hint so the
// provider can start synthesizing before the full sentence arrives.
func (e *ElevenLabsTTS) BufferText(text string) error {
	if text == "" {
		return errors.New("text cannot be empty")
	}
	return e.writeText(elTextMessage{Text: text, TryTriggerGeneration: true})
}

// Flush signals end of stream (empty text), forcing emission of any buffered
// trailing audio. The provider marks the generation's last chunk isFinal.
func (e *ElevenLabsTTS) Flush() error {
	return e.writeText(elTextMessage{Text: ""})
}

func (e *ElevenLabsTTS) writeText(msg elTextMessage) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return errors.New("no active TTS session")
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := e.sendJSON(conn, msg); err != nil {
		// A failed write means the connection is gone; drop it so the next
		// Start re-dials instead of reusing a dead socket.
		e.mu.Lock()
		if e.conn == conn {
			e.closeConnLocked()
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// Reset abruptly closes the connection to cancel the current generation and
// reconnects with a fresh BOS. Used for barge-in.
func (e *ElevenLabsTTS) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return errors.New("no active TTS session")
	}

	e.closeConnLocked()

	// The read loop notices the closed connection and exits; the session's
	// audio channels survive for the reconnected stream.
	conn, err := e.dial(context.Background())
	if err != nil {
		return fmt.Errorf("failed to reconnect after reset: %w", err)
	}
	if err := e.sendJSON(conn, e.bosMessage()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send BOS after reset: %w", err)
	}
	e.conn = conn
	return nil
}

// Close tears down the connection and the heartbeat timer.
func (e *ElevenLabsTTS) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.closeConnLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return nil
}

// IsConnected reports whether there is an active WebSocket connection.
func (e *ElevenLabsTTS) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

func (e *ElevenLabsTTS) readLoop(ctx context.Context, conn *websocket.Conn, audio chan<- core.AudioChunk, alignments chan<- core.AlignmentData, errs chan<- error) {
	defer e.wg.Done()
	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// After a Reset the old conn is closed deliberately; pick up the
			// replacement instead of reporting an error.
			e.mu.Lock()
			replacement := e.conn
			e.mu.Unlock()
			if replacement != nil && replacement != conn {
				conn = replacement
				continue
			}

			e.mu.Lock()
			e.closeConnLocked()
			e.mu.Unlock()
			select {
			case errs <- fmt.Errorf("elevenlabs read: %w", err):
			default:
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		e.handleMessage(ctx, message, audio, alignments, errs)
	}
}

func (e *ElevenLabsTTS) handleMessage(ctx context.Context, message []byte, audio chan<- core.AudioChunk, alignments chan<- core.AlignmentData, errs chan<- error) {
	var audioMsg elAudioMessage
	if err := sonic.Unmarshal(message, &audioMsg); err != nil {
		e.logger.Debugf("elevenlabs: unparseable message: %v", err)
		return
	}

	if audioMsg.Audio == "" && !audioMsg.IsFinal {
		var errMsg elErrorMessage
		if err := sonic.Unmarshal(message, &errMsg); err == nil && errMsg.Error != "" {
			select {
			case errs <- fmt.Errorf("elevenlabs error: %s (code %d)", errMsg.Message, errMsg.Code):
			default:
			}
		}
		return
	}

	if audioMsg.NormalizedAlignment != nil {
		align := core.AlignmentData{
			Chars:            audioMsg.NormalizedAlignment.Chars,
			CharStartTimesMs: audioMsg.NormalizedAlignment.CharStartTimesMs,
			CharDurationsMs:  audioMsg.NormalizedAlignment.CharDurationsMs,
		}
		select {
		case alignments <- align:
		default:
			// alignment is advisory; never block audio on it
		}
	}

	var data []byte
	if audioMsg.Audio != "" {
		decoded, err := base64.StdEncoding.DecodeString(audioMsg.Audio)
		if err != nil {
			e.logger.Warnf("elevenlabs: failed to decode audio: %v", err)
			return
		}
		data = decoded
	}
	if len(data) == 0 && !audioMsg.IsFinal {
		return
	}

	chunk := core.AudioChunk{
		Data:       &data,
		SampleRate: 24000,
		Channels:   1,
		Format:     core.PCM,
		IsFinal:    audioMsg.IsFinal,
	}
	select {
	case audio <- chunk:
	case <-ctx.Done():
	}
}

// heartbeat sends periodic pings to keep the connection alive across idle
// stretches between turns.
func (e *ElevenLabsTTS) heartbeat(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			conn := e.conn
			e.mu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			e.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			e.writeMu.Unlock()
			if err != nil {
				e.logger.Warnf("elevenlabs heartbeat failed: %v", err)
				e.mu.Lock()
				e.closeConnLocked()
				e.mu.Unlock()
			}
		}
	}
}

func (e *ElevenLabsTTS) sendJSON(conn *websocket.Conn, msg interface{}) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// closeConnLocked closes the WebSocket connection (mu must be held).
func (e *ElevenLabsTTS) closeConnLocked() {
	if e.conn != nil {
		e.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		e.writeMu.Lock()
		e.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		e.writeMu.Unlock()
		e.conn.Close()
		e.conn = nil
	}
}

// RenderOnce synthesizes a short phrase through the one-shot HTTP endpoint.
// Used to pre-render per-voice filler audio outside any streaming session.
func (e *ElevenLabsTTS) RenderOnce(ctx context.Context, text string) ([]byte, error) {
	if e.config.APIKey == "" {
		return nil, errors.New("ElevenLabs API key is required")
	}

	body, err := sonic.Marshal(map[string]interface{}{
		"text":     text,
		"model_id": e.config.ModelID,
		"voice_settings": elVoiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal render request: %w", err)
	}

	url := fmt.Sprintf("%s/%s?output_format=pcm_24000", e.config.HTTPBaseURL, e.config.VoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("render request: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
