package stt

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"avatarkit/core"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// DeepgramConfig holds configuration options for Deepgram streaming STT.
type DeepgramConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	Language       string `json:"language"`
	InterimResults bool   `json:"interim_results"`
	Punctuate      bool   `json:"punctuate"`
	SmartFormat    bool   `json:"smart_format"`
	EndpointingMs  int    `json:"endpointing_ms"`
	SampleRate     int    `json:"sample_rate"`
}

// DefaultConfig returns a default configuration for Deepgram STT.
func DefaultConfig() *DeepgramConfig {
	return &DeepgramConfig{
		BaseURL:        "wss://api.deepgram.com",
		Model:          "nova-2",
		InterimResults: true,
		Punctuate:      true,
		SmartFormat:    true,
		EndpointingMs:  300,
		SampleRate:     16000,
	}
}

// DeepgramSTTService implements core.RecognitionService over Deepgram's
// streaming WebSocket API. A read failure leaves the service disconnected;
// the owning session re-dials on its next listening transition rather than
// this service retrying inline.
type DeepgramSTTService struct {
	config *DeepgramConfig
	logger *core.Logger

	connMu      sync.Mutex
	conn        *websocket.Conn
	isConnected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeepgramSTTService creates a new Deepgram STT service instance.
// Use DefaultConfig() to get a config with sensible defaults and override only what you need.
func NewDeepgramSTTService(config *DeepgramConfig, logger *core.Logger) *DeepgramSTTService {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "wss://api.deepgram.com"
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &DeepgramSTTService{
		config: config,
		logger: logger,
	}
}

// Start dials Deepgram and begins delivering normalized transcript events.
func (d *DeepgramSTTService) Start(ctx context.Context, events chan<- core.TranscriptEvent, errs chan<- error) error {
	if d.config.APIKey == "" {
		return fmt.Errorf("deepgram API key is required")
	}

	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.isConnected {
		return nil
	}

	wsURL, err := d.buildWebSocketURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	headers := map[string][]string{
		"Authorization": {"Token " + d.config.APIKey},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	d.conn = conn
	d.isConnected = true
	d.cancel = cancel

	d.wg.Add(2)
	go d.readLoop(sessionCtx, conn, events, errs)
	go d.keepAlive(sessionCtx)
	return nil
}

// SendAudio forwards raw audio bytes to the active transcription session.
func (d *DeepgramSTTService) SendAudio(data []byte) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if !d.isConnected || d.conn == nil {
		return fmt.Errorf("not connected to Deepgram")
	}
	if err := d.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// SetLanguage changes the transcription language used by the next dial.
func (d *DeepgramSTTService) SetLanguage(language string) {
	d.connMu.Lock()
	d.config.Language = language
	d.connMu.Unlock()
}

// Finalize asks Deepgram to flush any buffered audio into a final result.
func (d *DeepgramSTTService) Finalize() error {
	return d.writeControl(listenV1Control{Type: "Finalize"})
}

// Close terminates the transcription session and its keep-alive timer.
func (d *DeepgramSTTService) Close() error {
	d.connMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.closeConnectionLocked()
	d.connMu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

// IsConnected reports whether a live Deepgram connection exists.
func (d *DeepgramSTTService) IsConnected() bool {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return d.isConnected
}

func (d *DeepgramSTTService) writeControl(msg listenV1Control) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if !d.isConnected || d.conn == nil {
		return fmt.Errorf("not connected to Deepgram")
	}
	return d.conn.WriteMessage(websocket.TextMessage, data)
}

func (d *DeepgramSTTService) buildWebSocketURL() (string, error) {
	base, err := url.Parse(d.config.BaseURL + "/v1/listen")
	if err != nil {
		return "", err
	}

	q := base.Query()
	if d.config.Model != "" {
		q.Set("model", d.config.Model)
	}
	if d.config.Language != "" {
		q.Set("language", d.config.Language)
	}
	q.Set("interim_results", strconv.FormatBool(d.config.InterimResults))
	q.Set("punctuate", strconv.FormatBool(d.config.Punctuate))
	q.Set("smart_format", strconv.FormatBool(d.config.SmartFormat))
	if d.config.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(d.config.EndpointingMs))
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	q.Set("channels", "1")

	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (d *DeepgramSTTService) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- core.TranscriptEvent, errs chan<- error) {
	defer d.wg.Done()
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.connMu.Lock()
			d.closeConnectionLocked()
			d.connMu.Unlock()
			select {
			case errs <- fmt.Errorf("deepgram read: %w", err):
			default:
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := d.handleMessage(ctx, message, events); err != nil {
			d.logger.Debugf("deepgram message ignored: %v", err)
		}
	}
}

func (d *DeepgramSTTService) handleMessage(ctx context.Context, message []byte, events chan<- core.TranscriptEvent) error {
	var base struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(message, &base); err != nil {
		return fmt.Errorf("failed to parse message type: %w", err)
	}

	switch base.Type {
	case "Results":
		var result listenV1Results
		if err := sonic.Unmarshal(message, &result); err != nil {
			return fmt.Errorf("failed to parse results: %w", err)
		}
		d.processResults(ctx, result, events)
	case "Metadata", "UtteranceEnd", "SpeechStarted":
		// informational only
	default:
		return fmt.Errorf("unknown message type: %s", base.Type)
	}
	return nil
}

func (d *DeepgramSTTService) processResults(ctx context.Context, result listenV1Results, events chan<- core.TranscriptEvent) {
	if len(result.Channel.Alternatives) == 0 {
		return
	}
	text := result.Channel.Alternatives[0].Transcript
	if text == "" {
		return
	}

	kind := core.TranscriptPartial
	if result.IsFinal || result.SpeechFinal || result.FromFinalize {
		kind = core.TranscriptFinal
	}
	select {
	case events <- core.TranscriptEvent{Kind: kind, Text: text}:
	case <-ctx.Done():
	}
}

// keepAlive sends periodic keep-alive messages so Deepgram holds the
// connection open across speech gaps.
func (d *DeepgramSTTService) keepAlive(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.writeControl(listenV1Control{Type: "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

// closeConnectionLocked closes the WebSocket connection (connMu must be held).
func (d *DeepgramSTTService) closeConnectionLocked() {
	if d.conn != nil {
		if data, err := sonic.Marshal(listenV1Control{Type: "CloseStream"}); err == nil {
			_ = d.conn.WriteMessage(websocket.TextMessage, data)
		}
		_ = d.conn.Close()
		d.conn = nil
	}
	d.isConnected = false
}

// Message structs based on the Deepgram streaming API.

type listenV1Control struct {
	Type string `json:"type"`
}

type listenV1Results struct {
	Type        string  `json:"type"`
	Duration    float64 `json:"duration"`
	Start       float64 `json:"start"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	FromFinalize bool `json:"from_finalize,omitempty"`
}
