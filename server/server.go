package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"avatarkit/config"
	"avatarkit/core"
	"avatarkit/fillercache"
	"avatarkit/protocol"
	"avatarkit/response"
	"avatarkit/retrieval"
	"avatarkit/session"
	"avatarkit/services/deepgram/stt"
	"avatarkit/services/elevenlabs/tts"
	"avatarkit/services/openai/llm"

	"github.com/gorilla/websocket"
)

// Server accepts WebSocket clients and binds each connection to a session.
// The completion service, classifier and filler cache are shared; the
// recognition and synthesis legs are per-session.
type Server struct {
	config     *config.Config
	logger     *core.Logger
	registry   *session.Registry
	fillers    *fillercache.Cache
	completion core.CompletionService
	classifier response.Classifier
	upgrader   websocket.Upgrader
	httpSrv    *http.Server
}

func New(cfg *config.Config, logger *core.Logger) (*Server, error) {
	if logger == nil {
		logger = core.GetLogger()
	}

	completion, err := llm.NewOpenAILLMService(llm.Config{
		APIKey:      cfg.Providers.OpenAI.APIKey,
		Model:       cfg.Providers.OpenAI.Model,
		Temperature: cfg.Providers.OpenAI.Temperature,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:     cfg,
		logger:     logger,
		registry:   session.NewRegistry(),
		fillers:    fillercache.New(cfg.Filler.Capacity, cfg.Filler.TTL.Std()),
		completion: completion,
		classifier: response.NewKeywordClassifier(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully: the
// listener stops first, then every live session is closed.
func (s *Server) Run(ctx context.Context) error {
	s.warmFillerCache(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(ctx, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.httpSrv = &http.Server{
		Addr:    s.config.Server.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.config.Server.ListenAddr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("http shutdown: %v", err)
	}
	s.registry.CloseAll()
	return nil
}

// warmFillerCache pre-renders the thinking phrase for the configured voice
// so the first session never waits on a render.
func (s *Server) warmFillerCache(ctx context.Context) {
	voiceID := s.config.Providers.ElevenLabs.VoiceID
	phrase := s.config.Filler.Phrase
	if voiceID == "" || phrase == "" {
		return
	}

	renderer := tts.NewElevenLabsTTS(s.ttsConfig(), s.logger)
	renderCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	data, err := renderer.RenderOnce(renderCtx, phrase)
	if err != nil {
		s.logger.Warnf("filler pre-render failed: %v", err)
		return
	}
	s.fillers.Put(voiceID, s.config.Persona.Language, data)
	s.logger.Info("filler audio cached", "voice_id", voiceID, "bytes", len(data))
}

func (s *Server) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	sess := s.buildSession(conn)
	s.registry.Add(sess)
	defer func() {
		s.registry.Remove(sess.ID)
		sess.Close()
	}()

	sess.Start(ctx)
	s.readLoop(conn, sess)
}

func (s *Server) buildSession(conn *websocket.Conn) *session.Session {
	sttCfg := stt.DefaultConfig()
	sttCfg.APIKey = s.config.Providers.Deepgram.APIKey
	sttCfg.Model = s.config.Providers.Deepgram.Model
	sttCfg.Language = s.config.Persona.Language
	sttCfg.EndpointingMs = s.config.Providers.Deepgram.EndpointingMs
	sttCfg.SampleRate = s.config.Providers.Deepgram.SampleRate

	var knowledge, memory retrieval.Retriever
	if url := s.config.Retrieval.KnowledgeURL; url != "" {
		knowledge = retrieval.NewHTTPRetriever(url, s.config.Retrieval.ScoreThreshold)
	}
	if url := s.config.Retrieval.MemoryURL; url != "" {
		memory = retrieval.NewHTTPRetriever(url, s.config.Retrieval.ScoreThreshold)
	}
	assembler := retrieval.NewAssembler(knowledge, memory, s.logger)
	assembler.Deadline = s.config.Retrieval.Deadline.Std()
	assembler.Limit = s.config.Retrieval.Limit

	return session.New(
		session.NewID(),
		&wsClientConn{conn: conn},
		session.Config{
			SystemPrompt: s.config.Persona.SystemPrompt,
			Greeting:     s.config.Persona.Greeting,
			VoiceID:      s.config.Providers.ElevenLabs.VoiceID,
			Language:     s.config.Persona.Language,
			OutputFormat: outputFormat(s.config.Persona.OutputFormat),
		},
		session.Deps{
			Recognition: stt.NewDeepgramSTTService(sttCfg, s.logger),
			Synthesis:   tts.NewElevenLabsTTS(s.ttsConfig(), s.logger),
			Generator:   response.NewGenerator(s.completion, s.classifier, s.logger),
			Assembler:   assembler,
			Fillers:     s.fillers,
			Logger:      s.logger,
		},
	)
}

func (s *Server) ttsConfig() tts.ElevenLabsConfig {
	cfg := tts.DefaultConfig()
	cfg.APIKey = s.config.Providers.ElevenLabs.APIKey
	if v := s.config.Providers.ElevenLabs.VoiceID; v != "" {
		cfg.VoiceID = v
	}
	if m := s.config.Providers.ElevenLabs.ModelID; m != "" {
		cfg.ModelID = m
	}
	return cfg
}

// readLoop pumps client frames into the session until the connection drops.
// Binary frames are audio; text frames are sniffed so clients that send
// audio as text frames still work.
func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debugf("client read: %v", err)
			}
			return
		}

		if messageType == websocket.BinaryMessage || !protocol.IsControlFrame(data) {
			sess.HandleAudio(data)
			continue
		}

		msgType, payload, err := protocol.Unmarshal(data)
		if err != nil {
			s.logger.Debugf("bad control frame: %v", err)
			continue
		}
		sess.HandleControl(msgType, payload)
	}
}

func outputFormat(name string) core.AudioEncodingFormat {
	switch name {
	case "ulaw":
		return core.ULAW
	case "alaw":
		return core.ALAW
	default:
		return core.PCM
	}
}

// wsClientConn adapts a gorilla connection to the session's ClientConn.
// Writes are serialized; gorilla connections allow one concurrent writer.
type wsClientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClientConn) Send(msgType protocol.MessageType, payload interface{}) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
