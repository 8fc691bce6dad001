package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML can read from "250ms" style strings
// as well as plain nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: bad duration value")
	}
	*d = Duration(n)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full process configuration. Values are layered: defaults,
// then the optional YAML file, then environment variables. Provider API keys
// are env-only so they never end up in a checked-in file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Persona   PersonaConfig   `yaml:"persona"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Filler    FillerConfig    `yaml:"filler"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout Duration      `yaml:"shutdown_timeout"`
}

type ProvidersConfig struct {
	Deepgram   DeepgramConfig   `yaml:"deepgram"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
}

type DeepgramConfig struct {
	APIKey        string `yaml:"-"`
	Model         string `yaml:"model"`
	EndpointingMs int    `yaml:"endpointing_ms"`
	SampleRate    int    `yaml:"sample_rate"`
}

type OpenAIConfig struct {
	APIKey      string  `yaml:"-"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

type ElevenLabsConfig struct {
	APIKey  string `yaml:"-"`
	VoiceID string `yaml:"voice_id"`
	ModelID string `yaml:"model_id"`
}

type PersonaConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	Greeting     string `yaml:"greeting"`
	Language     string `yaml:"language"`
	OutputFormat string `yaml:"output_format"` // pcm, ulaw or alaw
}

type RetrievalConfig struct {
	KnowledgeURL   string        `yaml:"knowledge_url"`
	MemoryURL      string        `yaml:"memory_url"`
	ScoreThreshold float64       `yaml:"score_threshold"`
	Deadline       Duration      `yaml:"deadline"`
	Limit          int           `yaml:"limit"`
}

type FillerConfig struct {
	Phrase   string        `yaml:"phrase"`
	Capacity int           `yaml:"capacity"`
	TTL      Duration      `yaml:"ttl"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Providers: ProvidersConfig{
			Deepgram: DeepgramConfig{
				Model:         "nova-2",
				EndpointingMs: 300,
				SampleRate:    16000,
			},
			OpenAI: OpenAIConfig{
				Temperature: 0.7,
			},
		},
		Persona: PersonaConfig{
			SystemPrompt: "You are a friendly voice assistant. Keep answers conversational and concise.",
			Greeting:     "Hi there! How can I help you today?",
			Language:     "en",
			OutputFormat: "pcm",
		},
		Retrieval: RetrievalConfig{
			ScoreThreshold: 0.5,
			Deadline:       Duration(250 * time.Millisecond),
			Limit:          5,
		},
		Filler: FillerConfig{
			Phrase:   "Hmm, let me think.",
			Capacity: 64,
			TTL:      Duration(30 * time.Minute),
		},
	}
}

// Load builds the configuration. path may be empty or point to a missing
// file; both mean YAML is skipped. Provider keys come from the environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Providers.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	setString(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Providers.OpenAI.Model, "OPENAI_MODEL")
	setString(&cfg.Providers.ElevenLabs.APIKey, "ELEVENLABS_API_KEY")
	setString(&cfg.Providers.ElevenLabs.VoiceID, "ELEVENLABS_VOICE_ID")
	setString(&cfg.Retrieval.KnowledgeURL, "KNOWLEDGE_RETRIEVER_URL")
	setString(&cfg.Retrieval.MemoryURL, "MEMORY_RETRIEVER_URL")
	setString(&cfg.Persona.SystemPrompt, "PERSONA_SYSTEM_PROMPT")
	setString(&cfg.Persona.Greeting, "PERSONA_GREETING")
	setString(&cfg.Persona.Language, "PERSONA_LANGUAGE")
	setInt(&cfg.Providers.Deepgram.SampleRate, "DEEPGRAM_SAMPLE_RATE")
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate fails fast on anything the process cannot run without.
func (c *Config) Validate() error {
	if c.Providers.Deepgram.APIKey == "" {
		return errors.New("config: DEEPGRAM_API_KEY is required")
	}
	if c.Providers.OpenAI.APIKey == "" {
		return errors.New("config: OPENAI_API_KEY is required")
	}
	if c.Providers.ElevenLabs.APIKey == "" {
		return errors.New("config: ELEVENLABS_API_KEY is required")
	}
	switch c.Persona.OutputFormat {
	case "pcm", "ulaw", "alaw":
	default:
		return fmt.Errorf("config: unknown output format %q", c.Persona.OutputFormat)
	}
	return nil
}
