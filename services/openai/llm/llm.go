package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"avatarkit/core"

	"github.com/sashabaranov/go-openai"
)

// Config holds the configuration for the OpenAI completion service.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// DefaultConfig returns sensible defaults for conversational generation.
func DefaultConfig() Config {
	return Config{
		Model:       openai.GPT4oMini,
		Temperature: 0.7,
	}
}

// OpenAILLMService implements core.CompletionService using the OpenAI chat
// completions streaming API. Cancelling the passed context aborts the
// upstream request; truncation relies on this rather than abandoning the
// stream.
type OpenAILLMService struct {
	client *openai.Client
	config Config
	logger *core.Logger
}

func NewOpenAILLMService(config Config, logger *core.Logger) (*OpenAILLMService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &OpenAILLMService{
		client: openai.NewClient(config.APIKey),
		config: config,
		logger: logger,
	}, nil
}

// StreamCompletion runs one streaming chat completion, sending every content
// delta on deltas in generation order. Returns nil on clean termination or
// context cancellation.
func (s *OpenAILLMService) StreamCompletion(ctx context.Context, llmCtx core.LLMContext, maxTokens int, deltas chan<- string) error {
	req := openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    convertMessages(llmCtx.Messages),
		MaxTokens:   maxTokens,
		Temperature: s.config.Temperature,
		Stream:      true,
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to create completion stream: %w", err)
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("completion stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		content := response.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		select {
		case deltas <- content:
		case <-ctx.Done():
			return nil
		}
	}
}

func convertMessages(messages []core.LLMMessage) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted = append(converted, openai.ChatCompletionMessage{
			Role:    convertRole(msg.Role),
			Content: msg.Message,
		})
	}
	return converted
}

func convertRole(role core.LLMMessageRole) string {
	switch role {
	case core.LLMMessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	case core.LLMMessageRoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
