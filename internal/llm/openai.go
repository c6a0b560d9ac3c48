package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// openRouterBaseURL is the OpenAI-compatible endpoint OpenRouter exposes.
const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAI streams chat completions from any OpenAI-compatible endpoint.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI returns a client for the OpenAI API proper.
func NewOpenAI(model, apiKey string) *OpenAI {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAI{client: client, model: model}
}

// NewOpenRouter returns a client for OpenRouter's OpenAI-compatible API.
func NewOpenRouter(model, apiKey string) *OpenAI {
	client := openai.NewClient(
		option.WithBaseURL(openRouterBaseURL),
		option.WithAPIKey(apiKey),
	)
	return &OpenAI{client: client, model: model}
}

// Stream opens a streaming chat completion.
func (c *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	history := buildHistory(req)

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		default:
			return nil, fmt.Errorf("llm: unsupported history role %q", m.Role)
		}
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    c.model,
	})

	return &openAIStream{stream: stream, prior: history}, nil
}

type openAIStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	prior  []Message
	out    strings.Builder
}

func (s *openAIStream) Recv() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.out.WriteString(delta)
		return delta, nil
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("llm: stream: %w", err)
	}
	return "", io.EOF
}

func (s *openAIStream) History() []Message {
	return append(append([]Message{}, s.prior...), Message{Role: RoleAssistant, Content: s.out.String()})
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
