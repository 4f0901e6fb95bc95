package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAI-compatible endpoints the chat client is used with.
var providerBaseURLs = map[string]string{
	"groq":     "https://api.groq.com/openai/v1",
	"cerebras": "https://api.cerebras.ai/v1",
	"openai":   "https://api.openai.com/v1",
}

// BaseURLFor returns the endpoint of a known provider, or "" if unknown.
func BaseURLFor(provider string) string {
	return providerBaseURLs[strings.ToLower(provider)]
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Options tune one completion. Zero values leave the provider default.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Completer runs a chat completion and returns the assistant text.
type Completer interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}

var errEmptyChoices = errors.New("llm: empty choices")

type ChatClient struct {
	client openai.Client
	Model  string
}

func NewChatClient(apiKey, baseURL, model string, opts ...option.RequestOption) *ChatClient {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &ChatClient{
		client: openai.NewClient(append(base, opts...)...),
		Model:  model,
	}
}

func (c *ChatClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.Model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyChoices
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
