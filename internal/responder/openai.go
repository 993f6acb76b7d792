package responder

import (
	"context"
	"fmt"
	"os"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// OpenAIResponder answers with the OpenAI chat completions API.
type OpenAIResponder struct {
	prompter
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
}

// OpenAIOption configures an OpenAIResponder.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	apiKey      string
	model       string
	temperature float64
	maxTokens   int64
}

// WithAPIKey sets the OpenAI API key instead of OPENAI_API_KEY.
func WithAPIKey(key string) OpenAIOption {
	return func(c *openAIConfig) { c.apiKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) OpenAIOption {
	return func(c *openAIConfig) { c.temperature = t }
}

// WithMaxCompletionTokens caps the reply length.
func WithMaxCompletionTokens(n int64) OpenAIOption {
	return func(c *openAIConfig) { c.maxTokens = n }
}

// NewOpenAIResponder builds a responder from options, falling back to the
// OPENAI_API_KEY environment variable.
func NewOpenAIResponder(opts ...OpenAIOption) (*OpenAIResponder, error) {
	cfg := openAIConfig{
		apiKey:      os.Getenv("OPENAI_API_KEY"),
		model:       openai.ChatModelGPT4oMini,
		temperature: 0.3,
		maxTokens:   512,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.apiKey))
	return newOpenAIResponder(completionsAdapter{svc: &cli.Chat.Completions}, cfg), nil
}

func newOpenAIResponder(chat chatService, cfg openAIConfig) *OpenAIResponder {
	r := &OpenAIResponder{
		chat:                chat,
		model:               cfg.model,
		temperature:         cfg.temperature,
		maxCompletionTokens: cfg.maxTokens,
	}
	r.prompter = prompter{c: r}
	return r
}

func (r *OpenAIResponder) complete(ctx context.Context, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: r.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature:         openai.Float(r.temperature),
		MaxCompletionTokens: openai.Int(r.maxCompletionTokens),
	}
	resp, err := r.chat.Create(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", models.ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Responder = (*OpenAIResponder)(nil)
