package responder

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

// messagesService is the part of the Anthropic client the responder uses.
type messagesService interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...anthropicoption.RequestOption) (*anthropic.Message, error)
}

// AnthropicResponder answers with the Anthropic messages API.
type AnthropicResponder struct {
	prompter
	messages    messagesService
	model       anthropic.Model
	temperature float64
	maxTokens   int64
}

// AnthropicConfig configures NewAnthropicResponder. Zero fields use defaults.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// NewAnthropicResponder builds a responder, falling back to the
// ANTHROPIC_API_KEY environment variable.
func NewAnthropicResponder(cfg AnthropicConfig) (*AnthropicResponder, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	client := anthropic.NewClient(anthropicoption.WithAPIKey(cfg.APIKey))
	return newAnthropicResponder(&client.Messages, cfg), nil
}

func newAnthropicResponder(messages messagesService, cfg AnthropicConfig) *AnthropicResponder {
	r := &AnthropicResponder{
		messages:    messages,
		model:       anthropic.ModelClaude3_5Sonnet20241022,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
	if cfg.Model != "" {
		r.model = anthropic.Model(cfg.Model)
	}
	if r.temperature == 0 {
		r.temperature = 0.3
	}
	if r.maxTokens == 0 {
		r.maxTokens = 512
	}
	r.prompter = prompter{c: r}
	return r
}

func (r *AnthropicResponder) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := r.messages.New(ctx, anthropic.MessageNewParams{
		Model:       r.model,
		MaxTokens:   r.maxTokens,
		Temperature: anthropic.Float(r.temperature),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return "", models.ErrNoChoicesReturned
	}
	return b.String(), nil
}

var _ Responder = (*AnthropicResponder)(nil)
