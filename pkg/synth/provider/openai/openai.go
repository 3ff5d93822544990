// Package openai adapts github.com/openai/openai-go's chat completions API
// to the synthesizer's provider.Provider contract, grounded on the example
// pack's manifold OpenAI client (internal/llm/openai/client.go).
package openai

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatClient is the subset of sdk.Client the adapter uses.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Provider synthesizes short advisories via OpenAI chat completions.
type Provider struct {
	chat  ChatClient
	model string
}

// New builds a Provider from a chat-completions client subset.
func New(chat ChatClient, model string) *Provider {
	return &Provider{chat: chat, model: model}
}

// NewFromAPIKey constructs a Provider using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) *Provider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(client.Chat.Completions, model)
}

func (p *Provider) Name() string { return "openai" }

// Query issues a single-turn chat completion and returns the first choice's
// message content.
func (p *Provider) Query(ctx context.Context, prompt string) (string, error) {
	resp, err := p.chat.New(ctx, sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(p.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
