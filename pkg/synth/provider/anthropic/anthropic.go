// Package anthropic adapts github.com/anthropics/anthropic-sdk-go's Messages
// API to the synthesizer's provider.Provider contract, grounded on the
// equivalent adapter in the example pack's goa-ai model client
// (features/model/anthropic/client.go): a minimal MessagesClient interface
// subset so tests can substitute a fake.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient is the subset of *sdk.MessageService the adapter uses.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Provider synthesizes short advisories via the Anthropic Messages API.
type Provider struct {
	msg       MessagesClient
	model     string
	maxTokens int64
}

// New builds a Provider from an already-constructed Messages client.
func New(msg MessagesClient, model string, maxTokens int64) *Provider {
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return &Provider{msg: msg, model: model, maxTokens: maxTokens}
}

// NewFromAPIKey constructs a Provider using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) *Provider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, model, 200)
}

func (p *Provider) Name() string { return "anthropic" }

// Query issues a single-turn Messages.New call and concatenates any text
// content blocks in the response.
func (p *Provider) Query(ctx context.Context, prompt string) (string, error) {
	resp, err := p.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if text := block.Text; text != "" {
			sb.WriteString(text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
