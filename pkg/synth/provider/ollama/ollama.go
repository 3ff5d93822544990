// Package ollama adapts github.com/ollama/ollama/api's chat endpoint to the
// synthesizer's provider.Provider contract, for the local-model leg of the
// fallback chain (spec.md §4.7 lists ollama as the first fallback after the
// preferred provider).
package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
)

// Provider synthesizes short advisories via a local Ollama daemon.
type Provider struct {
	client *api.Client
	model  string
}

// New builds a Provider talking to the Ollama daemon described by the
// OLLAMA_HOST environment variable (or http://localhost:11434 if unset).
func New(model string) (*Provider, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama: client: %w", err)
	}
	if model == "" {
		model = "llama3.2"
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) Name() string { return "ollama" }

// Query issues a non-streaming chat request and returns the assistant
// message's content.
func (p *Provider) Query(ctx context.Context, prompt string) (string, error) {
	stream := false
	var out strings.Builder
	req := &api.ChatRequest{
		Model:  p.model,
		Stream: &stream,
		Messages: []api.Message{
			{Role: "user", Content: prompt},
		},
	}
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}
