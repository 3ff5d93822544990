// Package gemini adapts google.golang.org/genai's GenerateContent API to the
// synthesizer's provider.Provider contract, grounded on the example pack's
// manifold Google client (internal/llm/google/client.go).
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Provider synthesizes short advisories via Gemini's GenerateContent API.
type Provider struct {
	client *genai.Client
	model  string
}

// New builds a Provider from an API key and model name (e.g. "gemini-1.5-flash").
func New(ctx context.Context, apiKey, model string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: init client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) Name() string { return "gemini" }

// Query issues a single-turn GenerateContent call and returns the response's
// concatenated text.
func (p *Provider) Query(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}
