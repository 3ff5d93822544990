// Package provider defines the adapter contract the synthesizer's provider
// fallback chain iterates over (spec.md §4.7 / §9's "ordered iterator of
// provider adapters" redesign note).
package provider

import "context"

// Provider queries one AI backend for a short advisory completion. ctx
// carries the per-provider deadline; implementations must respect it and
// return promptly on cancellation rather than blocking past it.
type Provider interface {
	// Name identifies the provider for logging and preferred-provider config.
	Name() string
	// Query issues prompt to the backend and returns its text response.
	// Implementations treat any non-2xx/timeout/transport failure as a
	// plain error — the synthesizer's fallback chain decides what to do
	// next, not the provider.
	Query(ctx context.Context, prompt string) (string, error)
}
