// Package synth turns a set of gate-emitted advice items into the single
// block of natural-language text that the emitter writes to the host. It
// composes a deterministic "programmatic" rendering by default and, when
// configured, tries a chain of AI providers first — falling back to
// programmatic composition on any provider failure, timeout, or empty
// response, the same ordered-fallback shape as the teacher's LLM client
// selection (pkg/agent/llm_factory.go picks among configured backends and
// degrades rather than failing the agent run).
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/synth/provider"
)

// Mode selects how Synthesize produces text.
type Mode string

const (
	ModeAuto         Mode = "auto"
	ModeAIOnly       Mode = "ai_only"
	ModeProgrammatic Mode = "programmatic"
)

// defaultOrder is the AI-provider fallback chain after the preferred
// provider, per spec.md §4.7.
var defaultOrder = []string{"ollama", "gemini", "openai", "anthropic", "claude_cli"}

// Config holds the synthesizer's tunables; these are the fields the
// "synthesizer" tuneables.json section maps onto.
type Config struct {
	Mode              Mode
	AITimeout         time.Duration
	PreferredProvider string
	CacheTTL          time.Duration
	MaxCacheEntries   int
}

// DefaultConfig matches spec.md §6's documented synthesizer defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeAuto,
		AITimeout:       3 * time.Second,
		CacheTTL:        120 * time.Second,
		MaxCacheEntries: 50,
	}
}

// StrategyOverlay may prepend a tone opener or trim bullet count on
// already-composed text. It never changes which items were emitted — the
// gate owns that decision; this only re-flavors the rendered text.
type StrategyOverlay func(text, phase string) string

// Synthesizer composes advisory text from gate decisions, optionally
// enhancing the result via a provider chain.
type Synthesizer struct {
	cfgMu     sync.RWMutex
	cfg       Config
	providers map[string]provider.Provider
	cache     *responseCache
	overlay   StrategyOverlay
}

// New builds a Synthesizer. providers maps a provider name (as used in
// defaultOrder, plus any PreferredProvider) to its implementation; missing
// names are skipped silently when building the fallback chain, since not
// every deployment configures every provider.
func New(cfg Config, providers map[string]provider.Provider) *Synthesizer {
	return &Synthesizer{
		cfg:       cfg,
		providers: providers,
		cache:     newResponseCache(cfg.CacheTTL, cfg.MaxCacheEntries),
	}
}

// SetOverlay installs an optional strategy overlay, replacing any previous
// one; pass nil to clear it.
func (s *Synthesizer) SetOverlay(overlay StrategyOverlay) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.overlay = overlay
}

func (s *Synthesizer) getOverlay() StrategyOverlay {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.overlay
}

// SetConfig swaps the synthesizer's tunables, letting the "synthesizer"
// section's hot-reloaded values apply to the next Synthesize call. A
// changed cache TTL or entry cap rebuilds the response cache empty rather
// than trying to resize it in place.
func (s *Synthesizer) SetConfig(cfg Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if cfg.CacheTTL != s.cfg.CacheTTL || cfg.MaxCacheEntries != s.cfg.MaxCacheEntries {
		s.cache = newResponseCache(cfg.CacheTTL, cfg.MaxCacheEntries)
	}
	s.cfg = cfg
}

func (s *Synthesizer) getConfig() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Synthesizer) getCache() *responseCache {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cache
}

// chain returns the ordered list of provider names to try: the preferred
// provider first (if configured and registered), then defaultOrder with
// duplicates and unregistered names skipped.
func (s *Synthesizer) chain() []string {
	var order []string
	seen := make(map[string]bool)

	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if _, ok := s.providers[name]; !ok {
			return
		}
		seen[name] = true
		order = append(order, name)
	}

	add(s.getConfig().PreferredProvider)
	for _, name := range defaultOrder {
		add(name)
	}
	return order
}

func adviceIDs(emitted []model.GateDecision) []string {
	ids := make([]string, 0, len(emitted))
	for _, d := range emitted {
		ids = append(ids, d.AdviceID)
	}
	sort.Strings(ids)
	return ids
}

func buildPrompt(phase, userIntent, tool string, emitted []model.GateDecision, items map[string]model.AdviceItem) string {
	var bullets []string
	for _, d := range emitted {
		item, ok := items[d.AdviceID]
		if !ok {
			continue
		}
		bullets = append(bullets, "- "+stripLeadingTag(item.Text))
	}
	return fmt.Sprintf(
		"Phase: %s\nTool: %s\nUser intent: %s\n\nCombine the following advisory points into one short, natural-language note (2-3 sentences, no bullet points, no markdown):\n%s",
		phase, tool, userIntent, strings.Join(bullets, "\n"),
	)
}

// Synthesize produces the advisory text for one gate result. forceMode, if
// non-empty, overrides the synthesizer's configured mode (the engine forces
// ModeProgrammatic when the remaining time budget is too tight for an AI
// round trip).
func (s *Synthesizer) Synthesize(
	ctx context.Context,
	phase, userIntent, tool string,
	emitted []model.GateDecision,
	items map[string]model.AdviceItem,
	forceMode Mode,
	now time.Time,
) string {
	mode := s.getConfig().Mode
	if forceMode != "" {
		mode = forceMode
	}

	programmatic := composeProgrammatic(emitted, items)
	if mode == ModeProgrammatic {
		return s.applyOverlay(programmatic, phase)
	}

	ids := adviceIDs(emitted)
	key := cacheKey(phase, userIntent, tool, ids)
	cache := s.getCache()
	if cached, ok := cache.get(key, now); ok {
		return s.applyOverlay(cached, phase)
	}

	prompt := buildPrompt(phase, userIntent, tool, emitted, items)
	if text, ok := s.tryProviders(ctx, prompt); ok {
		cache.put(key, text, now)
		return s.applyOverlay(text, phase)
	}

	if mode == ModeAIOnly {
		return ""
	}
	return s.applyOverlay(programmatic, phase)
}

// tryProviders walks the fallback chain, applying the configured per-call
// timeout to each attempt, and returns the first non-empty response of at
// least 10 characters.
func (s *Synthesizer) tryProviders(ctx context.Context, prompt string) (string, bool) {
	timeout := s.getConfig().AITimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	for _, name := range s.chain() {
		p := s.providers[name]
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		text, err := p.Query(callCtx, prompt)
		cancel()
		if err != nil {
			slog.Warn("synth: provider failed, trying next", "provider", name, "error", err)
			continue
		}
		text = strings.TrimSpace(text)
		if len(text) < 10 {
			slog.Warn("synth: provider returned too-short response, trying next", "provider", name)
			continue
		}
		return text, true
	}
	return "", false
}

func (s *Synthesizer) applyOverlay(text, phase string) string {
	overlay := s.getOverlay()
	if overlay == nil || text == "" {
		return text
	}
	return overlay(text, phase)
}
