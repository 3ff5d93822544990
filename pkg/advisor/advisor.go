// Package advisor implements the Live Advisor of spec.md §4.6: when no
// packet satisfies a request, it ranks memory-fusion evidence into advice
// candidates. It is intentionally simple — the core engine treats it as a
// black box behind a narrow contract.
package advisor

import (
	"sort"
	"strings"
	"sync"

	"github.com/budgierless/spark-advisory-engine/pkg/memory"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

// Config bounds the advisor's output (tuneables.json's "advisor" section).
// GuidanceStyle is stored for the synthesizer's tone overlay to read (see
// pkg/config). ReplayMode ("memory_mode": "replay") is consumed by Rank: it
// lowers the MinRankScore floor for outcome-log evidence only, matching the
// "replay-heavy" mode's documented intent of surfacing more historical
// alternatives at a lower trigger threshold.
type Config struct {
	MaxItems      int
	MinRankScore  float64
	GuidanceStyle string
	ReplayMode    bool
}

// replayOutcomeThresholdRelief is how far ReplayMode lowers the MinRankScore
// floor for rows sourced from the outcome log.
const replayOutcomeThresholdRelief = 0.10

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{MaxItems: 6, MinRankScore: 0.25, GuidanceStyle: "balanced"}
}

// Advisor ranks memory evidence into advice candidates.
type Advisor struct {
	cfgMu sync.RWMutex
	cfg   Config
}

// New creates an Advisor with cfg.
func New(cfg Config) *Advisor {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultConfig().MaxItems
	}
	return &Advisor{cfg: cfg}
}

// SetConfig swaps the advisor's tunables, letting the "advisor" section's
// hot-reloaded values apply to the next Rank call.
func (a *Advisor) SetConfig(cfg Config) {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultConfig().MaxItems
	}
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	a.cfg = cfg
}

func (a *Advisor) getConfig() Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Rank converts evidence rows from a memory bundle into advice items,
// scored by confidence adjusted for relevance to tool and intent, sorted
// descending, truncated to MaxItems, and floored at MinRankScore. When
// ReplayMode is set, outcome-log rows get a relaxed floor so replay sessions
// surface more of their history instead of being cut at the standard bar.
func (a *Advisor) Rank(bundle memory.Bundle, tool, userIntentText string) []model.AdviceItem {
	cfg := a.getConfig()
	items := make([]model.AdviceItem, 0, len(bundle.Evidence))
	for _, row := range bundle.Evidence {
		score := rankScore(row, tool, userIntentText)
		floor := cfg.MinRankScore
		if cfg.ReplayMode && row.Source == string(model.SourceOutcomes) {
			floor -= replayOutcomeThresholdRelief
		}
		if score < floor {
			continue
		}
		items = append(items, model.AdviceItem{
			AdviceID:     row.ID,
			Text:         row.Text,
			Confidence:   row.Confidence,
			Source:       model.Source(row.Source),
			ContextMatch: score / maxFloat(row.Confidence, 0.01),
			Reason:       "live_advisor_rank",
			CreatedAt:    row.CreatedAt,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ContextMatch*items[i].Confidence > items[j].ContextMatch*items[j].Confidence
	})

	if len(items) > cfg.MaxItems {
		items = items[:cfg.MaxItems]
	}
	return items
}

func rankScore(row memory.EvidenceRow, tool, userIntentText string) float64 {
	score := row.Confidence
	if tool != "" && row.Text != "" && strings.Contains(strings.ToLower(row.Text), strings.ToLower(tool)) {
		score += 0.1
	}
	if userIntentText != "" {
		for _, word := range strings.Fields(strings.ToLower(userIntentText)) {
			if len(word) >= 4 && strings.Contains(strings.ToLower(row.Text), word) {
				score += 0.05
				break
			}
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// RecordOutcome is the advisor's outcome reporter referenced by
// spec.md §4.9.3 step 2 ("implicit feedback"). The reference advisor treats
// this purely as a log sink; it carries no internal learning state.
func (a *Advisor) RecordOutcome(adviceID string, wasFollowed, wasHelpful bool) {
	// Intentionally a no-op beyond the call boundary: the advisor's ranking
	// here is stateless and keyed only off memory evidence already scored by
	// fusion. Packet-store feedback (pkg/packetstore) is what persists
	// learning signal across calls.
	_ = adviceID
	_ = wasFollowed
	_ = wasHelpful
}
