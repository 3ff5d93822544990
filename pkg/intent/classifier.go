// Package intent implements the deterministic intent/task-plane classifier
// described in spec.md §4.1: a pure function of (prompt text, tool name)
// that never consults the clock or a random source, so replaying the same
// hook twice always yields the same session_context_key.
package intent

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/budgierless/spark-advisory-engine/internal/lexicon"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

// EmergentOther is the fallback family when nothing scores above zero.
const EmergentOther = "emergent_other"

var whitespaceRe = regexp.MustCompile(`\s+`)

// Classifier maps prompt text and tool name to an IntentResult. It is safe
// for concurrent use — the embedded lexicon table is immutable after Load.
type Classifier struct {
	table *lexicon.Table
}

// New builds a Classifier over the embedded lexicon fixture.
func New() *Classifier {
	return &Classifier{table: lexicon.Load()}
}

// NewWithTable builds a Classifier over a caller-supplied table, used by
// tests that want to exercise edge cases without touching the fixture.
func NewWithTable(t *lexicon.Table) *Classifier {
	return &Classifier{table: t}
}

func normalize(text string) string {
	return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
}

// Classify implements spec.md §4.1's algorithm steps 1–7.
func (c *Classifier) Classify(promptText, toolName string) model.IntentResult {
	norm := normalize(promptText)

	scores := make(map[string]int, len(c.table.Families))
	for _, fam := range c.table.Families {
		count := 0
		for _, kw := range fam.Keywords {
			if kw == "" {
				continue
			}
			count += strings.Count(norm, strings.ToLower(kw))
		}
		scores[fam.Name] = count
	}

	if hint, ok := c.table.ToolHints[toolName]; ok {
		if _, known := scores[hint]; known {
			scores[hint]++
		}
	}

	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if scores[names[i]] != scores[names[j]] {
			return scores[names[i]] > scores[names[j]]
		}
		return names[i] < names[j]
	})

	winner := EmergentOther
	winnerScore := 0
	if len(names) > 0 && scores[names[0]] > 0 {
		winner = names[0]
		winnerScore = scores[names[0]]
	}

	confidence := 0.2
	reason := "fallback"
	if winnerScore > 0 {
		confidence = clamp(0.3+0.12*float64(winnerScore), 0.2, 0.95)
		reason = "keyword_match"
	}

	candidates := make([]model.IntentScore, 0, 3)
	for _, n := range names {
		if scores[n] <= 0 && n != winner {
			continue
		}
		candidates = append(candidates, model.IntentScore{Family: n, Score: scores[n]})
		if len(candidates) == 3 {
			break
		}
	}

	planeScores := map[string]int{}
	for _, n := range names {
		if scores[n] <= 0 {
			continue
		}
		plane := c.table.PlaneOf[n]
		if plane == "" {
			continue
		}
		planeScores[plane] += scores[n]
	}
	planeNames := make([]string, 0, len(planeScores))
	for p := range planeScores {
		planeNames = append(planeNames, p)
	}
	sort.Slice(planeNames, func(i, j int) bool {
		if planeScores[planeNames[i]] != planeScores[planeNames[j]] {
			return planeScores[planeNames[i]] > planeScores[planeNames[j]]
		}
		return planeNames[i] < planeNames[j]
	})

	primaryPlane := c.table.PlaneOf[winner]
	planes := make([]string, 0, 2)
	seen := map[string]bool{}
	if primaryPlane != "" {
		planes = append(planes, primaryPlane)
		seen[primaryPlane] = true
	}
	for _, p := range planeNames {
		if len(planes) == 2 {
			break
		}
		if !seen[p] {
			planes = append(planes, p)
			seen[p] = true
		}
	}
	if len(planes) == 0 {
		planes = []string{"research_decision"}
		primaryPlane = "research_decision"
	}

	return model.IntentResult{
		IntentFamily: winner,
		Confidence:   confidence,
		Reason:       reason,
		TaskPlane:    planes[0],
		TaskPlanes:   planes,
		Candidates:   candidates,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SessionContextKey computes the short, deterministic key described in
// spec.md §4.1: sha1("phase|intent|tool|last_5_tools")[0:12].
func SessionContextKey(phase, intentFamily, tool string, lastTools []string) string {
	last5 := lastTools
	if len(last5) > 5 {
		last5 = last5[len(last5)-5:]
	}
	payload := fmt.Sprintf("%s|%s|%s|%s", phase, intentFamily, tool, strings.Join(last5, ","))
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])[:12]
}
