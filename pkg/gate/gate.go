// Package gate implements the Gate of spec.md §4.5: the multi-layer
// authority model that decides, per candidate advice item, whether it is
// suppressed, how loud its authority is, and whether it fits the per-call
// emission budget. Evaluate is pure aside from reading session state.
package gate

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/sessionstate"
	"github.com/budgierless/spark-advisory-engine/pkg/textrules"
)

// webFetchLikeTools lists tools whose advice is considered tool-specific for
// the symmetric WebFetch-style suppression rule in step 3.
var webFetchLikeTools = map[string]bool{
	"WebFetch": true,
	"WebSearch": true,
}

// Evaluate runs the full gate pipeline over candidates for tool/toolInput
// against state, returning per-candidate decisions split into emitted and
// suppressed (spec.md §4.5).
func Evaluate(cfg Config, candidates []model.AdviceItem, state *sessionstate.State, tool, toolInput, phase string, now time.Time) model.GateResult {
	if cfg.Normalize() {
		slog.Warn("gate: threshold ordering violated, clamped", "warning", cfg.WarningThreshold, "note", cfg.NoteThreshold, "whisper", cfg.WhisperThreshold)
	}

	result := model.GateResult{Phase: phase, Total: len(candidates)}
	decided := make([]model.GateDecision, 0, len(candidates))

	for _, item := range candidates {
		decision := evaluateOne(cfg, item, state, tool, toolInput, phase, now)
		decided = append(decided, decision)
	}

	applyBudget(cfg, decided)

	for _, d := range decided {
		if d.Emit {
			result.Emitted = append(result.Emitted, d)
		} else {
			result.Suppressed = append(result.Suppressed, d)
		}
	}
	return result
}

func evaluateOne(cfg Config, item model.AdviceItem, state *sessionstate.State, tool, toolInput, phase string, now time.Time) model.GateDecision {
	baseScore := item.Confidence * item.ContextMatch
	d := model.GateDecision{
		AdviceID:      item.AdviceID,
		OriginalScore: baseScore,
	}

	// Step 1: already shown.
	if shown, _ := state.WasShown(item.AdviceID, tool, phase, now, cfg.adviceRepeatCooldown()); shown {
		return silent(d, baseScore, "already shown")
	}

	// Step 2: tool cooldown.
	if state.IsToolSuppressed(tool, now) {
		return silent(d, baseScore, "tool cooldown")
	}

	// Step 3: obvious suppression.
	if reason, suppressed := obviousSuppression(item.Text, tool, phase, state, toolInput, cfg, now); suppressed {
		return silent(d, baseScore, reason)
	}

	// Step 4: phase relevance multiplier.
	cat := inferCategory(item.InsightKey, string(item.Source))
	score := baseScore * phaseMultiplier(phase, cat)

	// Step 5: negative-advisory boost.
	if textrules.NegativePatterns.Any(item.Text) {
		score *= 1.3
	}

	// Step 6: failure-context boost.
	if state.ConsecutiveFailures >= 1 && textrules.CautionMarkers.Any(item.Text) {
		score *= 1.5
	}

	// Step 7: authority assignment.
	authority, reason := assignAuthority(cfg, score, item.Text)

	d.AdjustedScore = score
	d.Authority = authority
	d.Reason = reason
	d.Emit = authority == model.AuthorityNote || authority == model.AuthorityWarning
	return d
}

func silent(d model.GateDecision, baseScore float64, reason string) model.GateDecision {
	d.Authority = model.AuthoritySilent
	d.Emit = false
	d.Reason = reason
	d.AdjustedScore = baseScore
	return d
}

// obviousSuppression implements gate step 3's text-pattern heuristics.
func obviousSuppression(text, tool, phase string, state *sessionstate.State, toolInput string, cfg Config, now time.Time) (string, bool) {
	if textrules.TelemetryBlacklist.Any(text) {
		return "telemetry-shaped text", true
	}

	if textrules.ReadBeforeEdit.MatchString(text) {
		if tool != "Edit" {
			return "read-before-edit advice on non-Edit tool", true
		}
		if state.HadRecentRead(toolInput, cfg.ReadBeforeEditWindowS, now) {
			return "file already read recently", true
		}
	}

	if textrules.GenericReadAdvice.MatchString(text) && tool == "Read" {
		return "generic read advice while already reading", true
	}

	if textrules.WebFetchAdvice.MatchString(text) && !webFetchLikeTools[tool] {
		return "webfetch-specific advice on unrelated tool", true
	}

	if textrules.DeploymentFlavored.MatchString(text) && phase == "exploration" {
		return "deployment-flavored advice during exploration", true
	}

	return "", false
}

// assignAuthority implements gate step 7.
func assignAuthority(cfg Config, score float64, text string) (model.Authority, string) {
	if textrules.NoisePatterns.Any(text) {
		return model.AuthoritySilent, "primitive noise override"
	}

	isCautionOrNegative := textrules.CautionMarkers.Any(text) || textrules.NegativePatterns.Any(text)

	switch {
	case score >= cfg.WarningThreshold && isCautionOrNegative:
		return model.AuthorityWarning, "warning threshold, cautionary text"
	case score >= cfg.WarningThreshold:
		return model.AuthorityNote, "warning threshold, non-cautionary text"
	case score >= cfg.NoteThreshold:
		return model.AuthorityNote, "note threshold"
	case score >= cfg.NoteThreshold-0.08 && textrules.ActionableVerbs.Any(text):
		return model.AuthorityNote, "actionable micro-boost"
	case score >= cfg.WhisperThreshold:
		return model.AuthorityWhisper, "whisper threshold"
	default:
		return model.AuthoritySilent, "below whisper threshold"
	}
}

// applyBudget implements the per-call emission budget: sort emit=true items
// by adjusted score descending, cap at MaxEmitPerCall (+1 if a WARNING is
// present), demote the rest to suppressed with reason "budget exhausted".
func applyBudget(cfg Config, decided []model.GateDecision) {
	emitIdx := make([]int, 0, len(decided))
	for i, d := range decided {
		if d.Emit {
			emitIdx = append(emitIdx, i)
		}
	}
	if len(emitIdx) == 0 {
		return
	}

	sort.SliceStable(emitIdx, func(a, b int) bool {
		return decided[emitIdx[a]].AdjustedScore > decided[emitIdx[b]].AdjustedScore
	})

	budgetCap := cfg.MaxEmitPerCall
	for _, i := range emitIdx {
		if decided[i].Authority == model.AuthorityWarning {
			budgetCap++
			break
		}
	}

	for rank, i := range emitIdx {
		if rank >= budgetCap {
			decided[i].Emit = false
			decided[i].Reason = "budget exhausted"
		}
	}
}

// FallbackText composes spec.md §4.9.2 step 5's deterministic per-intent
// fallback template, used when a packet route's gate emits nothing but the
// engine still owes a minimal response.
func FallbackText(intentFamily string) string {
	family := strings.ReplaceAll(intentFamily, "_", " ")
	if family == "" {
		family = "this task"
	}
	return fmt.Sprintf("Keep good practice in mind for %s.", family)
}
