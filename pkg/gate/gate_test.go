package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/sessionstate"
)

func freshState() *sessionstate.State {
	return sessionstate.New("sess-1", time.Now())
}

func TestEvaluate_HighValueNoteEmits(t *testing.T) {
	state := freshState()
	candidates := []model.AdviceItem{
		{
			AdviceID:     "adv1",
			Text:         "Use batch mode for saves — reduces I/O by 66x. Call begin_batch() before the loop.",
			Confidence:   0.85,
			ContextMatch: 0.80,
			Source:       model.SourceCognitive,
		},
	}
	result := Evaluate(DefaultConfig(), candidates, state, "Edit", "", "implementation", time.Now())
	require.Len(t, result.Emitted, 1)
	assert.Equal(t, model.AuthorityNote, result.Emitted[0].Authority)
}

func TestEvaluate_CycleSummaryNoiseSuppressed(t *testing.T) {
	state := freshState()
	candidates := []model.AdviceItem{
		{
			AdviceID:     "adv2",
			Text:         "Cycle summary: Edit used 9 times (100% success); 17/17 Edits not preceded by Read.",
			Confidence:   0.60,
			ContextMatch: 0.40,
		},
	}
	result := Evaluate(DefaultConfig(), candidates, state, "Edit", "", "implementation", time.Now())
	assert.Len(t, result.Emitted, 0)
}

func TestEvaluate_WebFetchAdviceOnWrongTool(t *testing.T) {
	state := freshState()
	candidates := []model.AdviceItem{
		{
			AdviceID:     "adv3",
			Text:         "WebFetch fails on authenticated URLs — use specialized MCP tools.",
			Confidence:   0.75,
			ContextMatch: 0.70,
		},
	}
	result := Evaluate(DefaultConfig(), candidates, freshState(), "Edit", "", "implementation", time.Now())
	require.Len(t, result.Suppressed, 1)
	assert.Contains(t, result.Suppressed[0].Reason, "webfetch")
	assert.Len(t, result.Emitted, 0)

	result2 := Evaluate(DefaultConfig(), candidates, state, "WebFetch", "", "implementation", time.Now())
	require.Len(t, result2.Emitted, 1)
	assert.Equal(t, model.AuthorityNote, result2.Emitted[0].Authority)
}

func TestEvaluate_WarningBoostsUnderFailureStreak(t *testing.T) {
	state := freshState()
	state.ConsecutiveFailures = 2
	candidates := []model.AdviceItem{
		{
			AdviceID:     "adv4",
			Text:         "[Caution] Check imports — past failure with circular dependencies.",
			Confidence:   0.65,
			ContextMatch: 0.55,
			Source:       model.SourceEidos,
		},
	}
	result := Evaluate(DefaultConfig(), candidates, state, "Edit", "", "debugging", time.Now())
	require.Len(t, result.Emitted, 1)
	assert.Equal(t, model.AuthorityWarning, result.Emitted[0].Authority)
	assert.Greater(t, result.Emitted[0].AdjustedScore, 0.70)
}

func TestEvaluate_DedupWithinCooldown(t *testing.T) {
	state := freshState()
	candidates := []model.AdviceItem{
		{
			AdviceID:     "adv_dedup_v",
			Text:         "Use batch mode for saves to reduce I/O.",
			Confidence:   0.85,
			ContextMatch: 0.80,
		},
	}
	now := time.Now()
	cfg := DefaultConfig()

	first := Evaluate(cfg, candidates, state, "Edit", "", "implementation", now)
	require.Len(t, first.Emitted, 1)
	state.MarkAdviceShown([]string{"adv_dedup_v"}, "Edit", "implementation", now)

	second := Evaluate(cfg, candidates, state, "Edit", "", "implementation", now.Add(time.Second))
	assert.Len(t, second.Emitted, 0)
	require.Len(t, second.Suppressed, 1)
	assert.Equal(t, "already shown", second.Suppressed[0].Reason)
}

func TestEvaluate_BudgetOverflowSuppressesExtras(t *testing.T) {
	state := freshState()
	cfg := DefaultConfig()
	cfg.MaxEmitPerCall = 1
	candidates := []model.AdviceItem{
		{AdviceID: "a", Text: "Use caching for repeated lookups.", Confidence: 0.9, ContextMatch: 0.9},
		{AdviceID: "b", Text: "Check configuration before running.", Confidence: 0.85, ContextMatch: 0.85},
	}
	result := Evaluate(cfg, candidates, state, "Edit", "", "implementation", time.Now())
	require.Len(t, result.Emitted, 1)
	require.Len(t, result.Suppressed, 1)
	assert.Equal(t, "budget exhausted", result.Suppressed[0].Reason)
}

func TestEvaluate_WarningPresenceRaisesBudgetByOne(t *testing.T) {
	state := freshState()
	state.ConsecutiveFailures = 2
	cfg := DefaultConfig()
	cfg.MaxEmitPerCall = 1
	candidates := []model.AdviceItem{
		{AdviceID: "w", Text: "[Caution] Watch out for circular dependencies.", Confidence: 0.8, ContextMatch: 0.8},
		{AdviceID: "n1", Text: "Use caching for repeated lookups.", Confidence: 0.9, ContextMatch: 0.9},
		{AdviceID: "n2", Text: "Check configuration before running.", Confidence: 0.6, ContextMatch: 0.6},
	}
	result := Evaluate(cfg, candidates, state, "Edit", "", "debugging", time.Now())
	assert.Len(t, result.Emitted, 2)
}

func TestEvaluate_ToolCooldownSuppresses(t *testing.T) {
	state := freshState()
	now := time.Now()
	state.SuppressTool("Edit", 120, now)
	candidates := []model.AdviceItem{
		{AdviceID: "a", Text: "Use batch mode.", Confidence: 0.9, ContextMatch: 0.9},
	}
	result := Evaluate(DefaultConfig(), candidates, state, "Edit", "", "implementation", now.Add(time.Second))
	require.Len(t, result.Suppressed, 1)
	assert.Equal(t, "tool cooldown", result.Suppressed[0].Reason)
}

func TestEvaluate_ReadBeforeEditSuppressedWhenRecentlyRead(t *testing.T) {
	state := freshState()
	now := time.Now()
	state.RecordToolCall("Read", "/repo/main.go", sessionstate.SuccessTrue, "", now)
	candidates := []model.AdviceItem{
		{AdviceID: "a", Text: "Read before Edit to confirm current contents.", Confidence: 0.9, ContextMatch: 0.9},
	}
	result := Evaluate(DefaultConfig(), candidates, state, "Edit", "/repo/main.go", "implementation", now.Add(time.Second))
	require.Len(t, result.Suppressed, 1)
}

func TestEvaluate_DeploymentAdviceSuppressedDuringExploration(t *testing.T) {
	state := freshState()
	candidates := []model.AdviceItem{
		{AdviceID: "a", Text: "Remember to check the deploy rollout plan.", Confidence: 0.9, ContextMatch: 0.9},
	}
	result := Evaluate(DefaultConfig(), candidates, state, "Bash", "", "exploration", time.Now())
	require.Len(t, result.Suppressed, 1)
}

func TestEvaluate_ThresholdOrderingAutoClamped(t *testing.T) {
	cfg := Config{MaxEmitPerCall: 2, WarningThreshold: 0.4, NoteThreshold: 0.5, WhisperThreshold: 0.6}
	adjusted := cfg.Normalize()
	assert.True(t, adjusted)
	assert.LessOrEqual(t, cfg.WhisperThreshold, cfg.NoteThreshold)
	assert.LessOrEqual(t, cfg.NoteThreshold, cfg.WarningThreshold)
}
