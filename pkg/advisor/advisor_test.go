package advisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/budgierless/spark-advisory-engine/pkg/memory"
)

func TestRank_FiltersBelowMinScore(t *testing.T) {
	a := New(Config{MaxItems: 5, MinRankScore: 0.5})
	bundle := memory.Bundle{Evidence: []memory.EvidenceRow{
		{Source: "cognitive", ID: "low", Text: "vague note", Confidence: 0.2},
		{Source: "cognitive", ID: "high", Text: "use batch mode for edit calls", Confidence: 0.8},
	}}
	items := a.Rank(bundle, "Edit", "")
	assert.Len(t, items, 1)
	assert.Equal(t, "high", items[0].AdviceID)
}

func TestRank_BoostsToolAndIntentMatches(t *testing.T) {
	a := New(DefaultConfig())
	now := time.Now()
	bundle := memory.Bundle{Evidence: []memory.EvidenceRow{
		{Source: "cognitive", ID: "generic", Text: "general advice here", Confidence: 0.5, CreatedAt: now},
		{Source: "cognitive", ID: "specific", Text: "run bash tests before deploying", Confidence: 0.5, CreatedAt: now},
	}}
	items := a.Rank(bundle, "Bash", "deploying safely")
	assert.Equal(t, "specific", items[0].AdviceID)
}

func TestRank_ReplayModeRelaxesFloorForOutcomeEvidenceOnly(t *testing.T) {
	bundle := memory.Bundle{Evidence: []memory.EvidenceRow{
		{Source: "outcomes", ID: "past-attempt", Text: "past attempt note", Confidence: 0.2},
		{Source: "cognitive", ID: "unrelated-low", Text: "vague note", Confidence: 0.2},
	}}

	off := New(Config{MaxItems: 5, MinRankScore: 0.25})
	assert.Empty(t, off.Rank(bundle, "", ""))

	replay := New(Config{MaxItems: 5, MinRankScore: 0.25, ReplayMode: true})
	items := replay.Rank(bundle, "", "")
	assert.Len(t, items, 1)
	assert.Equal(t, "past-attempt", items[0].AdviceID)
}

func TestRank_TruncatesToMaxItems(t *testing.T) {
	a := New(Config{MaxItems: 2, MinRankScore: 0})
	var rows []memory.EvidenceRow
	for i := 0; i < 10; i++ {
		rows = append(rows, memory.EvidenceRow{Source: "cognitive", ID: string(rune('a' + i)), Text: "advice", Confidence: 0.5})
	}
	items := a.Rank(memory.Bundle{Evidence: rows}, "", "")
	assert.Len(t, items, 2)
}
