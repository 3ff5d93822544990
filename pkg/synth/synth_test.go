package synth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/synth/provider"
)

type fakeProvider struct {
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Query(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func sampleEmitted() ([]model.GateDecision, map[string]model.AdviceItem) {
	items := map[string]model.AdviceItem{
		"a1": {AdviceID: "a1", Text: "[Caution] Don't skip tests before merging.", Authority: model.AuthorityWarning},
		"a2": {AdviceID: "a2", Text: "This project uses table-driven tests.", Authority: model.AuthorityNote},
	}
	emitted := []model.GateDecision{
		{AdviceID: "a1", Authority: model.AuthorityWarning, Emit: true, AdjustedScore: 0.9},
		{AdviceID: "a2", Authority: model.AuthorityNote, Emit: true, AdjustedScore: 0.6},
	}
	return emitted, items
}

func TestSynthesize_ProgrammaticMode(t *testing.T) {
	emitted, items := sampleEmitted()
	s := New(Config{Mode: ModeProgrammatic}, nil)

	text := s.Synthesize(context.Background(), "implementation", "fix bug", "Edit", emitted, items, "", time.Now())

	assert.Contains(t, text, "Cautions:")
	assert.Contains(t, text, "Don't skip tests")
	assert.Contains(t, text, "Relevant context:")
	assert.NotContains(t, text, "[Caution]")
}

func TestSynthesize_AutoModeUsesFirstWorkingProvider(t *testing.T) {
	emitted, items := sampleEmitted()
	ollama := &fakeProvider{name: "ollama", err: errors.New("connection refused")}
	gemini := &fakeProvider{name: "gemini", text: "Remember to run the test suite before merging this change."}

	s := New(Config{Mode: ModeAuto, AITimeout: time.Second}, map[string]provider.Provider{
		"ollama": ollama,
		"gemini": gemini,
	})

	text := s.Synthesize(context.Background(), "implementation", "fix bug", "Edit", emitted, items, "", time.Now())

	assert.Equal(t, "Remember to run the test suite before merging this change.", text)
	assert.Equal(t, 1, ollama.calls)
	assert.Equal(t, 1, gemini.calls)
}

func TestSynthesize_AutoModeFallsBackToProgrammaticWhenAllProvidersFail(t *testing.T) {
	emitted, items := sampleEmitted()
	ollama := &fakeProvider{name: "ollama", err: errors.New("down")}

	s := New(Config{Mode: ModeAuto, AITimeout: time.Second}, map[string]provider.Provider{"ollama": ollama})

	text := s.Synthesize(context.Background(), "implementation", "fix bug", "Edit", emitted, items, "", time.Now())

	assert.Contains(t, text, "Cautions:")
}

func TestSynthesize_AIOnlyModeReturnsEmptyWhenProvidersFail(t *testing.T) {
	emitted, items := sampleEmitted()
	ollama := &fakeProvider{name: "ollama", err: errors.New("down")}

	s := New(Config{Mode: ModeAIOnly, AITimeout: time.Second}, map[string]provider.Provider{"ollama": ollama})

	text := s.Synthesize(context.Background(), "implementation", "fix bug", "Edit", emitted, items, "", time.Now())

	assert.Equal(t, "", text)
}

func TestSynthesize_ForceModeOverridesConfiguredMode(t *testing.T) {
	emitted, items := sampleEmitted()
	gemini := &fakeProvider{name: "gemini", text: "should not be called"}

	s := New(Config{Mode: ModeAuto, AITimeout: time.Second}, map[string]provider.Provider{"gemini": gemini})

	text := s.Synthesize(context.Background(), "implementation", "fix bug", "Edit", emitted, items, ModeProgrammatic, time.Now())

	assert.Contains(t, text, "Cautions:")
	assert.Equal(t, 0, gemini.calls)
}

func TestSynthesize_CachesAIResponseAcrossCalls(t *testing.T) {
	emitted, items := sampleEmitted()
	gemini := &fakeProvider{name: "gemini", text: "Run the tests before you merge this change please."}

	s := New(Config{Mode: ModeAuto, AITimeout: time.Second, CacheTTL: time.Minute}, map[string]provider.Provider{"gemini": gemini})

	now := time.Now()
	first := s.Synthesize(context.Background(), "implementation", "fix bug", "Edit", emitted, items, "", now)
	second := s.Synthesize(context.Background(), "implementation", "fix bug", "Edit", emitted, items, "", now.Add(time.Second))

	require.Equal(t, first, second)
	assert.Equal(t, 1, gemini.calls)
}

func TestSynthesize_PreferredProviderTriedFirst(t *testing.T) {
	emitted, items := sampleEmitted()
	anthropic := &fakeProvider{name: "anthropic", text: "Preferred provider response about testing practices."}
	ollama := &fakeProvider{name: "ollama", text: "Should not be reached if preferred wins."}

	s := New(Config{Mode: ModeAuto, AITimeout: time.Second, PreferredProvider: "anthropic"}, map[string]provider.Provider{
		"anthropic": anthropic,
		"ollama":    ollama,
	})

	text := s.Synthesize(context.Background(), "implementation", "fix bug", "Edit", emitted, items, "", time.Now())

	assert.Equal(t, anthropic.text, text)
	assert.Equal(t, 0, ollama.calls)
}

func TestSynthesize_ShortResponseSkipped(t *testing.T) {
	emitted, items := sampleEmitted()
	ollama := &fakeProvider{name: "ollama", text: "ok"}
	gemini := &fakeProvider{name: "gemini", text: "This response is long enough to be accepted by the synthesizer."}

	s := New(Config{Mode: ModeAuto, AITimeout: time.Second}, map[string]provider.Provider{
		"ollama": ollama,
		"gemini": gemini,
	})

	text := s.Synthesize(context.Background(), "implementation", "fix bug", "Edit", emitted, items, "", time.Now())

	assert.Equal(t, gemini.text, text)
}

func TestComposeProgrammatic_LimitsWarningsAndNotes(t *testing.T) {
	items := map[string]model.AdviceItem{
		"w1": {AdviceID: "w1", Text: "Warning one.", Authority: model.AuthorityWarning},
		"w2": {AdviceID: "w2", Text: "Warning two.", Authority: model.AuthorityWarning},
		"w3": {AdviceID: "w3", Text: "Warning three.", Authority: model.AuthorityWarning},
		"n1": {AdviceID: "n1", Text: "Note one.", Authority: model.AuthorityNote},
		"n2": {AdviceID: "n2", Text: "Note two.", Authority: model.AuthorityNote},
		"n3": {AdviceID: "n3", Text: "Note three.", Authority: model.AuthorityNote},
		"n4": {AdviceID: "n4", Text: "Note four.", Authority: model.AuthorityNote},
	}
	emitted := []model.GateDecision{
		{AdviceID: "w1", Authority: model.AuthorityWarning, Emit: true},
		{AdviceID: "w2", Authority: model.AuthorityWarning, Emit: true},
		{AdviceID: "w3", Authority: model.AuthorityWarning, Emit: true},
		{AdviceID: "n1", Authority: model.AuthorityNote, Emit: true},
		{AdviceID: "n2", Authority: model.AuthorityNote, Emit: true},
		{AdviceID: "n3", Authority: model.AuthorityNote, Emit: true},
		{AdviceID: "n4", Authority: model.AuthorityNote, Emit: true},
	}

	text := composeProgrammatic(emitted, items)

	assert.NotContains(t, text, "Warning three")
	assert.NotContains(t, text, "Note four")
}
