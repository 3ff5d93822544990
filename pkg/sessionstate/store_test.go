package sessionstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestLoad_MissingIsFresh(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	s := st.Load("sess-1", now)
	assert.Equal(t, "sess-1", s.SessionID)
	assert.Empty(t, s.RecentTools)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	s := st.Load("sess-2", now)
	s.RecordToolCall("Edit", "edit foo.go", SuccessTrue, "trace-1", now)
	require.NoError(t, st.Save(s, now))

	reloaded := st.Load("sess-2", now.Add(time.Minute))
	require.Len(t, reloaded.RecentTools, 1)
	assert.Equal(t, "Edit", reloaded.RecentTools[0].Tool)
	assert.Equal(t, "trace-1", reloaded.RecentTools[0].TraceID)
}

func TestLoad_ExpiresPastTTL(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	s := st.Load("sess-3", now)
	require.NoError(t, st.Save(s, now))

	reloaded := st.Load("sess-3", now.Add(TTL+time.Minute))
	assert.Empty(t, reloaded.RecentTools)
	assert.True(t, reloaded.CreatedAt.After(now) || reloaded.CreatedAt.Equal(now.Add(TTL+time.Minute)))
}

func TestConsecutiveFailures(t *testing.T) {
	now := time.Now()
	s := New("sess-4", now)
	s.RecordToolCall("Bash", "go build ./...", SuccessFalse, "", now)
	s.RecordToolCall("Bash", "go build ./...", SuccessFalse, "", now)
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.Equal(t, "debugging", s.TaskPhase, "2 consecutive failures forces debugging phase")

	s.RecordToolCall("Bash", "go test ./...", SuccessTrue, "", now)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestPhaseInference_BashPatterns(t *testing.T) {
	now := time.Now()
	s := New("sess-5", now)
	s.RecordToolCall("Bash", "go test ./pkg/...", SuccessUnknown, "", now)
	assert.Equal(t, "testing", s.TaskPhase)
}

func TestPhaseInference_ToolMap(t *testing.T) {
	now := time.Now()
	s := New("sess-6", now)
	s.RecordToolCall("Edit", "edit main.go", SuccessUnknown, "", now)
	assert.Equal(t, "implementation", s.TaskPhase)
}

func TestShownAdvice_TTLEviction(t *testing.T) {
	st := newTestStore(t)
	st.SetShownAdviceTTL(10 * time.Second)
	now := time.Now()
	s := st.Load("sess-7", now)
	s.MarkAdviceShown([]string{"adv-1"}, "Edit", "implementation", now)
	require.NoError(t, st.Save(s, now.Add(20*time.Second)))

	reloaded := st.Load("sess-7", now.Add(21*time.Second))
	_, ok := reloaded.ShownAdviceIDs["adv-1"]
	assert.False(t, ok, "entry should have been evicted on save after TTL elapsed")
}

func TestShownAdvice_HardCap(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	s := st.Load("sess-8", now)
	for i := 0; i < 150; i++ {
		s.MarkAdviceShown([]string{idFor(i)}, "Edit", "implementation", now.Add(time.Duration(i)*time.Millisecond))
	}
	require.NoError(t, st.Save(s, now.Add(time.Second)))
	assert.LessOrEqual(t, len(s.ShownAdviceIDs), MaxShownAdvice)
}

func idFor(i int) string {
	return "adv-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
}

func TestWasShown_ScopedAndRaw(t *testing.T) {
	now := time.Now()
	s := New("sess-9", now)
	s.MarkAdviceShown([]string{"adv-x"}, "Edit", "implementation", now)

	shown, _ := s.WasShown("adv-x", "Edit", "implementation", now, DefaultShownAdviceTTL)
	assert.True(t, shown)

	shown, _ = s.WasShown("adv-x", "Read", "exploration", now, DefaultShownAdviceTTL)
	assert.True(t, shown, "raw advice_id match should also suppress regardless of scope")

	shown, _ = s.WasShown("adv-never-shown", "Edit", "implementation", now, DefaultShownAdviceTTL)
	assert.False(t, shown)
}

func TestToolCooldown(t *testing.T) {
	now := time.Now()
	s := New("sess-10", now)
	s.SuppressTool("Edit", 30, now)
	assert.True(t, s.IsToolSuppressed("Edit", now.Add(10*time.Second)))
	assert.False(t, s.IsToolSuppressed("Edit", now.Add(31*time.Second)))
}

func TestHadRecentRead(t *testing.T) {
	now := time.Now()
	s := New("sess-11", now)
	s.RecordToolCall("Read", "file_path=/repo/foo.go", SuccessTrue, "", now)

	assert.True(t, s.HadRecentRead("/repo/foo.go", 120, now.Add(10*time.Second)))
	assert.False(t, s.HadRecentRead("/repo/foo.go", 5, now.Add(10*time.Second)))
	assert.False(t, s.HadRecentRead("/repo/foo.go", 0, now), "within_s=0 must always return false")
}

func TestGetRecentToolSequence(t *testing.T) {
	now := time.Now()
	s := New("sess-12", now)
	for _, tool := range []string{"Read", "Grep", "Edit", "Bash", "Read", "Write"} {
		s.RecordToolCall(tool, "", SuccessTrue, "", now)
	}
	seq := s.GetRecentToolSequence(5)
	assert.Equal(t, []string{"Grep", "Edit", "Bash", "Read", "Write"}, seq)
}
