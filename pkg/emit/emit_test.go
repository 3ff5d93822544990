package emit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

func TestEmit_WarningPrefixAndWrite(t *testing.T) {
	var buf bytes.Buffer
	e := New(DefaultConfig(), &buf, "")

	out := e.Emit(model.AuthorityWarning, "run the tests first", "", time.Now())

	assert.Equal(t, "[SPARK ADVISORY] run the tests first", out)
	assert.Equal(t, "[SPARK ADVISORY] run the tests first\n", buf.String())
}

func TestEmit_NotePrefix(t *testing.T) {
	var buf bytes.Buffer
	e := New(DefaultConfig(), &buf, "")

	out := e.Emit(model.AuthorityNote, "this project uses table tests", "", time.Now())

	assert.Equal(t, "[SPARK] this project uses table tests", out)
}

func TestEmit_WhisperWrappedAndTruncated(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.WhisperMaxLen = 20
	e := New(cfg, &buf, "")

	out := e.Emit(model.AuthorityWhisper, strings.Repeat("a", 50), "", time.Now())

	assert.True(t, strings.HasPrefix(out, "(spark: "))
	assert.True(t, strings.HasSuffix(out, ")"))
	assert.Less(t, len(out), 35)
}

func TestEmit_SilentProducesNoOutput(t *testing.T) {
	var buf bytes.Buffer
	e := New(DefaultConfig(), &buf, "")

	out := e.Emit(model.AuthoritySilent, "anything", "", time.Now())

	assert.Equal(t, "", out)
	assert.Equal(t, "", buf.String())
}

func TestEmit_DisabledProducesNoOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = false
	e := New(cfg, &buf, "")

	out := e.Emit(model.AuthorityNote, "hello", "", time.Now())

	assert.Equal(t, "", out)
	assert.Equal(t, "", buf.String())
}

func TestEmit_TruncatesOnWordBoundary(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.CharBudget = 30
	e := New(cfg, &buf, "")

	longText := "this is a very long advisory message that definitely exceeds the configured character budget for a single emission"
	out := e.Emit(model.AuthorityNote, longText, "", time.Now())

	assert.True(t, strings.HasSuffix(out, "…"))
	assert.LessOrEqual(t, len(out), 32)
	assert.NotContains(t, out, "  ")
}

func TestEmit_AppendsStructuredLogRecord(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "advisory_emit.jsonl")
	var buf bytes.Buffer
	e := New(DefaultConfig(), &buf, logPath)

	e.Emit(model.AuthorityNote, "hello world", "trace-1", time.Now())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.True(t, rec.Emitted)
	assert.Equal(t, "trace-1", rec.TraceID)
}

func TestEmit_RotatesLogPastMaxLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "advisory_emit.jsonl")
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.MaxLogLines = 5
	e := New(cfg, &buf, logPath)

	for i := 0; i < 10; i++ {
		e.Emit(model.AuthorityNote, "message", "", time.Now())
	}

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	assert.LessOrEqual(t, lines, 5)
}

func TestComposeFallback_JoinsItemText(t *testing.T) {
	items := []model.AdviceItem{
		{Text: "First point."},
		{Text: ""},
		{Text: "Second point."},
	}

	text := ComposeFallback(items)

	assert.Equal(t, "First point. Second point.", text)
}
