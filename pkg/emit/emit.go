// Package emit turns synthesized advisory text into the single line the
// engine writes back to the host (stdout), formatted per the winning
// authority level and bounded by a hard character budget. It also appends a
// structured record of every emission (or suppression) to an append-only
// JSONL log, the same pattern pkg/packetstore uses for its prefetch queue.
package emit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

// Config holds the emitter's tunables.
type Config struct {
	Enabled       bool
	CharBudget    int
	MaxLogLines   int
	WhisperMaxLen int
}

// DefaultConfig matches spec.md §4.8's documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		CharBudget:    500,
		MaxLogLines:   2000,
		WhisperMaxLen: 150,
	}
}

// Record is one structured entry appended to the emission log.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Authority model.Authority `json:"authority"`
	Text      string          `json:"text"`
	Emitted   bool            `json:"emitted"`
	Reason    string          `json:"reason,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
}

// Emitter writes advisory text to an io.Writer (stdout in production) and
// appends structured records to a rotating JSONL log file.
type Emitter struct {
	mu      sync.Mutex
	cfgMu   sync.RWMutex
	cfg     Config
	out     io.Writer
	logPath string
}

// New builds an Emitter that writes to out and logs to logPath.
func New(cfg Config, out io.Writer, logPath string) *Emitter {
	return &Emitter{cfg: cfg, out: out, logPath: logPath}
}

// SetConfig swaps the emitter's tunables for the very next Emit call. No
// tuneables.json section targets the emitter directly — a host that wants
// to change its character budget or log rotation does so by calling this
// itself, e.g. from its own startup flags.
func (e *Emitter) SetConfig(cfg Config) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.cfg = cfg
}

func (e *Emitter) getConfig() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Emit formats text for the given authority,
// enforces the character budget, writes it to the configured writer, and
// appends a log record. It returns the exact text written, or "" if nothing
// was written (disabled, empty text, or SILENT authority).
func (e *Emitter) Emit(authority model.Authority, text string, traceID string, now time.Time) string {
	cfg := e.getConfig()
	if !cfg.Enabled || strings.TrimSpace(text) == "" || authority == model.AuthoritySilent {
		e.appendRecord(Record{Timestamp: now, Authority: authority, Text: text, Emitted: false, Reason: "disabled_or_empty", TraceID: traceID})
		return ""
	}

	formatted := e.format(authority, text)
	formatted = e.truncate(formatted)

	if err := e.write(formatted); err != nil {
		e.appendRecord(Record{Timestamp: now, Authority: authority, Text: formatted, Emitted: false, Reason: fmt.Sprintf("write_error: %v", err), TraceID: traceID})
		return ""
	}

	e.appendRecord(Record{Timestamp: now, Authority: authority, Text: formatted, Emitted: true, TraceID: traceID})
	return formatted
}

// format applies the authority-specific prefix/wrapping (spec.md §4.8).
func (e *Emitter) format(authority model.Authority, text string) string {
	switch authority {
	case model.AuthorityWarning:
		return "[SPARK ADVISORY] " + text
	case model.AuthorityNote:
		return "[SPARK] " + text
	case model.AuthorityWhisper:
		whisper := text
		if maxLen := e.getConfig().WhisperMaxLen; len(whisper) > maxLen {
			whisper = strings.TrimSpace(whisper[:maxLen]) + "…"
		}
		return "(spark: " + whisper + ")"
	default:
		return ""
	}
}

// truncate enforces the hard character budget, cutting on the last word
// boundary before the limit and appending an ellipsis.
func (e *Emitter) truncate(text string) string {
	budget := e.getConfig().CharBudget
	if budget <= 0 {
		budget = 500
	}
	if len(text) <= budget {
		return text
	}
	cut := text[:budget]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "…"
}

func (e *Emitter) write(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := fmt.Fprintln(e.out, text); err != nil {
		return err
	}
	if f, ok := e.out.(*os.File); ok {
		return f.Sync()
	}
	if flusher, ok := e.out.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// appendRecord writes one JSONL line to the emission log, rotating the file
// (keeping only the newest MaxLogLines entries) once it grows past the cap.
func (e *Emitter) appendRecord(rec Record) {
	if e.logPath == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	f, err := os.OpenFile(e.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, _ = f.Write(append(data, '\n'))
	_ = f.Close()

	e.rotateIfNeeded()
}

func (e *Emitter) rotateIfNeeded() {
	max := e.getConfig().MaxLogLines
	if max <= 0 {
		return
	}

	f, err := os.Open(e.logPath)
	if err != nil {
		return
	}
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	f.Close()

	if len(lines) <= max {
		return
	}
	keep := lines[len(lines)-max:]

	tmp := e.logPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return
	}
	w := bufio.NewWriter(out)
	for _, line := range keep {
		_, _ = w.WriteString(line)
		_, _ = w.WriteString("\n")
	}
	_ = w.Flush()
	_ = out.Close()
	_ = os.Rename(tmp, e.logPath)
}

// ComposeFallback renders a list of gate-emitted items individually when no
// synthesized text is available, used by the engine's packet-route fallback
// path (spec.md §4.9.2 step 5).
func ComposeFallback(items []model.AdviceItem) string {
	var parts []string
	for _, item := range items {
		text := strings.TrimSpace(item.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
