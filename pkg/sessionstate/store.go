package sessionstate

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// TTL is how long a session stays live since its last update (spec.md §3).
const TTL = 2 * time.Hour

// DefaultShownAdviceTTL is the default eviction window for shown-advice
// entries (spec.md §4.2).
const DefaultShownAdviceTTL = 600 * time.Second

// MaxShownAdvice is the hard cap on retained shown-advice entries.
const MaxShownAdvice = 100

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Store persists one JSON document per session under dir, named from the
// session id with a sha1 suffix for collision safety, matching spec.md §4.2.
type Store struct {
	dir            string
	shownAdviceTTL time.Duration
}

// NewStore creates a session state store rooted at dir, creating it if
// necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstate: creating dir %s: %w", dir, err)
	}
	return &Store{dir: dir, shownAdviceTTL: DefaultShownAdviceTTL}, nil
}

// SetShownAdviceTTL overrides the default TTL (hot-reloadable from
// tuneables.json in practice; exposed here for tests and config wiring).
func (st *Store) SetShownAdviceTTL(d time.Duration) {
	if d > 0 {
		st.shownAdviceTTL = d
	}
}

func (st *Store) fileName(sessionID string) string {
	sum := sha1.Sum([]byte(sessionID))
	safe := unsafeFilenameRe.ReplaceAllString(sessionID, "_")
	if len(safe) > 64 {
		safe = safe[:64]
	}
	return fmt.Sprintf("%s-%s.json", safe, hex.EncodeToString(sum[:])[:8])
}

func (st *Store) path(sessionID string) string {
	return filepath.Join(st.dir, st.fileName(sessionID))
}

// Exists reports whether a session has a persisted state file, without the
// fresh-if-missing fallback Load applies — used by read endpoints that need
// to distinguish "no such session" from "brand new session".
func (st *Store) Exists(sessionID string) bool {
	_, err := os.Stat(st.path(sessionID))
	return err == nil
}

// Load reads a session's state, returning a fresh State if the file is
// missing, unparseable, or past TTL. Implementations must tolerate missing
// fields for backwards-compatible decode — encoding/json already does this
// for us as long as new fields are added, never repurposed.
func (st *Store) Load(sessionID string, now time.Time) *State {
	data, err := os.ReadFile(st.path(sessionID))
	if err != nil {
		return New(sessionID, now)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		slog.Warn("sessionstate: corrupt state file, starting fresh", "session_id", sessionID, "error", err)
		return New(sessionID, now)
	}
	if now.Sub(s.UpdatedAt) > TTL {
		slog.Debug("sessionstate: stale session, starting fresh", "session_id", sessionID, "age", now.Sub(s.UpdatedAt))
		return New(sessionID, now)
	}
	if s.ShownAdviceIDs == nil {
		s.ShownAdviceIDs = map[string]time.Time{}
	}
	if s.SuppressedTools == nil {
		s.SuppressedTools = map[string]time.Time{}
	}
	return &s
}

// Save persists s atomically (write-temp + rename), first evicting stale
// shown-advice entries per spec.md §4.2.
func (st *Store) Save(s *State, now time.Time) error {
	st.evictShownAdvice(s, now)
	s.UpdatedAt = now

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstate: marshaling state for %s: %w", s.SessionID, err)
	}

	target := st.path(s.SessionID)
	tmp, err := os.CreateTemp(st.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("sessionstate: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sessionstate: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("sessionstate: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("sessionstate: renaming into place: %w", err)
	}
	return nil
}

func (st *Store) evictShownAdvice(s *State, now time.Time) {
	ttl := st.shownAdviceTTL
	if ttl <= 0 {
		ttl = DefaultShownAdviceTTL
	}
	for k, ts := range s.ShownAdviceIDs {
		if now.Sub(ts) > ttl {
			delete(s.ShownAdviceIDs, k)
		}
	}
	if len(s.ShownAdviceIDs) <= MaxShownAdvice {
		return
	}
	type entry struct {
		key string
		ts  time.Time
	}
	entries := make([]entry, 0, len(s.ShownAdviceIDs))
	for k, ts := range s.ShownAdviceIDs {
		entries = append(entries, entry{k, ts})
	}
	// Keep the most recent MaxShownAdvice entries (simple selection since
	// the set is bounded small; no need for a full sort library call here).
	for len(entries) > MaxShownAdvice {
		oldestIdx := 0
		for i := range entries {
			if entries[i].ts.Before(entries[oldestIdx].ts) {
				oldestIdx = i
			}
		}
		delete(s.ShownAdviceIDs, entries[oldestIdx].key)
		entries = append(entries[:oldestIdx], entries[oldestIdx+1:]...)
	}
}

// RecordToolCall implements spec.md §4.2's record_tool_call operation,
// including consecutive-failure bookkeeping and phase inference.
func (s *State) RecordToolCall(tool, inputHint string, success SuccessState, traceID string, now time.Time) {
	s.appendToolCall(ToolCall{
		Tool:      tool,
		Timestamp: now,
		Success:   success,
		TraceID:   traceID,
		InputHint: inputHint,
	})

	switch success {
	case SuccessFalse:
		s.ConsecutiveFailures++
	case SuccessTrue:
		s.ConsecutiveFailures = 0
	}

	s.inferPhase(tool, inputHint)
}

// RecordUserIntent stores the raw prompt text and timestamp.
func (s *State) RecordUserIntent(text string, now time.Time) {
	s.UserIntentText = text
	s.UserIntentAt = now
}

// SetIntent stamps the classifier's output onto session state.
func (s *State) SetIntent(family, plane, reason string) {
	s.IntentFamily = family
	s.TaskPlane = plane
	s.IntentReason = reason
}

// MarkAdviceShown records both the raw advice_id and its
// "advice_id|tool|phase" scoped form so either can suppress re-emission.
func (s *State) MarkAdviceShown(ids []string, tool, phase string, now time.Time) {
	if s.ShownAdviceIDs == nil {
		s.ShownAdviceIDs = map[string]time.Time{}
	}
	for _, id := range ids {
		s.ShownAdviceIDs[id] = now
		s.ShownAdviceIDs[scopedKey(id, tool, phase)] = now
	}
}

func scopedKey(adviceID, tool, phase string) string {
	return adviceID + "|" + tool + "|" + phase
}

// WasShown reports whether adviceID (or its scoped form for tool/phase) is
// within the shown-advice TTL.
func (s *State) WasShown(adviceID, tool, phase string, now time.Time, ttl time.Duration) (bool, time.Duration) {
	if ts, ok := s.ShownAdviceIDs[adviceID]; ok && now.Sub(ts) <= ttl {
		return true, now.Sub(ts)
	}
	if ts, ok := s.ShownAdviceIDs[scopedKey(adviceID, tool, phase)]; ok && now.Sub(ts) <= ttl {
		return true, now.Sub(ts)
	}
	return false, 0
}

// SuppressTool sets a cooldown deadline for tool, duration seconds from now.
func (s *State) SuppressTool(tool string, durationS float64, now time.Time) {
	if s.SuppressedTools == nil {
		s.SuppressedTools = map[string]time.Time{}
	}
	s.SuppressedTools[tool] = now.Add(time.Duration(durationS * float64(time.Second)))
}

// IsToolSuppressed reports whether tool is still within its cooldown.
func (s *State) IsToolSuppressed(tool string, now time.Time) bool {
	deadline, ok := s.SuppressedTools[tool]
	if !ok {
		return false
	}
	return now.Before(deadline)
}

// HadRecentRead scans recent_tools newest-to-oldest for a Read of filePath
// within withinS seconds. withinS == 0 always returns false per spec.md §8.
func (s *State) HadRecentRead(filePath string, withinS float64, now time.Time) bool {
	if withinS <= 0 {
		return false
	}
	window := time.Duration(withinS * float64(time.Second))
	for i := len(s.RecentTools) - 1; i >= 0; i-- {
		tc := s.RecentTools[i]
		age := now.Sub(tc.Timestamp)
		if age > window {
			break
		}
		if tc.Tool == "Read" && filePath != "" && strings.Contains(tc.InputHint, filePath) {
			return true
		}
	}
	return false
}

// ResolveRecentTraceID finds the most recent trace id recorded for tool
// within maxAgeS seconds, used by on_post_tool when the host doesn't supply
// one directly.
func (s *State) ResolveRecentTraceID(tool string, maxAgeS float64, now time.Time) string {
	window := time.Duration(maxAgeS * float64(time.Second))
	for i := len(s.RecentTools) - 1; i >= 0; i-- {
		tc := s.RecentTools[i]
		if now.Sub(tc.Timestamp) > window {
			break
		}
		if tc.Tool == tool && tc.TraceID != "" {
			return tc.TraceID
		}
	}
	return ""
}

// GetRecentToolSequence returns up to n of the most recent tool names,
// oldest-first, for session_context_key computation.
func (s *State) GetRecentToolSequence(n int) []string {
	if n <= 0 || len(s.RecentTools) == 0 {
		return nil
	}
	start := len(s.RecentTools) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(s.RecentTools)-start)
	for _, tc := range s.RecentTools[start:] {
		out = append(out, tc.Tool)
	}
	return out
}
