// Package sessionstate implements the per-session persistent record
// described in spec.md §4.2: recent tool calls, inferred phase, shown-advice
// TTL bookkeeping, and per-tool cooldowns. Each hook invocation loads a
// fresh State from disk, mutates a local value, and saves it back — there is
// no process-wide singleton, matching the "per-session mutable global
// state" redesign note in spec.md §9.
package sessionstate

import "time"

// SuccessState is a tri-state: call not yet resolved (pre_tool), or
// resolved true/false (post_tool).
type SuccessState int

const (
	SuccessUnknown SuccessState = iota
	SuccessTrue
	SuccessFalse
)

// ToolCall is one entry in the bounded recent-tool-calls list.
type ToolCall struct {
	Tool      string       `json:"tool"`
	Timestamp time.Time    `json:"timestamp"`
	Success   SuccessState `json:"success"`
	TraceID   string       `json:"trace_id,omitempty"`
	InputHint string       `json:"input_hint,omitempty"`
}

// PhaseEntry is one entry in the short phase history.
type PhaseEntry struct {
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

// LastAdvisory is bookkeeping about the most recently emitted advisory.
type LastAdvisory struct {
	PacketID    string    `json:"packet_id,omitempty"`
	Route       string    `json:"route,omitempty"`
	Tool        string    `json:"tool,omitempty"`
	AdviceIDs   []string  `json:"advice_ids,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// State is the full per-session record persisted as one JSON document.
type State struct {
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	RecentTools []ToolCall `json:"recent_tools"`

	UserIntentText string    `json:"user_intent_text,omitempty"`
	UserIntentAt   time.Time `json:"user_intent_at,omitempty"`

	IntentFamily string `json:"intent_family,omitempty"`
	TaskPlane    string `json:"task_plane,omitempty"`
	IntentReason string `json:"intent_reason,omitempty"`

	TaskPhase           string       `json:"task_phase,omitempty"`
	TaskPhaseConfidence float64      `json:"task_phase_confidence,omitempty"`
	PhaseHistory        []PhaseEntry `json:"phase_history,omitempty"`

	// ShownAdviceIDs maps a shown-advice key (raw advice_id, or the scoped
	// "advice_id|tool|phase" form) to the timestamp it was shown.
	ShownAdviceIDs map[string]time.Time `json:"shown_advice_ids,omitempty"`

	LastAdvisory LastAdvisory `json:"last_advisory,omitempty"`

	ConsecutiveFailures int `json:"consecutive_failures"`

	// SuppressedTools maps tool name to the cooldown expiry timestamp.
	SuppressedTools map[string]time.Time `json:"suppressed_tools,omitempty"`
}

// New returns a fresh State for sessionID, timestamped at now.
func New(sessionID string, now time.Time) *State {
	return &State{
		SessionID:       sessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
		ShownAdviceIDs:  map[string]time.Time{},
		SuppressedTools: map[string]time.Time{},
	}
}

const maxRecentTools = 50

// appendToolCall appends a tool call, keeping only the most recent
// maxRecentTools entries.
func (s *State) appendToolCall(tc ToolCall) {
	s.RecentTools = append(s.RecentTools, tc)
	if len(s.RecentTools) > maxRecentTools {
		s.RecentTools = s.RecentTools[len(s.RecentTools)-maxRecentTools:]
	}
}

const maxPhaseHistory = 10

func (s *State) appendPhase(phase string, confidence float64, now time.Time) {
	if s.TaskPhase == phase {
		s.TaskPhaseConfidence = confidence
		return
	}
	s.TaskPhase = phase
	s.TaskPhaseConfidence = confidence
	s.PhaseHistory = append(s.PhaseHistory, PhaseEntry{Phase: phase, Timestamp: now})
	if len(s.PhaseHistory) > maxPhaseHistory {
		s.PhaseHistory = s.PhaseHistory[len(s.PhaseHistory)-maxPhaseHistory:]
	}
}
