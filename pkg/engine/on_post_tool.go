package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/sessionstate"
)

const packetFeedbackMaxAge = 900 * time.Second

var editTriggeringTools = map[string]bool{"Edit": true, "Write": true, "MultiEdit": true}

// OnPostTool implements spec.md §4.9.3: resolve the outcome of a tool call,
// feed implicit success/failure signal back into both the live advisor and
// the packet store, and invalidate packets an Edit/Write tool may have
// staled. filePath is the edited file's path when the host's tool_input
// carries one; it is the empty string otherwise.
func (e *Engine) OnPostTool(ctx context.Context, sessionID, tool, toolInput, filePath, traceID string, success bool, now time.Time) {
	isolate("on_post_tool", func() {
		ctx, span := e.tracer.Start(ctx, "engine.on_post_tool")
		defer span.End()
		timings := newStageTimings()

		t0 := time.Now()
		state := e.sessions.Load(sessionID, now)
		timings.record("load_state", t0)

		resolvedTraceID := traceID
		if resolvedTraceID == "" {
			resolvedTraceID = state.ResolveRecentTraceID(tool, 60, now)
		}

		successState := sessionstate.SuccessFalse
		if success {
			successState = sessionstate.SuccessTrue
		}
		state.RecordToolCall(tool, toolInput, successState, resolvedTraceID, now)

		t1 := time.Now()
		e.applyImplicitFeedback(state, success, now)
		timings.record("implicit_feedback", t1)

		t2 := time.Now()
		e.applyPacketFeedback(state, tool, success, now)
		timings.record("packet_feedback", t2)

		t3 := time.Now()
		if editTriggeringTools[tool] {
			e.invalidateOnEdit(tool, filePath)
		}
		timings.record("edit_invalidation", t3)

		if err := e.sessions.Save(state, now); err != nil {
			e.logEvent(event{Timestamp: now, Hook: "on_post_tool", SessionID: sessionID, Tool: tool, Outcome: "save_state_failed", Error: err.Error()})
			return
		}

		e.logEvent(event{
			Timestamp:  now,
			Hook:       "on_post_tool",
			SessionID:  sessionID,
			Tool:       tool,
			Outcome:    "ok",
			StageOrder: timings.order,
			StageMS:    timings.millis,
		})
	})
}

// applyImplicitFeedback reports up to three still-tracked last-advisory ids
// to the live advisor's outcome reporter. was_followed is always reported
// true here — a known heuristic (the model continued rather than visibly
// rejecting the advice), not a causal signal; see DESIGN.md.
func (e *Engine) applyImplicitFeedback(state *sessionstate.State, success bool, now time.Time) {
	ids := state.LastAdvisory.AdviceIDs
	count := 0
	for _, id := range ids {
		if count >= 3 {
			break
		}
		if _, tracked := state.ShownAdviceIDs[id]; !tracked {
			continue
		}
		e.advisor.RecordOutcome(id, true, success)
		count++
	}
}

// applyPacketFeedback records the last-advisory packet's feedback when the
// same tool fired again within the staleness window.
func (e *Engine) applyPacketFeedback(state *sessionstate.State, tool string, success bool, now time.Time) {
	la := state.LastAdvisory
	if la.PacketID == "" || la.Tool != tool {
		return
	}
	if now.Sub(la.Timestamp) > packetFeedbackMaxAge {
		return
	}
	helpful := success
	if err := e.packets.RecordPacketFeedback(la.PacketID, &helpful, false, true, "implicit_post_tool"); err != nil {
		slog.Warn("engine: recording packet feedback failed", "packet_id", la.PacketID, "error", err)
	}
}

func (e *Engine) invalidateOnEdit(tool, filePath string) {
	projectKey := e.getConfig().ProjectKey
	if filePath != "" {
		_, _ = e.packets.InvalidatePackets(projectKey, tool, "", "file_edit", filePath)
		return
	}
	_, _ = e.packets.InvalidatePackets(projectKey, "", "", "project_wide_edit", "")
}
