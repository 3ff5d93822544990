package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/budgierless/spark-advisory-engine/pkg/gate"
	"github.com/budgierless/spark-advisory-engine/pkg/intent"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
)

// OnUserPrompt implements spec.md §4.9.1: record the raw prompt, classify
// intent, compute the session context key, and save a deterministic
// baseline packet under the tool wildcard "*" so a pre_tool hook with no
// more specific match still has something to fall back to.
func (e *Engine) OnUserPrompt(ctx context.Context, sessionID, promptText string, now time.Time) {
	cfg := e.getConfig()
	isolate("on_user_prompt", func() {
		ctx, span := e.tracer.Start(ctx, "engine.on_user_prompt")
		defer span.End()
		timings := newStageTimings()

		t0 := time.Now()
		state := e.sessions.Load(sessionID, now)
		timings.record("load_state", t0)

		state.RecordUserIntent(promptText, now)

		t1 := time.Now()
		result := e.classifier.Classify(promptText, "")
		timings.record("classify", t1)
		state.SetIntent(result.IntentFamily, result.TaskPlane, result.Reason)

		phase := state.TaskPhase
		if phase == "" {
			phase = "exploration"
		}
		sessionContextKey := intent.SessionContextKey(phase, result.IntentFamily, "*", state.GetRecentToolSequence(5))

		t2 := time.Now()
		packet := packetstore.BuildPacket(packetstore.BuildParams{
			ProjectKey:        cfg.ProjectKey,
			SessionContextKey: sessionContextKey,
			ToolName:          "*",
			IntentFamily:      result.IntentFamily,
			TaskPlane:         result.TaskPlane,
			AdvisoryText:      gate.FallbackText(result.IntentFamily),
			SourceMode:        model.SourceModeBaselineDeterministic,
			Lineage:           model.Lineage{Sources: []string{"baseline"}, MemoryAbsentDeclared: true},
			TTL:               e.getPacketConfig().PacketTTL,
		}, now)
		if err := e.packets.SavePacket(packet); err != nil {
			e.logEvent(event{Timestamp: now, Hook: "on_user_prompt", SessionID: sessionID, Outcome: "save_baseline_failed", Error: err.Error()})
		}
		timings.record("save_baseline_packet", t2)

		if cfg.PrefetchQueueEnabled {
			job := model.PrefetchJob{
				JobID:             uuid.NewString(),
				CreatedTS:         now,
				Status:            "queued",
				SessionID:         sessionID,
				ProjectKey:        cfg.ProjectKey,
				IntentFamily:      result.IntentFamily,
				TaskPlane:         result.TaskPlane,
				Phase:             phase,
				LastTools:         state.GetRecentToolSequence(5),
				SessionContextKey: sessionContextKey,
			}
			if err := e.packets.EnqueuePrefetchJob(job); err != nil {
				e.logEvent(event{Timestamp: now, Hook: "on_user_prompt", SessionID: sessionID, Outcome: "enqueue_prefetch_failed", Error: err.Error()})
			}

			if cfg.PrefetchInlineEnabled {
				if w := e.getPrefetchWorker(); w != nil {
					res := w.ProcessQueueBounded(now, cfg.PrefetchInlineMaxJobs)
					if res.OK {
						e.logEvent(event{Timestamp: now, Hook: "on_user_prompt", SessionID: sessionID, Outcome: "prefetch_inline_run"})
					} else {
						e.logEvent(event{Timestamp: now, Hook: "on_user_prompt", SessionID: sessionID, Outcome: "prefetch_inline_skipped", Error: res.Reason})
					}
				}
			}
		}

		t3 := time.Now()
		if err := e.sessions.Save(state, now); err != nil {
			e.logEvent(event{Timestamp: now, Hook: "on_user_prompt", SessionID: sessionID, Outcome: "save_state_failed", Error: err.Error()})
			return
		}
		timings.record("save_state", t3)

		e.logEvent(event{
			Timestamp:  now,
			Hook:       "on_user_prompt",
			SessionID:  sessionID,
			Phase:      phase,
			Outcome:    "ok",
			StageOrder: timings.order,
			StageMS:    timings.millis,
		})
	})
}
