package engine

import (
	"context"
	"strings"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/gate"
	"github.com/budgierless/spark-advisory-engine/pkg/intent"
	"github.com/budgierless/spark-advisory-engine/pkg/memory"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
	"github.com/budgierless/spark-advisory-engine/pkg/sessionstate"
	"github.com/budgierless/spark-advisory-engine/pkg/synth"
)

const minSynthBudget = 500 * time.Millisecond

// OnPreTool implements spec.md §4.9.2: look up or build advice candidates,
// gate them, synthesize text, and emit. It returns the exact text written
// to stdout and true, or ("", false) when nothing was emitted — the only
// two outcomes a host may observe (spec.md §8's on_pre_tool invariant).
func (e *Engine) OnPreTool(ctx context.Context, sessionID, tool, toolInput, traceID string, now time.Time) (string, bool) {
	cfg := e.getConfig()
	if !cfg.Enabled {
		return "", false
	}

	gateCfg := e.getGateConfig()
	deadline := now.Add(cfg.MaxEngineMS)
	var outText string
	var emitted bool

	isolate("on_pre_tool", func() {
		ctx, span := e.tracer.Start(ctx, "engine.on_pre_tool")
		defer span.End()
		timings := newStageTimings()

		t0 := time.Now()
		state := e.sessions.Load(sessionID, now)
		timings.record("load_state", t0)

		t1 := time.Now()
		state.RecordToolCall(tool, toolInput, sessionstate.SuccessUnknown, traceID, now)
		result := e.classifier.Classify(state.UserIntentText, tool)
		state.SetIntent(result.IntentFamily, result.TaskPlane, result.Reason)
		timings.record("classify", t1)

		phase := state.TaskPhase
		if phase == "" {
			phase = "exploration"
		}
		sessionContextKey := intent.SessionContextKey(phase, result.IntentFamily, tool, state.GetRecentToolSequence(5))

		t2 := time.Now()
		packet, route, candidates := e.resolveCandidates(cfg, sessionContextKey, tool, result, state, now)
		timings.record("resolve_candidates", t2)

		t3 := time.Now()
		gr := gate.Evaluate(gateCfg, candidates, state, tool, toolInput, phase, now)
		timings.record("gate", t3)

		itemsByID := make(map[string]model.AdviceItem, len(candidates))
		for _, c := range candidates {
			itemsByID[c.AdviceID] = c
		}

		var text string
		var authority model.Authority
		var sourceMode model.SourceMode
		hasCandidateEmit := len(gr.Emitted) != 0

		if !hasCandidateEmit {
			fallbackText, ok := e.handleNoEmit(route, result.IntentFamily, now, deadline)
			if !ok {
				e.logEvent(event{Timestamp: now, Hook: "on_pre_tool", SessionID: sessionID, Tool: tool, Phase: phase, Outcome: "no_emit", Route: route})
				e.finishPreTool(packet, route, false, state, sessionID, tool, phase, now, timings)
				return
			}
			text = fallbackText
			authority = model.AuthorityNote
		} else {
			t4 := time.Now()
			synthText, mode := e.chooseSynthesisText(ctx, packet, route, phase, state.UserIntentText, tool, gr.Emitted, itemsByID, deadline, now)
			timings.record("synthesize", t4)
			text = synthText
			sourceMode = mode
			authority = gr.HighestAuthority()
		}

		fp := textFingerprint(text)
		if state.LastAdvisory.Fingerprint == fp && !state.LastAdvisory.Timestamp.IsZero() &&
			now.Sub(state.LastAdvisory.Timestamp) < repeatCooldown(cfg) {
			e.logEvent(event{Timestamp: now, Hook: "on_pre_tool", SessionID: sessionID, Tool: tool, Phase: phase, Outcome: "repeat_suppressed", Route: route})
			e.finishPreTool(packet, route, false, state, sessionID, tool, phase, now, timings)
			return
		}

		t5 := time.Now()
		written := e.emitter.Emit(authority, text, traceID, now)
		timings.record("emit", t5)

		if written == "" {
			e.logEvent(event{Timestamp: now, Hook: "on_pre_tool", SessionID: sessionID, Tool: tool, Phase: phase, Outcome: "emit_failed", Route: route})
			e.finishPreTool(packet, route, false, state, sessionID, tool, phase, now, timings)
			return
		}

		ids := make([]string, 0, len(gr.Emitted))
		for _, d := range gr.Emitted {
			ids = append(ids, d.AdviceID)
		}
		state.MarkAdviceShown(ids, tool, phase, now)
		state.SuppressTool(tool, gateCfg.ToolCooldownS, now)

		packetID := ""
		if packet != nil {
			packetID = packet.PacketID
		} else if route == "live" && hasCandidateEmit {
			packetID = e.materializeLivePacket(sessionContextKey, tool, result, sourceMode, gr.Emitted, itemsByID, text, now)
		}
		state.LastAdvisory = sessionstate.LastAdvisory{
			PacketID:    packetID,
			Route:       route,
			Tool:        tool,
			AdviceIDs:   ids,
			Timestamp:   now,
			Fingerprint: fp,
		}

		outcome := "emitted"
		if !hasCandidateEmit {
			outcome = "fallback_emit"
		}
		e.logEvent(event{
			Timestamp:  now,
			Hook:       "on_pre_tool",
			SessionID:  sessionID,
			Tool:       tool,
			Phase:      phase,
			Outcome:    outcome,
			Route:      route,
			StageOrder: timings.order,
			StageMS:    timings.millis,
		})

		outText, emitted = written, true
		e.finishPreTool(packet, route, true, state, sessionID, tool, phase, now, timings)
	})

	return outText, emitted
}

func repeatCooldown(cfg Config) time.Duration {
	if cfg.AdviceRepeatCooldownS <= 0 {
		return 180 * time.Second
	}
	return time.Duration(cfg.AdviceRepeatCooldownS * float64(time.Second))
}

// resolveCandidates implements the packet-lookup-then-live-advisor chain:
// exact lookup, then relaxed lookup, then the live advisor over a freshly
// built memory bundle. route is tagged so downstream steps know whether a
// packet is backing the candidates.
func (e *Engine) resolveCandidates(cfg Config, sessionContextKey, tool string, intentResult model.IntentResult, state *sessionstate.State, now time.Time) (*model.Packet, string, []model.AdviceItem) {
	if p, err := e.packets.LookupExact(cfg.ProjectKey, sessionContextKey, tool, intentResult.IntentFamily); err == nil && p != nil {
		return p, "packet_exact", p.AdviceItems
	}

	relaxed := packetstore.RelaxedQuery{
		ProjectKey:   cfg.ProjectKey,
		ToolName:     tool,
		IntentFamily: intentResult.IntentFamily,
		TaskPlane:    intentResult.TaskPlane,
	}
	if p, err := e.packets.LookupRelaxed(relaxed); err == nil && p != nil {
		return p, "packet_relaxed", p.AdviceItems
	}

	bundle := e.fusion.Build(memory.Request{
		SessionID:    state.SessionID,
		IntentText:   state.UserIntentText,
		IntentFamily: intentResult.IntentFamily,
		ToolName:     tool,
	}, cfg.IncludeMind, now)
	candidates := e.advisor.Rank(bundle, tool, state.UserIntentText)
	return nil, "live", candidates
}

// handleNoEmit implements spec.md §4.9.2 step 5: when the gate emits
// nothing but the route came from a packet, compose a deterministic
// fallback note if the remaining time budget allows it.
func (e *Engine) handleNoEmit(route, intentFamily string, now, deadline time.Time) (string, bool) {
	cfg := e.getConfig()
	if !cfg.PacketFallbackEmitEnabled || !strings.HasPrefix(route, "packet") {
		return "", false
	}
	if deadline.Sub(now) < minSynthBudget {
		return "", false
	}
	if e.fallbackRateExceeded(cfg, now) {
		return "", false
	}
	e.recordFallbackEmit(now)
	return gate.FallbackText(intentFamily), true
}

// chooseSynthesisText reuses a matched packet's advisory text verbatim when
// available, otherwise asks the synthesizer, forcing programmatic
// composition once the remaining time budget is too tight for an AI round
// trip (spec.md §4.9.2 step 6).
func (e *Engine) chooseSynthesisText(
	ctx context.Context,
	packet *model.Packet,
	route, phase, userIntentText, tool string,
	emitted []model.GateDecision,
	itemsByID map[string]model.AdviceItem,
	deadline, now time.Time,
) (string, model.SourceMode) {
	if packet != nil && strings.HasPrefix(route, "packet") && strings.TrimSpace(packet.AdvisoryText) != "" {
		return packet.AdvisoryText, packet.SourceMode
	}

	forceMode := synth.Mode("")
	remaining := deadline.Sub(now)
	if remaining < minSynthBudget {
		forceMode = synth.ModeProgrammatic
	}

	text := e.synthesizer.Synthesize(ctx, phase, userIntentText, tool, emitted, itemsByID, forceMode, now)
	if forceMode == synth.ModeProgrammatic {
		return text, model.SourceModeLiveDeterministic
	}
	return text, model.SourceModeLiveAI
}

// materializeLivePacket saves a freshly composed packet for a route that
// didn't already have one backing it, so future requests can hit the exact
// or relaxed lookup path instead of re-running the live advisor.
func (e *Engine) materializeLivePacket(sessionContextKey, tool string, intentResult model.IntentResult, sourceMode model.SourceMode, emitted []model.GateDecision, itemsByID map[string]model.AdviceItem, text string, now time.Time) string {
	items := make([]model.AdviceItem, 0, len(emitted))
	for _, d := range emitted {
		if item, ok := itemsByID[d.AdviceID]; ok {
			items = append(items, item)
		}
	}
	packet := packetstore.BuildPacket(packetstore.BuildParams{
		ProjectKey:        e.getConfig().ProjectKey,
		SessionContextKey: sessionContextKey,
		ToolName:          tool,
		IntentFamily:      intentResult.IntentFamily,
		TaskPlane:         intentResult.TaskPlane,
		AdvisoryText:      text,
		SourceMode:        sourceMode,
		AdviceItems:       items,
		Lineage:           model.Lineage{Sources: []string{"live_advisor"}},
		TTL:               e.getPacketConfig().PacketTTL,
	}, now)
	if err := e.packets.SavePacket(packet); err != nil {
		return ""
	}
	return packet.PacketID
}

// finishPreTool records packet usage (regardless of emit outcome) and
// persists session state; errors here are logged, never raised.
func (e *Engine) finishPreTool(packet *model.Packet, route string, emitted bool, state *sessionstate.State, sessionID, tool, phase string, now time.Time, timings *stageTimings) {
	if packet != nil {
		if err := e.packets.RecordPacketUsage(packet.PacketID, emitted, route); err != nil {
			e.logEvent(event{Timestamp: now, Hook: "on_pre_tool", SessionID: sessionID, Tool: tool, Phase: phase, Outcome: "record_usage_failed", Error: err.Error()})
		}
	}
	if err := e.sessions.Save(state, now); err != nil {
		e.logEvent(event{Timestamp: now, Hook: "on_pre_tool", SessionID: sessionID, Tool: tool, Phase: phase, Outcome: "save_state_failed", Error: err.Error()})
	}
}
