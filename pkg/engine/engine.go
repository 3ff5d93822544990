// Package engine implements the Engine Orchestrator of spec.md §4.9: the
// three hook entry points (on_user_prompt, on_pre_tool, on_post_tool) that a
// host process calls once per lifecycle event. Each call loads fresh
// session state, does its work, and saves the state back — there is no
// long-lived engine process, matching the "short-lived, single-threaded
// per-hook invocation" concurrency model in spec.md §5.
//
// Every exported entry point isolates its own panics and logs a benign
// default instead of raising into the host, the same "wrap public entry
// points" rule the teacher applies around subprocess calls in
// pkg/agent/orchestrator/runner.go.
package engine

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/budgierless/spark-advisory-engine/pkg/advisor"
	"github.com/budgierless/spark-advisory-engine/pkg/emit"
	"github.com/budgierless/spark-advisory-engine/pkg/gate"
	"github.com/budgierless/spark-advisory-engine/pkg/intent"
	"github.com/budgierless/spark-advisory-engine/pkg/memory"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
	"github.com/budgierless/spark-advisory-engine/pkg/prefetch"
	"github.com/budgierless/spark-advisory-engine/pkg/sessionstate"
	"github.com/budgierless/spark-advisory-engine/pkg/synth"
)

// Config holds the "advisory_engine" tuneables.json section (spec.md §6).
type Config struct {
	Enabled                       bool
	MaxEngineMS                   time.Duration
	IncludeMind                   bool
	PacketFallbackEmitEnabled     bool
	ProjectKey                    string
	AdviceRepeatCooldownS         float64
	PrefetchQueueEnabled          bool
	PrefetchInlineEnabled         bool
	PrefetchInlineMaxJobs         int
	FallbackRateGuardWindowS      float64
	FallbackRateGuardMaxPerWindow int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                       true,
		MaxEngineMS:                   4000 * time.Millisecond,
		IncludeMind:                   false,
		PacketFallbackEmitEnabled:     true,
		AdviceRepeatCooldownS:         180,
		PrefetchQueueEnabled:          true,
		PrefetchInlineEnabled:         false,
		PrefetchInlineMaxJobs:         1,
		FallbackRateGuardWindowS:      60,
		FallbackRateGuardMaxPerWindow: 5,
	}
}

// Engine wires together every subsystem the three hooks drive.
type Engine struct {
	cfgMu       sync.RWMutex
	cfg         Config
	gateCfg     gate.Config
	sessions    *sessionstate.Store
	packets     packetstore.Store
	packetCfg   packetstore.Config
	fusion      *memory.Fusion
	classifier  *intent.Classifier
	advisor     *advisor.Advisor
	synthesizer *synth.Synthesizer
	emitter     *emit.Emitter
	prefetch    *prefetch.Worker
	logPath     string
	tracer      trace.Tracer

	fallbackMu    sync.Mutex
	fallbackEmits []time.Time
}

// New builds an Engine from its already-constructed subsystem dependencies.
// prefetchWorker may be nil — the engine only ever calls it inline when
// Config.PrefetchInlineEnabled is set, so deployments that run the worker
// purely as a separate process pass nil here.
func New(
	cfg Config,
	sessions *sessionstate.Store,
	packets packetstore.Store,
	packetCfg packetstore.Config,
	fusion *memory.Fusion,
	classifier *intent.Classifier,
	adv *advisor.Advisor,
	synthesizer *synth.Synthesizer,
	emitter *emit.Emitter,
	gateCfg gate.Config,
	prefetchWorker *prefetch.Worker,
	logPath string,
) *Engine {
	return &Engine{
		cfg:         cfg,
		sessions:    sessions,
		packets:     packets,
		packetCfg:   packetCfg,
		fusion:      fusion,
		classifier:  classifier,
		advisor:     adv,
		synthesizer: synthesizer,
		emitter:     emitter,
		gateCfg:     gateCfg,
		prefetch:    prefetchWorker,
		logPath:     logPath,
		tracer:      otel.Tracer("spark.advisory.engine"),
	}
}

// SetConfig swaps the engine's "advisory_engine" tunables, letting a
// hot-reloaded tuneables.json apply to the very next hook call.
func (e *Engine) SetConfig(cfg Config) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.cfg = cfg
}

func (e *Engine) getConfig() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetGateConfig swaps the engine's "advisory_gate" tunables.
func (e *Engine) SetGateConfig(cfg gate.Config) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.gateCfg = cfg
}

func (e *Engine) getGateConfig() gate.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.gateCfg
}

// SetPacketConfig swaps the packet-build tunables the engine itself applies
// (currently just the freshness TTL new packets are stamped with); the
// packet store's own "advisory_packet_store" tunables (index size, relaxed
// thresholds) are set directly on the store via its own SetConfig.
func (e *Engine) SetPacketConfig(cfg packetstore.Config) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.packetCfg = cfg
}

func (e *Engine) getPacketConfig() packetstore.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.packetCfg
}

// SetPrefetchWorker installs (or clears, with nil) the worker the engine
// calls inline when PrefetchInlineEnabled is set. Late binding lets the
// daemon construct the engine and the worker in either order.
func (e *Engine) SetPrefetchWorker(w *prefetch.Worker) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.prefetch = w
}

func (e *Engine) getPrefetchWorker() *prefetch.Worker {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.prefetch
}

// recordFallbackEmit and fallbackRateExceeded implement the
// "fallback_rate_guard_*" tunables: once MaxPerWindow fallback
// emissions have landed within WindowS seconds, handleNoEmit stops
// producing fallback text until the window rolls forward, so a packet
// route stuck returning stale fallback text doesn't spam the host forever.
func (e *Engine) recordFallbackEmit(now time.Time) {
	e.fallbackMu.Lock()
	defer e.fallbackMu.Unlock()
	e.fallbackEmits = append(e.fallbackEmits, now)
}

func (e *Engine) fallbackRateExceeded(cfg Config, now time.Time) bool {
	if cfg.FallbackRateGuardMaxPerWindow <= 0 || cfg.FallbackRateGuardWindowS <= 0 {
		return false
	}
	window := time.Duration(cfg.FallbackRateGuardWindowS * float64(time.Second))

	e.fallbackMu.Lock()
	defer e.fallbackMu.Unlock()

	kept := e.fallbackEmits[:0]
	for _, ts := range e.fallbackEmits {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	e.fallbackEmits = kept
	return len(e.fallbackEmits) >= cfg.FallbackRateGuardMaxPerWindow
}

// stageTimings accumulates named stage durations for one hook invocation,
// reported in the engine's structured log (spec.md §4.9's "stage timings").
type stageTimings struct {
	order  []string
	millis map[string]float64
}

func newStageTimings() *stageTimings {
	return &stageTimings{millis: map[string]float64{}}
}

func (s *stageTimings) record(name string, start time.Time) {
	s.order = append(s.order, name)
	s.millis[name] = float64(time.Since(start)) / float64(time.Millisecond)
}

// event is one line of the advisory_engine.jsonl log.
type event struct {
	Timestamp  time.Time          `json:"timestamp"`
	Hook       string             `json:"hook"`
	SessionID  string             `json:"session_id"`
	Tool       string             `json:"tool,omitempty"`
	Phase      string             `json:"phase,omitempty"`
	Outcome    string             `json:"outcome"`
	Route      string             `json:"route,omitempty"`
	StageOrder []string           `json:"stage_order,omitempty"`
	StageMS    map[string]float64 `json:"stage_ms,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// EventLogStats summarizes the advisory_engine.jsonl tail for the dashboard
// status endpoint: the most recent events, the total line count, and the
// emission rate over the last 100 lines, matching the original engine's
// get_engine_status reporting.
type EventLogStats struct {
	TotalEvents  int               `json:"total_events"`
	EmissionRate float64           `json:"emission_rate"`
	RecentEvents []json.RawMessage `json:"recent_events"`
}

// EventLogStats reads the engine's own event log and summarizes it. It
// returns a zero-value result (not an error) when no log has been written
// yet, the same "absence is not failure" handling as the rest of the
// dashboard reads.
func (e *Engine) EventLogStats() EventLogStats {
	if e.logPath == "" {
		return EventLogStats{RecentEvents: []json.RawMessage{}}
	}
	data, err := os.ReadFile(e.logPath)
	if err != nil {
		return EventLogStats{RecentEvents: []json.RawMessage{}}
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return EventLogStats{RecentEvents: []json.RawMessage{}}
	}

	recentStart := len(lines) - 10
	if recentStart < 0 {
		recentStart = 0
	}
	recent := make([]json.RawMessage, 0, len(lines)-recentStart)
	for _, line := range lines[recentStart:] {
		recent = append(recent, json.RawMessage(line))
	}

	window := lines
	if len(window) > 100 {
		window = window[len(window)-100:]
	}
	emitted := 0
	for _, line := range window {
		if strings.Contains(line, `"outcome":"emitted"`) || strings.Contains(line, `"outcome":"fallback_emit"`) {
			emitted++
		}
	}

	return EventLogStats{
		TotalEvents:  len(lines),
		EmissionRate: float64(emitted) / float64(maxInt(len(window), 1)),
		RecentEvents: recent,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) logEvent(ev event) {
	if e.logPath == "" {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	f, err := os.OpenFile(e.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

// isolate recovers a panic from fn, logging it instead of letting it
// propagate — every hook entry point wraps its body in this.
func isolate(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine: recovered from panic, degrading to no-op", "hook", hook, "panic", r)
		}
	}()
	fn()
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// textFingerprint computes the whitespace-normalized sha1 fingerprint used
// by the last-advisory repeat check (spec.md §9 open question: this is
// punctuation-sensitive by design — see DESIGN.md).
func textFingerprint(text string) string {
	norm := whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
	sum := sha1.Sum([]byte(norm))
	return hex.EncodeToString(sum[:])
}
