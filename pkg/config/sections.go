package config

import (
	"encoding/json"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/advisor"
	"github.com/budgierless/spark-advisory-engine/pkg/engine"
	"github.com/budgierless/spark-advisory-engine/pkg/gate"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
	"github.com/budgierless/spark-advisory-engine/pkg/prefetch"
	"github.com/budgierless/spark-advisory-engine/pkg/synth"
)

// Each apply* function translates one tuneables.json section into a value
// of its subsystem's own Config type (converting wire units — ms, seconds —
// into the Duration fields those Config types actually carry) and merges
// that value onto dst via mergeSection. mergo.Merge requires dst and src to
// share a type, which a bare json.Unmarshal into a Duration field would
// violate (and would silently misinterpret units besides); translating
// first keeps the merge call itself a straight same-type override, matching
// the teacher's single mergo call site.

func applyAdvisorSection(dst *advisor.Config, raw json.RawMessage) ([]string, error) {
	var sec AdvisorSection
	unknown, err := decodeKnownFields(raw, &sec)
	if err != nil || len(raw) == 0 {
		return unknown, err
	}
	src := advisor.Config{
		MaxItems:      sec.MaxItems,
		MinRankScore:  sec.MinRankScore,
		GuidanceStyle: sec.GuidanceStyle,
		ReplayMode:    sec.ReplayMode,
	}
	return unknown, mergeSection(dst, src)
}

func applyEngineSection(dst *engine.Config, raw json.RawMessage) ([]string, error) {
	var sec AdvisoryEngineSection
	unknown, err := decodeKnownFields(raw, &sec)
	if err != nil || len(raw) == 0 {
		return unknown, err
	}
	src := engine.Config{
		Enabled:                       sec.Enabled,
		IncludeMind:                   sec.IncludeMind,
		PacketFallbackEmitEnabled:     sec.PacketFallbackEmitEnabled,
		PrefetchQueueEnabled:          sec.PrefetchQueueEnabled,
		PrefetchInlineEnabled:         sec.PrefetchInlineEnabled,
		PrefetchInlineMaxJobs:         sec.PrefetchInlineMaxJobs,
		FallbackRateGuardWindowS:      sec.FallbackRateGuardWindowS,
		FallbackRateGuardMaxPerWindow: sec.FallbackRateGuardMaxPerWindow,
	}
	if sec.MaxMS > 0 {
		src.MaxEngineMS = time.Duration(sec.MaxMS) * time.Millisecond
	}
	return unknown, mergeSection(dst, src)
}

func applyGateSection(dst *gate.Config, raw json.RawMessage) ([]string, error) {
	var sec AdvisoryGateSection
	unknown, err := decodeKnownFields(raw, &sec)
	if err != nil || len(raw) == 0 {
		return unknown, err
	}
	src := gate.Config{
		MaxEmitPerCall:        sec.MaxEmitPerCall,
		ToolCooldownS:         sec.ToolCooldownS,
		AdviceRepeatCooldownS: sec.AdviceRepeatCooldownS,
		WarningThreshold:      sec.WarningThreshold,
		NoteThreshold:         sec.NoteThreshold,
		WhisperThreshold:      sec.WhisperThreshold,
	}
	if err := mergeSection(dst, src); err != nil {
		return unknown, err
	}
	dst.Normalize()
	return unknown, nil
}

func applyPacketStoreSection(dst *packetstore.Config, raw json.RawMessage) ([]string, error) {
	var sec AdvisoryPacketStoreSection
	unknown, err := decodeKnownFields(raw, &sec)
	if err != nil || len(raw) == 0 {
		return unknown, err
	}
	src := packetstore.Config{
		MaxIndexPackets:                  sec.MaxIndexPackets,
		RelaxedMinMatchDimensions:        sec.RelaxedMinMatchDimensions,
		RelaxedMinMatchScore:             sec.RelaxedMinMatchScore,
		RelaxedEffectivenessWeight:       sec.RelaxedEffectivenessWeight,
		RelaxedLowEffectivenessPenalty:   sec.RelaxedLowEffectivenessPenalty,
		RelaxedLowEffectivenessThreshold: sec.RelaxedLowEffectivenessThreshold,
	}
	if sec.PacketTTLS > 0 {
		src.PacketTTL = time.Duration(sec.PacketTTLS * float64(time.Second))
	}
	return unknown, mergeSection(dst, src)
}

func applyPrefetchSection(dst *prefetch.Config, raw json.RawMessage) ([]string, error) {
	var sec AdvisoryPrefetchSection
	unknown, err := decodeKnownFields(raw, &sec)
	if err != nil || len(raw) == 0 {
		return unknown, err
	}
	src := prefetch.Config{
		WorkerEnabled:  sec.WorkerEnabled,
		MaxJobsPerRun:  sec.MaxJobsPerRun,
		MaxToolsPerJob: sec.MaxToolsPerJob,
		MinProbability: sec.MinProbability,
	}
	return unknown, mergeSection(dst, src)
}

func applySynthSection(dst *synth.Config, raw json.RawMessage) ([]string, error) {
	var sec SynthesizerSection
	unknown, err := decodeKnownFields(raw, &sec)
	if err != nil || len(raw) == 0 {
		return unknown, err
	}
	src := synth.Config{
		PreferredProvider: sec.PreferredProvider,
		MaxCacheEntries:   sec.MaxCacheEntries,
	}
	if sec.Mode != "" {
		src.Mode = synth.Mode(sec.Mode)
	}
	if sec.AITimeoutS > 0 {
		src.AITimeout = time.Duration(sec.AITimeoutS * float64(time.Second))
	}
	if sec.CacheTTLS > 0 {
		src.CacheTTL = time.Duration(sec.CacheTTLS * float64(time.Second))
	}
	return unknown, mergeSection(dst, src)
}

// clamps applies spec.md §6's "out-of-range values clamp to documented
// ranges" rule for the few fields whose valid range isn't already enforced
// by the subsystem itself (gate.Config.Normalize handles its own threshold
// ordering).

func clampAdvisor(cfg advisor.Config) advisor.Config {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = advisor.DefaultConfig().MaxItems
	}
	if cfg.MinRankScore < 0 {
		cfg.MinRankScore = 0
	}
	if cfg.MinRankScore > 1 {
		cfg.MinRankScore = 1
	}
	switch cfg.GuidanceStyle {
	case "concise", "balanced", "coach":
	default:
		cfg.GuidanceStyle = advisor.DefaultConfig().GuidanceStyle
	}
	return cfg
}

func clampEngine(cfg engine.Config) engine.Config {
	if cfg.MaxEngineMS <= 0 {
		cfg.MaxEngineMS = engine.DefaultConfig().MaxEngineMS
	}
	if cfg.FallbackRateGuardWindowS < 0 {
		cfg.FallbackRateGuardWindowS = 0
	}
	if cfg.FallbackRateGuardMaxPerWindow < 0 {
		cfg.FallbackRateGuardMaxPerWindow = 0
	}
	if cfg.PrefetchInlineMaxJobs < 0 {
		cfg.PrefetchInlineMaxJobs = 0
	}
	return cfg
}

func clampPacketStore(cfg packetstore.Config) packetstore.Config {
	if cfg.PacketTTL <= 0 {
		cfg.PacketTTL = packetstore.DefaultConfig().PacketTTL
	}
	if cfg.MaxIndexPackets <= 0 {
		cfg.MaxIndexPackets = packetstore.DefaultConfig().MaxIndexPackets
	}
	if cfg.RelaxedMinMatchScore < 0 {
		cfg.RelaxedMinMatchScore = 0
	}
	return cfg
}

func clampPrefetch(cfg prefetch.Config) prefetch.Config {
	if cfg.MaxJobsPerRun <= 0 {
		cfg.MaxJobsPerRun = prefetch.DefaultConfig().MaxJobsPerRun
	}
	if cfg.MaxToolsPerJob <= 0 {
		cfg.MaxToolsPerJob = prefetch.DefaultConfig().MaxToolsPerJob
	}
	if cfg.MinProbability < 0 {
		cfg.MinProbability = 0
	}
	if cfg.MinProbability > 1 {
		cfg.MinProbability = 1
	}
	return cfg
}

func clampSynth(cfg synth.Config) synth.Config {
	switch cfg.Mode {
	case synth.ModeAuto, synth.ModeAIOnly, synth.ModeProgrammatic:
	default:
		cfg.Mode = synth.DefaultConfig().Mode
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = synth.DefaultConfig().AITimeout
	}
	if cfg.CacheTTL < 0 {
		cfg.CacheTTL = 0
	}
	if cfg.MaxCacheEntries < 0 {
		cfg.MaxCacheEntries = 0
	}
	return cfg
}

// qualityProfileTable maps "advisory_quality.profile" onto the advisor
// tunables that profile implies — "enhanced" and "max" progressively widen
// the candidate pool and loosen the rank floor, the same shape as the
// teacher's per-agent strategy presets in pkg/config/merge.go.
var qualityProfileTable = map[string]struct {
	MaxItems     int
	MinRankScore float64
}{
	"balanced": {MaxItems: 6, MinRankScore: 0.25},
	"enhanced": {MaxItems: 9, MinRankScore: 0.18},
	"max":      {MaxItems: 12, MinRankScore: 0.12},
}

// GuidanceOverlay returns the StrategyOverlay a synth.Synthesizer should run
// matching the given guidance style. "balanced" is a pass-through since it's
// the synthesizer's own default voice; "concise" trims to the opening
// sentence; "coach" prepends a short coaching preamble.
func GuidanceOverlay(style string) synth.StrategyOverlay {
	switch style {
	case "concise":
		return func(text, _ string) string {
			if idx := indexOfSentenceEnd(text); idx > 0 {
				return text[:idx]
			}
			return text
		}
	case "coach":
		return func(text, phase string) string {
			if text == "" {
				return text
			}
			return "Coaching note (" + phase + "): " + text
		}
	default:
		return nil
	}
}

func indexOfSentenceEnd(text string) int {
	for i, r := range text {
		if r == '.' || r == '\n' {
			return i + 1
		}
	}
	return -1
}
