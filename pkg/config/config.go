// Package config implements the Runtime Configuration Manager of spec.md
// §6: loading, validating, and hot-reloading <spark_home>/tuneables.json.
// Each of the file's six subsystem sections merges onto that subsystem's
// already-effective config via a single narrow dario.cat/mergo call; the
// advisory_preferences and advisory_quality sections instead fan out onto
// fields of those subsystems. The mergo call follows the same
// "defaults object, then mergo.Merge the user-provided struct over it with
// mergo.WithOverride" shape the teacher uses for its queue config in
// pkg/config/loader.go — generalized here across every hot-reloadable
// section instead of the teacher's one.
package config

import (
	"encoding/json"
	"fmt"
	"reflect"

	"dario.cat/mergo"

	"github.com/budgierless/spark-advisory-engine/pkg/advisor"
	"github.com/budgierless/spark-advisory-engine/pkg/engine"
	"github.com/budgierless/spark-advisory-engine/pkg/gate"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
	"github.com/budgierless/spark-advisory-engine/pkg/prefetch"
	"github.com/budgierless/spark-advisory-engine/pkg/synth"
)

// TuneablesFile is the top-level shape of tuneables.json (spec.md §6). Every
// section is optional — a missing section keeps that subsystem on its
// already-effective configuration.
type TuneablesFile struct {
	Advisor             json.RawMessage `json:"advisor,omitempty"`
	AdvisoryEngine      json.RawMessage `json:"advisory_engine,omitempty"`
	AdvisoryGate        json.RawMessage `json:"advisory_gate,omitempty"`
	AdvisoryPacketStore json.RawMessage `json:"advisory_packet_store,omitempty"`
	AdvisoryPrefetch    json.RawMessage `json:"advisory_prefetch,omitempty"`
	Synthesizer         json.RawMessage `json:"synthesizer,omitempty"`
	AdvisoryPreferences json.RawMessage `json:"advisory_preferences,omitempty"`
	AdvisoryQuality     json.RawMessage `json:"advisory_quality,omitempty"`
}

// AdvisorSection mirrors tuneables.json's "advisor" section.
type AdvisorSection struct {
	MaxItems      int     `json:"max_items"`
	MinRankScore  float64 `json:"min_rank_score"`
	GuidanceStyle string  `json:"guidance_style"`
	ReplayMode    bool    `json:"replay_mode"`
}

// AdvisoryEngineSection mirrors tuneables.json's "advisory_engine" section.
// MaxMS is milliseconds on the wire; engine.Config stores it as a Duration.
type AdvisoryEngineSection struct {
	Enabled                       bool    `json:"enabled"`
	MaxMS                         int     `json:"max_ms"`
	IncludeMind                   bool    `json:"include_mind"`
	PrefetchQueueEnabled          bool    `json:"prefetch_queue_enabled"`
	PrefetchInlineEnabled         bool    `json:"prefetch_inline_enabled"`
	PrefetchInlineMaxJobs         int     `json:"prefetch_inline_max_jobs"`
	PacketFallbackEmitEnabled     bool    `json:"packet_fallback_emit_enabled"`
	FallbackRateGuardWindowS      float64 `json:"fallback_rate_guard_window_s"`
	FallbackRateGuardMaxPerWindow int     `json:"fallback_rate_guard_max_per_window"`
}

// AdvisoryGateSection mirrors tuneables.json's "advisory_gate" section.
type AdvisoryGateSection struct {
	MaxEmitPerCall        int     `json:"max_emit_per_call"`
	ToolCooldownS         float64 `json:"tool_cooldown_s"`
	AdviceRepeatCooldownS float64 `json:"advice_repeat_cooldown_s"`
	WarningThreshold      float64 `json:"warning_threshold"`
	NoteThreshold         float64 `json:"note_threshold"`
	WhisperThreshold      float64 `json:"whisper_threshold"`
}

// AdvisoryPacketStoreSection mirrors tuneables.json's "advisory_packet_store"
// section. PacketTTLS is seconds on the wire.
type AdvisoryPacketStoreSection struct {
	PacketTTLS                       float64 `json:"packet_ttl_s"`
	MaxIndexPackets                  int     `json:"max_index_packets"`
	RelaxedMinMatchDimensions        int     `json:"relaxed_min_match_dimensions"`
	RelaxedMinMatchScore             float64 `json:"relaxed_min_match_score"`
	RelaxedEffectivenessWeight       float64 `json:"relaxed_effectiveness_weight"`
	RelaxedLowEffectivenessPenalty   float64 `json:"relaxed_low_effectiveness_penalty"`
	RelaxedLowEffectivenessThreshold float64 `json:"relaxed_low_effectiveness_threshold"`
}

// AdvisoryPrefetchSection mirrors tuneables.json's "advisory_prefetch"
// section.
type AdvisoryPrefetchSection struct {
	WorkerEnabled  bool    `json:"worker_enabled"`
	MaxJobsPerRun  int     `json:"max_jobs_per_run"`
	MaxToolsPerJob int     `json:"max_tools_per_job"`
	MinProbability float64 `json:"min_probability"`
}

// SynthesizerSection mirrors tuneables.json's "synthesizer" section.
type SynthesizerSection struct {
	Mode              string  `json:"mode"`
	AITimeoutS        float64 `json:"ai_timeout_s"`
	PreferredProvider string  `json:"preferred_provider"`
	CacheTTLS         float64 `json:"cache_ttl_s"`
	MaxCacheEntries   int     `json:"max_cache_entries"`
}

// AdvisoryPreferencesSection mirrors tuneables.json's "advisory_preferences"
// section — the user-facing preference surface a dashboard writes to.
type AdvisoryPreferencesSection struct {
	MemoryMode    string `json:"memory_mode"`
	GuidanceStyle string `json:"guidance_style"`
	Source        string `json:"source"`
	UpdatedAt     string `json:"updated_at"`
}

// AdvisoryQualitySection mirrors tuneables.json's "advisory_quality" section.
type AdvisoryQualitySection struct {
	Profile           string  `json:"profile"`
	PreferredProvider string  `json:"preferred_provider"`
	AITimeoutS        float64 `json:"ai_timeout_s"`
	MinimaxModel      string  `json:"minimax_model,omitempty"`
}

// mergeSection merges src (decoded from a tuneables.json section, zero
// values meaning "unset") onto dst (that subsystem's already-effective
// config) in place. It has no nil check of its own: the apply*Section
// callers return before calling it when their section is absent.
func mergeSection(dst, src any) error {
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("config: merging section: %w", err)
	}
	return nil
}

// decodeKnownFields unmarshals raw into target, then separately walks raw's
// top-level keys against target's json tags so the caller can warn about
// any key tuneables.json carries that this section doesn't recognize —
// unknown keys are otherwise silently dropped by encoding/json, which alone
// doesn't satisfy spec.md §6's "ignored with warnings".
func decodeKnownFields(raw json.RawMessage, target any) (unknown []string, err error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("config: decoding section: %w", err)
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, nil
	}
	known := jsonFieldNames(reflect.TypeOf(target).Elem())
	for key := range asMap {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	return unknown, nil
}

func jsonFieldNames(t reflect.Type) map[string]bool {
	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		for j := 0; j < len(tag); j++ {
			if tag[j] == ',' {
				tag = tag[:j]
				break
			}
		}
		names[tag] = true
	}
	return names
}

// effectiveDefaults bundles the subsystems' own DefaultConfig() values so
// the manager always has something sane to merge incoming sections onto,
// even before the first tuneables.json has ever been read.
type effectiveDefaults struct {
	advisor     advisor.Config
	engine      engine.Config
	gate        gate.Config
	packetStore packetstore.Config
	prefetch    prefetch.Config
	synth       synth.Config
}

func newEffectiveDefaults() effectiveDefaults {
	return effectiveDefaults{
		advisor:     advisor.DefaultConfig(),
		engine:      engine.DefaultConfig(),
		gate:        gate.DefaultConfig(),
		packetStore: packetstore.DefaultConfig(),
		prefetch:    prefetch.DefaultConfig(),
		synth:       synth.DefaultConfig(),
	}
}
