// Package packetstore implements the content-addressed packet cache of
// spec.md §4.4: composed advisories keyed by
// (project, session_context, tool, intent_family), with exact and relaxed
// lookup, TTL-based freshness, effectiveness scoring, and invalidation.
//
// Store is the public interface both the file-backed implementation
// (FileStore, the default) and the optional Postgres-backed implementation
// (pgstore.Store, for the "larger scales migrate to an embedded key-value
// store" note in spec.md §9) satisfy, so callers never depend on which
// backend is active.
package packetstore

import (
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

// Config holds the tunable parameters of spec.md §4.4 / §6's
// advisory_packet_store section.
type Config struct {
	PacketTTL                    time.Duration
	MaxIndexPackets              int
	RelaxedMinMatchDimensions    int
	RelaxedMinMatchScore         float64
	RelaxedEffectivenessWeight   float64
	RelaxedLowEffectivenessPenalty float64
	RelaxedLowEffectivenessThreshold float64
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		PacketTTL:                       900 * time.Second,
		MaxIndexPackets:                 2000,
		RelaxedMinMatchDimensions:       1,
		RelaxedMinMatchScore:            3.0,
		RelaxedEffectivenessWeight:      2.0,
		RelaxedLowEffectivenessPenalty:  0.5,
		RelaxedLowEffectivenessThreshold: 0.3,
	}
}

// RelaxedQuery is the (tool?, intent_family?, task_plane?) lookup used by
// lookup_relaxed; empty fields are wildcards.
type RelaxedQuery struct {
	ProjectKey   string
	ToolName     string
	IntentFamily string
	TaskPlane    string
}

// Store is the packet store's public contract (spec.md §4.4).
type Store interface {
	SavePacket(p *model.Packet) error
	GetPacket(packetID string) (*model.Packet, error)
	LookupExact(projectKey, sessionContextKey, toolName, intentFamily string) (*model.Packet, error)
	LookupRelaxed(q RelaxedQuery) (*model.Packet, error)
	InvalidatePacket(packetID, reason string) error
	InvalidatePackets(projectKey, toolName, intentFamily, reason, fileHint string) (int, error)
	RecordPacketUsage(packetID string, emitted bool, route string) error
	RecordPacketFeedback(packetID string, helpful *bool, noisy, followed bool, source string) error
	RecordPacketFeedbackForAdvice(adviceID string, helpful *bool, noisy, followed bool, source string) error
	EnqueuePrefetchJob(job model.PrefetchJob) error
	ReadPrefetchQueue() ([]model.PrefetchJob, error)
}

// EffectivenessScore implements spec.md §3's bounded Bayesian estimate:
//
//	score = (helpful+1) / (helpful + unhelpful + 2) − min(0.35, 0.05 × noisy)
//
// clamped to [0.05, 0.99].
func EffectivenessScore(helpful, unhelpful, noisy int) float64 {
	score := (float64(helpful) + 1) / (float64(helpful) + float64(unhelpful) + 2)
	penalty := 0.05 * float64(noisy)
	if penalty > 0.35 {
		penalty = 0.35
	}
	score -= penalty
	if score < 0.05 {
		return 0.05
	}
	if score > 0.99 {
		return 0.99
	}
	return score
}

// ExactKey builds the 4-tuple exact lookup key used by the index.
func ExactKey(projectKey, sessionContextKey, toolName, intentFamily string) string {
	return projectKey + "|" + sessionContextKey + "|" + toolName + "|" + intentFamily
}
