package packetstore

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

// BuildParams carries the fields needed to construct a new in-memory
// packet; PacketID is derived from a hash of the composition key plus
// creation time, per spec.md §3.
type BuildParams struct {
	ProjectKey        string
	SessionContextKey string
	ToolName          string
	IntentFamily      string
	TaskPlane         string
	AdvisoryText      string
	SourceMode        model.SourceMode
	AdviceItems       []model.AdviceItem
	Lineage           model.Lineage
	TTL               time.Duration
}

// BuildPacket constructs an in-memory packet with normalized counters and a
// freshly computed effectiveness score (spec.md §4.4). Validation happens
// separately, at SavePacket time.
func BuildPacket(p BuildParams, now time.Time) *model.Packet {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultConfig().PacketTTL
	}
	key := fmt.Sprintf("%s|%s|%s|%s|%d", p.ProjectKey, p.SessionContextKey, p.ToolName, p.IntentFamily, now.UnixNano())
	sum := sha1.Sum([]byte(key))
	id := hex.EncodeToString(sum[:])

	return &model.Packet{
		PacketID:           id,
		ProjectKey:         p.ProjectKey,
		SessionContextKey:  p.SessionContextKey,
		ToolName:           p.ToolName,
		IntentFamily:       p.IntentFamily,
		TaskPlane:          p.TaskPlane,
		AdvisoryText:       p.AdvisoryText,
		SourceMode:         p.SourceMode,
		AdviceItems:        p.AdviceItems,
		Lineage:            p.Lineage,
		CreatedTS:          now,
		UpdatedTS:          now,
		FreshUntilTS:       now.Add(ttl),
		EffectivenessScore: EffectivenessScore(0, 0, 0),
	}
}
