package packetstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgierless/spark-advisory-engine/pkg/advisoryerr"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), DefaultConfig())
	require.NoError(t, err)
	return fs
}

func samplePacket(now time.Time) *model.Packet {
	return BuildPacket(BuildParams{
		ProjectKey:        "proj1",
		SessionContextKey: "ctx1",
		ToolName:          "Bash",
		IntentFamily:      "deployment_ops",
		TaskPlane:         "build_delivery",
		AdvisoryText:      "run tests before deploying",
		SourceMode:        model.SourceModeLiveDeterministic,
		AdviceItems:       []model.AdviceItem{{AdviceID: "a1", Text: "run tests", Source: model.SourceAdvisor}},
		Lineage:           model.Lineage{Sources: []string{"cognitive"}},
	}, now)
}

func TestSaveAndLookupExact(t *testing.T) {
	fs := newTestStore(t)
	now := time.Now()
	p := samplePacket(now)
	require.NoError(t, fs.SavePacket(p))

	got, err := fs.LookupExact("proj1", "ctx1", "Bash", "deployment_ops")
	require.NoError(t, err)
	assert.Equal(t, p.PacketID, got.PacketID)
}

func TestLookupExact_MissNotFound(t *testing.T) {
	fs := newTestStore(t)
	_, err := fs.LookupExact("proj1", "ctx1", "Bash", "deployment_ops")
	assert.ErrorIs(t, err, advisoryerr.ErrNotFound)
}

func TestLookupExact_StalePacketRejected(t *testing.T) {
	fs := newTestStore(t)
	now := time.Now()
	p := samplePacket(now.Add(-2 * time.Hour))
	p.FreshUntilTS = now.Add(-time.Minute)
	require.NoError(t, fs.SavePacket(p))

	_, err := fs.LookupExact("proj1", "ctx1", "Bash", "deployment_ops")
	assert.ErrorIs(t, err, advisoryerr.ErrStale)
}

func TestSavePacket_RejectsInvalid(t *testing.T) {
	fs := newTestStore(t)
	p := samplePacket(time.Now())
	p.ToolName = ""
	err := fs.SavePacket(p)
	assert.ErrorIs(t, err, advisoryerr.ErrInvalidPacket)
}

func TestLookupRelaxed_MatchesOnToolAndIntent(t *testing.T) {
	fs := newTestStore(t)
	now := time.Now()
	p := samplePacket(now)
	p.SessionContextKey = "other-ctx"
	require.NoError(t, fs.SavePacket(p))

	got, err := fs.LookupRelaxed(RelaxedQuery{ProjectKey: "proj1", ToolName: "Bash", IntentFamily: "deployment_ops"})
	require.NoError(t, err)
	assert.Equal(t, p.PacketID, got.PacketID)
}

func TestLookupRelaxed_RejectsBelowMinScore(t *testing.T) {
	fs := newTestStore(t)
	now := time.Now()
	p := samplePacket(now)
	p.ToolName = "*"
	require.NoError(t, fs.SavePacket(p))

	// wildcard tool alone (0.5) plus no other matching dims stays under the
	// default 3.0 relaxed score gate.
	_, err := fs.LookupRelaxed(RelaxedQuery{ProjectKey: "proj1", ToolName: "Edit"})
	assert.ErrorIs(t, err, advisoryerr.ErrNotFound)
}

func TestLookupRelaxed_PrefersHigherEffectiveness(t *testing.T) {
	fs := newTestStore(t)
	now := time.Now()

	low := samplePacket(now)
	low.SessionContextKey = "ctx-low"
	require.NoError(t, fs.SavePacket(low))
	require.NoError(t, fs.RecordPacketFeedback(low.PacketID, boolPtr(false), true, false, "user"))

	high := samplePacket(now)
	high.SessionContextKey = "ctx-high"
	require.NoError(t, fs.SavePacket(high))
	require.NoError(t, fs.RecordPacketFeedback(high.PacketID, boolPtr(true), false, true, "user"))

	got, err := fs.LookupRelaxed(RelaxedQuery{ProjectKey: "proj1", ToolName: "Bash", IntentFamily: "deployment_ops"})
	require.NoError(t, err)
	assert.Equal(t, high.PacketID, got.PacketID)
}

func TestInvalidatePacket(t *testing.T) {
	fs := newTestStore(t)
	p := samplePacket(time.Now())
	require.NoError(t, fs.SavePacket(p))
	require.NoError(t, fs.InvalidatePacket(p.PacketID, "edited file"))

	_, err := fs.LookupExact("proj1", "ctx1", "Bash", "deployment_ops")
	assert.ErrorIs(t, err, advisoryerr.ErrStale)
}

func TestInvalidatePackets_ByIntentFamily(t *testing.T) {
	fs := newTestStore(t)
	p1 := samplePacket(time.Now())
	p1.SessionContextKey = "ctx-a"
	p2 := samplePacket(time.Now())
	p2.SessionContextKey = "ctx-b"
	p2.IntentFamily = "testing_validation"
	require.NoError(t, fs.SavePacket(p1))
	require.NoError(t, fs.SavePacket(p2))

	n, err := fs.InvalidatePackets("proj1", "", "deployment_ops", "schema changed", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := fs.GetPacket(p1.PacketID)
	assert.True(t, got.Invalidated)
	got2, _ := fs.GetPacket(p2.PacketID)
	assert.False(t, got2.Invalidated)
}

// TestInvalidatePackets_FileHintOnlyMatchesReferencingPackets guards against
// editing one file invalidating an unrelated same-tool packet: P1 talks
// about sybil.py, P3 talks about an unrelated auth.py, both ToolName=="Edit".
// Only P1 should go.
func TestInvalidatePackets_FileHintOnlyMatchesReferencingPackets(t *testing.T) {
	fs := newTestStore(t)
	now := time.Now()

	p1 := samplePacket(now)
	p1.SessionContextKey = "ctx-p1"
	p1.ToolName = "Edit"
	p1.AdvisoryText = "watch for drift in sybil.py's auth checks"
	require.NoError(t, fs.SavePacket(p1))

	p3 := samplePacket(now)
	p3.SessionContextKey = "ctx-p3"
	p3.ToolName = "Edit"
	p3.AdvisoryText = "keep auth.py's token refresh idempotent"
	require.NoError(t, fs.SavePacket(p3))

	n, err := fs.InvalidatePackets("proj1", "Edit", "", "file_edit", "/repo/src/sybil.py")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got1, _ := fs.GetPacket(p1.PacketID)
	assert.True(t, got1.Invalidated)
	got3, _ := fs.GetPacket(p3.PacketID)
	assert.False(t, got3.Invalidated)
}

// TestInvalidatePackets_FileHintMatchesAdviceItemText covers the case where
// the file reference lives in an advice item's text rather than the top-level
// advisory text.
func TestInvalidatePackets_FileHintMatchesAdviceItemText(t *testing.T) {
	fs := newTestStore(t)
	now := time.Now()

	p := samplePacket(now)
	p.ToolName = "Edit"
	p.AdvisoryText = "general reminder"
	p.AdviceItems = []model.AdviceItem{{AdviceID: "a1", Text: "double-check sybil.py's retry loop", Source: model.SourceAdvisor}}
	require.NoError(t, fs.SavePacket(p))

	n, err := fs.InvalidatePackets("proj1", "Edit", "", "file_edit", "sybil.py")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordPacketUsage(t *testing.T) {
	fs := newTestStore(t)
	p := samplePacket(time.Now())
	require.NoError(t, fs.SavePacket(p))
	require.NoError(t, fs.RecordPacketUsage(p.PacketID, true, "exact"))

	got, err := fs.GetPacket(p.PacketID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.Equal(t, 1, got.EmitCount)
	assert.Equal(t, "exact", got.LastRoute)
}

func TestRecordPacketFeedbackForAdvice(t *testing.T) {
	fs := newTestStore(t)
	p := samplePacket(time.Now())
	require.NoError(t, fs.SavePacket(p))

	require.NoError(t, fs.RecordPacketFeedbackForAdvice("a1", boolPtr(true), false, true, "user"))

	got, err := fs.GetPacket(p.PacketID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.HelpfulCount)
}

func TestEnqueuePrefetchJob(t *testing.T) {
	fs := newTestStore(t)
	job := model.PrefetchJob{JobID: "j1", Status: "queued", SessionID: "s1"}
	require.NoError(t, fs.EnqueuePrefetchJob(job))
	require.NoError(t, fs.EnqueuePrefetchJob(job))
}

func TestIndexPrune_OldestFirst(t *testing.T) {
	fs := newTestStore(t)
	fs.cfg.MaxIndexPackets = 2
	now := time.Now()

	p1 := samplePacket(now.Add(-3 * time.Hour))
	p1.SessionContextKey = "ctx-1"
	p2 := samplePacket(now.Add(-2 * time.Hour))
	p2.SessionContextKey = "ctx-2"
	p3 := samplePacket(now.Add(-1 * time.Hour))
	p3.SessionContextKey = "ctx-3"

	require.NoError(t, fs.SavePacket(p1))
	require.NoError(t, fs.SavePacket(p2))
	require.NoError(t, fs.SavePacket(p3))

	_, err := fs.GetPacket(p1.PacketID)
	assert.NoError(t, err) // packet file itself isn't deleted, only index pruned

	idx := loadIndex(fs.indexPath())
	assert.Len(t, idx.PacketMeta, 2)
	_, stillIndexed := idx.PacketMeta[p1.PacketID]
	assert.False(t, stillIndexed)
}

func boolPtr(b bool) *bool { return &b }
