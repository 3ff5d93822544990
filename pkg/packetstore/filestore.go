package packetstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/advisoryerr"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
)

// FileStore is the default packet store backend: one JSON file per packet
// under dir/packets/, an index.json for exact/relaxed lookup, and a
// prefetch_queue.jsonl append log, all guarded by a single mutex since the
// advisory engine runs as one process per host session (spec.md §4.4).
type FileStore struct {
	mu  sync.Mutex
	dir string
	cfg Config
}

// NewFileStore creates (if necessary) dir/packets and returns a FileStore
// rooted at dir.
func NewFileStore(dir string, cfg Config) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "packets"), 0o755); err != nil {
		return nil, fmt.Errorf("packetstore: creating packets dir: %w", err)
	}
	return &FileStore{dir: dir, cfg: cfg}, nil
}

// SetConfig swaps the store's tunables, letting the "advisory_packet_store"
// section's hot-reloaded values apply to the next call.
func (fs *FileStore) SetConfig(cfg Config) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.cfg = cfg
}

func (fs *FileStore) getConfig() Config {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cfg
}

func (fs *FileStore) indexPath() string {
	return filepath.Join(fs.dir, "index.json")
}

func (fs *FileStore) packetPath(packetID string) string {
	return filepath.Join(fs.dir, "packets", packetID+".json")
}

func (fs *FileStore) prefetchQueuePath() string {
	return filepath.Join(fs.dir, "prefetch_queue.jsonl")
}

func metaFor(p *model.Packet) indexMeta {
	return indexMeta{
		PacketID:           p.PacketID,
		ProjectKey:         p.ProjectKey,
		ToolName:           p.ToolName,
		IntentFamily:       p.IntentFamily,
		TaskPlane:          p.TaskPlane,
		UpdatedTS:          p.UpdatedTS,
		FreshUntilTS:       p.FreshUntilTS,
		Invalidated:        p.Invalidated,
		EffectivenessScore: p.EffectivenessScore,
	}
}

// SavePacket validates p, writes it atomically, and updates the index,
// pruning the oldest entries once MaxIndexPackets is exceeded.
func (fs *FileStore) SavePacket(p *model.Packet) error {
	if err := validatePacket(p); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := writeJSONAtomic(fs.packetPath(p.PacketID), p); err != nil {
		return err
	}

	idx := loadIndex(fs.indexPath())
	idx.ByExact[ExactKey(p.ProjectKey, p.SessionContextKey, p.ToolName, p.IntentFamily)] = p.PacketID
	idx.PacketMeta[p.PacketID] = metaFor(p)
	idx.prune(fs.cfg.MaxIndexPackets)
	return saveIndex(fs.indexPath(), idx)
}

// GetPacket reads a single packet by id.
func (fs *FileStore) GetPacket(packetID string) (*model.Packet, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readPacket(packetID)
}

func (fs *FileStore) readPacket(packetID string) (*model.Packet, error) {
	data, err := os.ReadFile(fs.packetPath(packetID))
	if err != nil {
		return nil, fmt.Errorf("%w: packet %s", advisoryerr.ErrNotFound, packetID)
	}
	var p model.Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("packetstore: corrupt packet %s: %w", packetID, err)
	}
	return &p, nil
}

// LookupExact implements spec.md §4.4's lookup_exact: a direct hit on the
// (project, session_context, tool, intent_family) composition key, filtered
// to fresh, non-invalidated packets.
func (fs *FileStore) LookupExact(projectKey, sessionContextKey, toolName, intentFamily string) (*model.Packet, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	idx := loadIndex(fs.indexPath())
	packetID, ok := idx.ByExact[ExactKey(projectKey, sessionContextKey, toolName, intentFamily)]
	if !ok {
		return nil, fmt.Errorf("%w: no exact match", advisoryerr.ErrNotFound)
	}
	p, err := fs.readPacket(packetID)
	if err != nil {
		return nil, err
	}
	if !p.Fresh(time.Now()) {
		return nil, fmt.Errorf("%w: packet %s", advisoryerr.ErrStale, packetID)
	}
	return p, nil
}

// relaxedCandidate is a scored packet considered during lookup_relaxed.
type relaxedCandidate struct {
	meta  indexMeta
	score float64
	dims  int
}

// LookupRelaxed implements spec.md §4.4's weighted relaxed match: packets in
// the same project score points for matching tool/intent/plane (or a
// wildcard-tool packet authored for "any tool"), adjusted by effectiveness
// and a small recency nudge, gated by minimum match dimensions and score.
func (fs *FileStore) LookupRelaxed(q RelaxedQuery) (*model.Packet, error) {
	fs.mu.Lock()
	idx := loadIndex(fs.indexPath())
	cfg := fs.cfg
	now := time.Now()

	var best *relaxedCandidate
	for _, meta := range idx.PacketMeta {
		if meta.ProjectKey != q.ProjectKey {
			continue
		}
		if meta.Invalidated || meta.FreshUntilTS.Before(now) {
			continue
		}
		cand := scoreRelaxed(meta, q, cfg, now)
		if cand == nil {
			continue
		}
		if best == nil || cand.score > best.score {
			best = cand
		}
	}
	fs.mu.Unlock()

	if best == nil {
		return nil, fmt.Errorf("%w: no relaxed match", advisoryerr.ErrNotFound)
	}
	if best.dims < cfg.RelaxedMinMatchDimensions || best.score < cfg.RelaxedMinMatchScore {
		return nil, fmt.Errorf("%w: no relaxed match above threshold", advisoryerr.ErrNotFound)
	}
	return fs.GetPacket(best.meta.PacketID)
}

// scoreRelaxed returns nil when the candidate matches nothing at all (a
// packet must match on at least the wildcard-tool bonus or one named
// dimension to be scored).
func scoreRelaxed(meta indexMeta, q RelaxedQuery, cfg Config, now time.Time) *relaxedCandidate {
	var score float64
	dims := 0

	switch {
	case q.ToolName != "" && meta.ToolName == q.ToolName:
		score += 4
		dims++
	case meta.ToolName == "" || meta.ToolName == "*":
		score += 0.5
	default:
		if q.ToolName != "" {
			return nil
		}
	}

	if q.IntentFamily != "" && meta.IntentFamily == q.IntentFamily {
		score += 3
		dims++
	}
	if q.TaskPlane != "" && meta.TaskPlane == q.TaskPlane {
		score += 2
		dims++
	}

	if dims == 0 {
		return nil
	}

	score += meta.EffectivenessScore * cfg.RelaxedEffectivenessWeight
	if meta.EffectivenessScore < cfg.RelaxedLowEffectivenessThreshold {
		score -= cfg.RelaxedLowEffectivenessPenalty
	}

	age := now.Sub(meta.UpdatedTS)
	if age < time.Hour {
		score += 0.25 * (1 - age.Hours())
	}

	return &relaxedCandidate{meta: meta, score: score, dims: dims}
}

// InvalidatePacket marks a single packet invalid in both the packet file and
// the index.
func (fs *FileStore) InvalidatePacket(packetID, reason string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := fs.readPacket(packetID)
	if err != nil {
		return err
	}
	p.Invalidated = true
	p.InvalidatedReason = reason
	if err := writeJSONAtomic(fs.packetPath(packetID), p); err != nil {
		return err
	}

	idx := loadIndex(fs.indexPath())
	if m, ok := idx.PacketMeta[packetID]; ok {
		m.Invalidated = true
		idx.PacketMeta[packetID] = m
	}
	return saveIndex(fs.indexPath(), idx)
}

// InvalidatePackets bulk-invalidates packets matching projectKey plus any of
// toolName/intentFamily (each narrows the set only when non-empty), AND —
// when fileHint is supplied — only packets whose advisory_text or
// advice_items actually reference the file's basename (spec.md §4.4).
// packet_meta doesn't carry packet text, so a fileHint search reads the
// full packet for every candidate that already passed the cheaper
// project/tool/intent filters.
func (fs *FileStore) InvalidatePackets(projectKey, toolName, intentFamily, reason, fileHint string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	idx := loadIndex(fs.indexPath())
	fileHintLower := ""
	if fileHint != "" {
		fileHintLower = strings.ToLower(filepath.Base(filepath.ToSlash(fileHint)))
	}

	count := 0
	for id, meta := range idx.PacketMeta {
		if meta.Invalidated {
			continue
		}
		if projectKey != "" && meta.ProjectKey != projectKey {
			continue
		}
		if toolName != "" && meta.ToolName != toolName {
			continue
		}
		if intentFamily != "" && meta.IntentFamily != intentFamily {
			continue
		}

		p, err := fs.readPacket(id)
		if err != nil {
			continue
		}
		if fileHintLower != "" && !packetReferencesFile(p, fileHintLower) {
			continue
		}

		p.Invalidated = true
		p.InvalidatedReason = reason
		if err := writeJSONAtomic(fs.packetPath(id), p); err != nil {
			return count, err
		}
		meta.Invalidated = true
		idx.PacketMeta[id] = meta
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return count, saveIndex(fs.indexPath(), idx)
}

// packetReferencesFile reports whether p's advisory text or any advice item
// text contains fileHintLower (already lowercased basename) as a substring.
func packetReferencesFile(p *model.Packet, fileHintLower string) bool {
	if strings.Contains(strings.ToLower(p.AdvisoryText), fileHintLower) {
		return true
	}
	for _, item := range p.AdviceItems {
		if strings.Contains(strings.ToLower(item.Text), fileHintLower) {
			return true
		}
	}
	return false
}

// RecordPacketUsage updates usage/emit counters and last-used bookkeeping.
func (fs *FileStore) RecordPacketUsage(packetID string, emitted bool, route string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := fs.readPacket(packetID)
	if err != nil {
		return err
	}
	p.UsageCount++
	if emitted {
		p.EmitCount++
	}
	p.LastUsedTS = time.Now()
	p.LastRoute = route
	return writeJSONAtomic(fs.packetPath(packetID), p)
}

// RecordPacketFeedback applies a feedback event to a packet and recomputes
// its effectiveness score.
func (fs *FileStore) RecordPacketFeedback(packetID string, helpful *bool, noisy, followed bool, source string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := fs.readPacket(packetID)
	if err != nil {
		return err
	}
	applyFeedback(p, helpful, noisy, followed, source)
	if err := writeJSONAtomic(fs.packetPath(packetID), p); err != nil {
		return err
	}

	idx := loadIndex(fs.indexPath())
	if m, ok := idx.PacketMeta[packetID]; ok {
		m.EffectivenessScore = p.EffectivenessScore
		idx.PacketMeta[packetID] = m
		return saveIndex(fs.indexPath(), idx)
	}
	return nil
}

// RecordPacketFeedbackForAdvice walks the index newest-first looking for the
// packet that still carries adviceID among its advice_items, since feedback
// often arrives keyed by the individual advice item shown to the user
// rather than by packet id (spec.md §4.4).
func (fs *FileStore) RecordPacketFeedbackForAdvice(adviceID string, helpful *bool, noisy, followed bool, source string) error {
	fs.mu.Lock()
	idx := loadIndex(fs.indexPath())
	type kv struct {
		id string
		ts time.Time
	}
	order := make([]kv, 0, len(idx.PacketMeta))
	for id, m := range idx.PacketMeta {
		order = append(order, kv{id, m.UpdatedTS})
	}
	fs.mu.Unlock()

	// newest-first scan
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if order[j].ts.After(order[i].ts) {
				order[i], order[j] = order[j], order[i]
			}
		}
	}

	for _, kv := range order {
		p, err := fs.GetPacket(kv.id)
		if err != nil {
			continue
		}
		for _, item := range p.AdviceItems {
			if item.AdviceID == adviceID {
				return fs.RecordPacketFeedback(kv.id, helpful, noisy, followed, source)
			}
		}
	}
	return fmt.Errorf("%w: no packet carries advice %s", advisoryerr.ErrNotFound, adviceID)
}

func applyFeedback(p *model.Packet, helpful *bool, noisy, followed bool, source string) {
	p.FeedbackCount++
	if helpful != nil {
		if *helpful {
			p.HelpfulCount++
		} else {
			p.UnhelpfulCount++
		}
	}
	if noisy {
		p.NoisyCount++
	}
	p.LastFeedback = &model.Feedback{
		Helpful:   helpful,
		Noisy:     noisy,
		Followed:  followed,
		Source:    source,
		Timestamp: time.Now(),
	}
	p.EffectivenessScore = EffectivenessScore(p.HelpfulCount, p.UnhelpfulCount, p.NoisyCount)
	p.UpdatedTS = time.Now()
}

// EnqueuePrefetchJob appends job to the prefetch queue's JSONL log.
func (fs *FileStore) EnqueuePrefetchJob(job model.PrefetchJob) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("packetstore: marshaling prefetch job: %w", err)
	}
	f, err := os.OpenFile(fs.prefetchQueuePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("packetstore: opening prefetch queue: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("packetstore: appending prefetch job: %w", err)
	}
	return nil
}

// ReadPrefetchQueue parses every line of the prefetch queue's JSONL log,
// skipping lines that fail to unmarshal rather than failing the whole read —
// the queue is an append-only log a worker may read mid-write.
func (fs *FileStore) ReadPrefetchQueue() ([]model.PrefetchJob, error) {
	f, err := os.Open(fs.prefetchQueuePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("packetstore: opening prefetch queue: %w", err)
	}
	defer f.Close()

	var jobs []model.PrefetchJob
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var job model.PrefetchJob
		if err := json.Unmarshal([]byte(line), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("packetstore: scanning prefetch queue: %w", err)
	}
	return jobs, nil
}

// PacketSummary is the lightweight, index-backed view of a packet a status
// dashboard lists without reading every packet file off disk.
type PacketSummary struct {
	PacketID           string    `json:"packet_id"`
	ProjectKey         string    `json:"project_key"`
	ToolName           string    `json:"tool_name"`
	IntentFamily       string    `json:"intent_family"`
	TaskPlane          string    `json:"task_plane"`
	UpdatedTS          time.Time `json:"updated_ts"`
	FreshUntilTS       time.Time `json:"fresh_until_ts"`
	Invalidated        bool      `json:"invalidated"`
	EffectivenessScore float64   `json:"effectiveness_score"`
}

// ListPacketSummaries returns every packet currently tracked in the index,
// newest first, for the localhost dashboard's /packets endpoint.
func (fs *FileStore) ListPacketSummaries() []PacketSummary {
	fs.mu.Lock()
	idx := loadIndex(fs.indexPath())
	fs.mu.Unlock()

	out := make([]PacketSummary, 0, len(idx.PacketMeta))
	for _, meta := range idx.PacketMeta {
		out = append(out, PacketSummary{
			PacketID:           meta.PacketID,
			ProjectKey:         meta.ProjectKey,
			ToolName:           meta.ToolName,
			IntentFamily:       meta.IntentFamily,
			TaskPlane:          meta.TaskPlane,
			UpdatedTS:          meta.UpdatedTS,
			FreshUntilTS:       meta.FreshUntilTS,
			Invalidated:        meta.Invalidated,
			EffectivenessScore: meta.EffectivenessScore,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedTS.After(out[j].UpdatedTS) })
	return out
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("packetstore: marshaling %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "packet-*.tmp")
	if err != nil {
		return fmt.Errorf("packetstore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("packetstore: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("packetstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("packetstore: renaming into place: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
