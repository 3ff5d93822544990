package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// fileRow is the on-disk shape shared by the JSONL-backed sources.
type fileRow struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// tailJSONL reads up to maxLines of the most recent well-formed lines from
// path, skipping malformed lines rather than aborting — JSONL readers must
// tolerate torn tails (spec.md §5).
func tailJSONL(path string, maxLines int) ([]fileRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []fileRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r fileRow
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		rows = append(rows, r)
	}
	if len(rows) > maxLines {
		rows = rows[len(rows)-maxLines:]
	}
	return rows, nil
}

func toEvidence(source string, rows []fileRow) []EvidenceRow {
	out := make([]EvidenceRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, EvidenceRow{
			Source:     source,
			ID:         r.ID,
			Text:       r.Text,
			Confidence: r.Confidence,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out
}

// CognitiveSource reads a file-backed cognitive-insights JSON array.
type CognitiveSource struct {
	Path string
}

func (s *CognitiveSource) Name() string { return "cognitive" }

func (s *CognitiveSource) Fetch(Request) ([]EvidenceRow, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	var rows []fileRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("cognitive: parsing %s: %w", s.Path, err)
	}
	return toEvidence("cognitive", rows), nil
}

// DistilledTruthsSource reads a key-value JSON map of distilled truths.
type DistilledTruthsSource struct {
	Path string
}

func (s *DistilledTruthsSource) Name() string { return "eidos" }

func (s *DistilledTruthsSource) Fetch(Request) ([]EvidenceRow, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	var kv map[string]fileRow
	if err := json.Unmarshal(data, &kv); err != nil {
		return nil, fmt.Errorf("eidos: parsing %s: %w", s.Path, err)
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]fileRow, 0, len(kv))
	for _, k := range keys {
		r := kv[k]
		if r.ID == "" {
			r.ID = k
		}
		rows = append(rows, r)
	}
	return toEvidence("eidos", rows), nil
}

// ChipsSource tails one JSONL file per observer chip under Dir.
type ChipsSource struct {
	Dir          string
	LinesPerChip int
}

func (s *ChipsSource) Name() string { return "chips" }

func (s *ChipsSource) Fetch(Request) ([]EvidenceRow, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	limit := s.LinesPerChip
	if limit <= 0 {
		limit = 20
	}
	var out []EvidenceRow
	var lastErr error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		rows, err := tailJSONL(filepath.Join(s.Dir, e.Name()), limit)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, toEvidence("chips", rows)...)
	}
	if out == nil && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// OutcomeLogSource tails the bounded recent window of outcomes.jsonl.
type OutcomeLogSource struct {
	Path   string
	Window int
}

func (s *OutcomeLogSource) Name() string { return "outcomes" }

func (s *OutcomeLogSource) Fetch(Request) ([]EvidenceRow, error) {
	window := s.Window
	if window <= 0 {
		window = 50
	}
	rows, err := tailJSONL(s.Path, window)
	if err != nil {
		return nil, err
	}
	return toEvidence("outcomes", rows), nil
}

// HandoffsSource tails orchestration handoff records.
type HandoffsSource struct {
	Path  string
	Lines int
}

func (s *HandoffsSource) Name() string { return "orchestration" }

func (s *HandoffsSource) Fetch(Request) ([]EvidenceRow, error) {
	lines := s.Lines
	if lines <= 0 {
		lines = 20
	}
	rows, err := tailJSONL(s.Path, lines)
	if err != nil {
		return nil, err
	}
	return toEvidence("orchestration", rows), nil
}

// BridgeFetcher is the minimal shape an external knowledge bridge client
// must satisfy; kept as an interface so the HTTP implementation lives
// outside this package and tests can substitute a fake.
type BridgeFetcher interface {
	FetchKnowledge(req Request) ([]EvidenceRow, error)
}

// MindSource wraps an optional external knowledge bridge; it is only
// consulted when include_mind is set on the fusion call.
type MindSource struct {
	Bridge BridgeFetcher
}

func (s *MindSource) Name() string { return "mind" }

func (s *MindSource) Fetch(req Request) ([]EvidenceRow, error) {
	if s.Bridge == nil {
		return nil, fmt.Errorf("mind: no bridge configured")
	}
	return s.Bridge.FetchKnowledge(req)
}
