package memory

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/budgierless/spark-advisory-engine/pkg/textrules"
)

const maxEvidence = 24

// Fusion builds a memory bundle from up to six configured sources. Each
// source is isolated: a panic or error from one never prevents the others
// from contributing, matching the "each source isolates its own errors"
// note in spec.md §9.
type Fusion struct {
	sources     []Source
	includeMind bool
}

// New builds a Fusion over the given sources. Pass a MindSource only when
// includeMind will be true for at least some calls — Build still honors the
// per-call includeMind flag regardless of whether one was registered.
func New(sources []Source) *Fusion {
	return &Fusion{sources: sources}
}

// Build implements spec.md §4.3's build_memory_bundle contract.
func (f *Fusion) Build(req Request, includeMind bool, now time.Time) Bundle {
	statuses := make(map[string]SourceStatus, len(f.sources))
	var all []EvidenceRow
	var missing []string

	for _, src := range f.sources {
		if src.Name() == "mind" && !includeMind {
			continue
		}
		rows, err := f.safeFetch(src, req)
		if err != nil {
			statuses[src.Name()] = SourceStatus{Available: false, Error: err.Error()}
			missing = append(missing, src.Name())
			continue
		}
		rows = filterRows(src.Name(), rows)
		statuses[src.Name()] = SourceStatus{Available: true, Count: len(rows)}
		all = append(all, rows...)
	}

	all = preferIntentRelevant(all, req.IntentText)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Confidence != all[j].Confidence {
			return all[i].Confidence > all[j].Confidence
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if len(all) > maxEvidence {
		all = all[:maxEvidence]
	}

	sort.Strings(missing)

	return Bundle{
		Evidence:             all,
		EvidenceCount:        len(all),
		Sources:              statuses,
		MissingSources:       missing,
		MemoryAbsentDeclared: len(all) == 0,
		GeneratedTS:          now,
		IntentFamily:         req.IntentFamily,
		IntentText:           req.IntentText,
	}
}

// safeFetch isolates a single source's panics/errors so one bad source
// can't poison the bundle.
func (f *Fusion) safeFetch(src Source, req Request) (rows []EvidenceRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("memory: source panicked, treating as unavailable", "source", src.Name(), "panic", r)
			rows, err = nil, errPanic(src.Name())
		}
	}()
	return src.Fetch(req)
}

type panicErr string

func (e panicErr) Error() string { return string(e) }
func errPanic(source string) error {
	return panicErr("memory: source " + source + " panicked")
}

// filterRows drops empty/whitespace-only text and, for chips/cognitive,
// telemetry-shaped rows (spec.md §4.3).
func filterRows(source string, rows []EvidenceRow) []EvidenceRow {
	out := make([]EvidenceRow, 0, len(rows))
	for _, r := range rows {
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		if (source == "chips" || source == "cognitive") && textrules.TelemetryBlacklist.Any(r.Text) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// preferIntentRelevant boosts rows whose text shares keyword overlap with
// intentText, via a small additive bump (+0.05, capped at 1) to Confidence
// rather than reordering everything. The final ordering is still primarily
// confidence/recency; the bump only lifts a relevant row above rows whose
// confidence is less than 0.05 higher.
func preferIntentRelevant(rows []EvidenceRow, intentText string) []EvidenceRow {
	if strings.TrimSpace(intentText) == "" {
		return rows
	}
	words := keywordSet(intentText)
	if len(words) == 0 {
		return rows
	}
	out := make([]EvidenceRow, len(rows))
	copy(out, rows)
	for i := range out {
		if overlaps(out[i].Text, words) {
			out[i].Confidence = min1(out[i].Confidence + 0.05)
		}
	}
	return out
}

func keywordSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		if len(w) >= 4 {
			set[w] = true
		}
	}
	return set
}

func overlaps(text string, words map[string]bool) bool {
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		if words[w] {
			return true
		}
	}
	return false
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
