// Package memory implements the Memory Fusion component of spec.md §4.3: it
// gathers ranked evidence from up to six optional sources, each isolated so
// one source's failure can't poison the others, and merges them into a
// single ranked, truncated evidence list.
package memory

import "time"

// EvidenceRow is one row returned by a memory source.
type EvidenceRow struct {
	Source     string    `json:"source"`
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	CreatedAt  time.Time  `json:"created_at"`
}

// SourceStatus reports whether one source was available and how many rows
// it contributed.
type SourceStatus struct {
	Available bool   `json:"available"`
	Count     int    `json:"count"`
	Error     string `json:"error,omitempty"`
}

// Bundle is the output of Fusion.Build — spec.md §4.3's contract.
type Bundle struct {
	Evidence             []EvidenceRow           `json:"evidence"`
	EvidenceCount        int                     `json:"evidence_count"`
	Sources              map[string]SourceStatus `json:"sources"`
	MissingSources       []string                `json:"missing_sources"`
	MemoryAbsentDeclared bool                    `json:"memory_absent_declared"`
	GeneratedTS          time.Time               `json:"generated_ts"`
	IntentFamily         string                  `json:"intent_family"`
	IntentText           string                  `json:"intent_text"`
}

// Request carries the parameters a source fetch needs.
type Request struct {
	SessionID    string
	IntentText   string
	IntentFamily string
	ToolName     string
}

// Source is one of the (up to six) optional evidence providers.
type Source interface {
	// Name identifies the source for bundle.Sources / missing_sources.
	Name() string
	// Fetch returns ranked evidence rows, or an error if the source is
	// unavailable (missing file, failed dial, etc). Fusion treats an error
	// here as "source unavailable", never as a reason to abort the bundle.
	Fetch(req Request) ([]EvidenceRow, error)
}
