// Package textrules compiles the small regex libraries that the memory
// fusion, gate, and synthesizer components use to recognize telemetry
// noise, cautionary language, and obvious-suppression phrases. Centralizing
// them here keeps the gate and fusion filters literal translations of
// spec.md's fixed tables rather than ad hoc regexes scattered per package —
// the same structure the teacher uses for its masking pattern registry
// (pkg/masking/pattern.go), adapted from secret redaction to advisory text
// classification.
package textrules

import (
	"log/slog"
	"regexp"
)

// CompiledPattern pairs a human name with its compiled regex, so callers can
// report which rule fired.
type CompiledPattern struct {
	Name  string
	Regex *regexp.Regexp
}

// Set is an ordered, named collection of compiled patterns.
type Set struct {
	patterns []CompiledPattern
}

// NewSet compiles the given name→expression pairs, skipping (and logging)
// any that fail to compile so a single typo can't take the engine down.
func NewSet(defs map[string]string) *Set {
	s := &Set{patterns: make([]CompiledPattern, 0, len(defs))}
	for name, expr := range defs {
		re, err := regexp.Compile(expr)
		if err != nil {
			slog.Error("textrules: failed to compile pattern, skipping", "pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, CompiledPattern{Name: name, Regex: re})
	}
	return s
}

// MatchAny returns the name of the first pattern that matches text, and
// true, or ("", false) when nothing matches.
func (s *Set) MatchAny(text string) (string, bool) {
	for _, p := range s.patterns {
		if p.Regex.MatchString(text) {
			return p.Name, true
		}
	}
	return "", false
}

// Any reports whether any pattern in the set matches text.
func (s *Set) Any(text string) bool {
	_, ok := s.MatchAny(text)
	return ok
}

// TelemetryBlacklist matches rows shaped like internal telemetry rather
// than human-authored guidance (spec.md §4.3).
var TelemetryBlacklist = NewSet(map[string]string{
	"tool_error_counter":  `tool_\d+_error`,
	"spark_core_prefix":   `^\[Spark Core Intelligence\]`,
	"cycle_summary":       `(?i)cycle summary`,
	"edit_call_count":     `\b\d+\s+calls?\s+to\s+Edit\b`,
	"success_rate_bare":   `^\s*\d+(\.\d+)?%\s+success\s*$`,
	"invocation_count_bare": `^\s*\d+/\d+\s+invocations?\s*$`,
})

// NegativePatterns match cautionary / negative-advisory phrasing that
// earns the 1.3x boost in gate step 5.
var NegativePatterns = NewSet(map[string]string{
	"dont":         `(?i)\bdon't\b`,
	"avoid":        `(?i)\bavoid\b`,
	"never":        `(?i)\bnever\b`,
	"watch_out":    `(?i)\bwatch out\b`,
	"caution":      `(?i)\bcaution\b`,
	"warning":      `(?i)\bwarning\b`,
	"careful":      `(?i)\bcareful\b`,
	"danger":       `(?i)\bdanger\b`,
	"past_failure": `(?i)\bpast failure\b`,
	"failed_when":  `(?i)\bfailed when\b`,
	"broke":        `(?i)\bbroke\b`,
})

// CautionMarkers match the stronger failure-context caution tags used in
// gate step 6's 1.5x boost.
var CautionMarkers = NewSet(map[string]string{
	"caution_tag":      `(?i)\[caution\]`,
	"past_failure_tag": `(?i)\[past failure\]`,
	"warning_tag":      `(?i)\[warning\]`,
	"warn_emoji":       `⚠`,
	"alarm_emoji":      `❗`,
})

// ActionableVerbs match a fixed small set of imperative verbs used by the
// gate's actionable micro-boost (step 7).
var ActionableVerbs = NewSet(map[string]string{
	"use":    `(?i)\buse\b`,
	"call":   `(?i)\bcall\b`,
	"run":    `(?i)\brun\b`,
	"check":  `(?i)\bcheck\b`,
	"verify": `(?i)\bverify\b`,
	"add":    `(?i)\badd\b`,
	"set":    `(?i)\bset\b`,
	"avoid_v": `(?i)\bavoid\b`,
})

// NoisePatterns match the "primitive noise" predicate that forces SILENT
// regardless of adjusted score (gate step 7).
var NoisePatterns = NewSet(map[string]string{
	"arrow_sequence":   `\b\w+\s*(→|->)\s*\w+\b`,
	"bare_success_rate": `^\s*\d+(\.\d+)?%\s+success\s*$`,
	"bare_invocations":  `^\s*\d+/\d+\b`,
	"generic_standard":  `(?i)\buse (the )?standard approach\b`,
})

// ReadBeforeEdit matches "Read before Edit" style advice text.
var ReadBeforeEdit = regexp.MustCompile(`(?i)read\s+before\s+edit`)

// GenericReadAdvice matches generic advice telling the model to read files.
var GenericReadAdvice = regexp.MustCompile(`(?i)\bread\s+(the\s+)?file\b|\bread\s+before\b`)

// WebFetchAdvice matches WebFetch-specific caveats.
var WebFetchAdvice = regexp.MustCompile(`(?i)\bwebfetch\b`)

// DeploymentFlavored matches deployment-oriented advice text.
var DeploymentFlavored = regexp.MustCompile(`(?i)\b(deploy|rollout|release|production)\b`)
