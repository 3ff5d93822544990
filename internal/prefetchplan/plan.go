// Package prefetchplan loads the prefetch worker's fixed next-tool
// probability table from an embedded YAML fixture, the same embed-once,
// never-mutate idiom internal/lexicon uses for the intent classifier.
package prefetchplan

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed plan.yaml
var raw []byte

// ToolProbability is one predicted next tool and its probability.
type ToolProbability struct {
	Tool        string
	Probability float64
}

// Table maps intent family to its ordered tool predictions, plus a
// fallback list for families the fixture doesn't name.
type Table struct {
	ByFamily map[string][]ToolProbability
	Default  []ToolProbability
}

type yamlDoc struct {
	Families map[string][]struct {
		Tool        string  `yaml:"tool"`
		Probability float64 `yaml:"probability"`
	} `yaml:"families"`
	Default []struct {
		Tool        string  `yaml:"tool"`
		Probability float64 `yaml:"probability"`
	} `yaml:"default"`
}

// Load parses the embedded fixture. It panics only on a malformed
// fixture — a build-time invariant, never a runtime condition.
func Load() *Table {
	var doc yamlDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("prefetchplan: embedded fixture is malformed: %v", err))
	}

	t := &Table{ByFamily: make(map[string][]ToolProbability, len(doc.Families))}
	for family, entries := range doc.Families {
		t.ByFamily[family] = toToolProbabilities(entries)
	}
	t.Default = toToolProbabilities(doc.Default)
	return t
}

func toToolProbabilities(entries []struct {
	Tool        string  `yaml:"tool"`
	Probability float64 `yaml:"probability"`
}) []ToolProbability {
	out := make([]ToolProbability, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToolProbability{Tool: e.Tool, Probability: e.Probability})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	return out
}

// Predictions returns the ordered tool predictions for intentFamily,
// falling back to the table's default list when the family is unknown.
func (t *Table) Predictions(intentFamily string) []ToolProbability {
	if preds, ok := t.ByFamily[intentFamily]; ok {
		return preds
	}
	return t.Default
}
