// Package lexicon loads the intent classifier's fixed keyword table from an
// embedded YAML fixture. The table is read once at process start and never
// mutated afterward, which is what keeps pkg/intent's Classifier.Classify pure and
// deterministic: same bytes in, same table, same output.
package lexicon

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var raw []byte

// Family is one closed-set intent family entry.
type Family struct {
	Name     string
	Keywords []string
}

// Table is the parsed, ready-to-use lexicon.
type Table struct {
	Families  []Family          // sorted by name for deterministic iteration
	PlaneOf   map[string]string // family -> plane
	ToolHints map[string]string // tool name -> family hint
}

type yamlDoc struct {
	Families map[string]struct {
		Keywords []string `yaml:"keywords"`
	} `yaml:"families"`
	Planes    map[string][]string `yaml:"planes"`
	ToolHints map[string]string   `yaml:"tool_hints"`
}

// Load parses the embedded lexicon fixture into a Table. It panics only on
// a malformed fixture (a build-time invariant, not a runtime condition),
// mirroring how the teacher's embedded migration fixtures are expected to
// always parse.
func Load() *Table {
	var doc yamlDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("lexicon: embedded fixture is malformed: %v", err))
	}

	names := make([]string, 0, len(doc.Families))
	for name := range doc.Families {
		names = append(names, name)
	}
	sort.Strings(names)

	t := &Table{
		PlaneOf:   make(map[string]string, len(doc.Families)),
		ToolHints: doc.ToolHints,
	}
	for _, name := range names {
		t.Families = append(t.Families, Family{Name: name, Keywords: doc.Families[name].Keywords})
	}
	for plane, families := range doc.Planes {
		for _, f := range families {
			t.PlaneOf[f] = plane
		}
	}
	return t
}
